package dto

type TranscriptResponse struct {
	Text            string  `json:"text"`
	Language        string  `json:"language"`
	Confidence      float64 `json:"confidence"`
	DurationSeconds float64 `json:"duration_seconds"`
	Model           string  `json:"model,omitempty"`
	UpdatedAt       string  `json:"updated_at"`
}

type JobResponse struct {
	ID            string              `json:"id" example:"job_abc123"`
	Status        string              `json:"status" example:"transcribing"`
	OwnerID       string              `json:"owner_id,omitempty"`
	SourceLocator *string             `json:"source_locator,omitempty"`
	AudioFormat   string              `json:"audio_format,omitempty" example:"webm"`
	Attempts      int                 `json:"attempts"`
	LastError     string              `json:"last_error,omitempty"`
	NextAttemptAt *string             `json:"next_attempt_at,omitempty"`
	ClaimedBy     string              `json:"claimed_by,omitempty"`
	CreatedAt     string              `json:"created_at"`
	UpdatedAt     string              `json:"updated_at"`
	Transcript    *TranscriptResponse `json:"transcript,omitempty"`
}

type RequeueResponse struct {
	Job     JobResponse `json:"job"`
	Warning string      `json:"warning,omitempty"`
}
