package job

import "time"

type Status string

// The string values are shared with the session service that creates jobs:
// "transcribing" marks audio that is uploaded and waiting for a worker.
const (
	StatusEligible  Status = "transcribing"
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// DefaultConfidence is stored with every transcript; the engines do not
// report a usable confidence score.
const DefaultConfidence = 0.95

func (s Status) Valid() bool {
	switch s {
	case StatusEligible, StatusPending, StatusCompleted:
		return true
	}
	return false
}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted
}

type Job struct {
	ID            string     `gorm:"primaryKey" json:"id"`
	SourceLocator *string    `json:"source_locator,omitempty"`
	AudioFormat   string     `json:"audio_format,omitempty"`
	Status        Status     `gorm:"not null;index" json:"status"`
	OwnerID       string     `gorm:"index" json:"owner_id"`
	Attempts      int        `gorm:"not null;default:0" json:"attempts"`
	LastError     string     `json:"last_error,omitempty"`
	NextAttemptAt *time.Time `gorm:"index" json:"next_attempt_at,omitempty"`
	ClaimedBy     string     `json:"claimed_by,omitempty"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`
	CreatedAt     time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (Job) TableName() string {
	return "jobs"
}

// Locator returns the audio URL, or "" when none has been attached yet.
func (j *Job) Locator() string {
	if j.SourceLocator == nil {
		return ""
	}
	return *j.SourceLocator
}

type Transcript struct {
	ID              string    `gorm:"primaryKey" json:"id"`
	JobID           string    `gorm:"uniqueIndex;not null" json:"job_id"`
	Text            string    `gorm:"not null" json:"text"`
	Language        string    `gorm:"not null" json:"language"`
	Confidence      float64   `json:"confidence"`
	DurationSeconds float64   `json:"duration_seconds"`
	Model           string    `json:"model,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (Transcript) TableName() string {
	return "transcripts"
}
