package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eleven-am/transcription-worker/internal/shared"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultClaimTTL   = 30 * time.Minute
	maxLastErrorBytes = 1024

	noTranscript = "NOT EXISTS (SELECT 1 FROM transcripts WHERE transcripts.job_id = jobs.id)"
)

// ErrClaimed is returned by Requeue while a worker holds a live claim.
var ErrClaimed = fmt.Errorf("%w: job is being processed", shared.ErrConflict)

// Store is the gorm-backed job lifecycle store. Every method is a single
// short statement on the shared pool; nothing holds a connection across
// the processing of a job.
type Store struct {
	db       *gorm.DB
	claimTTL time.Duration
	now      func() time.Time
}

func NewStore(db *gorm.DB, claimTTL time.Duration) *Store {
	if claimTTL <= 0 {
		claimTTL = defaultClaimTTL
	}
	return &Store{
		db:       db,
		claimTTL: claimTTL,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&Job{}, &Transcript{})
}

func (s *Store) Create(ctx context.Context, j *Job) error {
	if j.ID == "" {
		j.ID = shared.NewID("job_")
	}
	if j.Status == "" {
		j.Status = StatusPending
	}
	if !j.Status.Valid() {
		return fmt.Errorf("%w: status %q", shared.ErrInvalidInput, j.Status)
	}
	return s.db.WithContext(ctx).Create(j).Error
}

func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	var j Job
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&j).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// FetchEligible returns up to limit jobs that are waiting for a worker:
// status transcribing, an audio locator, no transcript and no live claim.
// Oldest first. A transcript row excludes a job regardless of its status.
func (s *Store) FetchEligible(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 5
	}
	staleBefore := s.now().Add(-s.claimTTL)

	var jobs []*Job
	err := s.db.WithContext(ctx).
		Where("status = ?", StatusEligible).
		Where("source_locator IS NOT NULL AND source_locator <> ''").
		Where(noTranscript).
		Where("(claimed_at IS NULL OR claimed_at < ?)", staleBefore).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("fetch eligible jobs: %w", err)
	}
	return jobs, nil
}

// Claim marks the job as owned by workerID. It reports false when the job
// is no longer eligible or another worker holds a live claim.
func (s *Store) Claim(ctx context.Context, id, workerID string) (bool, error) {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, StatusEligible).
		Where("(claimed_at IS NULL OR claimed_at < ?)", now.Add(-s.claimTTL)).
		Updates(map[string]any{
			"claimed_by": workerID,
			"claimed_at": now,
			"updated_at": now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("claim job %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ReleaseClaims drops every claim held by workerID, e.g. after a crash.
func (s *Store) ReleaseClaims(ctx context.Context, workerID string) (int64, error) {
	res := s.db.WithContext(ctx).Model(&Job{}).
		Where("claimed_by = ?", workerID).
		Updates(map[string]any{
			"claimed_by": "",
			"claimed_at": nil,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("release claims for %s: %w", workerID, res.Error)
	}
	return res.RowsAffected, nil
}

// SaveTranscript inserts the transcript or, when one already exists for
// the job, overwrites its content and refreshes updated_at.
func (s *Store) SaveTranscript(ctx context.Context, t *Transcript) error {
	if t.JobID == "" {
		return fmt.Errorf("%w: transcript without job id", shared.ErrInvalidInput)
	}
	if t.ID == "" {
		t.ID = shared.NewID("tr_")
	}
	now := s.now()
	t.CreatedAt = now
	t.UpdatedAt = now

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "job_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"text", "language", "confidence", "duration_seconds", "model", "updated_at",
		}),
	}).Create(t).Error
	if err != nil {
		return fmt.Errorf("save transcript for job %s: %w", t.JobID, err)
	}
	return nil
}

func (s *Store) GetTranscript(ctx context.Context, jobID string) (*Transcript, error) {
	var t Transcript
	err := s.db.WithContext(ctx).Where("job_id = ?", jobID).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateStatus sets the status, refreshes updated_at and drops any claim.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: status %q", shared.ErrInvalidInput, status)
	}
	updates := map[string]any{
		"status":     status,
		"claimed_by": "",
		"claimed_at": nil,
		"updated_at": s.now(),
	}
	if status == StatusCompleted {
		updates["next_attempt_at"] = nil
	}

	res := s.db.WithContext(ctx).Model(&Job{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update status for job %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// MarkFailed moves the job back to pending and records the attempt.
// nextAttemptAt is when automatic re-queue may pick it up again.
func (s *Store) MarkFailed(ctx context.Context, id, reason string, nextAttemptAt time.Time) error {
	res := s.db.WithContext(ctx).Model(&Job{}).Where("id = ?", id).Updates(map[string]any{
		"status":          StatusPending,
		"attempts":        gorm.Expr("attempts + 1"),
		"last_error":      shared.Truncate(reason, maxLastErrorBytes),
		"next_attempt_at": nextAttemptAt.UTC(),
		"claimed_by":      "",
		"claimed_at":      nil,
		"updated_at":      s.now(),
	})
	if res.Error != nil {
		return fmt.Errorf("mark job %s failed: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// RequeueDue promotes pending jobs this worker failed earlier back to
// transcribing once their retry time has passed. Jobs that never had an
// attempt, or that ran out of attempts, are left alone. maxAttempts <= 0
// means unlimited.
func (s *Store) RequeueDue(ctx context.Context, maxAttempts int) (int64, error) {
	now := s.now()
	q := s.db.WithContext(ctx).Model(&Job{}).
		Where("status = ? AND attempts > 0", StatusPending).
		Where("next_attempt_at IS NOT NULL AND next_attempt_at <= ?", now).
		Where(noTranscript)
	if maxAttempts > 0 {
		q = q.Where("attempts < ?", maxAttempts)
	}

	res := q.Updates(map[string]any{
		"status":          StatusEligible,
		"next_attempt_at": nil,
		"updated_at":      now,
	})
	if res.Error != nil {
		return 0, fmt.Errorf("requeue due jobs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Requeue is the operator path: the job becomes eligible again with a
// fresh attempt budget. Jobs that already have a transcript, or that a
// worker is processing under a live claim, are rejected.
func (s *Store) Requeue(ctx context.Context, id string) (*Job, error) {
	j, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&Transcript{}).Where("job_id = ?", id).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, fmt.Errorf("%w: job %s already has a transcript", shared.ErrConflict, id)
	}

	now := s.now()
	staleBefore := now.Add(-s.claimTTL)
	if j.ClaimedAt != nil && j.ClaimedAt.After(staleBefore) {
		return nil, fmt.Errorf("%w: job %s claimed by %s", ErrClaimed, id, j.ClaimedBy)
	}

	res := s.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Where("(claimed_at IS NULL OR claimed_at < ?)", staleBefore).
		Updates(map[string]any{
			"status":          StatusEligible,
			"attempts":        0,
			"last_error":      "",
			"next_attempt_at": nil,
			"claimed_by":      "",
			"claimed_at":      nil,
			"updated_at":      now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("requeue job %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: job %s", ErrClaimed, id)
	}

	j.Status = StatusEligible
	j.Attempts = 0
	j.LastError = ""
	j.NextAttemptAt = nil
	j.ClaimedBy = ""
	j.ClaimedAt = nil
	j.UpdatedAt = now
	return j, nil
}

func (s *Store) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	var rows []struct {
		Status Status
		Count  int64
	}
	err := s.db.WithContext(ctx).Model(&Job{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[Status]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}
