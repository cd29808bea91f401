package processor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/eleven-am/transcription-worker/internal/events"
	"github.com/eleven-am/transcription-worker/internal/job"
	"github.com/eleven-am/transcription-worker/internal/shared"
	"github.com/eleven-am/transcription-worker/internal/transcription"
)

const defaultLanguage = "en"

type Fetcher interface {
	Fetch(ctx context.Context, locator, ext string) (string, error)
	Remove(path string)
}

type Store interface {
	SaveTranscript(ctx context.Context, t *job.Transcript) error
	UpdateStatus(ctx context.Context, id string, status job.Status) error
	MarkFailed(ctx context.Context, id, reason string, nextAttemptAt time.Time) error
}

type Config struct {
	Language   string
	JobTimeout time.Duration
	Backoff    shared.BackoffConfig
	WorkerID   string
}

// Processor runs one attempt of a job: download, transcribe, persist,
// complete. Every failure leaves the job pending with the attempt recorded.
type Processor struct {
	store   Store
	fetcher Fetcher
	engine  transcription.Engine
	sink    events.Sink
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

func New(store Store, fetcher Fetcher, engine transcription.Engine, sink events.Sink, cfg Config, logger *slog.Logger) *Processor {
	if sink == nil {
		sink = events.NopSink{}
	}
	if cfg.Language == "" {
		cfg.Language = defaultLanguage
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:   store,
		fetcher: fetcher,
		engine:  engine,
		sink:    sink,
		cfg:     cfg,
		logger:  logger.With("component", "processor"),
		now:     time.Now,
	}
}

// Process reports whether the job reached completed. It never panics and
// never returns job-scoped errors; they are recorded on the job instead.
func (p *Processor) Process(ctx context.Context, j *job.Job) (ok bool) {
	start := p.now()
	log := p.logger.With("job_id", j.ID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while processing job", "panic", r)
			p.fail(ctx, log, j, fmt.Errorf("panic: %v", r))
			ok = false
		}
	}()

	path, err := p.fetcher.Fetch(ctx, j.Locator(), j.AudioFormat)
	if err != nil {
		p.fail(ctx, log, j, fmt.Errorf("fetch audio: %w", err))
		return false
	}
	defer p.fetcher.Remove(path)
	log.Debug("audio fetched", "path", path)

	res, err := p.transcribe(ctx, path)
	if err != nil {
		p.fail(ctx, log, j, err)
		return false
	}

	language := res.Language
	if language == "" {
		language = p.cfg.Language
	}
	transcript := &job.Transcript{
		JobID:           j.ID,
		Text:            res.Text,
		Language:        language,
		Confidence:      job.DefaultConfidence,
		DurationSeconds: res.DurationSeconds,
		Model:           res.Model,
	}
	if err := p.store.SaveTranscript(ctx, transcript); err != nil {
		p.fail(ctx, log, j, fmt.Errorf("save transcript: %w", err))
		return false
	}

	if err := p.store.UpdateStatus(ctx, j.ID, job.StatusCompleted); err != nil {
		log.Error("transcript saved but job not marked completed", "error", err)
		p.sink.Record(ctx, events.Event{
			Type:     events.TypeFailed,
			JobID:    j.ID,
			OwnerID:  j.OwnerID,
			WorkerID: p.cfg.WorkerID,
			Error:    fmt.Sprintf("update status: %v", err),
		})
		return false
	}

	elapsed := p.now().Sub(start)
	log.Info("job completed",
		"language", language,
		"chars", len(res.Text),
		"audio_seconds", res.DurationSeconds,
		"duration_ms", elapsed.Milliseconds())
	p.sink.Record(ctx, events.Event{
		Type:       events.TypeCompleted,
		JobID:      j.ID,
		OwnerID:    j.OwnerID,
		WorkerID:   p.cfg.WorkerID,
		Attempts:   j.Attempts,
		DurationMs: elapsed.Milliseconds(),
	})
	return true
}

func (p *Processor) transcribe(ctx context.Context, path string) (*transcription.Result, error) {
	if p.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.JobTimeout)
		defer cancel()
	}
	res, err := p.engine.Transcribe(ctx, path, p.cfg.Language)
	if err != nil {
		return nil, fmt.Errorf("transcribe: %w", err)
	}
	if res == nil {
		return nil, fmt.Errorf("transcribe: engine returned no result")
	}
	return res, nil
}

func (p *Processor) fail(ctx context.Context, log *slog.Logger, j *job.Job, cause error) {
	attempts := j.Attempts + 1
	nextAt := p.now().Add(p.cfg.Backoff.Delay(attempts))

	if err := p.store.MarkFailed(ctx, j.ID, cause.Error(), nextAt); err != nil {
		log.Error("failed to revert job to pending", "error", err, "cause", cause)
	}

	if p.cfg.Backoff.Exhausted(attempts) {
		log.Warn("job failed, no attempts left", "error", cause, "attempts", attempts)
	} else {
		log.Warn("job failed", "error", cause, "attempts", attempts, "next_attempt_at", nextAt)
	}

	p.sink.Record(ctx, events.Event{
		Type:     events.TypeFailed,
		JobID:    j.ID,
		OwnerID:  j.OwnerID,
		WorkerID: p.cfg.WorkerID,
		Attempts: attempts,
		Error:    cause.Error(),
	})
}
