package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/eleven-am/transcription-worker/internal/dto"
	"github.com/eleven-am/transcription-worker/internal/events"
	"github.com/eleven-am/transcription-worker/internal/job"
	"github.com/eleven-am/transcription-worker/internal/shared"
	"github.com/labstack/echo/v4"
)

type JobStore interface {
	Get(ctx context.Context, id string) (*job.Job, error)
	GetTranscript(ctx context.Context, jobID string) (*job.Transcript, error)
	Requeue(ctx context.Context, id string) (*job.Job, error)
}

type Notifier interface {
	events.Sink
	Wake(ctx context.Context) error
	Subscribe(ctx context.Context, handler func(events.Event)) error
}

type Handler struct {
	jobs     JobStore
	notifier Notifier
	logger   *slog.Logger
}

func NewHandler(jobs JobStore, notifier Notifier, logger *slog.Logger) *Handler {
	return &Handler{
		jobs:     jobs,
		notifier: notifier,
		logger:   logger.With("component", "admin"),
	}
}

// RegisterRoutes mounts the job routes on g. read and admin are the scope
// guards applied to inspection and mutation routes respectively.
func (h *Handler) RegisterRoutes(g *echo.Group, read, admin echo.MiddlewareFunc) {
	g.GET("/events", h.StreamEvents, read)
	g.GET("/:id", h.GetJob, read)
	g.POST("/:id/requeue", h.Requeue, admin)
}

func (h *Handler) GetJob(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	j, err := h.jobs.Get(ctx, id)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return shared.NotFound("job_not_found", "job not found")
		}
		h.logger.Error("failed to load job", "job_id", id, "error", err)
		return shared.InternalError("get_failed", "failed to load job")
	}

	resp := jobToResponse(j)
	t, err := h.jobs.GetTranscript(ctx, id)
	switch {
	case err == nil:
		resp.Transcript = transcriptToResponse(t)
	case !errors.Is(err, shared.ErrNotFound):
		h.logger.Error("failed to load transcript", "job_id", id, "error", err)
		return shared.InternalError("get_failed", "failed to load transcript")
	}

	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) Requeue(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	j, err := h.jobs.Requeue(ctx, id)
	if err != nil {
		switch {
		case errors.Is(err, shared.ErrNotFound):
			return shared.NotFound("job_not_found", "job not found")
		case errors.Is(err, job.ErrClaimed):
			return shared.Conflict("job_in_progress", "job is being processed by a worker")
		case errors.Is(err, shared.ErrConflict):
			return shared.Conflict("already_transcribed", "job already has a transcript")
		}
		h.logger.Error("failed to requeue job", "job_id", id, "error", err)
		return shared.InternalError("requeue_failed", "failed to requeue job")
	}

	h.logger.Info("job requeued by operator", "job_id", id)
	h.notifier.Record(ctx, events.Event{
		Type:    events.TypeRequeued,
		JobID:   j.ID,
		OwnerID: j.OwnerID,
	})

	resp := dto.RequeueResponse{Job: jobToResponse(j)}
	if err := h.notifier.Wake(ctx); err != nil {
		h.logger.Warn("wake signal failed", "job_id", id, "error", err)
		resp.Warning = "job requeued; worker will pick it up on its next poll"
	}

	return c.JSON(http.StatusOK, resp)
}

func jobToResponse(j *job.Job) dto.JobResponse {
	resp := dto.JobResponse{
		ID:            j.ID,
		Status:        string(j.Status),
		OwnerID:       j.OwnerID,
		SourceLocator: j.SourceLocator,
		AudioFormat:   j.AudioFormat,
		Attempts:      j.Attempts,
		LastError:     j.LastError,
		ClaimedBy:     j.ClaimedBy,
		CreatedAt:     j.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:     j.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if j.NextAttemptAt != nil {
		next := j.NextAttemptAt.UTC().Format(time.RFC3339)
		resp.NextAttemptAt = &next
	}
	return resp
}

func transcriptToResponse(t *job.Transcript) *dto.TranscriptResponse {
	return &dto.TranscriptResponse{
		Text:            t.Text,
		Language:        t.Language,
		Confidence:      t.Confidence,
		DurationSeconds: t.DurationSeconds,
		Model:           t.Model,
		UpdatedAt:       t.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
