package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eleven-am/transcription-worker/internal/job"
	"golang.org/x/sync/errgroup"
)

const (
	defaultBatchSize    = 5
	defaultPollInterval = 30 * time.Second
)

type Store interface {
	FetchEligible(ctx context.Context, limit int) ([]*job.Job, error)
	Claim(ctx context.Context, id, workerID string) (bool, error)
	RequeueDue(ctx context.Context, maxAttempts int) (int64, error)
}

type Processor interface {
	Process(ctx context.Context, j *job.Job) bool
}

type Config struct {
	BatchSize      int
	Concurrency    int
	PollInterval   time.Duration
	MaxAttempts    int
	RequeueEnabled bool
	WorkerID       string
}

// Summary describes one polling cycle.
type Summary struct {
	Requeued  int64 `json:"requeued"`
	Fetched   int   `json:"fetched"`
	Skipped   int   `json:"skipped"`
	Succeeded int   `json:"succeeded"`
	Failed    int   `json:"failed"`
}

type Stats struct {
	Cycles      uint64    `json:"cycles"`
	Succeeded   uint64    `json:"succeeded"`
	Failed      uint64    `json:"failed"`
	LastCycleAt time.Time `json:"last_cycle_at,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// Scheduler polls the store for eligible jobs and hands them to the
// processor one batch at a time.
type Scheduler struct {
	store     Store
	processor Processor
	trigger   Trigger
	cfg       Config
	logger    *slog.Logger

	cycles    atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64

	mu          sync.Mutex
	lastCycleAt time.Time
	lastError   string
}

func New(store Store, processor Processor, trigger Trigger, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if trigger == nil {
		trigger = NewIntervalTrigger(cfg.PollInterval)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:     store,
		processor: processor,
		trigger:   trigger,
		cfg:       cfg,
		logger:    logger.With("component", "scheduler"),
	}
}

// Run polls until ctx is cancelled. Errors from a cycle are logged and the
// loop backs off for a full interval; Run itself only returns on shutdown.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started",
		"worker_id", s.cfg.WorkerID,
		"batch_size", s.cfg.BatchSize,
		"concurrency", s.cfg.Concurrency,
		"poll_interval", s.cfg.PollInterval)

	for {
		if ctx.Err() != nil {
			s.logger.Info("scheduler stopped")
			return nil
		}

		summary, err := s.RunOnce(ctx)
		if err != nil {
			s.logger.Error("polling cycle failed", "error", err)
			if !sleep(ctx, s.cfg.PollInterval) {
				s.logger.Info("scheduler stopped")
				return nil
			}
			continue
		}
		if summary.Fetched > 0 || summary.Requeued > 0 {
			s.logger.Info("polling cycle finished",
				"requeued", summary.Requeued,
				"fetched", summary.Fetched,
				"skipped", summary.Skipped,
				"succeeded", summary.Succeeded,
				"failed", summary.Failed)
		}

		if err := s.trigger.Wait(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("trigger wait failed", "error", err)
			sleep(ctx, s.cfg.PollInterval)
		}
	}
}

// RunOnce runs a single cycle: promote due retries, fetch a batch and
// process it. Only store errors before dispatch are returned; job failures
// are counted in the summary.
func (s *Scheduler) RunOnce(ctx context.Context) (Summary, error) {
	var summary Summary
	s.cycles.Add(1)

	if s.cfg.RequeueEnabled {
		n, err := s.store.RequeueDue(ctx, s.cfg.MaxAttempts)
		if err != nil {
			s.recordCycle(err)
			return summary, fmt.Errorf("requeue due jobs: %w", err)
		}
		summary.Requeued = n
	}

	jobs, err := s.store.FetchEligible(ctx, s.cfg.BatchSize)
	if err != nil {
		s.recordCycle(err)
		return summary, err
	}
	summary.Fetched = len(jobs)

	var mu sync.Mutex
	count := func(outcome func(*Summary)) {
		mu.Lock()
		outcome(&summary)
		mu.Unlock()
	}

	jobCtx := context.WithoutCancel(ctx)

	if s.cfg.Concurrency <= 1 {
		for _, j := range jobs {
			if ctx.Err() != nil {
				break
			}
			s.dispatch(ctx, jobCtx, j, count)
		}
	} else {
		g := new(errgroup.Group)
		g.SetLimit(s.cfg.Concurrency)
		for _, j := range jobs {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				s.dispatch(ctx, jobCtx, j, count)
				return nil
			})
		}
		_ = g.Wait()
	}

	s.recordCycle(nil)
	return summary, nil
}

func (s *Scheduler) dispatch(ctx, jobCtx context.Context, j *job.Job, count func(func(*Summary))) {
	log := s.logger.With("job_id", j.ID)

	claimed, err := s.store.Claim(ctx, j.ID, s.cfg.WorkerID)
	if err != nil {
		log.Error("claim failed", "error", err)
		count(func(sm *Summary) { sm.Skipped++ })
		return
	}
	if !claimed {
		log.Debug("job claimed elsewhere, skipping")
		count(func(sm *Summary) { sm.Skipped++ })
		return
	}

	if s.process(jobCtx, j) {
		s.succeeded.Add(1)
		count(func(sm *Summary) { sm.Succeeded++ })
	} else {
		s.failed.Add(1)
		count(func(sm *Summary) { sm.Failed++ })
	}
}

func (s *Scheduler) process(ctx context.Context, j *job.Job) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("processor panicked", "job_id", j.ID, "panic", r)
			ok = false
		}
	}()
	log := s.logger.With("job_id", j.ID)
	log.Info("processing job", "attempts", j.Attempts)
	return s.processor.Process(ctx, j)
}

func (s *Scheduler) recordCycle(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCycleAt = time.Now().UTC()
	if err != nil {
		s.lastError = err.Error()
	} else {
		s.lastError = ""
	}
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Cycles:      s.cycles.Load(),
		Succeeded:   s.succeeded.Load(),
		Failed:      s.failed.Load(),
		LastCycleAt: s.lastCycleAt,
		LastError:   s.lastError,
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
