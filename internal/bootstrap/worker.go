package bootstrap

import (
	"context"
	"log/slog"

	"github.com/eleven-am/transcription-worker/internal/blob"
	"github.com/eleven-am/transcription-worker/internal/events"
	"github.com/eleven-am/transcription-worker/internal/job"
	"github.com/eleven-am/transcription-worker/internal/processor"
	"github.com/eleven-am/transcription-worker/internal/scheduler"
	"github.com/eleven-am/transcription-worker/internal/shared"
	"github.com/eleven-am/transcription-worker/internal/transcription"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

func ProvideNotifier(client *redis.Client, logger *slog.Logger) *events.Notifier {
	return events.NewNotifier(client, logger)
}

func ProvideProcessor(
	store *job.Store,
	fetcher *blob.Fetcher,
	engine transcription.Engine,
	notifier *events.Notifier,
	cfg *Config,
	logger *slog.Logger,
) *processor.Processor {
	return processor.New(store, fetcher, engine, notifier, processor.Config{
		Language:   cfg.STTLanguage,
		JobTimeout: cfg.JobTimeout,
		Backoff: shared.BackoffConfig{
			Initial:     cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
			MaxAttempts: cfg.MaxAttempts,
		},
		WorkerID: cfg.WorkerID,
	}, logger.With("worker_id", cfg.WorkerID))
}

func ProvideTrigger(lc fx.Lifecycle, client *redis.Client, cfg *Config, logger *slog.Logger) scheduler.Trigger {
	trigger := scheduler.NewRedisTrigger(client, cfg.PollInterval, logger)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return trigger.Close()
		},
	})
	return trigger
}

func ProvideScheduler(
	store *job.Store,
	proc *processor.Processor,
	trigger scheduler.Trigger,
	cfg *Config,
	logger *slog.Logger,
) *scheduler.Scheduler {
	return scheduler.New(store, proc, trigger, scheduler.Config{
		BatchSize:      cfg.BatchSize,
		Concurrency:    cfg.Concurrency,
		PollInterval:   cfg.PollInterval,
		MaxAttempts:    cfg.MaxAttempts,
		RequeueEnabled: cfg.RequeueEnabled,
		WorkerID:       cfg.WorkerID,
	}, logger.With("worker_id", cfg.WorkerID))
}

// StartWorker releases claims left by a previous run of this worker and
// runs the scheduler until the app stops. OnStop waits for the job in
// flight to finish.
func StartWorker(lc fx.Lifecycle, sched *scheduler.Scheduler, store *job.Store, cfg *Config, logger *slog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			released, err := store.ReleaseClaims(startCtx, cfg.WorkerID)
			if err != nil {
				logger.Warn("release stale claims failed", "worker_id", cfg.WorkerID, "error", err)
			} else if released > 0 {
				logger.Info("released stale claims", "worker_id", cfg.WorkerID, "count", released)
			}

			go func() {
				defer close(done)
				if err := sched.Run(ctx); err != nil {
					logger.Error("scheduler exited", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				logger.Info("worker stopped", "worker_id", cfg.WorkerID)
				return nil
			case <-stopCtx.Done():
				logger.Warn("worker did not stop before shutdown deadline", "worker_id", cfg.WorkerID)
				return stopCtx.Err()
			}
		},
	})
}

var WorkerModule = fx.Options(
	fx.Provide(
		ProvideNotifier,
		ProvideProcessor,
		ProvideTrigger,
		ProvideScheduler,
	),
	fx.Invoke(StartWorker),
)
