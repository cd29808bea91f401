package bootstrap

import (
	"crypto/tls"

	"github.com/eleven-am/transcription-worker/internal/events"
	"github.com/eleven-am/transcription-worker/internal/health"
	"github.com/eleven-am/transcription-worker/internal/job"
	"github.com/eleven-am/transcription-worker/internal/scheduler"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"gorm.io/gorm"
)

const version = "1.0.0"

func ProvideHealthHandler(
	db *gorm.DB,
	redis *redis.Client,
	cfg *Config,
	jobStore *job.Store,
	sched *scheduler.Scheduler,
	notifier *events.Notifier,
) *health.Handler {
	stt := health.STTConfig{
		Engine:  cfg.STTEngine,
		Address: cfg.STTAddress,
		Command: cfg.STTCommand,
	}
	if cfg.SidecarTLS {
		stt.DialOptions = []grpc.DialOption{
			grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})),
		}
	}

	return health.NewHandler(health.Deps{
		DB:       db,
		Redis:    redis,
		STT:      stt,
		Jobs:     jobStore,
		Worker:   sched,
		Metrics:  notifier,
		WorkerID: cfg.WorkerID,
		Version:  version,
	})
}

func metricsMiddleware(h *health.Handler) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h.IncrementRequests()
			h.IncrementConnections()
			defer h.DecrementConnections()
			return next(c)
		}
	}
}

func RegisterHealthRoutes(e *echo.Echo, h *health.Handler) {
	e.Use(metricsMiddleware(h))
	h.RegisterRoutes(e)
}

var HealthModule = fx.Options(
	fx.Provide(ProvideHealthHandler),
	fx.Invoke(RegisterHealthRoutes),
)
