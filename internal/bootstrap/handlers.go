package bootstrap

import (
	"log/slog"
	"os"

	"github.com/eleven-am/transcription-worker/internal/admin"
	"github.com/eleven-am/transcription-worker/internal/apikey"
	"github.com/eleven-am/transcription-worker/internal/events"
	"github.com/eleven-am/transcription-worker/internal/job"
	"github.com/labstack/echo/v4"
	"go.uber.org/fx"
)

type HandlerParams struct {
	fx.In

	AdminHandler  *admin.Handler
	APIKeyHandler *apikey.Handler
	Middleware    *apikey.Middleware
}

func RegisterRoutes(e *echo.Echo, params HandlerParams) {
	api := e.Group("/v1")
	api.Use(params.Middleware.Authenticate)

	read := params.Middleware.RequireScope(apikey.ScopeRead)
	adminScope := params.Middleware.RequireScope(apikey.ScopeAdmin)

	params.AdminHandler.RegisterRoutes(api.Group("/jobs"), read, adminScope)

	keysGroup := api.Group("/keys")
	keysGroup.Use(adminScope)
	params.APIKeyHandler.RegisterRoutes(keysGroup)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func ProvideLogger(cfg *Config) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
}

func ProvideAPIKeyMiddleware(store *apikey.Store) *apikey.Middleware {
	return apikey.NewMiddleware(store)
}

func ProvideAPIKeyHandler(store *apikey.Store, logger *slog.Logger) *apikey.Handler {
	return apikey.NewHandler(store, logger.With("handler", "apikey"))
}

func ProvideAdminHandler(store *job.Store, notifier *events.Notifier, logger *slog.Logger) *admin.Handler {
	return admin.NewHandler(store, notifier, logger.With("handler", "admin"))
}

var HandlersModule = fx.Options(
	fx.Provide(
		ProvideAPIKeyMiddleware,
		ProvideAPIKeyHandler,
		ProvideAdminHandler,
	),
	fx.Invoke(RegisterRoutes),
)
