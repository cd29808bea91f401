package bootstrap

import (
	"fmt"
	"log/slog"

	"github.com/eleven-am/transcription-worker/internal/apikey"
	"github.com/eleven-am/transcription-worker/internal/job"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func ProvideJobStore(db *gorm.DB, cfg *Config) *job.Store {
	return job.NewStore(db, cfg.ClaimTTL)
}

func ProvideAPIKeyStore(db *gorm.DB) *apikey.Store {
	return apikey.NewStore(db)
}

func RunMigrations(cfg *Config, jobStore *job.Store, apiKeyStore *apikey.Store, log *slog.Logger) error {
	if !cfg.AutoMigrate {
		log.Info("auto migrate disabled")
		return nil
	}
	if err := jobStore.Migrate(); err != nil {
		return fmt.Errorf("migrate jobs: %w", err)
	}
	if err := apiKeyStore.Migrate(); err != nil {
		return fmt.Errorf("migrate api keys: %w", err)
	}
	return nil
}

var StoresModule = fx.Options(
	fx.Provide(
		ProvideJobStore,
		ProvideAPIKeyStore,
	),
	fx.Invoke(RunMigrations),
)
