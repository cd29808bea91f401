package bootstrap

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"

	"github.com/eleven-am/transcription-worker/internal/blob"
	"github.com/eleven-am/transcription-worker/internal/transcription"
	"go.uber.org/fx"
	"google.golang.org/grpc/credentials"
)

func ProvideSTTConfig(cfg *Config) transcription.Config {
	sttCfg := transcription.Config{
		Address:    cfg.STTAddress,
		Token:      cfg.SidecarToken,
		Timeout:    cfg.STTTimeout,
		Command:    cfg.STTCommand,
		WarmupArgs: cfg.STTWarmupArgs,
		Model:      cfg.STTModel,
		Language:   cfg.STTLanguage,
	}
	if cfg.SidecarTLS {
		sttCfg.TLSCreds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	return sttCfg
}

// ProvideEngine builds the configured engine and warms it up before the
// worker starts. A warmup failure aborts startup.
func ProvideEngine(lc fx.Lifecycle, cfg *Config, sttCfg transcription.Config, logger *slog.Logger) (transcription.Engine, error) {
	engine, err := transcription.New(cfg.STTEngine, sttCfg, logger)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("warming up stt engine", "engine", cfg.STTEngine, "model", cfg.STTModel)
			if err := engine.Warmup(ctx); err != nil {
				return fmt.Errorf("stt warmup: %w", err)
			}
			return nil
		},
		OnStop: func(context.Context) error {
			return engine.Close()
		},
	})
	return engine, nil
}

func ProvideFetcher(cfg *Config, logger *slog.Logger) *blob.Fetcher {
	maxBytes := fetchLimit(cfg)
	if maxBytes < cfg.BlobMaxBytes {
		logger.Warn("BLOB_MAX_BYTES lowered to fit sidecar message size",
			"configured", cfg.BlobMaxBytes, "effective", maxBytes)
	}
	return blob.NewFetcher(blob.Config{
		Timeout:  cfg.BlobFetchTimeout,
		MaxBytes: maxBytes,
		TempDir:  cfg.BlobTempDir,
		Token:    cfg.BlobToken,
	}, logger)
}

// fetchLimit caps downloads at what the sidecar can accept in one request,
// so oversized audio fails at fetch time.
func fetchLimit(cfg *Config) int64 {
	if cfg.STTEngine != transcription.EngineSidecar {
		return cfg.BlobMaxBytes
	}
	return min(cfg.BlobMaxBytes, transcription.MaxSidecarAudioBytes(0))
}

var EngineModule = fx.Options(
	fx.Provide(
		ProvideSTTConfig,
		ProvideEngine,
		ProvideFetcher,
	),
)
