package transcription

import (
	"context"
	"fmt"
	"log/slog"
)

// Engine turns a local audio file into text. Implementations are used
// sequentially by one worker and must not retry internally.
type Engine interface {
	Transcribe(ctx context.Context, path, language string) (*Result, error)
	Warmup(ctx context.Context) error
	Close() error
}

func New(kind string, cfg Config, logger *slog.Logger) (Engine, error) {
	switch kind {
	case EngineCommand, "":
		return NewCommandEngine(cfg, logger)
	case EngineSidecar:
		return NewSidecarEngine(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown stt engine %q", kind)
	}
}
