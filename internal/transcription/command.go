package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/eleven-am/transcription-worker/internal/shared"
)

const (
	defaultCommandTimeout = 10 * time.Minute
	maxStderrInError      = 512
)

// CommandEngine runs an external transcriber as
//
//	<command> <audio file> <model> <language>
//
// and reads a JSON object {"text", "language", "duration"} from stdout.
// Progress output on stderr is ignored unless the command fails.
type CommandEngine struct {
	command    string
	model      string
	language   string
	warmupArgs []string
	timeout    time.Duration
	logger     *slog.Logger
}

func NewCommandEngine(cfg Config, logger *slog.Logger) (*CommandEngine, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, fmt.Errorf("stt command not configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	return &CommandEngine{
		command:    cfg.Command,
		model:      cfg.Model,
		language:   cfg.Language,
		warmupArgs: cfg.WarmupArgs,
		timeout:    timeout,
		logger:     logger.With("component", "stt", "engine", EngineCommand),
	}, nil
}

type commandOutput struct {
	Text     *string `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Error    string  `json:"error"`
}

// Warmup resolves the binary and, when warmup args are configured, runs it
// once so model weights are loaded before the first job.
func (e *CommandEngine) Warmup(ctx context.Context) error {
	path, err := exec.LookPath(e.command)
	if err != nil {
		return fmt.Errorf("stt command %q: %w", e.command, err)
	}
	e.command = path

	if len(e.warmupArgs) == 0 {
		e.logger.Info("STT command resolved", "path", path)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	if _, err := e.run(ctx, e.warmupArgs...); err != nil {
		return fmt.Errorf("stt warmup: %w", err)
	}
	e.logger.Info("STT command warmed up", "path", path, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (e *CommandEngine) Transcribe(ctx context.Context, path, language string) (*Result, error) {
	if language == "" {
		language = e.language
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	stdout, err := e.run(ctx, path, e.model, language)
	if err != nil {
		return nil, err
	}
	res, err := parseCommandOutput(stdout)
	if err != nil {
		return nil, err
	}
	res.Model = e.model
	return res, nil
}

func (e *CommandEngine) Close() error {
	return nil
}

func (e *CommandEngine) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, e.command, args...)
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("transcription timeout: %w", ctx.Err())
		}
		return nil, fmt.Errorf("stt command exited: %w: %s", err, tail(stderr.String(), maxStderrInError))
	}
	if stderr.Len() > 0 {
		e.logger.Debug("STT command stderr", "output", tail(stderr.String(), maxStderrInError))
	}
	return stdout.Bytes(), nil
}

func parseCommandOutput(stdout []byte) (*Result, error) {
	var out commandOutput
	if err := json.Unmarshal(bytes.TrimSpace(stdout), &out); err != nil {
		return nil, fmt.Errorf("parse stt output: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("stt error: %s", out.Error)
	}
	if out.Text == nil {
		return nil, fmt.Errorf("parse stt output: missing text")
	}
	return &Result{
		Text:            strings.TrimSpace(*out.Text),
		Language:        out.Language,
		DurationSeconds: out.Duration,
	}, nil
}

func tail(s string, n int) string {
	return shared.Tail(strings.TrimSpace(s), n)
}
