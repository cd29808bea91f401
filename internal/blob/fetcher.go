package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultMaxBytes = 500 << 20
	defaultExt      = "webm"
)

var ErrTooLarge = errors.New("blob exceeds size limit")

type Config struct {
	Timeout  time.Duration
	MaxBytes int64
	TempDir  string
	Token    string
}

// Fetcher downloads audio blobs to local temp files. The caller owns the
// returned file and must pass it to Remove.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
	tempDir  string
	logger   *slog.Logger
}

func NewFetcher(cfg Config, logger *slog.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := &http.Client{Timeout: cfg.Timeout}
	if cfg.Token != "" {
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token, TokenType: "Bearer"})
		client = oauth2.NewClient(context.Background(), src)
		client.Timeout = cfg.Timeout
	}

	return &Fetcher{
		client:   client,
		maxBytes: cfg.MaxBytes,
		tempDir:  cfg.TempDir,
		logger:   logger.With("component", "blob"),
	}
}

// Fetch downloads locator into a fresh temp file named audio_*.<ext> and
// returns its path. On any error no file is left behind.
func (f *Fetcher) Fetch(ctx context.Context, locator, ext string) (string, error) {
	if locator == "" {
		return "", fmt.Errorf("empty locator")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download audio: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("download audio: unexpected status %d", resp.StatusCode)
	}
	if resp.ContentLength > f.maxBytes {
		return "", fmt.Errorf("%w: content length %d", ErrTooLarge, resp.ContentLength)
	}

	file, err := os.CreateTemp(f.tempDir, "audio_*."+sanitizeExt(ext))
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	path := file.Name()

	n, err := io.Copy(file, io.LimitReader(resp.Body, f.maxBytes+1))
	closeErr := file.Close()
	switch {
	case err != nil:
		err = fmt.Errorf("write audio: %w", err)
	case n > f.maxBytes:
		err = fmt.Errorf("%w: more than %d bytes", ErrTooLarge, f.maxBytes)
	case closeErr != nil:
		err = fmt.Errorf("close temp file: %w", closeErr)
	}
	if err != nil {
		f.Remove(path)
		return "", err
	}

	f.logger.Debug("audio downloaded", "path", path, "bytes", n)
	return path, nil
}

// Remove deletes a downloaded file. Missing files are ignored.
func (f *Fetcher) Remove(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		f.logger.Warn("failed to remove temp audio", "path", path, "error", err)
	}
}

func sanitizeExt(ext string) string {
	ext = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ext)), ".")
	if ext == "" {
		return defaultExt
	}
	for _, r := range ext {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return defaultExt
		}
	}
	return ext
}
