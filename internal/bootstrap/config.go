package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/eleven-am/transcription-worker/internal/transcription"
	"github.com/google/uuid"
)

type Config struct {
	ServerAddr string
	LogLevel   string

	DatabaseDSN string
	AutoMigrate bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	WorkerID       string
	PollInterval   time.Duration
	BatchSize      int
	Concurrency    int
	JobTimeout     time.Duration
	ClaimTTL       time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RequeueEnabled bool

	STTEngine     string
	STTAddress    string
	SidecarToken  string
	SidecarTLS    bool
	STTTimeout    time.Duration
	STTCommand    string
	STTWarmupArgs []string
	STTModel      string
	STTLanguage   string

	BlobFetchTimeout time.Duration
	BlobMaxBytes     int64
	BlobTempDir      string
	BlobToken        string
}

func LoadConfig() (*Config, error) {
	cfg := &Config{
		ServerAddr: getEnv("SERVER_ADDR", ":8080"),
		LogLevel:   strings.ToLower(getEnv("LOG_LEVEL", "info")),

		DatabaseDSN: getEnv("DATABASE_DSN", os.Getenv("DATABASE_URL")),
		AutoMigrate: getEnvBool("AUTO_MIGRATE", true),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		WorkerID:       getEnv("WORKER_ID", ""),
		PollInterval:   getEnvSeconds("POLL_INTERVAL", 30*time.Second),
		BatchSize:      getEnvInt("BATCH_SIZE", 5),
		Concurrency:    getEnvInt("CONCURRENCY", 1),
		JobTimeout:     getEnvSeconds("JOB_TIMEOUT", 0),
		ClaimTTL:       getEnvSeconds("CLAIM_TTL", 30*time.Minute),
		MaxAttempts:    getEnvInt("MAX_ATTEMPTS", 5),
		RetryBaseDelay: getEnvSeconds("RETRY_BASE_DELAY", time.Minute),
		RetryMaxDelay:  getEnvSeconds("RETRY_MAX_DELAY", time.Hour),
		RequeueEnabled: getEnvBool("REQUEUE_ENABLED", true),

		STTEngine:     strings.ToLower(getEnv("STT_ENGINE", transcription.EngineCommand)),
		STTAddress:    getEnv("STT_ADDRESS", "localhost:50052"),
		SidecarToken:  getEnv("SIDECAR_TOKEN", ""),
		SidecarTLS:    getEnvBool("SIDECAR_TLS", false),
		STTTimeout:    getEnvSeconds("STT_TIMEOUT", 10*time.Minute),
		STTCommand:    getEnv("STT_COMMAND", "transcribe"),
		STTWarmupArgs: strings.Fields(getEnv("STT_WARMUP_ARGS", "")),
		STTModel:      getEnv("STT_MODEL", "tiny"),
		STTLanguage:   getEnv("STT_LANGUAGE", "en"),

		BlobFetchTimeout: getEnvSeconds("BLOB_FETCH_TIMEOUT", 30*time.Second),
		BlobMaxBytes:     int64(getEnvInt("BLOB_MAX_BYTES", 500<<20)),
		BlobTempDir:      getEnv("BLOB_TEMP_DIR", os.TempDir()),
		BlobToken:        getEnv("BLOB_TOKEN", ""),
	}

	if cfg.WorkerID == "" {
		cfg.WorkerID = defaultWorkerID()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseDSN == "" {
		errs = append(errs, errors.New("DATABASE_DSN is required"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("POLL_INTERVAL must be positive"))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, errors.New("BATCH_SIZE must be positive"))
	}
	if c.Concurrency <= 0 {
		errs = append(errs, errors.New("CONCURRENCY must be positive"))
	}
	if c.JobTimeout < 0 {
		errs = append(errs, errors.New("JOB_TIMEOUT must not be negative"))
	}
	if c.ClaimTTL <= 0 {
		errs = append(errs, errors.New("CLAIM_TTL must be positive"))
	}
	if c.MaxAttempts < 0 {
		errs = append(errs, errors.New("MAX_ATTEMPTS must not be negative"))
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		errs = append(errs, errors.New("RETRY_BASE_DELAY must be positive and not exceed RETRY_MAX_DELAY"))
	}
	if c.BlobMaxBytes <= 0 {
		errs = append(errs, errors.New("BLOB_MAX_BYTES must be positive"))
	}
	switch c.STTEngine {
	case transcription.EngineSidecar:
		if c.STTAddress == "" {
			errs = append(errs, errors.New("STT_ADDRESS is required for the sidecar engine"))
		}
	case transcription.EngineCommand:
		if c.STTCommand == "" {
			errs = append(errs, errors.New("STT_COMMAND is required for the command engine"))
		}
	default:
		errs = append(errs, fmt.Errorf("STT_ENGINE %q is not one of sidecar, command", c.STTEngine))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvSeconds reads a whole number of seconds, or a Go duration string
// such as "90s" or "5m".
func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if i, err := strconv.Atoi(value); err == nil {
		return time.Duration(i) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return defaultValue
}
