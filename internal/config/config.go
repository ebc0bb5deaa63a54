// Package config centralizes how syllaparse reads environment variables and
// exposes them as strongly typed values.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents runtime configuration for the API server and the worker.
type Config struct {
	Address string

	// DatabaseURL may be empty: the service then runs with every cache
	// disabled and recomputes on each request.
	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	S3Endpoint    string
	S3AccessKey   string
	S3SecretKey   string
	S3UseSSL      bool
	S3Region      string
	ArchiveBucket string

	InferenceBaseURL string
	InferenceAPIKey  string

	MaxFileSize int64
	// HandleSafetyMargin is subtracted from a stored handle expiry before the
	// handle is considered usable, so a handle never expires mid-request.
	HandleSafetyMargin time.Duration

	RateLimit  int
	RateWindow time.Duration

	ShareBaseURL      string
	WorkerConcurrency int
}

const (
	defaultAddress     = ":8080"
	defaultRedisAddr   = "localhost:6379"
	defaultMaxFileSize = 25 << 20 // 25 MiB
	defaultMargin      = 2 * time.Minute
	defaultRateLimit   = 10
	defaultRateWindow  = time.Minute
	defaultBucket      = "syllaparse-documents"
	defaultWorkers     = 4
)

// Load reads configuration from environment variables falling back to
// defaults. Only nonsensical values are corrected; absence is not an error.
func Load() (*Config, error) {
	cfg := &Config{
		Address:            readEnv("SYLLAPARSE_ADDRESS", defaultAddress),
		DatabaseURL:        readEnv("SYLLAPARSE_DATABASE_URL", ""),
		RedisAddr:          readEnv("SYLLAPARSE_REDIS_ADDR", defaultRedisAddr),
		RedisPassword:      readEnv("SYLLAPARSE_REDIS_PASSWORD", ""),
		RedisDB:            parseInt("SYLLAPARSE_REDIS_DB", 0),
		S3Endpoint:         readEnv("SYLLAPARSE_S3_ENDPOINT", ""),
		S3AccessKey:        readEnv("SYLLAPARSE_S3_ACCESS_KEY", ""),
		S3SecretKey:        readEnv("SYLLAPARSE_S3_SECRET_KEY", ""),
		S3UseSSL:           parseBool("SYLLAPARSE_S3_USE_SSL", false),
		S3Region:           readEnv("SYLLAPARSE_S3_REGION", "us-east-1"),
		ArchiveBucket:      readEnv("SYLLAPARSE_S3_BUCKET", defaultBucket),
		InferenceBaseURL:   readEnv("SYLLAPARSE_INFERENCE_URL", ""),
		InferenceAPIKey:    readEnv("SYLLAPARSE_INFERENCE_API_KEY", ""),
		MaxFileSize:        parseInt64("SYLLAPARSE_MAX_FILE_BYTES", defaultMaxFileSize),
		HandleSafetyMargin: parseDuration("SYLLAPARSE_HANDLE_MARGIN", defaultMargin),
		RateLimit:          parseInt("SYLLAPARSE_RATE_LIMIT", defaultRateLimit),
		RateWindow:         parseDuration("SYLLAPARSE_RATE_WINDOW", defaultRateWindow),
		ShareBaseURL:       strings.TrimSuffix(readEnv("SYLLAPARSE_SHARE_BASE_URL", "http://localhost:8080"), "/"),
		WorkerConcurrency:  parseInt("SYLLAPARSE_WORKERS", defaultWorkers),
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = defaultMaxFileSize
	}
	if cfg.HandleSafetyMargin < 0 {
		cfg.HandleSafetyMargin = defaultMargin
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = defaultRateWindow
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = defaultWorkers
	}
	return cfg, nil
}

func readEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func parseInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseInt64(key string, def int64) int64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
	}
	return def
}

func parseBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}
