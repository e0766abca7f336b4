package server

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the server configuration, loaded from environment variables.
type Config struct {
	ListenAddr      string
	DatabaseDSN     string // SQLite path or postgres:// URL
	BlobDriver      string // "fs" (default), "s3" or "memory"
	BlobDir         string
	ShutdownTimeout time.Duration
	LogFormat       string // "json" (default) or "text"
	LogLevel        string // "debug", "info" (default), "warn", "error"

	// Tokens maps static bearer tokens to user ids. Tokens not listed here
	// are checked against the api_keys table.
	Tokens         map[string]string
	AllowAnonymous bool

	RateLimitWrite int // writes per caller per minute (default: 120)
	RateLimitRead  int // reads per caller per minute (default: 600)
	MaxBodyBytes   int64
	IdempotencyTTL time.Duration
}

// LoadConfig reads configuration from environment variables with sensible defaults.
func LoadConfig() Config {
	cfg := Config{
		ListenAddr:      ":8080",
		DatabaseDSN:     "./data/server.db",
		BlobDriver:      "fs",
		BlobDir:         "./data/blobs",
		ShutdownTimeout: 30 * time.Second,
		LogFormat:       "json",
		LogLevel:        "info",

		RateLimitWrite: 120,
		RateLimitRead:  600,
		MaxBodyBytes:   10 << 20,
		IdempotencyTTL: 7 * 24 * time.Hour,
	}

	if v := os.Getenv("PTS_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("PTS_DATABASE"); v != "" {
		cfg.DatabaseDSN = v
	}
	if v := os.Getenv("PTS_BLOB_DRIVER"); v != "" {
		cfg.BlobDriver = v
	}
	if v := os.Getenv("PTS_BLOB_DIR"); v != "" {
		cfg.BlobDir = v
	}
	if v := os.Getenv("PTS_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ShutdownTimeout = d
		}
	}
	if v := os.Getenv("PTS_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("PTS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PTS_TOKENS"); v != "" {
		cfg.Tokens = parseTokens(v)
	}
	if v := os.Getenv("PTS_ALLOW_ANONYMOUS"); v == "true" || v == "1" {
		cfg.AllowAnonymous = true
	}

	if v := os.Getenv("PTS_RATE_LIMIT_WRITE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimitWrite = n
		}
	}
	if v := os.Getenv("PTS_RATE_LIMIT_READ"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimitRead = n
		}
	}
	if v := os.Getenv("PTS_MAX_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MaxBodyBytes = n
		}
	}
	if v := os.Getenv("PTS_IDEMPOTENCY_TTL"); v != "" {
		if d := parseDaysDuration(v); d > 0 {
			cfg.IdempotencyTTL = d
		}
	}

	return cfg
}

// parseTokens reads "token:user,token2:user2". A token without a user
// maps to "default".
func parseTokens(s string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, user, ok := strings.Cut(pair, ":")
		if !ok || user == "" {
			user = "default"
		}
		out[token] = user
	}
	return out
}

// parseDaysDuration parses a string like "7d" into a time.Duration.
// Falls back to time.ParseDuration for standard Go durations.
func parseDaysDuration(s string) time.Duration {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "d") {
		if n, err := strconv.Atoi(strings.TrimSuffix(s, "d")); err == nil && n > 0 {
			return time.Duration(n) * 24 * time.Hour
		}
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return 0
}
