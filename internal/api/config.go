package api

import (
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the server configuration.
type Config struct {
	ListenAddr      string
	DatabaseURL     string // SQLite path or postgres:// DSN
	ShutdownTimeout time.Duration
	LogFormat       string // "json" or "text"
	LogLevel        string

	RateLimitWrite int // mutations per API key per minute
	RateLimitRead  int // row listings per API key per minute
	RateLimitOther int

	MaxBodyBytes int64

	CORSAllowedOrigins []string // empty disables CORS

	IdempotencyRetention time.Duration
}

var serverDefaults = map[string]any{
	"listen_addr":           ":8080",
	"database_url":          "./data/kept.db",
	"shutdown_timeout":      "30s",
	"log_format":            "json",
	"log_level":             "info",
	"rate_limit_write":      600,
	"rate_limit_read":       300,
	"rate_limit_other":      300,
	"max_body_bytes":        int64(1 << 20),
	"cors_allowed_origins":  "",
	"idempotency_retention": "30d",
}

// LoadConfig reads SYNC_* environment variables over the defaults. Invalid
// values fall back to the default.
func LoadConfig() Config {
	v := viper.New()
	for k, val := range serverDefaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix("SYNC")
	v.AutomaticEnv()

	cfg := Config{
		ListenAddr:     v.GetString("listen_addr"),
		DatabaseURL:    v.GetString("database_url"),
		LogFormat:      v.GetString("log_format"),
		LogLevel:       v.GetString("log_level"),
		RateLimitWrite: positive(v.GetInt("rate_limit_write"), serverDefaults["rate_limit_write"].(int)),
		RateLimitRead:  positive(v.GetInt("rate_limit_read"), serverDefaults["rate_limit_read"].(int)),
		RateLimitOther: positive(v.GetInt("rate_limit_other"), serverDefaults["rate_limit_other"].(int)),
		MaxBodyBytes:   v.GetInt64("max_body_bytes"),
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = serverDefaults["max_body_bytes"].(int64)
	}

	cfg.ShutdownTimeout = 30 * time.Second
	if d, err := time.ParseDuration(v.GetString("shutdown_timeout")); err == nil && d > 0 {
		cfg.ShutdownTimeout = d
	}
	cfg.IdempotencyRetention = 30 * 24 * time.Hour
	if d := parseDaysDuration(v.GetString("idempotency_retention")); d > 0 {
		cfg.IdempotencyRetention = d
	}

	for _, o := range strings.Split(v.GetString("cors_allowed_origins"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
		}
	}
	return cfg
}

func positive(n, def int) int {
	if n > 0 {
		return n
	}
	return def
}

// parseDaysDuration parses "90d" style retention values, falling back to
// time.ParseDuration. It returns 0 for anything it cannot read.
func parseDaysDuration(s string) time.Duration {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		if n, err := strconv.Atoi(days); err == nil && n > 0 {
			return time.Duration(n) * 24 * time.Hour
		}
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return 0
}
