// Package config handles application configuration and environment loading.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Cache backends.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
	CacheBadger = "badger"
)

// CacheConfig selects and sizes the results cache store.
type CacheConfig struct {
	Backend string // memory (default), redis or badger
	// Memory backend
	Shards int
	Size   int
	// Redis backend
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	// Badger backend; empty keeps the store in memory
	BadgerDir string
	// LazyFactor widens the lazy_async staleness bound relative to the
	// recompute cadence. Must be greater than 1.
	LazyFactor float64
}

// TrackerConfig bounds asynchronous computations.
type TrackerConfig struct {
	Workers          int
	QueueSize        int
	PickupTimeout    time.Duration
	ExecutionTimeout time.Duration
	StatusExpiry     time.Duration
	MaxAttempts      int
	SweepSchedule    string
}

// Config holds the configuration of the query server.
type Config struct {
	ListenAddr  string // HTTP listen address (default ":8080")
	TLSCertFile string // TLS certificate file path (optional)
	TLSKeyFile  string // TLS private key file path (optional)
	LogLevel    string // log level: debug, info, warn, error (default "info")
	Env         string // environment: "development" (default) or "production"

	MetaDBPath        string // SQLite file holding statuses and table definitions
	DuckDBPath        string // DuckDB file; empty for in-memory
	EngineThreads     int
	EngineMemoryLimit string
	TeamsFile         string // YAML file with tenant settings and tables

	// SyncTimeout bounds every synchronous computation.
	SyncTimeout     time.Duration
	MaxSyncAttempts int

	Cache   CacheConfig
	Tracker TrackerConfig

	// Rate limiting
	RateLimitRPS   float64 // sustained requests per second (default 100)
	RateLimitBurst int     // burst capacity (default 200)

	// CORS
	CORSAllowedOrigins []string // allowed origins for CORS (default: ["*"])

	// JWTSecret enables HS256 bearer tokens carrying team claims. Empty
	// disables authentication (development only).
	JWTSecret string

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsProduction returns true when the server is running in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		ListenAddr:        os.Getenv("LISTEN_ADDR"),
		TLSCertFile:       os.Getenv("TLS_CERT_FILE"),
		TLSKeyFile:        os.Getenv("TLS_KEY_FILE"),
		LogLevel:          os.Getenv("LOG_LEVEL"),
		Env:               os.Getenv("ENV"),
		MetaDBPath:        os.Getenv("META_DB_PATH"),
		DuckDBPath:        os.Getenv("DUCKDB_PATH"),
		EngineMemoryLimit: os.Getenv("ENGINE_MEMORY_LIMIT"),
		TeamsFile:         os.Getenv("TEAMS_FILE"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		Cache: CacheConfig{
			Backend:       strings.ToLower(os.Getenv("CACHE_BACKEND")),
			RedisAddr:     os.Getenv("REDIS_ADDR"),
			RedisPassword: os.Getenv("REDIS_PASSWORD"),
			RedisPrefix:   os.Getenv("REDIS_PREFIX"),
			BadgerDir:     os.Getenv("BADGER_DIR"),
		},
		Tracker: TrackerConfig{
			SweepSchedule: os.Getenv("STATUS_SWEEP_SCHEDULE"),
		},
	}

	var errs []string
	intVar := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = n
		}
	}
	durationVar := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = d
		}
	}

	intVar("ENGINE_THREADS", &cfg.EngineThreads)
	intVar("MAX_SYNC_ATTEMPTS", &cfg.MaxSyncAttempts)
	durationVar("SYNC_TIMEOUT", &cfg.SyncTimeout)
	intVar("CACHE_SHARDS", &cfg.Cache.Shards)
	intVar("CACHE_SIZE", &cfg.Cache.Size)
	intVar("REDIS_DB", &cfg.Cache.RedisDB)
	intVar("ASYNC_WORKERS", &cfg.Tracker.Workers)
	intVar("ASYNC_QUEUE_SIZE", &cfg.Tracker.QueueSize)
	intVar("ASYNC_MAX_ATTEMPTS", &cfg.Tracker.MaxAttempts)
	durationVar("ASYNC_PICKUP_TIMEOUT", &cfg.Tracker.PickupTimeout)
	durationVar("ASYNC_EXECUTION_TIMEOUT", &cfg.Tracker.ExecutionTimeout)
	durationVar("STATUS_EXPIRY", &cfg.Tracker.StatusExpiry)
	intVar("RATE_LIMIT_BURST", &cfg.RateLimitBurst)
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimitRPS = f
		} else {
			errs = append(errs, fmt.Sprintf("RATE_LIMIT_RPS: %v", err))
		}
	}
	if v := os.Getenv("CACHE_LAZY_FACTOR"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Cache.LazyFactor = f
		} else {
			errs = append(errs, fmt.Sprintf("CACHE_LAZY_FACTOR: %v", err))
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}

	// CORS
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		origins := strings.Split(v, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		cfg.CORSAllowedOrigins = compactNonEmpty(origins)
	}

	// Defaults
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.MetaDBPath == "" {
		cfg.MetaDBPath = "analytics_meta.sqlite"
	}
	if cfg.SyncTimeout == 0 {
		cfg.SyncTimeout = 60 * time.Second
	}
	if cfg.MaxSyncAttempts == 0 {
		cfg.MaxSyncAttempts = 2
	}
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = CacheMemory
	}
	if cfg.Cache.LazyFactor == 0 {
		cfg.Cache.LazyFactor = 3
	}
	if cfg.Cache.RedisPrefix == "" {
		cfg.Cache.RedisPrefix = "duck-analytics:"
	}
	if cfg.Tracker.SweepSchedule == "" {
		cfg.Tracker.SweepSchedule = "@every 1m"
	}
	if cfg.RateLimitRPS == 0 {
		cfg.RateLimitRPS = 100
	}
	if cfg.RateLimitBurst == 0 {
		cfg.RateLimitBurst = 200
	}
	if len(cfg.CORSAllowedOrigins) == 0 {
		cfg.CORSAllowedOrigins = []string{"*"}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.JWTSecret == "" {
		cfg.Warnings = append(cfg.Warnings, "JWT_SECRET not set; every caller may query every team")
	}
	if cfg.Cache.Backend == CacheMemory {
		cfg.Warnings = append(cfg.Warnings, "in-memory results cache is not shared between server instances")
	}

	// Production mode: insecure defaults are fatal errors.
	if cfg.IsProduction() {
		if cfg.JWTSecret == "" {
			return nil, fmt.Errorf("JWT_SECRET must be set in production (ENV=production)")
		}
		if len(cfg.CORSAllowedOrigins) == 1 && cfg.CORSAllowedOrigins[0] == "*" {
			return nil, fmt.Errorf("CORS wildcard (*) is not allowed in production (ENV=production)")
		}
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("both TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	switch c.Cache.Backend {
	case CacheMemory, CacheBadger:
	case CacheRedis:
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when CACHE_BACKEND=redis")
		}
	default:
		return fmt.Errorf("unknown CACHE_BACKEND %q (want memory, redis or badger)", c.Cache.Backend)
	}
	if c.Cache.LazyFactor <= 1 {
		return fmt.Errorf("CACHE_LAZY_FACTOR must be greater than 1, got %v", c.Cache.LazyFactor)
	}
	if c.SyncTimeout < 0 {
		return fmt.Errorf("SYNC_TIMEOUT must not be negative")
	}
	if c.MaxSyncAttempts < 1 {
		return fmt.Errorf("MAX_SYNC_ATTEMPTS must be at least 1")
	}
	return nil
}

func compactNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// LoadDotEnv reads a .env file and sets any variables not already in the environment.
// Lines must be in KEY=VALUE format. Comments (#) and blank lines are skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil // .env not found is not an error
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = stripQuotes(strings.TrimSpace(value))
		// Only set if not already in the environment (env vars take precedence)
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("setenv %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

// stripQuotes removes surrounding double or single quotes from a value.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
