package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Ledger backends
const (
	LedgerMemory   = "memory"
	LedgerSQLite   = "sqlite"
	LedgerPostgres = "postgres"
	LedgerRedis    = "redis"
)

type Config struct {
	Port        string
	Environment string
	LogLevel    string

	// Ledger
	LedgerBackend   string
	SQLitePath      string
	DatabaseURL     string
	RedisURL        string
	ClaimTTL        time.Duration
	LedgerRetention time.Duration
	PruneInterval   time.Duration

	// OAuth - Google
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
	GoogleRefreshToken string
	EncryptionKey      string

	// Poll scheduler
	PollMinInterval  time.Duration
	PollMaxInterval  time.Duration
	PollRunOnStart   bool
	CycleTimeout     time.Duration
	ThreadTimeout    time.Duration
	ReplyConcurrency int
	AnsweredTTL      time.Duration

	// Gateway
	GatewayCallTimeout time.Duration
	GatewayRPS         float64
	InboxPageSize      int
	InboxMaxPages      int

	// Reply
	ReplyLabel      string
	ReplyBody       string
	SkipAutomated   bool
	RecordMalformed bool
	OwnerNameTTL    time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		// Ledger
		LedgerBackend:   strings.ToLower(getEnv("LEDGER_BACKEND", LedgerSQLite)),
		SQLitePath:      getEnv("SQLITE_PATH", "autoreply.db"),
		DatabaseURL:     getEnv("DATABASE_URL", ""),
		RedisURL:        getEnv("REDIS_URL", ""),
		ClaimTTL:        getEnvDuration("CLAIM_TTL", 10*time.Minute),
		LedgerRetention: getEnvDuration("LEDGER_RETENTION", 90*24*time.Hour),
		PruneInterval:   getEnvDuration("PRUNE_INTERVAL", 6*time.Hour),

		// OAuth - Google
		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURL:  getEnv("GOOGLE_REDIRECT_URL", ""),
		GoogleRefreshToken: getEnv("GOOGLE_REFRESH_TOKEN", ""),
		EncryptionKey:      getEnv("ENCRYPTION_KEY", ""),

		// Poll scheduler
		PollMinInterval:  getEnvDuration("POLL_MIN_INTERVAL", 45*time.Second),
		PollMaxInterval:  getEnvDuration("POLL_MAX_INTERVAL", 120*time.Second),
		PollRunOnStart:   getEnvBool("POLL_RUN_ON_START", true),
		CycleTimeout:     getEnvDuration("CYCLE_TIMEOUT", 5*time.Minute),
		ThreadTimeout:    getEnvDuration("THREAD_TIMEOUT", 30*time.Second),
		ReplyConcurrency: getEnvInt("REPLY_CONCURRENCY", 4),
		AnsweredTTL:      getEnvDuration("ANSWERED_CACHE_TTL", 6*time.Hour),

		// Gateway
		GatewayCallTimeout: getEnvDuration("GATEWAY_CALL_TIMEOUT", 15*time.Second),
		GatewayRPS:         getEnvFloat("GATEWAY_RPS", 10),
		InboxPageSize:      getEnvInt("INBOX_PAGE_SIZE", 100),
		InboxMaxPages:      getEnvInt("INBOX_MAX_PAGES", 10),

		// Reply
		ReplyLabel:      getEnv("REPLY_LABEL", "Auto-Replied"),
		ReplyBody:       getEnv("REPLY_BODY", ""),
		SkipAutomated:   getEnvBool("SKIP_AUTOMATED", true),
		RecordMalformed: getEnvBool("RECORD_MALFORMED", true),
		OwnerNameTTL:    getEnvDuration("OWNER_NAME_TTL", time.Hour),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the worker cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.PollMinInterval <= 0 {
		errs = append(errs, fmt.Errorf("POLL_MIN_INTERVAL must be positive, got %s", c.PollMinInterval))
	}
	if c.PollMaxInterval < c.PollMinInterval {
		errs = append(errs, fmt.Errorf("POLL_MAX_INTERVAL (%s) is below POLL_MIN_INTERVAL (%s)", c.PollMaxInterval, c.PollMinInterval))
	}
	if c.ReplyConcurrency < 1 {
		errs = append(errs, fmt.Errorf("REPLY_CONCURRENCY must be at least 1, got %d", c.ReplyConcurrency))
	}
	if c.CycleTimeout <= 0 || c.ThreadTimeout <= 0 || c.GatewayCallTimeout <= 0 {
		errs = append(errs, errors.New("CYCLE_TIMEOUT, THREAD_TIMEOUT and GATEWAY_CALL_TIMEOUT must be positive"))
	}
	if c.InboxPageSize < 1 || c.InboxPageSize > 500 {
		errs = append(errs, fmt.Errorf("INBOX_PAGE_SIZE must be within 1..500, got %d", c.InboxPageSize))
	}
	if c.InboxMaxPages < 0 {
		errs = append(errs, fmt.Errorf("INBOX_MAX_PAGES must not be negative, got %d", c.InboxMaxPages))
	}
	if c.AnsweredTTL < 0 {
		errs = append(errs, fmt.Errorf("ANSWERED_CACHE_TTL must not be negative, got %s", c.AnsweredTTL))
	}
	// a claim that lapses mid-thread lets another worker send a second reply
	if c.ClaimTTL > 0 && c.ClaimTTL <= c.ThreadTimeout {
		errs = append(errs, fmt.Errorf("CLAIM_TTL (%s) must exceed THREAD_TIMEOUT (%s)", c.ClaimTTL, c.ThreadTimeout))
	}

	switch c.LedgerBackend {
	case LedgerMemory:
	case LedgerSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite ledger"))
		}
	case LedgerPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres ledger"))
		}
	case LedgerRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis ledger"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown LEDGER_BACKEND %q", c.LedgerBackend))
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s", "2m") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// HasGoogleCredentials reports whether the OAuth client is configured.
func (c *Config) HasGoogleCredentials() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != ""
}
