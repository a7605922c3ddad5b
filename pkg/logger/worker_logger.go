package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level represents log severity
type Level = zerolog.Level

const (
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
	LevelFatal = zerolog.FatalLevel
)

// ParseLevel parses a string level to Level. Unknown values fall back to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		return LevelInfo
	}
}

// Config for logger
type Config struct {
	Level   Level
	Output  io.Writer
	Service string
	Pretty  bool // human-readable console output for development
}

var (
	mu            sync.RWMutex
	defaultLogger zerolog.Logger
	initialized   bool
)

// Init initializes the default logger. Later calls replace it.
func Init(cfg Config) {
	l := New(cfg)

	mu.Lock()
	defaultLogger = l
	initialized = true
	mu.Unlock()
}

// New creates a new logger instance
func New(cfg Config) zerolog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	if cfg.Service == "" {
		cfg.Service = "autoreply"
	}

	return zerolog.New(out).
		Level(cfg.Level).
		With().
		Timestamp().
		Str("service", cfg.Service).
		Logger()
}

// Default returns the default logger
func Default() *zerolog.Logger {
	mu.RLock()
	if initialized {
		l := defaultLogger
		mu.RUnlock()
		return &l
	}
	mu.RUnlock()

	Init(Config{Level: LevelInfo})
	return Default()
}

// Component returns a child logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return Default().With().Str("component", name).Logger()
}

// Package-level functions using default logger
func Debug(msg string, args ...any) { Default().Debug().Msgf(msg, args...) }
func Info(msg string, args ...any)  { Default().Info().Msgf(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn().Msgf(msg, args...) }
func Error(msg string, args ...any) { Default().Error().Msgf(msg, args...) }
func Fatal(msg string, args ...any) { Default().Fatal().Msgf(msg, args...) }

// WithError returns the default logger with an error field.
func WithError(err error) *zerolog.Logger {
	l := Default().With().Err(err).Logger()
	return &l
}

// WithDuration adds duration in milliseconds
func WithDuration(d time.Duration) *zerolog.Logger {
	l := Default().With().Float64("duration_ms", float64(d.Microseconds())/1000.0).Logger()
	return &l
}
