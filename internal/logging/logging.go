// Package logging provides structured logging for conveyor using Go's slog.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/mattn/go-isatty"
)

type contextKey string

const (
	taskKey          contextKey = "task"
	prKey            contextKey = "pr"
	componentKey     contextKey = "component"
	correlationIDKey contextKey = "correlation_id"
)

var (
	defaultLogger *slog.Logger
	loggerMu      sync.RWMutex
)

func init() {
	defaultLogger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// Config holds logging configuration.
type Config struct {
	Level    string          `yaml:"level" toml:"level"`       // debug, info, warn, error
	Format   string          `yaml:"format" toml:"format"`     // json, text, auto
	Output   string          `yaml:"output" toml:"output"`     // stdout, stderr, or file path
	Rotation *RotationConfig `yaml:"rotation" toml:"rotation"` // only used for file output
}

// RotationConfig holds log rotation settings.
type RotationConfig struct {
	MaxSize    string `yaml:"max_size" toml:"max_size"` // e.g. "50MB"
	MaxAge     string `yaml:"max_age" toml:"max_age"`   // e.g. "7d"
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
}

// DefaultConfig returns sensible defaults for logging.
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: "auto",
		Output: "stdout",
	}
}

// Init initializes the global logger with the given configuration.
func Init(cfg *Config) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	level := parseLevel(cfg.Level)
	writer, err := getWriter(cfg)
	if err != nil {
		return err
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	switch resolveFormat(cfg.Format, writer) {
	case "json":
		handler = slog.NewJSONHandler(writer, opts)
	default:
		handler = slog.NewTextHandler(writer, opts)
	}

	logger := slog.New(handler)
	loggerMu.Lock()
	defaultLogger = logger
	loggerMu.Unlock()
	slog.SetDefault(logger)

	return nil
}

// Suppress redirects all logging to io.Discard. Used while the TUI owns the terminal.
func Suppress() {
	discardLogger := slog.New(slog.NewTextHandler(io.Discard, nil))

	loggerMu.Lock()
	defaultLogger = discardLogger
	loggerMu.Unlock()

	slog.SetDefault(discardLogger)
}

func parseLevel(level string) slog.Level {
	switch level {
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

// resolveFormat maps "auto" to text on a terminal and json everywhere else
// (CI runners, containers, log files).
func resolveFormat(format string, w io.Writer) string {
	if format != "auto" && format != "" {
		return format
	}
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		return "text"
	}
	return "json"
}

func getWriter(cfg *Config) (io.Writer, error) {
	switch cfg.Output {
	case "stdout", "":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		return newRotatingWriter(cfg.Output, cfg.Rotation)
	}
}

// Logger returns the global logger.
func Logger() *slog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return defaultLogger
}

// WithComponent returns a logger with a component attribute.
func WithComponent(component string) *slog.Logger {
	return Logger().With(slog.String("component", component))
}

// WithTask returns a logger scoped to a task number.
func WithTask(number int) *slog.Logger {
	return Logger().With(slog.Int("task", number))
}

// WithCorrelationID returns a logger with a correlation ID for trigger tracing.
func WithCorrelationID(correlationID string) *slog.Logger {
	return Logger().With(slog.String("correlation_id", correlationID))
}

// WithContext returns a logger carrying the values stored in ctx.
func WithContext(ctx context.Context) *slog.Logger {
	logger := Logger()

	if v, ok := ctx.Value(correlationIDKey).(string); ok {
		logger = logger.With(slog.String("correlation_id", v))
	}
	if v, ok := ctx.Value(componentKey).(string); ok {
		logger = logger.With(slog.String("component", v))
	}
	if v, ok := ctx.Value(taskKey).(int); ok {
		logger = logger.With(slog.Int("task", v))
	}
	if v, ok := ctx.Value(prKey).(int); ok {
		logger = logger.With(slog.Int("pr", v))
	}

	return logger
}

// ContextWithTask adds a task number to the context.
func ContextWithTask(ctx context.Context, number int) context.Context {
	return context.WithValue(ctx, taskKey, number)
}

// ContextWithPR adds a pull request number to the context.
func ContextWithPR(ctx context.Context, number int) context.Context {
	return context.WithValue(ctx, prKey, number)
}

// ContextWithComponent adds a component name to the context.
func ContextWithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// ContextWithCorrelationID adds a correlation ID to the context.
func ContextWithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

// CorrelationID returns the correlation ID stored in ctx, if any.
func CorrelationID(ctx context.Context) string {
	v, _ := ctx.Value(correlationIDKey).(string)
	return v
}
