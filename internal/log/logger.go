// Package log provides the process-wide structured logger for frontdesk.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Config holds logging configuration.
type Config struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "text", "json"
	Output string // "stderr", "stdout"

	// In-memory buffer of recent lines (0 to disable)
	BufferLines int
}

// DefaultConfig returns the default logging configuration.
// Logs go to stderr so that `frontdesk watch` can keep stdout for events.
func DefaultConfig() *Config {
	return &Config{
		Level:       "info",
		Format:      "text",
		Output:      "stderr",
		BufferLines: 200,
	}
}

// ParseLevel converts a string level to slog.Level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var (
	defaultLogger *slog.Logger
	logBuffer     *RingBuffer
	mu            sync.RWMutex
)

// Init initializes the global logger with the given configuration.
func Init(cfg *Config) error {
	mu.Lock()
	defer mu.Unlock()

	var w io.Writer = os.Stderr
	if cfg.Output == "stdout" {
		w = os.Stdout
	}

	var handler slog.Handler = NewConsoleHandler(w, cfg, ParseLevel(cfg.Level))

	if cfg.BufferLines > 0 {
		logBuffer = NewRingBuffer(cfg.BufferLines)
		handler = NewBufferHandler(handler, logBuffer)
	} else {
		logBuffer = nil
	}

	defaultLogger = slog.New(handler)
	slog.SetDefault(defaultLogger)
	return nil
}

// Logger returns the current default logger.
func Logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if defaultLogger == nil {
		return slog.Default()
	}
	return defaultLogger
}

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	Logger().Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	Logger().Info(msg, args...)
}

// Warn logs at warn level.
func Warn(msg string, args ...any) {
	Logger().Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	Logger().Error(msg, args...)
}

// With returns a logger with the given attributes.
func With(args ...any) *slog.Logger {
	return Logger().With(args...)
}

// Log logs at the given level.
func Log(ctx context.Context, level slog.Level, msg string, args ...any) {
	Logger().Log(ctx, level, msg, args...)
}

// RecentLines returns the last n buffered lines, or nil if the buffer is disabled.
func RecentLines(n int) []string {
	mu.RLock()
	defer mu.RUnlock()
	if logBuffer == nil {
		return nil
	}
	return logBuffer.Lines(n)
}
