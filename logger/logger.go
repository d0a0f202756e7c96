package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

type Config struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
	File   string `yaml:"file"`
}

var level = new(slog.LevelVar)

// Init initializes the global slog logger.
// Logs go to stdout unless File is set. The returned closer releases the
// log file, if any.
func Init(cfg Config) io.Closer {
	level.Set(ParseLevel(cfg.Level))
	opts := &slog.HandlerOptions{Level: level}

	var (
		w      io.Writer = os.Stdout
		closer io.Closer = nopCloser{}
	)

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			slog.Error("failed to create log directory, using stdout only", "file", cfg.File, "error", err)
		} else {
			f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				slog.Error("failed to open log file, using stdout only", "file", cfg.File, "error", err)
			} else {
				w = f
				closer = f
			}
		}
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	slog.SetDefault(slog.New(handler))
	return closer
}

// SetLevel changes the level of the global logger at runtime.
func SetLevel(s string) {
	level.Set(ParseLevel(s))
}

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewRequestLogger creates a logger with a unique requestId for API handlers.
func NewRequestLogger() *slog.Logger {
	return slog.With("requestId", uuid.Must(uuid.NewV7()).String())
}

// LogPanic logs a recovered panic value together with the stack trace.
func LogPanic(recovered any, msg string, args ...any) {
	args = append(args, "panic", fmt.Sprint(recovered), "stack", string(debug.Stack()))
	slog.Error(msg, args...)
}

// Truncate shortens s to at most maxLen runes, appending "..." when cut.
func Truncate(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxLen]) + "..."
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
