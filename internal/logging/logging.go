package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"monoqueue/internal/configuration"

	"gopkg.in/natefinch/lumberjack.v2"
)

// ParseLevel maps a level name (debug, info, warn, warning, error) to a
// slog.Level. Unknown names map to Info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// New builds the JSON logger described by cfg. Output goes to stderr, or to
// a rotating file when cfg.File is set. A non-empty DEBUG environment
// variable forces the debug level. The returned closer releases the log
// file.
func New(cfg configuration.LoggerConfig) (*slog.Logger, io.Closer) {
	level := ParseLevel(cfg.Level)
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}

	var out io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		}
		out, closer = rotating, rotating
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	return slog.New(handler), closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
