// Package logging builds the slog logger shared by the binaries.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	slogmulti "github.com/samber/slog-multi"
)

// Config selects level, console format and an optional JSON log file.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // text, json
	File   string
}

// New builds a logger writing to stderr, and additionally as JSON to
// cfg.File when set. The returned cleanup closes the file.
func New(cfg Config) (*slog.Logger, func() error, error) {
	level := ParseLevel(cfg.Level)
	console := consoleHandler(os.Stderr, cfg.Format, level)
	if cfg.File == "" {
		return slog.New(console), func() error { return nil }, nil
	}

	file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	return slog.New(slogmulti.Fanout(console, fileHandler)), file.Close, nil
}

// NewWithWriters is New with explicit writers; file may be nil.
func NewWithWriters(console, file io.Writer, format, level string) *slog.Logger {
	lvl := ParseLevel(level)
	h := consoleHandler(console, format, lvl)
	if file == nil {
		return slog.New(h)
	}
	return slog.New(slogmulti.Fanout(h, slog.NewJSONHandler(file, &slog.HandlerOptions{Level: lvl})))
}

func consoleHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
	return tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
		NoColor:    !isTerminal(w),
	})
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}

// ParseLevel converts a level name to slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
