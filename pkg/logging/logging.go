// Package logging builds the process-wide slog logger from configuration
// and adapts it for libraries with their own logger interfaces.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// Config mirrors config.LoggingConfig without importing it.
type Config struct {
	Level  string // DEBUG, INFO, WARN, ERROR
	Format string // json or text
	Output string // stdout, stderr or a file path
}

// New returns a logger and a closer for any opened file.
func New(cfg Config) (*slog.Logger, io.Closer, error) {
	var (
		w      io.Writer
		closer io.Closer = nopCloser{}
	)
	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, nil, fmt.Errorf("open log output: %w", err)
		}
		w, closer = f, f
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h), closer, nil
}

// ParseLevel maps a level name to slog; unknown names mean INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Badger adapts l to badger.Logger. A nil l yields nil, which silences badger.
// Badger's info output is demoted to debug.
func Badger(l *slog.Logger) badger.Logger {
	if l == nil {
		return nil
	}
	return badgerLogger{l}
}

type badgerLogger struct{ l *slog.Logger }

func (b badgerLogger) Errorf(f string, a ...interface{})   { b.l.Error(line(f, a...)) }
func (b badgerLogger) Warningf(f string, a ...interface{}) { b.l.Warn(line(f, a...)) }
func (b badgerLogger) Infof(f string, a ...interface{})    { b.l.Debug(line(f, a...)) }
func (b badgerLogger) Debugf(f string, a ...interface{})   { b.l.Debug(line(f, a...)) }

func line(format string, args ...interface{}) string {
	return strings.TrimRight(fmt.Sprintf(format, args...), "\n")
}
