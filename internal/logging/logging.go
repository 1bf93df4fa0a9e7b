// Package logging provides the leveled, per-subsystem loggers used across
// k2craft.
//
// A single Backend is created by the binary and every subsystem logger is
// derived from it, so all of them share one level and one set of outputs:
// the console writer passed to NewBackend and, after InitRotator, a
// size-rotated log file.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jrick/logrotate/rotator"
)

const (
	rotateThresholdKB = 10 * 1024
	rotateMaxRolls    = 3
)

// Backend is the shared sink behind all subsystem loggers.
type Backend struct {
	out     io.Writer
	level   *slog.LevelVar
	handler slog.Handler

	mu  sync.Mutex
	rot *rotator.Rotator
}

// NewBackend returns a Backend writing text records to out.
func NewBackend(out io.Writer) *Backend {
	b := &Backend{
		out:   out,
		level: new(slog.LevelVar),
	}
	b.handler = slog.NewTextHandler(b, &slog.HandlerOptions{Level: b.level})
	return b
}

// Write implements io.Writer. Records go to the console writer and, when a
// rotator is installed, to the log file.
func (b *Backend) Write(p []byte) (int, error) {
	b.out.Write(p) //nolint:errcheck
	b.mu.Lock()
	rot := b.rot
	b.mu.Unlock()
	if rot != nil {
		rot.Write(p) //nolint:errcheck
	}
	return len(p), nil
}

// InitRotator starts writing to logFile, rolling it over every
// rotateThresholdKB and keeping rotateMaxRolls old files.
func (b *Backend) InitRotator(logFile string) error {
	if err := os.MkdirAll(filepath.Dir(logFile), 0700); err != nil {
		return fmt.Errorf("logging: create log directory: %w", err)
	}
	r, err := rotator.New(logFile, rotateThresholdKB, false, rotateMaxRolls)
	if err != nil {
		return fmt.Errorf("logging: create file rotator: %w", err)
	}
	b.mu.Lock()
	old := b.rot
	b.rot = r
	b.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// SetLevel changes the level of every logger derived from b.
func (b *Backend) SetLevel(l slog.Level) {
	b.level.Set(l)
}

// Logger returns a logger tagged with the given subsystem name.
func (b *Backend) Logger(subsystem string) *slog.Logger {
	return slog.New(b.handler).With("subsys", subsystem)
}

// Close flushes and closes the rotator, if any.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rot == nil {
		return nil
	}
	err := b.rot.Close()
	b.rot = nil
	return err
}

// ParseLevel maps debug, info, warn and error (any case) to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return l, fmt.Errorf("logging: unknown level %q", s)
	}
	return l, nil
}

// Disabled returns a logger that discards everything. Packages start with it
// until the binary installs a real one through their UseLogger function.
func Disabled() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
