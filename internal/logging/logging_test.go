package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerTagsSubsystem(t *testing.T) {
	var buf bytes.Buffer
	b := NewBackend(&buf)
	b.Logger("SRVR").Info("transport: listening", "addr", "127.0.0.1:10000")

	out := buf.String()
	assert.Contains(t, out, "subsys=SRVR")
	assert.Contains(t, out, "addr=127.0.0.1:10000")
	assert.Contains(t, out, "level=INFO")
}

func TestSetLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	b := NewBackend(&buf)
	log := b.Logger("STAT")

	b.SetLevel(slog.LevelWarn)
	log.Info("hidden")
	assert.Empty(t, buf.String())

	log.Warn("shown")
	assert.Contains(t, buf.String(), "shown")

	b.SetLevel(slog.LevelDebug)
	log.Debug("debug shown")
	assert.Contains(t, buf.String(), "debug shown")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{" error ", slog.LevelError},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseLevel(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestRotatorReceivesRecords(t *testing.T) {
	var buf bytes.Buffer
	b := NewBackend(&buf)
	logFile := filepath.Join(t.TempDir(), "logs", "k2craft.log")
	require.NoError(t, b.InitRotator(logFile))

	b.Logger("MAIN").Info("written to file")
	require.NoError(t, b.Close())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
	assert.Contains(t, buf.String(), "written to file")
}

func TestDisabledDiscards(t *testing.T) {
	log := Disabled()
	assert.False(t, log.Enabled(context.Background(), slog.LevelError))
}
