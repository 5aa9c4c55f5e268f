package log

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "text", cfg.Format)
	assert.Equal(t, "stderr", cfg.Output)
	assert.Equal(t, 200, cfg.BufferLines)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.input), "ParseLevel(%q)", tt.input)
	}
}

func TestInit_Buffer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BufferLines = 10
	require.NoError(t, Init(cfg))

	Warn("realtime: test line", "channel", "abc")

	lines := RecentLines(5)
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[len(lines)-1], "realtime: test line")
}

func TestInit_BufferDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BufferLines = 0
	require.NoError(t, Init(cfg))

	assert.Nil(t, RecentLines(5))
}
