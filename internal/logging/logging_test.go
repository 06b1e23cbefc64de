package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T, cfg Config) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	cfg.Output = &buf
	require.NoError(t, Init(cfg))
	t.Cleanup(func() { _ = Init(DefaultConfig()) })
	return &buf
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, InfoLevel, cfg.Level)
	assert.Equal(t, os.Stderr, cfg.Output)
	assert.False(t, cfg.Pretty)
	assert.Equal(t, time.RFC3339, cfg.TimeFormat)
	assert.Empty(t, cfg.LogFile)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"DEBUG", DebugLevel},
		{"debug", DebugLevel},
		{"INFO", InfoLevel},
		{"WARN", WarnLevel},
		{"warning", WarnLevel},
		{"ERROR", ErrorLevel},
		{"FATAL", FatalLevel},
		{" info ", InfoLevel},
		{"nonsense", InfoLevel},
		{"", InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseLevel(tt.input))
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	buf := capture(t, Config{Level: WarnLevel})

	log := Component("dispatch")
	log.Debug().Msg("debug message")
	log.Info().Msg("info message")
	log.Warn().Msg("warn message")
	log.Error().Msg("error message")

	out := buf.String()
	assert.NotContains(t, out, "debug message")
	assert.NotContains(t, out, "info message")
	assert.Contains(t, out, "warn message")
	assert.Contains(t, out, "error message")
}

func TestComponent(t *testing.T) {
	buf := capture(t, Config{Level: DebugLevel})

	log := Component("dispatch")
	log.Info().Str("session", "s1").Msg("stream opened")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), buf.String())
	assert.Equal(t, "dispatch", entry["component"])
	assert.Equal(t, "s1", entry["session"])
	assert.Equal(t, "stream opened", entry["message"])
	assert.Contains(t, entry, "time")
}

func TestComponentCreatedBeforeInitKeepsOldOutput(t *testing.T) {
	first := capture(t, Config{Level: InfoLevel})
	early := Component("early")

	second := capture(t, Config{Level: InfoLevel})
	early.Info().Msg("old sink")
	Component("late").Info().Msg("new sink")

	assert.Contains(t, first.String(), "old sink")
	assert.Contains(t, second.String(), "new sink")
	assert.NotContains(t, second.String(), "old sink")
}

func TestPrettyOutput(t *testing.T) {
	buf := capture(t, Config{Level: InfoLevel, Pretty: true})

	Component("cli").Info().Msg("pretty")

	out := strings.TrimSpace(buf.String())
	assert.Contains(t, out, "pretty")
	assert.False(t, strings.HasPrefix(out, "{"), "pretty output should not be JSON: %s", out)
}

func TestInitDefaultsOutputAndTimeFormat(t *testing.T) {
	require.NoError(t, Init(Config{Level: InfoLevel}))
	t.Cleanup(func() { _ = Init(DefaultConfig()) })

	assert.NotPanics(t, func() { Logger.Info().Msg("does not panic") })
}

func TestLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "aide.log")
	buf := capture(t, Config{Level: InfoLevel, LogFile: path})

	Component("serve").Info().Msg("to both")
	require.NoError(t, Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to both")
	assert.Contains(t, buf.String(), "to both")

	assert.NoError(t, Close())
}

func TestReinitClosesLogFile(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.log")
	second := filepath.Join(dir, "second.log")

	capture(t, Config{Level: InfoLevel, LogFile: first})
	capture(t, Config{Level: InfoLevel, LogFile: second})
	Component("serve").Info().Msg("second only")
	require.NoError(t, Close())

	data, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "second only")

	data, err = os.ReadFile(second)
	require.NoError(t, err)
	assert.Contains(t, string(data), "second only")
}
