package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("should create a console logger", func(t *testing.T) {
		l, err := New(Config{Level: "info", Console: true})
		require.NoError(t, err)
		require.NotNil(t, l)
		assert.NoError(t, l.Close())
	})

	t.Run("should write to a rotating log file", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "logs", "kestrel.log")

		l, err := New(Config{Level: "debug", File: logFile, MaxSize: 1})
		require.NoError(t, err)

		l.Info().Str("session_id", "cli:local").Msg("Turn completed")
		require.NoError(t, l.Close())

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(content), "Turn completed")
		assert.Contains(t, string(content), "cli:local")
	})

	t.Run("should redact secrets written to file", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "kestrel.log")

		l, err := New(Config{Level: "info", File: logFile, Redaction: true})
		require.NoError(t, err)
		require.NotNil(t, l.redactor)

		l.Info().Msg("using key sk-ant-REDACTED")
		require.NoError(t, l.Close())

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.NotContains(t, string(content), "sk-ant-api03")
	})

	t.Run("should fall back to info on unknown level", func(t *testing.T) {
		l, err := New(Config{Level: "loud"})
		require.NoError(t, err)
		defer l.Close()
		assert.Equal(t, zerolog.InfoLevel, l.GetZerolog().GetLevel())
	})
}

func TestComponent(t *testing.T) {
	l, err := New(Config{Level: "info"})
	require.NoError(t, err)
	defer l.Close()

	child := l.Component("router")
	assert.Equal(t, zerolog.InfoLevel, child.GetLevel())
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Redaction)
	assert.Equal(t, 50, cfg.MaxSize)
	assert.Equal(t, 14, cfg.MaxAge)
}
