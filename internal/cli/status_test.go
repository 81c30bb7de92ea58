package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusCommand(t *testing.T) {
	t.Run("command exists", func(t *testing.T) {
		cmd := GetRootCmd()
		statusCmd := cmd.Commands()

		found := false
		for _, c := range statusCmd {
			if c.Name() == "status" {
				found = true
				break
			}
		}
		assert.True(t, found, "status command should exist")
	})

	t.Run("help text", func(t *testing.T) {
		cmd := GetRootCmd()
		cmd.SetArgs([]string{"status", "--help"})

		output := &bytes.Buffer{}
		cmd.SetOut(output)

		err := cmd.Execute()
		require.NoError(t, err)

		helpText := output.String()
		assert.Contains(t, helpText, "status")
	})
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{"seconds only", 45 * time.Second, "45s"},
		{"minutes and seconds", 2*time.Minute + 30*time.Second, "2m30s"},
		{"hours minutes seconds", 3*time.Hour + 15*time.Minute + 20*time.Second, "3h15m20s"},
		{"zero", 0, "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := formatDuration(tt.duration)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestStatusOutput(t *testing.T) {
	_, dataDir := writeTestConfig(t)

	t.Run("should report stopped without a PID file", func(t *testing.T) {
		output := &bytes.Buffer{}
		statusCmd.SetOut(output)

		require.NoError(t, runStatus(statusCmd, nil))
		assert.Contains(t, output.String(), "Status: stopped")
	})

	t.Run("should report a live PID", func(t *testing.T) {
		require.NoError(t, os.MkdirAll(dataDir, 0o700))
		pidFile := filepath.Join(dataDir, "kestrel.pid")
		require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644))

		output := &bytes.Buffer{}
		statusCmd.SetOut(output)

		require.NoError(t, runStatus(statusCmd, nil))
		assert.Contains(t, output.String(), "Status: running")
		assert.Contains(t, output.String(), fmt.Sprintf("PID: %d", os.Getpid()))
		assert.Contains(t, output.String(), "Uptime:")
	})
}
