package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Will-gabia/mailgate/config"
)

func TestInitializeFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailgate.log")

	logFile, err := Initialize(config.LoggingConfig{
		Output: path,
		Format: "json",
		Level:  "debug",
	})
	require.NoError(t, err)
	require.NotNil(t, logFile)
	defer logFile.Close()

	Info("gateway started", "listen", "127.0.0.1:2525")
	Debugf("pool stats: total=%d idle=%d", 5, 3)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	out := string(data)
	assert.Contains(t, out, "gateway started")
	assert.Contains(t, out, "127.0.0.1:2525")
	assert.Contains(t, out, "pool stats: total=5 idle=3")
}

func TestDebugSuppressedAtInfoLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailgate.log")

	logFile, err := Initialize(config.LoggingConfig{
		Output: path,
		Format: "console",
		Level:  "info",
	})
	require.NoError(t, err)
	require.NotNil(t, logFile)
	defer logFile.Close()

	Debugf("pool stats: total=%d idle=%d", 5, 3)
	Info("gateway started")

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	out := string(data)
	assert.NotContains(t, out, "pool stats")
	assert.Contains(t, out, "gateway started")
}
