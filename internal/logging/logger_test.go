package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLoggerCreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	log, err := NewLogger(dir, "debug")
	require.NoError(t, err)
	defer func() { _ = log.Sync() }()

	_, err = os.Stat(dir)
	require.NoError(t, err)
	log.Info("logging_test_message")
	assert.True(t, log.Core().Enabled(zap.DebugLevel))
}

func TestNewLoggerStdout(t *testing.T) {
	log, err := NewLogger("", "warn")
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(zap.InfoLevel))
	assert.True(t, log.Core().Enabled(zap.WarnLevel))
}
