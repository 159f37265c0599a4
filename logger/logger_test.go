package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerIsNonNilBeforeInitialize(t *testing.T) {
	// The package-level no-op logger must be usable before Initialize()
	require.NotNil(t, Logger)
	Logger.Infow("should not panic", "key", "value")
}

func TestInitializeJSON(t *testing.T) {
	err := Initialize(true)
	require.NoError(t, err)
	assert.True(t, JSONOutput)
	Logger.Infow("json logger works", FieldQueue, "local_hf")
}

func TestInitializeConsole(t *testing.T) {
	err := Initialize(false)
	require.NoError(t, err)
	assert.False(t, JSONOutput)
	QueueInfow("console logger works", FieldJobID, "J1")
}

func TestWithJob(t *testing.T) {
	InitializeForTesting()
	log := WithJob(Logger, "local_hf", "J123")
	require.NotNil(t, log)
	log.Debugw("scoped logger works")
}
