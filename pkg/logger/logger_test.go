package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInit_JSONFile(t *testing.T) {
	previous := Log
	t.Cleanup(func() { Log = previous })

	path := filepath.Join(t.TempDir(), "tutor.log")
	require.NoError(t, Init("info", "json", path))

	Debug("hidden")
	With(zap.String("session_id", "s-1")).Info("answered")
	Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &entry))
	assert.Equal(t, "answered", entry["message"])
	assert.Equal(t, "s-1", entry["session_id"])
	assert.Equal(t, ServiceName, entry["service"])
}

func TestInit_InvalidLevel(t *testing.T) {
	assert.Error(t, Init("loud", "json", "stdout"))
}
