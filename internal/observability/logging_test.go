package observability

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/matchrelay/internal/config"
)

func TestNewLogger_Formats(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		logger, err := NewLogger(config.LoggingConfig{Level: "info", Format: format}, "devserver")
		require.NoError(t, err, format)
		assert.NotNil(t, logger)
	}
}

func TestNewLogger_Rejects(t *testing.T) {
	_, err := NewLogger(config.LoggingConfig{Level: "trace", Format: "json"}, "devserver")
	assert.ErrorContains(t, err, `"trace"`)
	_, err = NewLogger(config.LoggingConfig{Level: "info", Format: "xml"}, "devserver")
	assert.ErrorContains(t, err, `"xml"`)
}

func TestNewLogger_NamesServiceAndHonoursLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relaybot.log")
	logger, err := NewLogger(config.LoggingConfig{Level: "warn", Format: "json", Output: path}, "relaybot")
	require.NoError(t, err)

	logger.Info("below threshold")
	logger.Warn("bot stalled")
	_ = logger.Sync()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(raw, &entry), "exactly one entry expected, got %s", raw)
	assert.Equal(t, "bot stalled", entry["msg"])
	assert.Equal(t, "relaybot", entry["service"])
	assert.Equal(t, "relaybot", entry["logger"])
	assert.Contains(t, entry, "ts")
}
