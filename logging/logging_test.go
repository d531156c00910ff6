package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "prod", slog.LevelInfo, "1.2.3", "ads1100-host")
	logger.Debug("hidden")
	logger.Info("connected", "mcu", "mcu")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "connected", rec["msg"])
	assert.Equal(t, "ads1100-host", rec["app"])
	assert.Equal(t, "1.2.3", rec["version"])
	assert.Equal(t, "prod", rec["env"])
}

func TestNewDev(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, EnvDev, slog.LevelDebug, "dev", "ads1100-host")
	logger.Debug("tick")
	assert.Contains(t, buf.String(), "tick")
	assert.Contains(t, buf.String(), "ads1100-host")
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug":  slog.LevelDebug,
		"INFO":   slog.LevelInfo,
		" warn ": slog.LevelWarn,
		"error":  slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}
