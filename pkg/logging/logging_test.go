package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/telemetry-uploader/pkg/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.TraceLevel, ParseLevel("trace"))
	assert.Equal(t, zerolog.DebugLevel, ParseLevel(" DEBUG "))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zerolog.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("bogus"))
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	log := Component(New(config.LogSettings{Level: "warn", Format: "json"}, &buf), "pump")

	log.Info().Msg("dropped")
	assert.Zero(t, buf.Len())

	log.Warn().Str("destination", "https://x").Msg("malformed entry")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "pump", line["component"])
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "malformed entry", line["message"])
}

func TestNew_ConsoleAndRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uploader.log")
	var buf bytes.Buffer
	log := New(config.LogSettings{Level: "info", Format: "console", File: path, MaxSizeMB: 1}, &buf)

	log.Info().Str("scene", "Lobby.unity").Msg("scene exported")

	assert.Contains(t, buf.String(), "scene exported")
	assert.NotEqual(t, '{', rune(buf.String()[0]), "console output is not JSON")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &line))
	assert.Equal(t, "Lobby.unity", line["scene"])
}
