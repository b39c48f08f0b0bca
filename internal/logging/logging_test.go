package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigureFiltersByLevel(t *testing.T) {
	defer func(l zerolog.Logger) { log.Logger = l }(log.Logger)

	var buf bytes.Buffer
	Configure(zerolog.WarnLevel, &buf)

	log.Info().Msg("hidden")
	log.Warn().Str("command", "ssp.vol").Msg("No matching response")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "ssp.vol", entry["command"])
	assert.Contains(t, entry, "time")
}

func TestInitAppendsToFile(t *testing.T) {
	defer func(l zerolog.Logger) { log.Logger = l }(log.Logger)

	path := filepath.Join(t.TempDir(), "stormaudio.log")
	Init(zerolog.DebugLevel, path)
	log.Info().Msg("Connected")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Log level set to DEBUG")
	assert.Contains(t, string(data), "Connected")
}

func TestInitPanicsOnUnwritableFile(t *testing.T) {
	defer func(l zerolog.Logger) { log.Logger = l }(log.Logger)

	assert.Panics(t, func() {
		Init(zerolog.InfoLevel, filepath.Join(t.TempDir(), "missing", "stormaudio.log"))
	})
}
