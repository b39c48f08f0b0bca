package startup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceUnit(t *testing.T) {
	unit, err := ServiceUnit(DefaultServiceOptions())
	require.NoError(t, err)

	assert.Contains(t, unit, "After=network-online.target")
	assert.Contains(t, unit, "User=stormaudio")
	assert.Contains(t, unit, "ExecStart=/usr/local/bin/stormaudio -config-file /etc/stormaudio/config.yaml -log-level info")
	assert.Contains(t, unit, "Restart=on-failure")
}

func TestServiceUnitMissingFields(t *testing.T) {
	_, err := ServiceUnit(ServiceOptions{User: "stormaudio"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "binary, config file")
}

func TestInstallService(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stormaudio.service")
	opts := DefaultServiceOptions()
	opts.LogLevel = ""

	require.NoError(t, InstallService(path, opts))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ExecStart=/usr/local/bin/stormaudio -config-file /etc/stormaudio/config.yaml\n")
}
