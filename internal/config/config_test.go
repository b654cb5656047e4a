package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoad_YAML(t *testing.T) {
	p := writeFile(t, "scanlink.yaml", `
port: 9000
advertise_host: desk.lan
persist_devices: true
log_stderr: false
wedge_enabled: true
wedge_press_enter: false
`)
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "desk.lan", cfg.AdvertiseHost)
	assert.True(t, cfg.PersistDevices)
	assert.False(t, BoolDeref(cfg.LogStderr, true))
	assert.True(t, cfg.WedgeEnabled)
	assert.False(t, BoolDeref(cfg.WedgePressEnter, true))

	// untouched fields get defaults
	assert.Equal(t, "0.0.0.0", cfg.ListenHost)
	assert.Equal(t, 4096, cfg.MaxMessageBytes)
	assert.Equal(t, "X-ScanLink-Token", cfg.ControlTokenHeader)
}

func TestLoad_JSON(t *testing.T) {
	p := writeFile(t, "scanlink.json", `{"port": 7001, "max_consecutive_errors": -1}`)
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 7001, cfg.Port)
	assert.Equal(t, -1, cfg.MaxConsecutiveErrors)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(writeFile(t, "scanlink.toml", `port = 1`))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "scanlink.yaml", "port: [nope"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "scanlink.json", `{"port": 70000}`))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "an explicit path must exist")
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 8081, cfg.Port)
	assert.False(t, cfg.PersistDevices)
	assert.True(t, BoolDeref(cfg.AutoStart, false))
	assert.True(t, BoolDeref(cfg.LogRedact, false))
	assert.True(t, BoolDeref(cfg.ControlAPIEnabled, false))
	assert.Equal(t, 8, cfg.MaxConsecutiveErrors)
	assert.NoError(t, cfg.Validate())
}
