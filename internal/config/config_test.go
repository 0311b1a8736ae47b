package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.Network.ListenPort)
	assert.Equal(t, 9999, cfg.Network.SendPort)
	assert.Equal(t, []int{192, 168, 5, 126}, cfg.Network.IP)

	assert.Equal(t, 18000, cfg.Hardware.PWMFrequency)
	assert.Equal(t, 250000, cfg.Hardware.CANBitrate)

	assert.Equal(t, "auto", cfg.Motor.Selector)
	assert.Equal(t, 115200, cfg.Motor.SerialBaud)

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.False(t, cfg.MQTT.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
network:
  listen_port: 7777
motor:
  selector: keya-can
mqtt:
  enabled: true
  broker: tcp://10.0.0.1:1883
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Network.ListenPort)
	assert.Equal(t, "keya-can", cfg.Motor.Selector)
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "tcp://10.0.0.1:1883", cfg.MQTT.Broker)
	// Untouched sections keep defaults.
	assert.Equal(t, 9999, cfg.Network.SendPort)
}

func TestLoadBadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("network: [unclosed\n"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}
