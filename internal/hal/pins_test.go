package hal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPinProfileDefaults(t *testing.T) {
	pins, err := LoadPinProfile("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPinMap(), pins)
}

func TestLoadPinProfileOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pins.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pwm1: 12\nsteer: 17\n"), 0644))

	pins, err := LoadPinProfile(path)
	require.NoError(t, err)

	// Overridden pins.
	assert.Equal(t, 12, pins.PWM1)
	assert.Equal(t, 17, pins.Steer)
	// Untouched pins keep defaults.
	assert.Equal(t, DefaultPinMap().PWM2, pins.PWM2)
	assert.Equal(t, DefaultPinMap().KickoutD, pins.KickoutD)
}

func TestLoadPinProfileMissingFile(t *testing.T) {
	pins, err := LoadPinProfile("/nonexistent/pins.yaml")
	assert.Error(t, err)
	// Defaults still come back so the caller can run degraded.
	assert.Equal(t, DefaultPinMap(), pins)
}

func TestPinProfileSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pins.yaml")

	pins := DefaultPinMap()
	pins.PWM1 = 13
	pins.Sleep = 22
	require.NoError(t, pins.Save(path))

	loaded, err := LoadPinProfile(path)
	require.NoError(t, err)
	assert.Equal(t, pins, loaded)
}
