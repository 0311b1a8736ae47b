package hal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArbiterClaimAndConflict(t *testing.T) {
	a := NewArbiter()

	require.NoError(t, a.Claim(5, OwnerMotor, PWM))
	assert.Equal(t, OwnerMotor, a.PinOwner(5))

	// A different owner is refused, not overridden.
	assert.Error(t, a.Claim(5, OwnerSensors, Input))
	assert.Equal(t, OwnerMotor, a.PinOwner(5))

	// The same owner may re-claim to change the mode.
	assert.NoError(t, a.Claim(5, OwnerMotor, Output))
}

func TestArbiterRelease(t *testing.T) {
	a := NewArbiter()
	require.NoError(t, a.Claim(7, OwnerSensors, Input))

	assert.Error(t, a.Release(7, OwnerMotor))
	assert.NoError(t, a.Release(7, OwnerSensors))
	assert.Error(t, a.Release(7, OwnerSensors))

	// Free again.
	assert.NoError(t, a.Claim(7, OwnerMotor, Output))
}

func TestArbiterTransferRunsCleanup(t *testing.T) {
	a := NewArbiter()
	require.NoError(t, a.Claim(4, OwnerMotor, Output))

	cleaned := false
	err := a.Transfer(4, OwnerMotor, OwnerKickout, Input, func(pin int) {
		cleaned = true
		// While cleanup runs the pin is unowned.
		assert.Equal(t, OwnerNone, a.PinOwner(pin))
	})
	require.NoError(t, err)
	assert.True(t, cleaned)
	assert.Equal(t, OwnerKickout, a.PinOwner(4))
}

func TestArbiterTransferWrongOwnerRefused(t *testing.T) {
	a := NewArbiter()
	require.NoError(t, a.Claim(4, OwnerMotor, Output))
	assert.Error(t, a.Transfer(4, OwnerSensors, OwnerKickout, Input, nil))
	assert.Equal(t, OwnerMotor, a.PinOwner(4))
}

func TestArbiterPWMFrequencyCoherence(t *testing.T) {
	a := NewArbiter()

	require.NoError(t, a.RequestPWMFrequency(1, 18000, OwnerMotor))
	assert.Equal(t, 18000, a.PWMFrequency(1))

	// Same frequency from anyone is fine.
	assert.NoError(t, a.RequestPWMFrequency(1, 18000, OwnerSensors))

	// A conflicting frequency on the same timer group is rejected.
	assert.Error(t, a.RequestPWMFrequency(1, 1000, OwnerSensors))
	assert.Equal(t, 18000, a.PWMFrequency(1))

	// A different group is independent.
	assert.NoError(t, a.RequestPWMFrequency(2, 1000, OwnerSensors))
}

func TestArbiterADCConfigCoherence(t *testing.T) {
	a := NewArbiter()

	require.NoError(t, a.RequestADCConfig(ADCModule0, 12, 4, OwnerSensors))
	assert.NoError(t, a.RequestADCConfig(ADCModule0, 12, 4, OwnerMotor))
	assert.Error(t, a.RequestADCConfig(ADCModule0, 10, 4, OwnerMotor))
	assert.Error(t, a.RequestADCConfig(ADCModule0, 12, 16, OwnerMotor))
	assert.NoError(t, a.RequestADCConfig(ADCModule1, 10, 1, OwnerMotor))
}

func TestArbiterI2CSpeedRaiseOnly(t *testing.T) {
	a := NewArbiter()

	require.NoError(t, a.RequestI2CSpeed(0, 100000, OwnerSensors))
	// Raising is allowed (with a logged warning).
	assert.NoError(t, a.RequestI2CSpeed(0, 400000, OwnerMotor))
	// Lowering is refused.
	assert.Error(t, a.RequestI2CSpeed(0, 100000, OwnerSensors))
	// Matching the current speed is fine.
	assert.NoError(t, a.RequestI2CSpeed(0, 400000, OwnerSensors))
}

func TestArbiterOwnershipSnapshot(t *testing.T) {
	a := NewArbiter()
	require.NoError(t, a.Claim(2, OwnerSensors, InputPullup))
	require.NoError(t, a.Claim(5, OwnerMotor, PWM))

	owners := a.Ownership()
	assert.Equal(t, "sensors", owners[2])
	assert.Equal(t, "motor", owners[5])
	assert.Len(t, owners, 2)
}
