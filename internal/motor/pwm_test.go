package motor

import (
	"testing"

	"github.com/agsteer/agsteer/internal/hal"
	"github.com/agsteer/agsteer/internal/kickout"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPWMRig(t *testing.T, kind Kind) (*PWMDriver, *hal.MockGPIO, *hal.MockADC) {
	mock := hal.NewMockHAL()
	gpio := mock.GPIO().(*hal.MockGPIO)
	adc := mock.ADC().(*hal.MockADC)

	cfg := PWMConfig{
		Kind:        kind,
		PWMPin:      5,
		DirPin:      6,
		SleepPin:    4,
		CurrentChan: 1,
	}
	d := NewPWMDriver(cfg, gpio, adc, hal.NewArbiter(), nil)
	require.NoError(t, d.Init())
	return d, gpio, adc
}

func TestPWMInitSafeState(t *testing.T) {
	d, gpio, _ := newPWMRig(t, KindPWM)
	st := d.Status()
	assert.False(t, st.Enabled)
	assert.Zero(t, gpio.PWMValue(5))
	assert.False(t, gpio.Level(4)) // sleep held low
	assert.Equal(t, KindPWM, d.Kind())
	assert.True(t, d.Detected())
}

func TestPWMSetSpeedForward(t *testing.T) {
	d, gpio, _ := newPWMRig(t, KindPWM)
	d.Enable(true)
	d.SetSpeed(50)

	assert.True(t, gpio.Level(6))                // direction forward
	assert.Equal(t, 127, gpio.PWMValue(5))       // 50% of 255
	assert.True(t, gpio.Level(4))                // awake
	assert.Equal(t, int16(127), d.Status().TargetPWM)
	assert.Equal(t, int16(127), d.Status().ActualPWM)
}

func TestPWMSetSpeedReverse(t *testing.T) {
	d, gpio, _ := newPWMRig(t, KindPWM)
	d.Enable(true)
	d.SetSpeed(-100)

	assert.False(t, gpio.Level(6)) // direction reverse
	assert.Equal(t, 255, gpio.PWMValue(5))
	assert.Equal(t, int16(-255), d.Status().TargetPWM)
}

func TestPWMIgnoresSpeedWhileDisabled(t *testing.T) {
	d, gpio, _ := newPWMRig(t, KindPWM)
	d.SetSpeed(80)
	assert.Zero(t, gpio.PWMValue(5))
	assert.Zero(t, d.Status().TargetPWM)
}

func TestPWMDisableZeroesOutput(t *testing.T) {
	d, gpio, _ := newPWMRig(t, KindPWM)
	d.Enable(true)
	d.SetSpeed(75)
	require.NotZero(t, gpio.PWMValue(5))

	d.Enable(false)
	assert.Zero(t, gpio.PWMValue(5))
	assert.False(t, gpio.Level(4)) // asleep
	assert.Zero(t, d.Status().TargetPWM)
}

func TestPWMSpeedClamped(t *testing.T) {
	d, gpio, _ := newPWMRig(t, KindPWM)
	d.Enable(true)
	d.SetSpeed(300)
	assert.Equal(t, 255, gpio.PWMValue(5))
	assert.Equal(t, int16(255), d.Status().TargetPWM)
}

func TestDanfossCentering(t *testing.T) {
	d, gpio, _ := newPWMRig(t, KindDanfoss)

	// Idle output is centered, not zero.
	assert.Equal(t, 128, gpio.PWMValue(5))

	d.Enable(true)
	d.SetSpeed(100)
	assert.Equal(t, 192, gpio.PWMValue(5)) // 75% duty

	d.SetSpeed(-100)
	assert.Equal(t, 64, gpio.PWMValue(5)) // 25% duty

	d.SetSpeed(0)
	assert.Equal(t, 128, gpio.PWMValue(5))

	d.Enable(false)
	assert.Equal(t, 128, gpio.PWMValue(5)) // back to center, not zero
}

func TestPWMKickoutDisables(t *testing.T) {
	d, gpio, _ := newPWMRig(t, KindPWM)
	d.Enable(true)
	d.SetSpeed(60)

	d.HandleKickout(kickout.Cause{Kind: kickout.PressureHigh, RawADC: 900})

	assert.Zero(t, gpio.PWMValue(5))
	st := d.Status()
	assert.False(t, st.Enabled)
	assert.Zero(t, st.TargetPWM)
}

func TestPWMCurrentSense(t *testing.T) {
	d, _, adc := newPWMRig(t, KindPWM)
	// Calibration sampled zero: offset 0 V. 1 A per volt by default.
	adc.SetValue(1, 2048) // ~1.65 V
	assert.InDelta(t, 1.65, d.CurrentDraw(), 0.01)
	assert.True(t, d.SupportsCurrent())
}

func TestPWMPinClaimConflictIsFatal(t *testing.T) {
	mock := hal.NewMockHAL()
	gpio := mock.GPIO().(*hal.MockGPIO)
	arbiter := hal.NewArbiter()
	require.NoError(t, arbiter.Claim(5, hal.OwnerSensors, hal.Output))

	d := NewPWMDriver(PWMConfig{Kind: KindPWM, PWMPin: 5, DirPin: 6, SleepPin: -1, CurrentChan: -1},
		gpio, nil, arbiter, nil)
	assert.Error(t, d.Init())
}
