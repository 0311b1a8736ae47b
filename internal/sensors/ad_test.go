package sensors

import (
	"testing"

	"github.com/agsteer/agsteer/internal/hal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProcessor(t *testing.T, cfg Config) (*ADProcessor, *hal.MockGPIO, *hal.MockADC, hal.PinMap) {
	mock := hal.NewMockHAL()
	gpio := mock.GPIO().(*hal.MockGPIO)
	adc := mock.ADC().(*hal.MockADC)
	pins := hal.DefaultPinMap()

	gpio.SetInput(pins.Steer, true) // pullup idle
	gpio.SetInput(pins.Work, true)

	p := NewADProcessor(adc, gpio, nil, pins, cfg, nil)
	require.NoError(t, p.Init())
	return p, gpio, adc, pins
}

// run advances the schedule one millisecond at a time.
func run(p *ADProcessor, from, to int64) {
	for now := from; now <= to; now++ {
		p.Tick(now)
	}
}

func TestWASAngleComputation(t *testing.T) {
	p, _, adc, pins := newTestProcessor(t, Config{})

	adc.SetValue(pins.WAS, 2148)
	run(p, 1, 10)

	p.SetWASCalibration(0, 100)
	assert.InDelta(t, 1.0, p.WASAngle(), 0.001)

	p.SetWASCalibration(50, 100)
	assert.InDelta(t, 0.5, p.WASAngle(), 0.001)

	p.SetWASCalibration(0, 25)
	assert.InDelta(t, 4.0, p.WASAngle(), 0.001)

	adc.SetValue(pins.WAS, 1948)
	run(p, 11, 20)
	p.SetWASCalibration(0, 100)
	assert.InDelta(t, -1.0, p.WASAngle(), 0.001)
}

func TestWASZeroCountsPerDegree(t *testing.T) {
	p, _, _, _ := newTestProcessor(t, Config{})
	p.SetWASCalibration(0, 0) // refused, keeps previous
	assert.NotPanics(t, func() { p.WASAngle() })
}

func TestCurrentRingAverage(t *testing.T) {
	p, _, adc, pins := newTestProcessor(t, Config{})

	// 77 counts is the zero offset: reading 177 contributes 100.
	adc.SetValue(pins.Current, 177)
	run(p, 1, 50)
	assert.InDelta(t, 100.0, p.MotorCurrentAvg(), 0.01)

	// A reading below the offset clips at zero rather than going negative.
	adc.SetValue(pins.Current, 10)
	run(p, 51, 100)
	assert.InDelta(t, 0.0, p.MotorCurrentAvg(), 0.01)
}

func TestCurrentAveragesAcrossBuffer(t *testing.T) {
	p, _, adc, pins := newTestProcessor(t, Config{})

	// Half the window at 177 (=100 after offset), half at 77 (=0).
	adc.SetValue(pins.Current, 177)
	run(p, 1, 25)
	adc.SetValue(pins.Current, 77)
	run(p, 26, 50)
	assert.InDelta(t, 50.0, p.MotorCurrentAvg(), 3.0)
}

func TestPressureFilter(t *testing.T) {
	p, _, adc, pins := newTestProcessor(t, Config{})

	adc.SetValue(pins.KickoutA, 1000)
	// One slow-cadence sample: y = 0 * 0.8 + (1000*0.15) * 0.2 = 30.
	p.Tick(10)
	assert.InDelta(t, 30.0, p.PressureReading(), 0.01)
	assert.Equal(t, uint16(1000), p.KickoutAnalogRaw())

	// Converges toward 150 as samples accumulate.
	run(p, 11, 500)
	assert.InDelta(t, 150.0, p.PressureReading(), 1.0)
}

func TestPressureSaturatesAtByte(t *testing.T) {
	p, _, adc, pins := newTestProcessor(t, Config{})

	// 4095 * 0.15 = 614 saturates to 255 before filtering.
	adc.SetValue(pins.KickoutA, 4095)
	run(p, 1, 1000)
	assert.InDelta(t, 255.0, p.PressureReading(), 1.0)
}

func TestSwitchDebounce(t *testing.T) {
	p, gpio, _, pins := newTestProcessor(t, Config{})
	require.False(t, p.SteerSwitch())

	// Press (active low). The debounced state flips only after 50 ms of
	// stability.
	gpio.SetInput(pins.Steer, false)
	run(p, 1, 40)
	assert.False(t, p.SteerSwitch())
	run(p, 41, 120)
	assert.True(t, p.SteerSwitch())

	// The change flag reads true exactly once.
	assert.True(t, p.SteerSwitchChanged())
	assert.False(t, p.SteerSwitchChanged())
}

func TestSwitchBounceRejected(t *testing.T) {
	p, gpio, _, pins := newTestProcessor(t, Config{})

	// Chatter faster than the debounce window never commits.
	now := int64(1)
	level := false
	for ; now < 200; now++ {
		if now%20 == 0 {
			level = !level
			gpio.SetInput(pins.Steer, level)
		}
		p.Tick(now)
	}
	assert.False(t, p.SteerSwitch())
}

func TestAnalogWorkSwitchHysteresis(t *testing.T) {
	cfg := Config{
		AnalogWorkSwitch:     true,
		WorkSwitchSetpoint:   50,
		WorkSwitchHysteresis: 20,
	}
	p, _, adc, pins := newTestProcessor(t, cfg)

	// Below the lower threshold (40%): ON (non-inverted sense).
	adc.SetValue(pins.WorkA, 1228)
	run(p, 1, 100)
	assert.True(t, p.WorkSwitch())

	// Inside the band: held.
	adc.SetValue(pins.WorkA, 2048)
	run(p, 101, 200)
	assert.True(t, p.WorkSwitch())

	// Above the upper threshold (60%): OFF.
	adc.SetValue(pins.WorkA, 2866)
	run(p, 201, 300)
	assert.False(t, p.WorkSwitch())

	// Back inside the band: held OFF.
	adc.SetValue(pins.WorkA, 2048)
	run(p, 301, 400)
	assert.False(t, p.WorkSwitch())
}

func TestAnalogWorkSwitchInverted(t *testing.T) {
	cfg := Config{
		AnalogWorkSwitch:     true,
		WorkSwitchSetpoint:   50,
		WorkSwitchHysteresis: 20,
		InvertWorkSwitch:     true,
	}
	p, _, adc, pins := newTestProcessor(t, cfg)

	adc.SetValue(pins.WorkA, 1228)
	run(p, 1, 100)
	assert.False(t, p.WorkSwitch())

	adc.SetValue(pins.WorkA, 2866)
	run(p, 101, 200)
	assert.True(t, p.WorkSwitch())
}

func TestEncoderCountsRisingEdges(t *testing.T) {
	mock := hal.NewMockHAL()
	gpio := mock.GPIO().(*hal.MockGPIO)

	enc, err := NewEncoder(gpio, hal.NewArbiter(), 3)
	require.NoError(t, err)
	require.Zero(t, enc.Count())

	for i := 0; i < 5; i++ {
		gpio.SetInput(3, true)
		gpio.SetInput(3, false)
	}
	// Rising edges only.
	assert.Equal(t, uint32(5), enc.Count())

	enc.Reset()
	assert.Zero(t, enc.Count())
}

func TestEncoderPinConflictRefused(t *testing.T) {
	mock := hal.NewMockHAL()
	gpio := mock.GPIO().(*hal.MockGPIO)
	arb := hal.NewArbiter()
	require.NoError(t, arb.Claim(3, hal.OwnerMotor, hal.Output))

	_, err := NewEncoder(gpio, arb, 3)
	assert.Error(t, err)
}
