package kickout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSensors struct {
	encoder  uint32
	pressure uint16
	current  float32
}

func (f *fakeSensors) EncoderCount() uint32     { return f.encoder }
func (f *fakeSensors) KickoutAnalogRaw() uint16 { return f.pressure }
func (f *fakeSensors) MotorCurrentAvg() float32 { return f.current }

type fakeNotifier struct {
	causes []Cause
}

func (f *fakeNotifier) HandleKickout(c Cause) {
	f.causes = append(f.causes, c)
}

type fakeSlip struct {
	cmd, act float32
	ok       bool
}

func (f *fakeSlip) RPMFeedback() (float32, float32, bool) { return f.cmd, f.act, f.ok }

func TestPressureKickout(t *testing.T) {
	sens := &fakeSensors{pressure: 850}
	not := &fakeNotifier{}
	m := NewMonitor(Config{PressureSensor: true}, sens, not, nil, nil)

	m.Tick(1000, true)

	assert.True(t, m.Active())
	assert.Equal(t, PressureHigh, m.Cause().Kind)
	assert.Equal(t, uint16(850), m.Cause().RawADC)
	require.Len(t, not.causes, 1)
	assert.Equal(t, PressureHigh, not.causes[0].Kind)
}

func TestPressureBelowThresholdNoKickout(t *testing.T) {
	sens := &fakeSensors{pressure: 799}
	m := NewMonitor(Config{PressureSensor: true}, sens, nil, nil, nil)
	m.Tick(1000, true)
	assert.False(t, m.Active())
}

func TestCurrentKickout(t *testing.T) {
	sens := &fakeSensors{current: 950}
	not := &fakeNotifier{}
	m := NewMonitor(Config{CurrentSensor: true}, sens, not, nil, nil)

	m.Tick(1000, true)

	assert.True(t, m.Active())
	assert.Equal(t, CurrentHigh, m.Cause().Kind)
}

func TestDisabledSensorsNeverFire(t *testing.T) {
	sens := &fakeSensors{pressure: 4000, current: 4000, encoder: 1000}
	m := NewMonitor(Config{}, sens, nil, nil, nil)
	for now := int64(1000); now < 2000; now += 10 {
		m.Tick(now, true)
	}
	assert.False(t, m.Active())
}

func TestEncoderOverspeed(t *testing.T) {
	sens := &fakeSensors{}
	not := &fakeNotifier{}
	m := NewMonitor(Config{ShaftEncoder: true, PulseCountMax: 3}, sens, not, nil, nil)

	// Below the limit across two windows.
	m.Tick(1000, true)
	sens.encoder = 3
	m.Tick(1100, true)
	assert.False(t, m.Active())

	// Five pulses in the next window exceeds max 3.
	sens.encoder = 8
	m.Tick(1200, true)
	assert.True(t, m.Active())
	assert.Equal(t, EncoderOverspeed, m.Cause().Kind)
	assert.Equal(t, uint32(5), m.Cause().PulsesInWindow)
}

func TestMotorSlip(t *testing.T) {
	slip := &fakeSlip{cmd: 40, act: -20, ok: true}
	not := &fakeNotifier{}
	m := NewMonitor(Config{}, &fakeSensors{}, not, slip, nil)

	// |act-cmd| = 60 > |cmd|+10 = 50: counts after the 50 ms grace that
	// follows the first observed command change.
	now := int64(1000)
	m.Tick(now, true) // registers the command change, starts grace

	now += 60 // past grace
	for i := 0; i < 7; i++ {
		m.Tick(now, true)
		assert.False(t, m.Active(), "tick %d", i)
		now += 10
	}
	m.Tick(now, true) // 8th consecutive
	assert.True(t, m.Active())
	assert.Equal(t, MotorSlip, m.Cause().Kind)
	assert.Equal(t, float32(40), m.Cause().CmdRPM)
	assert.Equal(t, float32(-20), m.Cause().ActRPM)
}

// The slip threshold is error > |cmd| + 10: a 45 RPM error on a 40 RPM
// command stays under it and must not kick out.
func TestMotorSlipWithinTolerance(t *testing.T) {
	slip := &fakeSlip{cmd: 40, act: -5, ok: true}
	m := NewMonitor(Config{}, &fakeSensors{}, nil, slip, nil)

	now := int64(1000)
	for i := 0; i < 50; i++ {
		m.Tick(now, true)
		now += 10
	}
	assert.False(t, m.Active())
}

func TestMotorSlipGracePeriod(t *testing.T) {
	slip := &fakeSlip{cmd: 40, act: -20, ok: true}
	m := NewMonitor(Config{}, &fakeSensors{}, nil, slip, nil)

	// All ticks inside the 50 ms grace window: no counting.
	m.Tick(1000, true)
	for now := int64(1005); now < 1050; now += 5 {
		m.Tick(now, true)
	}
	assert.False(t, m.Active())
}

func TestMotorSlipOnlyWhileSteering(t *testing.T) {
	slip := &fakeSlip{cmd: 40, act: -20, ok: true}
	m := NewMonitor(Config{}, &fakeSensors{}, nil, slip, nil)

	now := int64(1000)
	for i := 0; i < 30; i++ {
		m.Tick(now, false)
		now += 10
	}
	assert.False(t, m.Active())
}

func TestFirstCauseWinsDuringLatch(t *testing.T) {
	sens := &fakeSensors{pressure: 850}
	not := &fakeNotifier{}
	m := NewMonitor(Config{PressureSensor: true, CurrentSensor: true}, sens, not, nil, nil)

	m.Tick(1000, true)
	require.True(t, m.Active())
	first := m.Cause()

	// A second cause while latched is recorded but does not replace the
	// first and does not re-notify.
	sens.current = 2000
	m.Tick(1010, true)
	assert.Equal(t, first, m.Cause())
	assert.Len(t, not.causes, 1)
	require.NotEmpty(t, m.SecondaryCauses())
	assert.Equal(t, PressureHigh, m.SecondaryCauses()[0].Kind)
}

func TestCooldownAutoClear(t *testing.T) {
	sens := &fakeSensors{pressure: 850}
	m := NewMonitor(Config{PressureSensor: true}, sens, nil, nil, nil)

	m.Tick(1000, true)
	require.True(t, m.Active())

	sens.pressure = 0
	for now := int64(1010); now < 1000+DefaultCooldownMS; now += 10 {
		m.Tick(now, true)
		assert.True(t, m.Active(), "t=%d", now)
	}
	m.Tick(1000+DefaultCooldownMS, true)
	assert.False(t, m.Active())
	assert.Equal(t, None, m.Cause().Kind)
}

func TestRelatchAfterClearWhenConditionPersists(t *testing.T) {
	sens := &fakeSensors{pressure: 850}
	m := NewMonitor(Config{PressureSensor: true}, sens, nil, nil, nil)

	m.Tick(1000, true)
	require.True(t, m.Active())

	// Condition still present at clear time: latch again immediately.
	m.Tick(1000+DefaultCooldownMS, true)
	assert.True(t, m.Active())
}

func TestSetConfigKeepsDefaults(t *testing.T) {
	m := NewMonitor(Config{}, &fakeSensors{}, nil, nil, nil)
	m.SetConfig(Config{PressureSensor: true})

	m.mu.Lock()
	cfg := m.cfg
	m.mu.Unlock()
	assert.Equal(t, uint16(DefaultPressureThreshold), cfg.PressureThreshold)
	assert.Equal(t, uint16(DefaultCurrentThreshold), cfg.CurrentThreshold)
	assert.Equal(t, int64(DefaultCooldownMS), cfg.CooldownMS)
}
