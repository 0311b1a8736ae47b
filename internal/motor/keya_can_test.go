package motor

import (
	"testing"

	"github.com/agsteer/agsteer/internal/kickout"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func heartbeat(pos uint16, rpm int16, current int16, status uint16) CANFrame {
	return CANFrame{
		ID:       KeyaHeartbeatID,
		Extended: true,
		Len:      8,
		Data: [8]byte{
			byte(pos >> 8), byte(pos),
			byte(uint16(rpm) >> 8), byte(uint16(rpm)),
			byte(uint16(current) >> 8), byte(uint16(current)),
			byte(status >> 8), byte(status),
		},
	}
}

func TestKeyaDisabledCadence(t *testing.T) {
	bus := NewMockBus()
	d := NewKeyaCANDriver(bus, nil)
	require.NoError(t, d.Init())

	// Commands flow every 20 ms even when disabled, alternating between
	// DISABLE and zero SPEED.
	for now := int64(0); now <= 100; now++ {
		d.Tick(now)
	}
	sent := bus.SentFrames()
	require.GreaterOrEqual(t, len(sent), 4)

	for i, f := range sent {
		assert.Equal(t, uint32(KeyaCommandID), f.ID)
		assert.True(t, f.Extended)
		assert.Equal(t, uint8(8), f.Len)
		if i%2 == 0 {
			assert.Equal(t, [8]byte{0x23, 0x0C, 0x20, 0x01, 0, 0, 0, 0}, f.Data, "frame %d", i)
		} else {
			assert.Equal(t, [8]byte{0x23, 0x00, 0x20, 0x01, 0, 0, 0, 0}, f.Data, "frame %d", i)
		}
	}
}

func TestKeyaEnabledCadence(t *testing.T) {
	bus := NewMockBus()
	d := NewKeyaCANDriver(bus, nil)
	require.NoError(t, d.Init())

	d.Enable(true)
	// 100% command: 255 PWM -> 100 RPM -> wire value 1000.
	d.SetSpeed(100)

	for now := int64(0); now <= 80; now++ {
		d.Tick(now)
	}
	sent := bus.SentFrames()
	require.GreaterOrEqual(t, len(sent), 4)

	// Alternates ENABLE then SPEED.
	assert.Equal(t, [8]byte{0x23, 0x0D, 0x20, 0x01, 0, 0, 0, 0}, sent[0].Data)

	speed := sent[1].Data
	assert.Equal(t, byte(0x23), speed[0])
	assert.Equal(t, byte(0x00), speed[1])
	assert.Equal(t, byte(0x20), speed[2])
	assert.Equal(t, byte(0x01), speed[3])
	// 1000 = 0x03E8, split as H(15..8) H(7..0) H(31..24) H(23..16).
	assert.Equal(t, byte(0x03), speed[4])
	assert.Equal(t, byte(0xE8), speed[5])
	assert.Equal(t, byte(0x00), speed[6])
	assert.Equal(t, byte(0x00), speed[7])
}

func TestKeyaNegativeSpeedEncoding(t *testing.T) {
	bus := NewMockBus()
	d := NewKeyaCANDriver(bus, nil)
	d.Enable(true)
	d.SetSpeed(-100) // -100 RPM -> wire value -1000 = 0xFFFFFC18

	d.Tick(20) // ENABLE
	d.Tick(40) // SPEED
	sent := bus.SentFrames()
	require.Len(t, sent, 2)

	speed := sent[1].Data
	assert.Equal(t, byte(0xFC), speed[4]) // bits 15..8
	assert.Equal(t, byte(0x18), speed[5]) // bits 7..0
	assert.Equal(t, byte(0xFF), speed[6]) // bits 31..24
	assert.Equal(t, byte(0xFF), speed[7]) // bits 23..16
}

func TestKeyaHeartbeatParsing(t *testing.T) {
	bus := NewMockBus()
	d := NewKeyaCANDriver(bus, nil)

	bus.Inject(heartbeat(1234, -42, 64, 0x4001))
	d.Tick(0)

	assert.True(t, d.Detected())
	assert.Equal(t, uint16(1234), d.Position())
	assert.Equal(t, uint16(0x4001), d.ErrorCode())

	_, act, ok := d.RPMFeedback()
	assert.False(t, ok, "feedback requires the driver enabled")

	d.Enable(true)
	cmd, act, ok := d.RPMFeedback()
	require.True(t, ok)
	assert.Equal(t, float32(0), cmd)
	assert.Equal(t, float32(-42), act)

	// Current filter: first sample moves 10% toward |64| * 32.
	assert.InDelta(t, 64.0*32.0*0.1/32.0, d.CurrentDraw(), 0.01)
}

func TestKeyaHeartbeatLoss(t *testing.T) {
	bus := NewMockBus()
	d := NewKeyaCANDriver(bus, nil)

	bus.Inject(heartbeat(0, 0, 0, 0))
	d.Tick(0)
	require.True(t, d.Detected())
	assert.False(t, d.Status().HasError)

	// Quiet bus for 500 ms invalidates the feedback.
	for now := int64(20); now <= 520; now += 20 {
		d.Tick(now)
	}
	assert.False(t, d.Detected())
	st := d.Status()
	assert.True(t, st.HasError)
	assert.Equal(t, "no heartbeat", st.ErrorMsg)

	// A fresh heartbeat restores it.
	bus.Inject(heartbeat(1, 0, 0, 0))
	d.Tick(540)
	assert.True(t, d.Detected())
	assert.False(t, d.Status().HasError)
}

func TestKeyaStatusActualFromFeedback(t *testing.T) {
	bus := NewMockBus()
	d := NewKeyaCANDriver(bus, nil)
	d.Enable(true)
	d.SetSpeed(50)

	st := d.Status()
	assert.Equal(t, st.TargetPWM, st.ActualPWM) // no heartbeat yet

	bus.Inject(heartbeat(0, 50, 0, 0))
	d.Tick(0)
	st = d.Status()
	var rpm float32 = 50
	assert.Equal(t, int16(rpm/keyaRPMPerPWM), st.ActualPWM)
}

func TestKeyaHandleKickoutStopsMotor(t *testing.T) {
	bus := NewMockBus()
	d := NewKeyaCANDriver(bus, nil)
	d.Enable(true)
	d.SetSpeed(80)

	d.HandleKickout(kickout.Cause{Kind: kickout.EncoderOverspeed, PulsesInWindow: 9})

	st := d.Status()
	assert.False(t, st.Enabled)
	assert.Zero(t, st.TargetPWM)

	// Next cadence slot transmits the disabled alternation.
	d.Tick(40)
	sent := bus.SentFrames()
	require.NotEmpty(t, sent)
	assert.Equal(t, byte(0x0C), sent[len(sent)-1].Data[1])
}

func TestKeyaSpeedClamped(t *testing.T) {
	d := NewKeyaCANDriver(NewMockBus(), nil)
	d.SetSpeed(250)
	assert.Equal(t, int16(255), d.Status().TargetPWM)
	d.SetSpeed(-250)
	assert.Equal(t, int16(-255), d.Status().TargetPWM)
}
