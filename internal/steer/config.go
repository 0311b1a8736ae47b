package steer

import (
	"fmt"

	"github.com/agsteer/agsteer/internal/metrics"
)

// SwitchMode selects how the operator-intent input is wired.
type SwitchMode int

const (
	SwitchModeNone SwitchMode = iota
	SwitchModeSwitch
	SwitchModeButton
)

// Config is the decoded steer configuration (PGN 251). The bit-packed wire
// bytes are decoded here at the router boundary; the control loop never
// touches raw bit positions.
type Config struct {
	InvertWAS         bool
	IsRelayActiveHigh bool
	MotorInvert       bool
	SingleInputWAS    bool
	CytronDriver      bool
	SteerSwitch       bool
	SteerButton       bool
	ShaftEncoder      bool

	PulseCountMax uint8
	MinSpeed      uint8

	IsDanfoss      bool
	PressureSensor bool
	CurrentSensor  bool
	UseYAxis       bool
}

// SwitchMode derives the operator-intent wiring from the config bits.
func (c Config) SwitchMode() SwitchMode {
	switch {
	case c.SteerButton:
		return SwitchModeButton
	case c.SteerSwitch:
		return SwitchModeSwitch
	}
	return SwitchModeNone
}

// DecodeConfig unpacks a PGN 251 payload.
func DecodeConfig(data []byte) (Config, error) {
	if len(data) < 4 {
		return Config{}, fmt.Errorf("steer config too short: %d bytes", len(data))
	}

	set0 := data[0]
	set1 := data[3]
	return Config{
		InvertWAS:         set0&0x01 != 0,
		IsRelayActiveHigh: set0&0x02 != 0,
		MotorInvert:       set0&0x04 != 0,
		SingleInputWAS:    set0&0x08 != 0,
		CytronDriver:      set0&0x10 != 0,
		SteerSwitch:       set0&0x20 != 0,
		SteerButton:       set0&0x40 != 0,
		ShaftEncoder:      set0&0x80 != 0,

		PulseCountMax: data[1],
		MinSpeed:      data[2],

		IsDanfoss:      set1&0x01 != 0,
		PressureSensor: set1&0x02 != 0,
		CurrentSensor:  set1&0x04 != 0,
		UseYAxis:       set1&0x08 != 0,
	}, nil
}

// EncodeConfig packs a Config back into wire bytes, used for persistence.
func EncodeConfig(c Config) []byte {
	var set0, set1 byte
	if c.InvertWAS {
		set0 |= 0x01
	}
	if c.IsRelayActiveHigh {
		set0 |= 0x02
	}
	if c.MotorInvert {
		set0 |= 0x04
	}
	if c.SingleInputWAS {
		set0 |= 0x08
	}
	if c.CytronDriver {
		set0 |= 0x10
	}
	if c.SteerSwitch {
		set0 |= 0x20
	}
	if c.SteerButton {
		set0 |= 0x40
	}
	if c.ShaftEncoder {
		set0 |= 0x80
	}
	if c.IsDanfoss {
		set1 |= 0x01
	}
	if c.PressureSensor {
		set1 |= 0x02
	}
	if c.CurrentSensor {
		set1 |= 0x04
	}
	if c.UseYAxis {
		set1 |= 0x08
	}
	return []byte{set0, c.PulseCountMax, c.MinSpeed, set1, 0, 0, 0, 0}
}

// Settings is the decoded steer tuning (PGN 252).
type Settings struct {
	Kp              float32 // received as byte x 10
	HighPWM         uint8   // current-limit ceiling
	LowPWM          uint8   // static-friction breakaway
	MinPWM          uint8   // dither floor
	CountsPerDegree float32
	WASOffset       int16
	AckermanFix     float32
}

// DecodeSettings unpacks a PGN 252 payload. The received low PWM byte is
// overwritten with minPWM x 1.2, matching the long-standing behavior every
// deployed ground station calibrates against (see the settings test).
func DecodeSettings(data []byte, m *metrics.Metrics) (Settings, error) {
	if len(data) < 8 {
		return Settings{}, fmt.Errorf("steer settings too short: %d bytes", len(data))
	}

	s := Settings{
		Kp:              float32(data[0]) / 10.0,
		HighPWM:         data[1],
		LowPWM:          data[2],
		MinPWM:          data[3],
		CountsPerDegree: float32(data[4]),
		WASOffset:       int16(uint16(data[5]) | uint16(data[6])<<8),
		AckermanFix:     float32(data[7]) * 0.01,
	}

	s.LowPWM = uint8(float32(s.MinPWM) * 1.2)

	if s.CountsPerDegree == 0 {
		s.CountsPerDegree = 1
		if m != nil {
			m.IncClampedValues()
		}
	}
	if s.HighPWM == 0 {
		s.HighPWM = 255
		if m != nil {
			m.IncClampedValues()
		}
	}
	return s, nil
}

// EncodeSettings packs Settings back into wire bytes for persistence. The
// low PWM byte is stored as received semantics would have it after the
// overwrite, so a reload reproduces the active values.
func EncodeSettings(s Settings) []byte {
	return []byte{
		byte(s.Kp * 10.0),
		s.HighPWM,
		s.LowPWM,
		s.MinPWM,
		byte(s.CountsPerDegree),
		byte(uint16(s.WASOffset) & 0xFF),
		byte(uint16(s.WASOffset) >> 8),
		byte(s.AckermanFix * 100.0),
	}
}
