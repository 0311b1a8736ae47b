package kickout

import (
	"sync"

	"github.com/agsteer/agsteer/internal/logger"
	"github.com/agsteer/agsteer/internal/metrics"
	"go.uber.org/zap"
)

// Defaults carried over from the previous firmware generation.
const (
	DefaultPressureThreshold = 800
	DefaultCurrentThreshold  = 900
	DefaultCooldownMS        = 2000

	pulseWindowMS = 100

	slipToleranceRPM = 10.0
	slipCountLimit   = 8
	slipGraceMS      = 50
	slipCmdChangeRPM = 5.0
)

// Config selects which kickout sources are armed.
type Config struct {
	ShaftEncoder   bool
	PressureSensor bool
	CurrentSensor  bool
	PulseCountMax  uint8

	PressureThreshold uint16
	CurrentThreshold  uint16
	CooldownMS        int64
}

// SensorSource is the slice of the sensor layer the monitor reads.
type SensorSource interface {
	EncoderCount() uint32
	KickoutAnalogRaw() uint16
	MotorCurrentAvg() float32
}

// Monitor fuses encoder overspeed, pressure/current thresholds and motor
// slip into a single latched disengage signal. The first true cause wins;
// later causes during the latch are recorded for diagnostics only.
type Monitor struct {
	mu sync.Mutex

	cfg     Config
	sensors SensorSource
	notify  Notifier
	slip    SlipSource
	metrics *metrics.Metrics

	// encoder window
	lastPulseCheckMS int64
	lastPulseCount   uint32

	// slip detector
	slipCounter     int
	lastCmdRPM      float32
	lastCmdChangeMS int64

	// latch
	active    bool
	cause     Cause
	latchedMS int64
	secondary []Cause
}

// NewMonitor creates a Monitor. slip may be nil when the selected motor
// backend has no speed feedback.
func NewMonitor(cfg Config, sensors SensorSource, notify Notifier, slip SlipSource, m *metrics.Metrics) *Monitor {
	if cfg.PressureThreshold == 0 {
		cfg.PressureThreshold = DefaultPressureThreshold
	}
	if cfg.CurrentThreshold == 0 {
		cfg.CurrentThreshold = DefaultCurrentThreshold
	}
	if cfg.CooldownMS == 0 {
		cfg.CooldownMS = DefaultCooldownMS
	}
	return &Monitor{cfg: cfg, sensors: sensors, notify: notify, slip: slip, metrics: m}
}

// SetConfig applies a new configuration (PGN 251 handler).
func (k *Monitor) SetConfig(cfg Config) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if cfg.PressureThreshold == 0 {
		cfg.PressureThreshold = DefaultPressureThreshold
	}
	if cfg.CurrentThreshold == 0 {
		cfg.CurrentThreshold = DefaultCurrentThreshold
	}
	if cfg.CooldownMS == 0 {
		cfg.CooldownMS = k.cfg.CooldownMS
	}
	k.cfg = cfg
}

// Tick evaluates the kickout conditions in priority order and latches the
// first true cause. steeringActive gates the slip detector; the threshold
// checks run regardless so a stuck sensor is caught before engage.
func (k *Monitor) Tick(nowMS int64, steeringActive bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	// Auto-clear after cooldown.
	if k.active && nowMS-k.latchedMS >= k.cfg.CooldownMS {
		logger.Info("kickout cleared",
			zap.String("cause", k.cause.String()),
			zap.Int64("held_ms", nowMS-k.latchedMS))
		k.active = false
		k.cause = Cause{}
		k.secondary = nil
		k.resetCountersLocked(nowMS)
	}

	if cause, ok := k.evaluateLocked(nowMS, steeringActive); ok {
		if k.active {
			// First cause wins; keep the rest for diagnostics.
			k.secondary = append(k.secondary, cause)
			return
		}
		k.latchLocked(nowMS, cause)
	}
}

func (k *Monitor) evaluateLocked(nowMS int64, steeringActive bool) (Cause, bool) {
	if k.cfg.ShaftEncoder {
		if cause, ok := k.checkEncoderLocked(nowMS); ok {
			return cause, true
		}
	}
	if k.cfg.PressureSensor {
		raw := k.sensors.KickoutAnalogRaw()
		if raw > k.cfg.PressureThreshold {
			return Cause{Kind: PressureHigh, RawADC: raw}, true
		}
	}
	if k.cfg.CurrentSensor {
		raw := uint16(k.sensors.MotorCurrentAvg())
		if raw > k.cfg.CurrentThreshold {
			return Cause{Kind: CurrentHigh, RawADC: raw}, true
		}
	}
	if k.slip != nil && steeringActive {
		if cause, ok := k.checkSlipLocked(nowMS); ok {
			return cause, true
		}
	}
	return Cause{}, false
}

// checkEncoderLocked counts pulses over a fixed window; exceeding the
// configured maximum means the operator is turning the wheel.
func (k *Monitor) checkEncoderLocked(nowMS int64) (Cause, bool) {
	if nowMS-k.lastPulseCheckMS < pulseWindowMS {
		return Cause{}, false
	}

	count := k.sensors.EncoderCount()
	pulses := count - k.lastPulseCount
	k.lastPulseCheckMS = nowMS
	k.lastPulseCount = count

	if pulses > uint32(k.cfg.PulseCountMax) {
		return Cause{Kind: EncoderOverspeed, PulsesInWindow: pulses}, true
	}
	return Cause{}, false
}

// checkSlipLocked compares commanded and actual RPM with a grace period
// after command changes; sustained error means the motor lost the wheel.
func (k *Monitor) checkSlipLocked(nowMS int64) (Cause, bool) {
	cmd, act, ok := k.slip.RPMFeedback()
	if !ok {
		k.slipCounter = 0
		return Cause{}, false
	}

	if abs32(cmd-k.lastCmdRPM) > slipCmdChangeRPM {
		k.lastCmdChangeMS = nowMS
		k.lastCmdRPM = cmd
		k.slipCounter = 0
	}
	if nowMS-k.lastCmdChangeMS < slipGraceMS {
		return Cause{}, false
	}

	if abs32(act-cmd) > abs32(cmd)+slipToleranceRPM {
		k.slipCounter++
		if k.slipCounter >= slipCountLimit {
			return Cause{Kind: MotorSlip, CmdRPM: cmd, ActRPM: act}, true
		}
	} else {
		k.slipCounter = 0
	}
	return Cause{}, false
}

func (k *Monitor) latchLocked(nowMS int64, cause Cause) {
	k.active = true
	k.cause = cause
	k.latchedMS = nowMS
	k.resetCountersLocked(nowMS)

	if k.metrics != nil {
		k.metrics.IncKickouts()
	}
	logger.Warn("KICKOUT", zap.String("cause", cause.String()))

	if k.notify != nil {
		k.notify.HandleKickout(cause)
	}
}

func (k *Monitor) resetCountersLocked(nowMS int64) {
	k.slipCounter = 0
	k.lastPulseCheckMS = nowMS
	if k.sensors != nil {
		k.lastPulseCount = k.sensors.EncoderCount()
	}
}

// Active reports whether a kickout is latched.
func (k *Monitor) Active() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.active
}

// LatchedMS reports when the current latch started (0 when inactive).
func (k *Monitor) LatchedMS() int64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.active {
		return 0
	}
	return k.latchedMS
}

// Cause reports the latched cause.
func (k *Monitor) Cause() Cause {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.cause
}

// SecondaryCauses returns causes that fired while the latch was held.
func (k *Monitor) SecondaryCauses() []Cause {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]Cause, len(k.secondary))
	copy(out, k.secondary)
	return out
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
