package motor

import (
	"fmt"
	"time"

	"github.com/agsteer/agsteer/internal/hal"
	"github.com/agsteer/agsteer/internal/logger"
	"github.com/agsteer/agsteer/internal/metrics"
	"go.uber.org/zap"
)

// Deps carries everything a backend might need; each backend takes the
// slice it uses.
type Deps struct {
	Bus     Bus
	GPIO    hal.GPIOProvider
	ADC     hal.ADCProvider
	Arbiter *hal.Arbiter
	Metrics *metrics.Metrics

	Pins         hal.PinMap
	PWMFrequency int
	SerialPort   string
	SerialBaud   int
}

// Detect resolves the backend kind from the configured selector and the
// bus. A sustained CAN heartbeat wins over the selector: a drive that is
// talking on the bus is the drive that is wired in.
func Detect(selector string, isDanfoss, isCytron bool, bus Bus) Kind {
	if bus != nil && watchForHeartbeat(bus, 1100*time.Millisecond) {
		logger.Info("CAN motor heartbeat detected, selecting CAN backend")
		return KindKeyaCAN
	}

	switch selector {
	case "keya-can":
		return KindKeyaCAN
	case "keya-serial":
		return KindKeyaSerial
	case "danfoss":
		return KindDanfoss
	case "cytron":
		return KindCytron
	case "pwm":
		return KindPWM
	}

	// auto: fall back to the PWM family shaped by the steer config bits.
	if isDanfoss {
		return KindDanfoss
	}
	if isCytron {
		return KindCytron
	}
	return KindPWM
}

// watchForHeartbeat polls the bus for the detection window and reports
// whether motor heartbeats kept arriving for at least one second of it
// (first to latest heartbeat; the spacing between them is not checked).
func watchForHeartbeat(bus Bus, window time.Duration) bool {
	deadline := time.Now().Add(window)
	var first time.Time
	for time.Now().Before(deadline) {
		f, err := bus.Receive()
		if err != nil {
			return false
		}
		if f != nil && f.ID == KeyaHeartbeatID && f.Extended {
			now := time.Now()
			if first.IsZero() {
				first = now
			}
			// The drive heartbeats every 20 ms; a sustained second of
			// them proves a live motor, not bus noise.
			if now.Sub(first) >= time.Second {
				return true
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

// New builds the driver for a kind. This is the single construction path
// for motor backends.
func New(kind Kind, deps Deps) (Driver, error) {
	switch kind {
	case KindKeyaCAN:
		if deps.Bus == nil {
			return nil, fmt.Errorf("keya-can backend requires a CAN bus")
		}
		return NewKeyaCANDriver(deps.Bus, deps.Metrics), nil

	case KindKeyaSerial:
		if deps.SerialPort == "" {
			return nil, fmt.Errorf("keya-serial backend requires a serial port")
		}
		return NewKeyaSerialDriver(deps.SerialPort, deps.SerialBaud, deps.Metrics), nil

	case KindPWM, KindCytron, KindDanfoss:
		if deps.GPIO == nil {
			return nil, fmt.Errorf("pwm backend requires GPIO")
		}
		cfg := PWMConfig{
			Kind:         kind,
			PWMPin:       deps.Pins.PWM1,
			DirPin:       deps.Pins.PWM2,
			SleepPin:     deps.Pins.Sleep,
			CurrentChan:  deps.Pins.Current,
			PWMFrequency: deps.PWMFrequency,
		}
		return NewPWMDriver(cfg, deps.GPIO, deps.ADC, deps.Arbiter, deps.Metrics), nil
	}
	return nil, fmt.Errorf("unknown motor driver kind %d", kind)
}

// DetectAndCreate runs detection and builds the selected backend.
func DetectAndCreate(selector string, isDanfoss, isCytron bool, deps Deps) (Driver, error) {
	kind := Detect(selector, isDanfoss, isCytron, deps.Bus)
	logger.Info("motor driver selected", zap.String("kind", kind.String()))
	return New(kind, deps)
}
