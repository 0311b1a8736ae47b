package motor

import (
	"fmt"
	"sync"
	"time"

	"github.com/agsteer/agsteer/internal/hal"
	"github.com/agsteer/agsteer/internal/kickout"
	"github.com/agsteer/agsteer/internal/logger"
	"github.com/agsteer/agsteer/internal/metrics"
	"go.uber.org/zap"
)

// Danfoss valve duty mapping: the valve wants 50% duty at center and
// steers proportionally inside the 25%-75% band.
const (
	danfossCenter = 128
	danfossRange  = 64
)

const adcRefVolts = 3.3

// PWMConfig wires a PWMDriver to its pins.
type PWMConfig struct {
	Kind         Kind // KindPWM, KindCytron or KindDanfoss
	PWMPin       int
	DirPin       int
	SleepPin     int // -1 when absent
	CurrentChan  int // ADC channel, -1 when absent
	PWMFrequency int
	TimerGroup   hal.PWMTimerGroup
}

// PWMDriver is the H-bridge backend: one PWM magnitude pin, one direction
// pin, optional sleep/enable pin and optional analog current sense. The
// Danfoss variant reuses the magnitude pin as a centered duty output.
type PWMDriver struct {
	cfg     PWMConfig
	gpio    hal.GPIOProvider
	adc     hal.ADCProvider
	arbiter *hal.Arbiter
	metrics *metrics.Metrics

	mu sync.Mutex

	enabled   bool
	targetPWM int16
	targetPct float32

	currentScale  float32 // volts per amp
	currentOffset float32 // volts at zero current

	consecFailures int
	lastError      string
	log            *zap.Logger
}

// NewPWMDriver creates the backend. adc may be nil when the board has no
// current sense wired.
func NewPWMDriver(cfg PWMConfig, gpio hal.GPIOProvider, adc hal.ADCProvider, arbiter *hal.Arbiter, m *metrics.Metrics) *PWMDriver {
	if cfg.PWMFrequency == 0 {
		cfg.PWMFrequency = 18000
	}
	return &PWMDriver{
		cfg:           cfg,
		gpio:          gpio,
		adc:           adc,
		arbiter:       arbiter,
		metrics:       m,
		currentScale:  1.0,
		currentOffset: 0.0,
		log:           logger.WithDriver(cfg.Kind.String()),
	}
}

// Init claims the pins, configures the PWM carrier and leaves the bridge
// off. A refused pin claim is fatal for this backend.
func (d *PWMDriver) Init() error {
	if d.arbiter != nil {
		if err := d.arbiter.Claim(d.cfg.PWMPin, hal.OwnerMotor, hal.PWM); err != nil {
			return fmt.Errorf("pwm pin claim refused: %w", err)
		}
		if err := d.arbiter.Claim(d.cfg.DirPin, hal.OwnerMotor, hal.Output); err != nil {
			return fmt.Errorf("dir pin claim refused: %w", err)
		}
		if d.cfg.SleepPin >= 0 {
			if err := d.arbiter.Claim(d.cfg.SleepPin, hal.OwnerMotor, hal.Output); err != nil {
				return fmt.Errorf("sleep pin claim refused: %w", err)
			}
		}
		if err := d.arbiter.RequestPWMFrequency(d.cfg.TimerGroup, d.cfg.PWMFrequency, hal.OwnerMotor); err != nil {
			return fmt.Errorf("pwm frequency refused: %w", err)
		}
	}

	if err := d.gpio.SetMode(d.cfg.PWMPin, hal.PWM); err != nil {
		return fmt.Errorf("failed to configure pwm pin: %w", err)
	}
	if err := d.gpio.SetMode(d.cfg.DirPin, hal.Output); err != nil {
		return fmt.Errorf("failed to configure dir pin: %w", err)
	}
	if d.cfg.SleepPin >= 0 {
		if err := d.gpio.SetMode(d.cfg.SleepPin, hal.Output); err != nil {
			return fmt.Errorf("failed to configure sleep pin: %w", err)
		}
		d.gpio.DigitalWrite(d.cfg.SleepPin, false)
	}

	d.gpio.SetPWMFrequency(d.cfg.PWMPin, d.cfg.PWMFrequency)
	d.gpio.PWMWrite(d.cfg.PWMPin, d.idleDuty())
	d.gpio.DigitalWrite(d.cfg.DirPin, false)

	if d.adc != nil && d.cfg.CurrentChan >= 0 {
		d.calibrateCurrentOffset()
	}

	d.log.Info("PWM motor driver initialized",
		zap.Int("pwm_pin", d.cfg.PWMPin),
		zap.Int("dir_pin", d.cfg.DirPin),
		zap.Int("freq_hz", d.cfg.PWMFrequency))
	return nil
}

// idleDuty is the safe output: zero for an H-bridge, centered for Danfoss.
func (d *PWMDriver) idleDuty() int {
	if d.cfg.Kind == KindDanfoss {
		return danfossCenter
	}
	return 0
}

// calibrateCurrentOffset samples the sense pin with the motor off and uses
// the average as the zero-current voltage.
func (d *PWMDriver) calibrateCurrentOffset() {
	var sum float32
	const samples = 8
	for i := 0; i < samples; i++ {
		raw, err := d.adc.Read(d.cfg.CurrentChan)
		if err != nil {
			return
		}
		sum += float32(raw) * adcRefVolts / 4095.0
	}
	d.currentOffset = sum / samples
	d.log.Debug("current sense calibrated", zap.Float32("offset_v", d.currentOffset))
}

// SetCurrentScaling overrides the boot calibration.
func (d *PWMDriver) SetCurrentScaling(scale, offset float32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.currentScale = scale
	d.currentOffset = offset
}

// Enable wakes or sleeps the bridge. The wake sequence runs exactly once
// per enable edge: pull sleep low, rising edge wakes the driver, 100 us
// settle, then hold high.
func (d *PWMDriver) Enable(on bool) {
	d.mu.Lock()
	wasEnabled := d.enabled
	d.enabled = on
	d.mu.Unlock()

	if d.cfg.SleepPin >= 0 {
		if on && !wasEnabled {
			d.gpio.DigitalWrite(d.cfg.SleepPin, false)
			time.Sleep(time.Millisecond)
			d.gpio.DigitalWrite(d.cfg.SleepPin, true)
			time.Sleep(100 * time.Microsecond)
		} else if !on {
			d.gpio.DigitalWrite(d.cfg.SleepPin, false)
		}
	}

	if on != wasEnabled {
		d.log.Info("motor driver state", zap.Bool("enabled", on))
	}

	if !on {
		d.writeOutput(0)
		d.mu.Lock()
		d.targetPWM = 0
		d.targetPct = 0
		d.mu.Unlock()
	}
}

// SetSpeed applies a signed percent command. Commands are ignored while
// disabled so a stale loop value cannot twitch the wheel.
func (d *PWMDriver) SetSpeed(pct float32) {
	d.mu.Lock()
	if !d.enabled {
		d.mu.Unlock()
		return
	}
	pct = clampPct(pct)
	d.targetPct = pct
	d.targetPWM = pctToPWM(pct)
	d.mu.Unlock()

	d.writeOutput(pct)
}

func (d *PWMDriver) writeOutput(pct float32) {
	var err error
	if d.cfg.Kind == KindDanfoss {
		duty := danfossCenter + int(pct/100.0*danfossRange)
		err = d.gpio.PWMWrite(d.cfg.PWMPin, duty)
	} else {
		if werr := d.gpio.DigitalWrite(d.cfg.DirPin, pct >= 0); werr != nil {
			err = werr
		}
		duty := int(abs32f(pct) * 255.0 / 100.0)
		if duty > 255 {
			duty = 255
		}
		if werr := d.gpio.PWMWrite(d.cfg.PWMPin, duty); werr != nil {
			err = werr
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		d.consecFailures++
		d.lastError = clampErrorMsg(err.Error())
		if d.metrics != nil {
			d.metrics.IncDriverTxFailures()
		}
	} else {
		d.consecFailures = 0
	}
}

func (d *PWMDriver) Stop() {
	d.writeOutput(0)
	d.mu.Lock()
	d.targetPWM = 0
	d.targetPct = 0
	d.mu.Unlock()
}

// Tick is a no-op: the PWM hardware holds the last duty between writes.
func (d *PWMDriver) Tick(nowMS int64) {}

func (d *PWMDriver) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	hasError := d.consecFailures >= 2
	msg := ""
	if hasError {
		msg = d.lastError
	}
	return Status{
		Enabled:      d.enabled,
		TargetPWM:    d.targetPWM,
		ActualPWM:    d.targetPWM, // no feedback on this backend
		CurrentDrawA: d.readCurrentLocked(),
		HasError:     hasError,
		ErrorMsg:     msg,
	}
}

func (d *PWMDriver) Kind() Kind { return d.cfg.Kind }

func (d *PWMDriver) SupportsCurrent() bool {
	return d.adc != nil && d.cfg.CurrentChan >= 0
}

func (d *PWMDriver) SupportsPosition() bool { return false }

// Detected is always true: PWM hardware is configured, not discovered.
func (d *PWMDriver) Detected() bool { return true }

func (d *PWMDriver) CurrentDraw() float32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readCurrentLocked()
}

func (d *PWMDriver) readCurrentLocked() float32 {
	if d.adc == nil || d.cfg.CurrentChan < 0 {
		return 0
	}
	raw, err := d.adc.Read(d.cfg.CurrentChan)
	if err != nil {
		return 0
	}
	volts := float32(raw) * adcRefVolts / 4095.0
	return (volts - d.currentOffset) / d.currentScale
}

func (d *PWMDriver) HandleKickout(cause kickout.Cause) {
	d.Enable(false)
	d.Stop()
	d.log.Warn("kickout", zap.String("cause", cause.String()))
}

func abs32f(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
