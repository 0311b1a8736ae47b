package sensors

import (
	"fmt"
	"sync"

	"github.com/agsteer/agsteer/internal/hal"
	"github.com/agsteer/agsteer/internal/logger"
	"go.uber.org/zap"
)

// Sampling cadences. Staggered so the 100 Hz control loop stays jitter-free.
const (
	wasPeriodMS       = 5
	currentPeriodMS   = 1
	slowPeriodMS      = 10
	DefaultDebounceMS = 50

	// Current sense zero offset in ADC counts, measured on the reference
	// board with the motor idle.
	currentZeroOffset = 77

	currentBufferSize = 50

	wasCenterCounts = 2048
)

// SwitchState is a debounced input channel.
type SwitchState struct {
	Current      bool
	Debounced    bool
	LastChangeMS int64
	Changed      bool
}

// Config holds the switch-related sensor settings.
type Config struct {
	DebounceMS int64

	AnalogWorkSwitch    bool
	WorkSwitchSetpoint  float32 // percent
	WorkSwitchHysteresis float32 // percent band width
	InvertWorkSwitch    bool
}

// ADProcessor samples the wheel angle sensor, the motor current sensor,
// the pressure sensor and the operator switches at staggered sub-rates.
// All readings are snapshots owned here; readers copy through accessors.
type ADProcessor struct {
	adc     hal.ADCProvider
	gpio    hal.GPIOProvider
	arbiter *hal.Arbiter
	pins    hal.PinMap
	encoder *Encoder

	mu sync.Mutex

	cfg Config

	// WAS
	wasRaw             uint16
	wasOffset          int16
	wasCountsPerDegree float32

	// motor current ring average
	currentBuffer [currentBufferSize]float32
	currentSum    float32
	currentIndex  int
	currentAvg    float32

	// pressure
	kickoutAnalogRaw uint16
	pressureReading  float32

	// switches
	workSwitch       SwitchState
	steerSwitch      SwitchState
	workSwitchAnalog uint16

	lastWASUpdateMS int64
	lastCurrentMS   int64
	lastSlowMS      int64

	log *zap.Logger
}

// NewADProcessor wires the sensor layer. encoder may be nil when no shaft
// encoder is fitted.
func NewADProcessor(adc hal.ADCProvider, gpio hal.GPIOProvider, arbiter *hal.Arbiter,
	pins hal.PinMap, cfg Config, encoder *Encoder) *ADProcessor {
	if cfg.DebounceMS == 0 {
		cfg.DebounceMS = DefaultDebounceMS
	}
	return &ADProcessor{
		adc:                adc,
		gpio:               gpio,
		arbiter:            arbiter,
		pins:               pins,
		cfg:                cfg,
		encoder:            encoder,
		wasCountsPerDegree: 1.0,
		log:                logger.WithComponent("sensors"),
	}
}

// Init claims the sensor pins and registers the ADC configuration. A
// refused pin claim stops Init with an error, leaving the rest of the
// sensor setup undone; a refused ADC configuration is logged and Init
// continues.
func (p *ADProcessor) Init() error {
	if p.arbiter != nil {
		if err := p.arbiter.Claim(p.pins.Steer, hal.OwnerSensors, hal.InputPullup); err != nil {
			return fmt.Errorf("steer pin claim refused: %w", err)
		}
		if err := p.arbiter.Claim(p.pins.Work, hal.OwnerSensors, hal.InputPullup); err != nil {
			return fmt.Errorf("work pin claim refused: %w", err)
		}
		// WAS wants fast averaged conversions, everything else single-shot.
		if err := p.arbiter.RequestADCConfig(hal.ADCModule0, 12, 4, hal.OwnerSensors); err != nil {
			p.log.Warn("ADC0 configuration refused", zap.Error(err))
		}
		if err := p.arbiter.RequestADCConfig(hal.ADCModule1, 12, 1, hal.OwnerSensors); err != nil {
			p.log.Warn("ADC1 configuration refused", zap.Error(err))
		}
	}

	if err := p.gpio.SetMode(p.pins.Steer, hal.InputPullup); err != nil {
		return fmt.Errorf("failed to configure steer pin: %w", err)
	}
	if err := p.configureWorkPin(); err != nil {
		return err
	}

	if p.adc != nil {
		p.adc.SetAveraging(p.pins.WAS, 4)
		// Prime the snapshots so the first loop tick sees real values.
		p.updateWAS()
		p.updateSwitchesAndPressure(0)
		p.mu.Lock()
		p.workSwitch.Changed = false
		p.steerSwitch.Changed = false
		p.mu.Unlock()
	}

	p.log.Info("sensor acquisition initialized",
		zap.Bool("analog_work", p.cfg.AnalogWorkSwitch),
		zap.Int64("debounce_ms", p.cfg.DebounceMS))
	return nil
}

func (p *ADProcessor) configureWorkPin() error {
	if p.cfg.AnalogWorkSwitch {
		// Analog mode reads the work ADC channel; the digital pin idles.
		return nil
	}
	if err := p.gpio.SetMode(p.pins.Work, hal.InputPullup); err != nil {
		return fmt.Errorf("failed to configure work pin: %w", err)
	}
	return nil
}

// SetConfig applies new switch settings (persisted elsewhere).
func (p *ADProcessor) SetConfig(cfg Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cfg.DebounceMS == 0 {
		cfg.DebounceMS = DefaultDebounceMS
	}
	p.cfg = cfg
}

// SetWASCalibration applies offset and counts-per-degree from the settings
// frame.
func (p *ADProcessor) SetWASCalibration(offset int16, countsPerDegree float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wasOffset = offset
	if countsPerDegree != 0 {
		p.wasCountsPerDegree = countsPerDegree
	}
}

// Tick runs the staggered sampling schedule.
func (p *ADProcessor) Tick(nowMS int64) {
	if p.adc == nil {
		return
	}

	if nowMS-p.lastWASUpdateMS >= wasPeriodMS {
		p.lastWASUpdateMS = nowMS
		p.updateWAS()
	}

	if nowMS-p.lastCurrentMS >= currentPeriodMS {
		p.lastCurrentMS = nowMS
		p.updateCurrent()
	}

	if nowMS-p.lastSlowMS >= slowPeriodMS {
		p.lastSlowMS = nowMS
		p.updateSwitchesAndPressure(nowMS)
	}
}

func (p *ADProcessor) updateWAS() {
	raw, err := p.adc.Read(p.pins.WAS)
	if err != nil {
		return
	}
	p.mu.Lock()
	p.wasRaw = raw
	p.mu.Unlock()
}

// updateCurrent subtracts the fixed zero offset, clips at zero and feeds
// the ring average.
func (p *ADProcessor) updateCurrent() {
	raw, err := p.adc.Read(p.pins.Current)
	if err != nil {
		return
	}

	adjusted := float32(int32(raw) - currentZeroOffset)
	if adjusted < 0 {
		adjusted = 0
	}

	p.mu.Lock()
	p.currentSum -= p.currentBuffer[p.currentIndex]
	p.currentSum += adjusted
	p.currentBuffer[p.currentIndex] = adjusted
	p.currentIndex = (p.currentIndex + 1) % currentBufferSize
	p.currentAvg = p.currentSum / currentBufferSize
	p.mu.Unlock()
}

func (p *ADProcessor) updateSwitchesAndPressure(nowMS int64) {
	steerRawPin, err := p.gpio.DigitalRead(p.pins.Steer)
	if err != nil {
		return
	}
	steerRaw := !steerRawPin // active low

	workRaw := p.readWorkSwitch()

	kickoutRaw, err := p.adc.Read(p.pins.KickoutA)
	if err == nil {
		p.mu.Lock()
		p.kickoutAnalogRaw = kickoutRaw
		// Scale to one byte and smooth; hydraulic spikes should not kick
		// out on a single sample.
		sample := float32(kickoutRaw) * 0.15
		if sample > 255 {
			sample = 255
		}
		p.pressureReading = p.pressureReading*0.8 + sample*0.2
		p.mu.Unlock()
	}

	p.mu.Lock()
	p.debounce(&p.workSwitch, workRaw, nowMS)
	if p.debounce(&p.steerSwitch, steerRaw, nowMS) {
		p.log.Info("steer switch debounced", zap.Bool("on", p.steerSwitch.Debounced))
	}
	p.mu.Unlock()
}

// readWorkSwitch handles both wiring modes: a plain active-low pin, or an
// analog level with a hysteresis band around the setpoint.
func (p *ADProcessor) readWorkSwitch() bool {
	p.mu.Lock()
	analog := p.cfg.AnalogWorkSwitch
	setpoint := p.cfg.WorkSwitchSetpoint
	hysteresis := p.cfg.WorkSwitchHysteresis
	invert := p.cfg.InvertWorkSwitch
	held := p.workSwitch.Debounced
	p.mu.Unlock()

	if !analog {
		raw, err := p.gpio.DigitalRead(p.pins.Work)
		if err != nil {
			return held
		}
		return !raw // active low
	}

	raw, err := p.adc.Read(p.pins.WorkA)
	if err != nil {
		return held
	}
	p.mu.Lock()
	p.workSwitchAnalog = raw
	p.mu.Unlock()

	percent := float32(raw) * 100.0 / 4095.0
	lower := setpoint - hysteresis*0.5
	upper := setpoint + hysteresis*0.5

	switch {
	case percent < lower:
		return !invert
	case percent > upper:
		return invert
	default:
		// Inside the band the state is held.
		return held
	}
}

// debounce adopts the raw state after it has been stable for the debounce
// window. Returns true when the debounced value changed.
func (p *ADProcessor) debounce(sw *SwitchState, raw bool, nowMS int64) bool {
	if raw != sw.Current {
		sw.Current = raw
		sw.LastChangeMS = nowMS
		return false
	}
	if sw.Current != sw.Debounced && nowMS-sw.LastChangeMS >= p.cfg.DebounceMS {
		sw.Debounced = sw.Current
		sw.Changed = true
		return true
	}
	return false
}

// --- accessors (single-producer snapshots, copied out) ---

// WASAngle converts the latest raw reading to degrees.
func (p *ADProcessor) WASAngle() float32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.wasCountsPerDegree == 0 {
		return 0
	}
	centered := float32(int32(p.wasRaw)) - wasCenterCounts - float32(p.wasOffset)
	return centered / p.wasCountsPerDegree
}

// WASRaw returns the raw ADC counts.
func (p *ADProcessor) WASRaw() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wasRaw
}

// MotorCurrentAvg returns the ring-averaged current counts.
func (p *ADProcessor) MotorCurrentAvg() float32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentAvg
}

// KickoutAnalogRaw returns the unfiltered pressure channel counts.
func (p *ADProcessor) KickoutAnalogRaw() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kickoutAnalogRaw
}

// PressureReading returns the filtered pressure value (0-255 scale).
func (p *ADProcessor) PressureReading() float32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pressureReading
}

// WorkSwitch returns the debounced work switch state.
func (p *ADProcessor) WorkSwitch() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workSwitch.Debounced
}

// SteerSwitch returns the debounced steer switch state.
func (p *ADProcessor) SteerSwitch() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.steerSwitch.Debounced
}

// SteerSwitchChanged reports a debounced edge exactly once per edge.
func (p *ADProcessor) SteerSwitchChanged() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	changed := p.steerSwitch.Changed
	p.steerSwitch.Changed = false
	return changed
}

// WorkSwitchChanged reports a debounced edge exactly once per edge.
func (p *ADProcessor) WorkSwitchChanged() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	changed := p.workSwitch.Changed
	p.workSwitch.Changed = false
	return changed
}

// EncoderCount exposes the shaft encoder counter to the kickout monitor.
func (p *ADProcessor) EncoderCount() uint32 {
	if p.encoder == nil {
		return 0
	}
	return p.encoder.Count()
}
