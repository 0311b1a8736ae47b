package hal

import (
	"fmt"
	"sync"

	"github.com/agsteer/agsteer/internal/logger"
	"go.uber.org/zap"
)

// Owner identifies a subsystem holding a hardware resource.
type Owner string

const (
	OwnerNone    Owner = ""
	OwnerSystem  Owner = "system"
	OwnerSensors Owner = "sensors"
	OwnerMotor   Owner = "motor"
	OwnerKickout Owner = "kickout"
	OwnerSteer   Owner = "steer"
	OwnerCANBus  Owner = "canbus"
)

// PWMTimerGroup groups pins that share one PWM timer; a frequency request
// binds the whole group.
type PWMTimerGroup int

// ADCModule identifies one of the converter modules.
type ADCModule int

const (
	ADCModule0 ADCModule = iota
	ADCModule1
)

// I2CBusID identifies an I2C bus for speed coherence.
type I2CBusID int

type pinClaim struct {
	owner Owner
	mode  PinMode
}

type pwmClaim struct {
	frequency int
	owner     Owner
}

type adcClaim struct {
	resolution int
	averaging  int
	owner      Owner
}

type i2cClaim struct {
	speedHz uint32
	owner   Owner
}

// Arbiter maintains single-owner registries for pins, PWM timer groups,
// ADC modules and I2C buses. Every hardware pin has exactly one owner at
// any instant; a conflicting request is refused, not overridden.
type Arbiter struct {
	mu   sync.Mutex
	pins map[int]pinClaim
	pwm  map[PWMTimerGroup]pwmClaim
	adc  map[ADCModule]adcClaim
	i2c  map[I2CBusID]i2cClaim
}

// NewArbiter creates an empty resource arbiter.
func NewArbiter() *Arbiter {
	return &Arbiter{
		pins: make(map[int]pinClaim),
		pwm:  make(map[PWMTimerGroup]pwmClaim),
		adc:  make(map[ADCModule]adcClaim),
		i2c:  make(map[I2CBusID]i2cClaim),
	}
}

// Claim requests ownership of a pin. The same owner may re-claim its own
// pin to change the recorded mode.
func (a *Arbiter) Claim(pin int, owner Owner, mode PinMode) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if c, ok := a.pins[pin]; ok && c.owner != owner {
		return fmt.Errorf("pin %d owned by %q, refused for %q", pin, c.owner, owner)
	}
	a.pins[pin] = pinClaim{owner: owner, mode: mode}
	return nil
}

// Release gives a pin back. Only the current owner may release.
func (a *Arbiter) Release(pin int, owner Owner) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	c, ok := a.pins[pin]
	if !ok {
		return fmt.Errorf("pin %d is not claimed", pin)
	}
	if c.owner != owner {
		return fmt.Errorf("pin %d owned by %q, release refused for %q", pin, c.owner, owner)
	}
	delete(a.pins, pin)
	return nil
}

// Transfer moves a pin between owners. The cleanup callback runs while the
// pin is unowned so the outgoing owner can leave it in a safe mode.
func (a *Arbiter) Transfer(pin int, from, to Owner, mode PinMode, cleanup func(pin int)) error {
	a.mu.Lock()
	c, ok := a.pins[pin]
	if !ok || c.owner != from {
		a.mu.Unlock()
		return fmt.Errorf("pin %d not owned by %q, transfer refused", pin, from)
	}
	delete(a.pins, pin)
	a.mu.Unlock()

	if cleanup != nil {
		cleanup(pin)
	}

	a.mu.Lock()
	a.pins[pin] = pinClaim{owner: to, mode: mode}
	a.mu.Unlock()
	return nil
}

// PinOwner reports the current owner of a pin.
func (a *Arbiter) PinOwner(pin int) Owner {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pins[pin].owner
}

// RequestPWMFrequency binds a PWM frequency to the timer group of a pin.
// A later requester with a different frequency is rejected.
func (a *Arbiter) RequestPWMFrequency(group PWMTimerGroup, frequency int, owner Owner) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if c, ok := a.pwm[group]; ok {
		if c.frequency != frequency {
			return fmt.Errorf("pwm timer group %d fixed at %d Hz by %q, %d Hz refused for %q",
				group, c.frequency, c.owner, frequency, owner)
		}
		return nil
	}
	a.pwm[group] = pwmClaim{frequency: frequency, owner: owner}
	return nil
}

// PWMFrequency reports the bound frequency for a timer group (0 if unbound).
func (a *Arbiter) PWMFrequency(group PWMTimerGroup) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pwm[group].frequency
}

// RequestADCConfig binds resolution and averaging for an ADC module.
// Conflicting later requests are rejected.
func (a *Arbiter) RequestADCConfig(module ADCModule, resolution, averaging int, owner Owner) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if c, ok := a.adc[module]; ok {
		if c.resolution != resolution || c.averaging != averaging {
			return fmt.Errorf("adc module %d configured %d-bit/%dx by %q, refused for %q",
				module, c.resolution, c.averaging, c.owner, owner)
		}
		return nil
	}
	a.adc[module] = adcClaim{resolution: resolution, averaging: averaging, owner: owner}
	return nil
}

// RequestI2CSpeed binds a clock speed to an I2C bus. A later requester may
// raise the speed (logged), never lower it.
func (a *Arbiter) RequestI2CSpeed(bus I2CBusID, speedHz uint32, owner Owner) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	c, ok := a.i2c[bus]
	if !ok {
		a.i2c[bus] = i2cClaim{speedHz: speedHz, owner: owner}
		return nil
	}
	if speedHz == c.speedHz {
		return nil
	}
	if speedHz < c.speedHz {
		return fmt.Errorf("i2c bus %d running at %d Hz for %q, lower speed %d Hz refused for %q",
			bus, c.speedHz, c.owner, speedHz, owner)
	}
	logger.Warn("raising I2C bus speed",
		zap.Int("bus", int(bus)),
		zap.Uint32("from_hz", c.speedHz),
		zap.Uint32("to_hz", speedHz),
		zap.String("owner", string(owner)))
	a.i2c[bus] = i2cClaim{speedHz: speedHz, owner: owner}
	return nil
}

// Ownership returns a snapshot of pin claims for diagnostics.
func (a *Arbiter) Ownership() map[int]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[int]string, len(a.pins))
	for pin, c := range a.pins {
		out[pin] = string(c.owner)
	}
	return out
}
