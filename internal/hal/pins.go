package hal

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PinMap is the central location for every hardware pin the controller
// touches. Digital pins are BCM GPIO numbers; analog pins are ADC channels.
// Defining a pin here does NOT initialize it - each subsystem claims its
// pins through the Arbiter before use.
type PinMap struct {
	// ADC channels
	WAS      int `yaml:"was"`       // wheel angle sensor
	Current  int `yaml:"current"`   // motor current sensor
	KickoutA int `yaml:"kickout_a"` // pressure sensor (analog)
	WorkA    int `yaml:"work_a"`    // analog work switch input

	// Digital pins
	Steer    int `yaml:"steer"`     // steer switch/button input
	Work     int `yaml:"work"`      // work switch input (digital mode)
	KickoutD int `yaml:"kickout_d"` // encoder input
	PWM1     int `yaml:"pwm1"`      // motor PWM magnitude
	PWM2     int `yaml:"pwm2"`      // motor direction
	Sleep    int `yaml:"sleep"`     // driver nSLEEP / enable
}

// DefaultPinMap returns the stock wiring for the reference carrier board.
func DefaultPinMap() PinMap {
	return PinMap{
		WAS:      0,
		Current:  1,
		KickoutA: 2,
		WorkA:    3,
		Steer:    2,
		Work:     27,
		KickoutD: 3,
		PWM1:     5,
		PWM2:     6,
		Sleep:    4,
	}
}

// LoadPinProfile reads a YAML pin profile and overlays it on the defaults.
// Zero values in the profile keep the default wiring for that pin.
func LoadPinProfile(path string) (PinMap, error) {
	pins := DefaultPinMap()
	if path == "" {
		return pins, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return pins, fmt.Errorf("failed to read pin profile: %w", err)
	}

	var overlay PinMap
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return pins, fmt.Errorf("invalid pin profile: %w", err)
	}

	merge := func(dst *int, src int) {
		if src != 0 {
			*dst = src
		}
	}
	merge(&pins.WAS, overlay.WAS)
	merge(&pins.Current, overlay.Current)
	merge(&pins.KickoutA, overlay.KickoutA)
	merge(&pins.WorkA, overlay.WorkA)
	merge(&pins.Steer, overlay.Steer)
	merge(&pins.Work, overlay.Work)
	merge(&pins.KickoutD, overlay.KickoutD)
	merge(&pins.PWM1, overlay.PWM1)
	merge(&pins.PWM2, overlay.PWM2)
	merge(&pins.Sleep, overlay.Sleep)

	return pins, nil
}

// Save writes the pin map as a YAML profile.
func (p PinMap) Save(path string) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal pin profile: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write pin profile: %w", err)
	}
	return nil
}
