package sensors

import (
	"fmt"
	"sync/atomic"

	"github.com/agsteer/agsteer/internal/hal"
)

// Encoder counts rising edges on the kickout digital pin. The edge callback
// runs in interrupt context (or the HAL's poll goroutine); the counter is
// the only shared state and the 100 Hz loop reads it with an acquire load.
type Encoder struct {
	pin   int
	count atomic.Uint32
}

// NewEncoder claims the encoder pin and registers the edge watcher.
func NewEncoder(gpio hal.GPIOProvider, arbiter *hal.Arbiter, pin int) (*Encoder, error) {
	e := &Encoder{pin: pin}

	if arbiter != nil {
		if err := arbiter.Claim(pin, hal.OwnerKickout, hal.InputPullup); err != nil {
			return nil, fmt.Errorf("encoder pin claim refused: %w", err)
		}
	}
	if err := gpio.SetMode(pin, hal.InputPullup); err != nil {
		return nil, fmt.Errorf("failed to configure encoder pin: %w", err)
	}
	if err := gpio.WatchEdge(pin, hal.EdgeRising, func(_ int, _ bool) {
		e.count.Add(1)
	}); err != nil {
		return nil, fmt.Errorf("failed to watch encoder pin: %w", err)
	}
	return e, nil
}

// Count returns the total rising edges since boot (or the last Reset).
func (e *Encoder) Count() uint32 {
	return e.count.Load()
}

// Reset zeroes the counter.
func (e *Encoder) Reset() {
	e.count.Store(0)
}
