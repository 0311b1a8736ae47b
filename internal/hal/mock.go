package hal

import (
	"fmt"
	"sync"
)

// MockHAL is an in-memory HAL implementation for tests.
type MockHAL struct {
	gpio *MockGPIO
	adc  *MockADC
	spi  *MockSPI
	info BoardInfo
}

// NewMockHAL creates a MockHAL
func NewMockHAL() *MockHAL {
	return &MockHAL{
		gpio: NewMockGPIO(),
		adc:  NewMockADC(),
		spi:  &MockSPI{},
		info: BoardInfo{
			Name:    "Mock Board",
			Model:   "mock",
			NumGPIO: 40,
			NumPWM:  4,
			NumADC:  4,
		},
	}
}

func (m *MockHAL) GPIO() GPIOProvider { return m.gpio }
func (m *MockHAL) ADC() ADCProvider   { return m.adc }
func (m *MockHAL) SPI() SPIProvider   { return m.spi }
func (m *MockHAL) Info() BoardInfo    { return m.info }
func (m *MockHAL) Close() error       { return nil }

// MockPin holds the state of one mock pin
type MockPin struct {
	mode  PinMode
	pull  PullMode
	value bool
	pwm   int
	freq  int
}

type mockWatcher struct {
	edge EdgeMode
	cb   func(pin int, value bool)
}

// MockGPIO records pin state and lets tests inject inputs and edges.
type MockGPIO struct {
	pins     map[int]*MockPin
	watchers map[int]mockWatcher
	mu       sync.RWMutex
}

// NewMockGPIO creates a MockGPIO
func NewMockGPIO() *MockGPIO {
	return &MockGPIO{
		pins:     make(map[int]*MockPin),
		watchers: make(map[int]mockWatcher),
	}
}

func (g *MockGPIO) pin(pin int) *MockPin {
	if g.pins[pin] == nil {
		g.pins[pin] = &MockPin{}
	}
	return g.pins[pin]
}

func (g *MockGPIO) SetMode(pin int, mode PinMode) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pin(pin).mode = mode
	return nil
}

func (g *MockGPIO) SetPull(pin int, pull PullMode) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pin(pin).pull = pull
	return nil
}

func (g *MockGPIO) DigitalRead(pin int) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.pins[pin] == nil {
		return false, fmt.Errorf("pin %d not initialized", pin)
	}
	return g.pins[pin].value, nil
}

func (g *MockGPIO) DigitalWrite(pin int, value bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pin(pin).value = value
	return nil
}

func (g *MockGPIO) PWMWrite(pin int, value int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if value < 0 || value > 255 {
		return fmt.Errorf("PWM value must be 0-255")
	}
	g.pin(pin).pwm = value
	return nil
}

func (g *MockGPIO) SetPWMFrequency(pin int, freq int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pin(pin).freq = freq
	return nil
}

func (g *MockGPIO) WatchEdge(pin int, edge EdgeMode, callback func(pin int, value bool)) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pin(pin)
	g.watchers[pin] = mockWatcher{edge: edge, cb: callback}
	return nil
}

func (g *MockGPIO) Close() error { return nil }

// --- test helpers ---

// SetInput injects an input level and fires the edge watcher when the
// transition matches its registered edge mode.
func (g *MockGPIO) SetInput(pin int, value bool) {
	g.mu.Lock()
	p := g.pin(pin)
	changed := p.value != value
	p.value = value
	w, ok := g.watchers[pin]
	g.mu.Unlock()

	if !changed || !ok || w.cb == nil {
		return
	}
	fire := w.edge == EdgeBoth ||
		(w.edge == EdgeRising && value) ||
		(w.edge == EdgeFalling && !value)
	if fire {
		w.cb(pin, value)
	}
}

// PWMValue reports the last PWM duty written to a pin.
func (g *MockGPIO) PWMValue(pin int) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.pins[pin] == nil {
		return 0
	}
	return g.pins[pin].pwm
}

// Level reports the last digital level written to a pin.
func (g *MockGPIO) Level(pin int) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.pins[pin] == nil {
		return false
	}
	return g.pins[pin].value
}

// MockADC serves injected conversion values per channel.
type MockADC struct {
	mu     sync.RWMutex
	values map[int]uint16
	avg    map[int]int
}

// NewMockADC creates a MockADC
func NewMockADC() *MockADC {
	return &MockADC{
		values: make(map[int]uint16),
		avg:    make(map[int]int),
	}
}

func (a *MockADC) Read(channel int) (uint16, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.values[channel], nil
}

func (a *MockADC) SetAveraging(channel int, samples int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.avg[channel] = samples
	return nil
}

func (a *MockADC) Close() error { return nil }

// SetValue injects a conversion value for a channel.
func (a *MockADC) SetValue(channel int, value uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.values[channel] = value
}

// MockSPI echoes programmed responses for each transfer.
type MockSPI struct {
	mu        sync.Mutex
	opened    bool
	Transfers [][]byte
	Responses [][]byte
}

func (s *MockSPI) Open(bus, device int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = true
	return nil
}

func (s *MockSPI) Transfer(data []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return nil, fmt.Errorf("SPI not open")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.Transfers = append(s.Transfers, cp)

	if len(s.Responses) > 0 {
		resp := s.Responses[0]
		s.Responses = s.Responses[1:]
		out := make([]byte, len(data))
		copy(out, resp)
		return out, nil
	}
	return make([]byte, len(data)), nil
}

func (s *MockSPI) SetSpeed(speed int) error { return nil }
func (s *MockSPI) SetMode(mode byte) error  { return nil }
func (s *MockSPI) Close() error             { return nil }
