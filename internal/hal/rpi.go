//go:build linux
// +build linux

package hal

import (
	"fmt"
	"sync"
	"time"

	"github.com/stianeikeland/go-rpio/v4"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/devices/v3/ads1x15"
	"periph.io/x/host/v3"
)

// BoardHAL drives the carrier board: GPIO through go-rpio, the analog
// front-end through an ADS1115 on I2C, and the CAN controller through SPI.
type BoardHAL struct {
	gpio *boardGPIO
	adc  *boardADC
	spi  *boardSPI
	info BoardInfo

	i2cBus i2c.BusCloser
}

// NewBoardHAL opens the board peripherals. The I2C bus name comes from the
// hardware section of the process config; the ADS1115 is opened with the
// driver's default options, including its default address.
func NewBoardHAL(i2cBusName string) (HAL, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph.io: %w", err)
	}
	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("failed to open GPIO: %w", err)
	}

	h := &BoardHAL{
		gpio: newBoardGPIO(),
		spi:  &boardSPI{},
		info: BoardInfo{Name: "agsteer carrier", Model: "rpi", NumGPIO: 28, NumPWM: 4, NumADC: 4},
	}

	bus, err := i2creg.Open(i2cBusName)
	if err != nil {
		// Run without analog front-end; sensor init will report it.
		return h, nil
	}
	h.i2cBus = bus

	conv, err := ads1x15.NewADS1115(bus, &ads1x15.DefaultOpts)
	if err != nil {
		return h, nil
	}
	h.adc = &boardADC{conv: conv, pins: make(map[int]ads1x15.PinADC)}
	return h, nil
}

func (h *BoardHAL) GPIO() GPIOProvider { return h.gpio }

func (h *BoardHAL) ADC() ADCProvider {
	if h.adc == nil {
		return nil
	}
	return h.adc
}

func (h *BoardHAL) SPI() SPIProvider { return h.spi }
func (h *BoardHAL) Info() BoardInfo  { return h.info }

func (h *BoardHAL) Close() error {
	h.gpio.Close()
	if h.adc != nil {
		h.adc.Close()
	}
	h.spi.Close()
	if h.i2cBus != nil {
		h.i2cBus.Close()
	}
	return rpio.Close()
}

// --- GPIO ---

type watchedPin struct {
	edge EdgeMode
	cb   func(pin int, value bool)
}

type boardGPIO struct {
	mu       sync.Mutex
	pins     map[int]rpio.Pin
	watched  map[int]watchedPin
	stopPoll chan struct{}
	polling  bool
}

func newBoardGPIO() *boardGPIO {
	return &boardGPIO{
		pins:     make(map[int]rpio.Pin),
		watched:  make(map[int]watchedPin),
		stopPoll: make(chan struct{}),
	}
}

func (g *boardGPIO) SetMode(pin int, mode PinMode) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	p := rpio.Pin(pin)
	g.pins[pin] = p

	switch mode {
	case Input, AnalogIn:
		p.Input()
	case InputPullup:
		p.Input()
		p.PullUp()
	case Output:
		p.Output()
	case PWM:
		p.Pwm()
	default:
		return fmt.Errorf("unsupported pin mode: %v", mode)
	}
	return nil
}

func (g *boardGPIO) SetPull(pin int, pull PullMode) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pins[pin]
	if !ok {
		return fmt.Errorf("pin %d not initialized", pin)
	}
	switch pull {
	case PullUp:
		p.PullUp()
	case PullDown:
		p.PullDown()
	default:
		p.PullOff()
	}
	return nil
}

func (g *boardGPIO) DigitalRead(pin int) (bool, error) {
	g.mu.Lock()
	p, ok := g.pins[pin]
	g.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("pin %d not initialized", pin)
	}
	return p.Read() == rpio.High, nil
}

func (g *boardGPIO) DigitalWrite(pin int, value bool) error {
	g.mu.Lock()
	p, ok := g.pins[pin]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("pin %d not initialized", pin)
	}
	if value {
		p.High()
	} else {
		p.Low()
	}
	return nil
}

func (g *boardGPIO) PWMWrite(pin int, value int) error {
	g.mu.Lock()
	p, ok := g.pins[pin]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("pin %d not configured for PWM", pin)
	}
	if value < 0 {
		value = 0
	}
	if value > 255 {
		value = 255
	}
	p.DutyCycle(uint32(value), 255)
	return nil
}

func (g *boardGPIO) SetPWMFrequency(pin int, freq int) error {
	g.mu.Lock()
	p, ok := g.pins[pin]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("pin %d not configured for PWM", pin)
	}
	// The hardware PWM clock runs at freq * cycle length.
	p.Freq(freq * 255)
	return nil
}

// WatchEdge polls the BCM edge-detect latch. go-rpio exposes edge detection
// through EdgeDetected(), not callbacks, so a single poll goroutine fans out
// to the registered watchers.
func (g *boardGPIO) WatchEdge(pin int, edge EdgeMode, callback func(pin int, value bool)) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.pins[pin]
	if !ok {
		return fmt.Errorf("pin %d not initialized", pin)
	}

	switch edge {
	case EdgeRising:
		p.Detect(rpio.RiseEdge)
	case EdgeFalling:
		p.Detect(rpio.FallEdge)
	case EdgeBoth:
		p.Detect(rpio.AnyEdge)
	default:
		p.Detect(rpio.NoEdge)
		delete(g.watched, pin)
		return nil
	}

	g.watched[pin] = watchedPin{edge: edge, cb: callback}
	if !g.polling {
		g.polling = true
		go g.pollEdges()
	}
	return nil
}

func (g *boardGPIO) pollEdges() {
	ticker := time.NewTicker(200 * time.Microsecond)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopPoll:
			return
		case <-ticker.C:
		}

		type firing struct {
			pin   int
			value bool
			cb    func(pin int, value bool)
		}
		var fired []firing

		g.mu.Lock()
		for pin, w := range g.watched {
			p := g.pins[pin]
			if p.EdgeDetected() {
				fired = append(fired, firing{pin: pin, value: p.Read() == rpio.High, cb: w.cb})
			}
		}
		g.mu.Unlock()

		for _, f := range fired {
			f.cb(f.pin, f.value)
		}
	}
}

func (g *boardGPIO) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.polling {
		close(g.stopPoll)
		g.polling = false
	}
	return nil
}

// --- ADC (ADS1115 behind periph.io) ---

type boardADC struct {
	mu   sync.Mutex
	conv *ads1x15.Dev
	pins map[int]ads1x15.PinADC
}

var adsChannels = []ads1x15.Channel{
	ads1x15.Channel0, ads1x15.Channel1, ads1x15.Channel2, ads1x15.Channel3,
}

func (a *boardADC) Read(channel int) (uint16, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if channel < 0 || channel >= len(adsChannels) {
		return 0, fmt.Errorf("adc channel %d out of range", channel)
	}
	pin, ok := a.pins[channel]
	if !ok {
		var err error
		pin, err = a.conv.PinForChannel(adsChannels[channel], 3300*physic.MilliVolt,
			860*physic.Hertz, ads1x15.SaveEnergy)
		if err != nil {
			return 0, fmt.Errorf("failed to open adc channel %d: %w", channel, err)
		}
		a.pins[channel] = pin
	}

	sample, err := pin.Read()
	if err != nil {
		return 0, fmt.Errorf("adc read failed on channel %d: %w", channel, err)
	}

	// ADS1115 raw is 16-bit signed; the rest of the firmware works in the
	// 12-bit unsigned range the original board used.
	raw := sample.Raw >> 4
	if raw < 0 {
		raw = 0
	}
	if raw > 4095 {
		raw = 4095
	}
	return uint16(raw), nil
}

func (a *boardADC) SetAveraging(channel int, samples int) error {
	// The ADS1115 averages internally at its data rate; per-read averaging
	// happens in the sensor layer.
	return nil
}

func (a *boardADC) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range a.pins {
		p.Halt()
	}
	return nil
}

// --- SPI (periph.io port, used by the MCP2515 CAN controller) ---

type boardSPI struct {
	mu   sync.Mutex
	port spi.PortCloser
	conn spi.Conn

	speedHz int
	mode    spi.Mode
}

func (s *boardSPI) Open(bus, device int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return nil
	}
	if s.speedHz == 0 {
		s.speedHz = 10000000
	}

	port, err := spireg.Open(fmt.Sprintf("/dev/spidev%d.%d", bus, device))
	if err != nil {
		return fmt.Errorf("failed to open SPI device: %w", err)
	}
	conn, err := port.Connect(physic.Frequency(s.speedHz)*physic.Hertz, s.mode, 8)
	if err != nil {
		port.Close()
		return fmt.Errorf("failed to connect SPI: %w", err)
	}
	s.port = port
	s.conn = conn
	return nil
}

func (s *boardSPI) Transfer(data []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, fmt.Errorf("SPI not open")
	}
	out := make([]byte, len(data))
	if err := s.conn.Tx(data, out); err != nil {
		return nil, fmt.Errorf("SPI transfer failed: %w", err)
	}
	return out, nil
}

func (s *boardSPI) SetSpeed(speed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speedHz = speed
	return nil
}

func (s *boardSPI) SetMode(mode byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = spi.Mode(mode)
	return nil
}

func (s *boardSPI) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != nil {
		s.port.Close()
		s.port = nil
		s.conn = nil
	}
	return nil
}
