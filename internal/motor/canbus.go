package motor

import (
	"fmt"
	"sync"
	"time"

	"github.com/agsteer/agsteer/internal/hal"
)

// CANFrame is one frame on the motor bus. The Keya motor uses 29-bit
// extended identifiers with 8 data bytes.
type CANFrame struct {
	ID       uint32
	Extended bool
	Len      uint8
	Data     [8]byte
}

// Bus is a minimal CAN transport: single-frame bounded-time send, polled
// receive. Receive returns nil when no frame is pending.
type Bus interface {
	Send(f CANFrame) error
	Receive() (*CANFrame, error)
	Close() error
}

// MCP2515 register addresses
const (
	mcpRegCANSTAT  = 0x0E
	mcpRegCANCTRL  = 0x0F
	mcpRegCNF3     = 0x28
	mcpRegCNF2     = 0x29
	mcpRegCNF1     = 0x2A
	mcpRegCANINTE  = 0x2B
	mcpRegCANINTF  = 0x2C
	mcpRegTXB0CTRL = 0x30
	mcpRegTXB0SIDH = 0x31
	mcpRegTXB1SIDH = 0x41
	mcpRegTXB2SIDH = 0x51
	mcpRegRXB0CTRL = 0x60
	mcpRegRXB1CTRL = 0x70
)

// MCP2515 SPI instructions
const (
	mcpCmdReset      = 0xC0
	mcpCmdRead       = 0x03
	mcpCmdWrite      = 0x02
	mcpCmdReadRXB0   = 0x90
	mcpCmdReadRXB1   = 0x94
	mcpCmdLoadTXB0   = 0x40
	mcpCmdLoadTXB1   = 0x42
	mcpCmdLoadTXB2   = 0x44
	mcpCmdRTSTXB0    = 0x81
	mcpCmdRTSTXB1    = 0x82
	mcpCmdRTSTXB2    = 0x84
	mcpCmdReadStatus = 0xA0
	mcpCmdRXStatus   = 0xB0
	mcpCmdBitModify  = 0x05
)

// MCP2515 modes
const (
	mcpModeNormal = 0x00
	mcpModeConfig = 0x80
)

// MCP2515Bus drives an MCP2515 CAN controller over SPI. Sends are a TX
// mailbox push with no completion wait, keeping them inside the control
// loop's time budget.
type MCP2515Bus struct {
	spi     hal.SPIProvider
	bitrate int
	crystal int
	mu      sync.Mutex
}

// NewMCP2515Bus creates a bus on an open SPI provider. crystal is the
// controller crystal in Hz (8 or 16 MHz).
func NewMCP2515Bus(spi hal.SPIProvider, bitrate, crystal int) *MCP2515Bus {
	if bitrate == 0 {
		bitrate = 250000
	}
	if crystal == 0 {
		crystal = 16000000
	}
	return &MCP2515Bus{spi: spi, bitrate: bitrate, crystal: crystal}
}

// Init resets the controller, programs bit timing and enters normal mode.
func (b *MCP2515Bus) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.spi.Transfer([]byte{mcpCmdReset}); err != nil {
		return fmt.Errorf("reset failed: %w", err)
	}
	time.Sleep(10 * time.Millisecond)

	if err := b.writeRegister(mcpRegCANCTRL, mcpModeConfig); err != nil {
		return err
	}
	for i := 0; i < 10; i++ {
		stat, err := b.readRegister(mcpRegCANSTAT)
		if err != nil {
			return err
		}
		if stat&0xE0 == mcpModeConfig {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	cnf1, cnf2, cnf3 := b.bitTiming()
	if err := b.writeRegister(mcpRegCNF1, cnf1); err != nil {
		return err
	}
	if err := b.writeRegister(mcpRegCNF2, cnf2); err != nil {
		return err
	}
	if err := b.writeRegister(mcpRegCNF3, cnf3); err != nil {
		return err
	}

	// Receive everything; the driver filters by ID.
	if err := b.writeRegister(mcpRegRXB0CTRL, 0x60); err != nil {
		return err
	}
	if err := b.writeRegister(mcpRegRXB1CTRL, 0x60); err != nil {
		return err
	}
	if err := b.writeRegister(mcpRegCANINTE, 0x03); err != nil {
		return err
	}

	return b.writeRegister(mcpRegCANCTRL, mcpModeNormal)
}

// bitTiming returns CNF1/CNF2/CNF3 for the configured bitrate.
func (b *MCP2515Bus) bitTiming() (byte, byte, byte) {
	if b.crystal == 16000000 {
		switch b.bitrate {
		case 1000000:
			return 0x01, 0x80, 0x80
		case 500000:
			return 0x01, 0x90, 0x82
		case 250000:
			return 0x01, 0xB1, 0x85
		case 125000:
			return 0x03, 0xB1, 0x85
		default:
			return 0x01, 0xB1, 0x85
		}
	}
	// 8 MHz crystal
	switch b.bitrate {
	case 1000000:
		return 0x00, 0x80, 0x00
	case 500000:
		return 0x00, 0x90, 0x02
	case 250000:
		return 0x00, 0xB1, 0x05
	case 125000:
		return 0x01, 0xB1, 0x05
	default:
		return 0x00, 0xB1, 0x05
	}
}

// Send loads a free TX mailbox and requests transmission. It does not wait
// for bus arbitration to finish.
func (b *MCP2515Bus) Send(f CANFrame) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	status, err := b.readStatus()
	if err != nil {
		return err
	}

	var loadCmd, rtsCmd byte
	switch {
	case status&0x04 == 0:
		loadCmd, rtsCmd = mcpCmdLoadTXB0, mcpCmdRTSTXB0
	case status&0x10 == 0:
		loadCmd, rtsCmd = mcpCmdLoadTXB1, mcpCmdRTSTXB1
	case status&0x40 == 0:
		loadCmd, rtsCmd = mcpCmdLoadTXB2, mcpCmdRTSTXB2
	default:
		return fmt.Errorf("no free TX buffer")
	}

	var sidh, sidl, eid8, eid0 byte
	if f.Extended {
		sidh = byte((f.ID >> 21) & 0xFF)
		sidl = byte(((f.ID >> 13) & 0xE0) | 0x08 | ((f.ID >> 16) & 0x03))
		eid8 = byte((f.ID >> 8) & 0xFF)
		eid0 = byte(f.ID & 0xFF)
	} else {
		sidh = byte((f.ID >> 3) & 0xFF)
		sidl = byte((f.ID << 5) & 0xE0)
	}

	dlc := f.Len
	if dlc > 8 {
		dlc = 8
	}

	tx := make([]byte, 6+int(dlc))
	tx[0] = loadCmd
	tx[1] = sidh
	tx[2] = sidl
	tx[3] = eid8
	tx[4] = eid0
	tx[5] = dlc
	copy(tx[6:], f.Data[:dlc])

	if _, err := b.spi.Transfer(tx); err != nil {
		return fmt.Errorf("failed to load TX buffer: %w", err)
	}
	if _, err := b.spi.Transfer([]byte{rtsCmd}); err != nil {
		return fmt.Errorf("failed to request send: %w", err)
	}
	return nil
}

// Receive reads one pending frame, or nil when both RX buffers are empty.
func (b *MCP2515Bus) Receive() (*CANFrame, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rxStatus, err := b.rxStatus()
	if err != nil {
		return nil, err
	}

	var readCmd byte
	var intfMask byte
	switch {
	case rxStatus&0x40 != 0:
		readCmd, intfMask = mcpCmdReadRXB0, 0x01
	case rxStatus&0x80 != 0:
		readCmd, intfMask = mcpCmdReadRXB1, 0x02
	default:
		return nil, nil
	}

	tx := make([]byte, 14)
	tx[0] = readCmd
	rx, err := b.spi.Transfer(tx)
	if err != nil {
		return nil, fmt.Errorf("failed to read RX buffer: %w", err)
	}

	sidh, sidl, eid8, eid0, dlc := rx[1], rx[2], rx[3], rx[4], rx[5]

	f := &CANFrame{}
	if sidl&0x08 != 0 {
		f.Extended = true
		f.ID = uint32(sidh)<<21 | uint32(sidl&0xE0)<<13 | uint32(sidl&0x03)<<16 |
			uint32(eid8)<<8 | uint32(eid0)
	} else {
		f.ID = uint32(sidh)<<3 | uint32(sidl>>5)
	}
	f.Len = dlc & 0x0F
	if f.Len > 8 {
		f.Len = 8
	}
	copy(f.Data[:], rx[6:6+int(f.Len)])

	if _, err := b.spi.Transfer([]byte{mcpCmdBitModify, mcpRegCANINTF, intfMask, 0x00}); err != nil {
		return nil, err
	}
	return f, nil
}

// Close leaves the controller in configuration mode.
func (b *MCP2515Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writeRegister(mcpRegCANCTRL, mcpModeConfig)
}

func (b *MCP2515Bus) readRegister(reg byte) (byte, error) {
	rx, err := b.spi.Transfer([]byte{mcpCmdRead, reg, 0x00})
	if err != nil {
		return 0, err
	}
	return rx[2], nil
}

func (b *MCP2515Bus) writeRegister(reg, value byte) error {
	_, err := b.spi.Transfer([]byte{mcpCmdWrite, reg, value})
	return err
}

func (b *MCP2515Bus) readStatus() (byte, error) {
	rx, err := b.spi.Transfer([]byte{mcpCmdReadStatus, 0x00})
	if err != nil {
		return 0, err
	}
	return rx[1], nil
}

func (b *MCP2515Bus) rxStatus() (byte, error) {
	rx, err := b.spi.Transfer([]byte{mcpCmdRXStatus, 0x00})
	if err != nil {
		return 0, err
	}
	return rx[1], nil
}

// MockBus is an in-memory Bus for tests.
type MockBus struct {
	mu    sync.Mutex
	Sent  []CANFrame
	queue []CANFrame
	Fail  bool
}

// NewMockBus creates a MockBus
func NewMockBus() *MockBus {
	return &MockBus{}
}

func (m *MockBus) Send(f CANFrame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail {
		return fmt.Errorf("bus failure")
	}
	m.Sent = append(m.Sent, f)
	return nil
}

func (m *MockBus) Receive() (*CANFrame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return nil, nil
	}
	f := m.queue[0]
	m.queue = m.queue[1:]
	return &f, nil
}

func (m *MockBus) Close() error { return nil }

// Inject queues a frame for the next Receive.
func (m *MockBus) Inject(f CANFrame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, f)
}

// SentFrames returns a copy of the transmit log.
func (m *MockBus) SentFrames() []CANFrame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CANFrame, len(m.Sent))
	copy(out, m.Sent)
	return out
}
