package motor

import (
	"fmt"
	"sync"
	"time"

	"github.com/agsteer/agsteer/internal/kickout"
	"github.com/agsteer/agsteer/internal/logger"
	"github.com/agsteer/agsteer/internal/metrics"
	"go.bug.st/serial"
	"go.uber.org/zap"
)

// Keya RS-232 protocol: a 4-byte command every 20 ms, a 15-byte response of
// three 5-byte frames marked 0xAC/0xAD/0xAE.
const (
	keyaSerialCmdRun     = 0xAD
	keyaSerialCmdDisable = 0xAC

	keyaSerialPeriodMS    = 20
	keyaSerialResponseLen = 15
	keyaSerialTimeoutMS   = 1000

	keyaSerialSlipHoldMS = 200
)

// KeyaSerialDriver drives a Keya steering motor over RS-232.
type KeyaSerialDriver struct {
	portName string
	baud     int
	port     serial.Port
	metrics  *metrics.Metrics

	mu sync.Mutex

	enabled   bool
	targetPWM int16

	// response-derived feedback
	motorPosition    uint32
	actualRPM        int16
	motorCurrent     int8 // 0.1 A units
	motorVoltage     uint8
	motorErrorCode   uint16
	motorTemperature uint8
	hasValidResponse bool
	lastResponseMS   int64

	respBuf   [keyaSerialResponseLen]byte
	respIndex int

	lastCommandMS    int64
	slipStartMS      int64
	motorSlip        bool
	consecTxFailures int
	log              *zap.Logger
}

// NewKeyaSerialDriver creates a driver for the given port.
func NewKeyaSerialDriver(portName string, baud int, m *metrics.Metrics) *KeyaSerialDriver {
	if baud == 0 {
		baud = 115200
	}
	return &KeyaSerialDriver{
		portName: portName,
		baud:     baud,
		metrics:  m,
		log:      logger.WithDriver("keya-serial"),
	}
}

// Init opens the serial port with a near-zero read timeout so Tick never
// blocks on a quiet line.
func (d *KeyaSerialDriver) Init() error {
	mode := &serial.Mode{BaudRate: d.baud}
	port, err := serial.Open(d.portName, mode)
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", d.portName, err)
	}
	if err := port.SetReadTimeout(time.Millisecond); err != nil {
		port.Close()
		return fmt.Errorf("failed to set read timeout: %w", err)
	}
	d.port = port
	d.log.Info("Keya serial driver initialized", zap.String("port", d.portName), zap.Int("baud", d.baud))
	return nil
}

func (d *KeyaSerialDriver) Enable(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.enabled != on {
		d.log.Info("Keya serial motor state", zap.Bool("enabled", on))
	}
	d.enabled = on
	if !on {
		d.motorSlip = false
		d.slipStartMS = 0
	}
}

func (d *KeyaSerialDriver) SetSpeed(pct float32) {
	pct = clampPct(pct)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.targetPWM = pctToPWM(pct)
}

func (d *KeyaSerialDriver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.targetPWM = 0
}

func (d *KeyaSerialDriver) Tick(nowMS int64) {
	if d.port == nil {
		return
	}

	d.checkResponse(nowMS)

	d.mu.Lock()
	due := nowMS-d.lastCommandMS >= keyaSerialPeriodMS
	d.mu.Unlock()
	if due {
		d.sendCommand(nowMS)
	}

	d.mu.Lock()
	if d.enabled {
		d.motorSlip = d.checkSlipLocked(nowMS)
	}
	d.mu.Unlock()
}

func (d *KeyaSerialDriver) sendCommand(nowMS int64) {
	d.mu.Lock()
	cmd := d.buildCommandLocked()
	d.mu.Unlock()

	if _, err := d.port.Write(cmd[:]); err != nil {
		d.mu.Lock()
		d.consecTxFailures++
		d.mu.Unlock()
		if d.metrics != nil {
			d.metrics.IncDriverTxFailures()
		}
	} else {
		d.mu.Lock()
		d.consecTxFailures = 0
		d.mu.Unlock()
	}

	d.mu.Lock()
	d.lastCommandMS = nowMS
	d.respIndex = 0
	d.mu.Unlock()
}

func (d *KeyaSerialDriver) buildCommandLocked() [4]byte {
	var cmd [4]byte
	if d.enabled && d.targetPWM != 0 {
		cmd[0] = keyaSerialCmdRun
		// PWM +-255 maps to +-1000 units of 0.1 RPM.
		speedValue := int16(int32(d.targetPWM) * 1000 / 255)
		cmd[1] = byte(speedValue >> 8)
		cmd[2] = byte(speedValue)
	} else {
		cmd[0] = keyaSerialCmdDisable
	}
	cmd[3] = serialChecksum(cmd[:3])
	return cmd
}

func serialChecksum(data []byte) byte {
	var sum uint16
	for _, b := range data {
		sum += uint16(b)
	}
	return byte(sum & 0xFF)
}

// checkResponse accumulates bytes until a complete triple-frame response
// validates against its markers.
func (d *KeyaSerialDriver) checkResponse(nowMS int64) {
	buf := make([]byte, keyaSerialResponseLen)
	n, err := d.port.Read(buf)
	if err != nil || n == 0 {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for i := 0; i < n && d.respIndex < keyaSerialResponseLen; i++ {
		d.respBuf[d.respIndex] = buf[i]
		d.respIndex++
	}
	if d.respIndex < keyaSerialResponseLen {
		return
	}
	d.parseResponseLocked(nowMS)
	d.respIndex = 0
}

func (d *KeyaSerialDriver) parseResponseLocked(nowMS int64) {
	r := d.respBuf
	if r[0] != 0xAC || r[5] != 0xAD || r[10] != 0xAE {
		return
	}
	d.hasValidResponse = true
	d.lastResponseMS = nowMS

	d.motorPosition = uint32(r[1])<<16 | uint32(r[2])<<8 | uint32(r[3])
	d.actualRPM = int16(int8(r[6]))
	d.motorCurrent = int8(r[7])
	d.motorVoltage = r[8]
	d.motorErrorCode = uint16(r[11])<<8 | uint16(r[12])
	d.motorTemperature = r[13]
}

// checkSlipLocked flags sustained divergence between commanded and actual
// RPM: more than 30% error or 20 RPM held for 200 ms.
func (d *KeyaSerialDriver) checkSlipLocked(nowMS int64) bool {
	if !d.enabled || !d.hasValidResponse || d.targetPWM == 0 {
		d.slipStartMS = 0
		return false
	}

	commandedRPM := int16(int32(d.targetPWM) * 100 / 255)
	errRPM := commandedRPM - d.actualRPM
	if errRPM < 0 {
		errRPM = -errRPM
	}
	absCmd := commandedRPM
	if absCmd < 0 {
		absCmd = -absCmd
	}

	if float32(errRPM) > float32(absCmd)*0.3 || errRPM > 20 {
		if d.slipStartMS == 0 {
			d.slipStartMS = nowMS
		}
		if nowMS-d.slipStartMS > keyaSerialSlipHoldMS {
			d.log.Warn("Keya serial slip detected",
				zap.Int16("cmd_rpm", commandedRPM),
				zap.Int16("act_rpm", d.actualRPM))
			return true
		}
	} else {
		d.slipStartMS = 0
	}
	return false
}

func (d *KeyaSerialDriver) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	actual := d.targetPWM
	if d.hasValidResponse {
		actual = int16(int32(d.actualRPM) * 255 / 100)
	}

	stale := !d.hasValidResponse || d.lastResponseMS == 0
	if !stale && d.lastCommandMS-d.lastResponseMS > keyaSerialTimeoutMS {
		stale = true
	}
	realError := d.motorErrorCode != 0 && d.motorErrorCode != 0x0001

	hasError := stale || realError || d.motorSlip || d.consecTxFailures >= 2
	msg := ""
	switch {
	case stale:
		msg = "no response"
	case realError:
		msg = fmt.Sprintf("motor error 0x%04X", d.motorErrorCode)
	case d.motorSlip:
		msg = "motor slip"
	case d.consecTxFailures >= 2:
		msg = "serial write failures"
	}

	return Status{
		Enabled:      d.enabled,
		TargetPWM:    d.targetPWM,
		ActualPWM:    actual,
		CurrentDrawA: float32(d.motorCurrent) * 0.1,
		HasError:     hasError,
		ErrorMsg:     clampErrorMsg(msg),
	}
}

func (d *KeyaSerialDriver) Kind() Kind             { return KindKeyaSerial }
func (d *KeyaSerialDriver) SupportsCurrent() bool  { return true }
func (d *KeyaSerialDriver) SupportsPosition() bool { return true }

func (d *KeyaSerialDriver) Detected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hasValidResponse
}

func (d *KeyaSerialDriver) CurrentDraw() float32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return float32(d.motorCurrent) * 0.1
}

func (d *KeyaSerialDriver) HandleKickout(cause kickout.Cause) {
	d.mu.Lock()
	d.targetPWM = 0
	d.enabled = false
	d.mu.Unlock()
	d.log.Warn("kickout", zap.String("cause", cause.String()))
}

// Close releases the serial port.
func (d *KeyaSerialDriver) Close() error {
	if d.port != nil {
		return d.port.Close()
	}
	return nil
}
