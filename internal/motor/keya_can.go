package motor

import (
	"sync"

	"github.com/agsteer/agsteer/internal/kickout"
	"github.com/agsteer/agsteer/internal/logger"
	"github.com/agsteer/agsteer/internal/metrics"
	"go.uber.org/zap"
)

// Keya CAN protocol constants. Command and heartbeat use 29-bit extended
// identifiers; the drive expects a command every 20 ms even when disabled.
const (
	KeyaCommandID   = 0x06000001
	KeyaHeartbeatID = 0x07000001

	keyaCommandPeriodMS    = 20
	keyaHeartbeatTimeoutMS = 500

	// 255 PWM counts = 100 RPM; the wire speed value is RPM x 10.
	keyaRPMPerPWM = 100.0 / 255.0
)

type keyaCommand int

const (
	keyaSendEnable keyaCommand = iota
	keyaSendSpeed
)

// KeyaCANDriver drives a Keya steering motor over CAN. Feedback comes from
// the motor's heartbeat frame; there is no request/response cycle.
type KeyaCANDriver struct {
	bus     Bus
	metrics *metrics.Metrics

	mu sync.Mutex

	enabled      bool
	targetPWM    int16
	commandedRPM float32

	// heartbeat-derived feedback
	actualRPM      float32
	motorPosition  uint16
	currentX32     float32
	motorErrorCode uint16
	lastHeartbeat  int64
	heartbeatValid bool

	nextCommand keyaCommand
	sendDisable bool
	lastTxMS    int64

	consecTxFailures int
	lastError        string
	log              *zap.Logger
}

// NewKeyaCANDriver creates a driver on an initialized bus.
func NewKeyaCANDriver(bus Bus, m *metrics.Metrics) *KeyaCANDriver {
	return &KeyaCANDriver{
		bus:         bus,
		metrics:     m,
		sendDisable: true,
		log:         logger.WithDriver("keya-can"),
	}
}

func (d *KeyaCANDriver) Init() error {
	d.log.Info("Keya CAN driver initialized")
	return nil
}

func (d *KeyaCANDriver) Enable(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.enabled && on {
		d.log.Info("Keya motor enabled")
	}
	d.enabled = on
}

func (d *KeyaCANDriver) SetSpeed(pct float32) {
	pct = clampPct(pct)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.targetPWM = pctToPWM(pct)
	d.commandedRPM = float32(d.targetPWM) * keyaRPMPerPWM
}

func (d *KeyaCANDriver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.targetPWM = 0
	d.commandedRPM = 0
}

// Tick drains the receive side and keeps the 20 ms command cadence,
// alternating {enable, speed} while enabled and {disable, zero speed}
// while disabled.
func (d *KeyaCANDriver) Tick(nowMS int64) {
	d.checkMessages(nowMS)

	d.mu.Lock()
	defer d.mu.Unlock()

	if nowMS-d.lastTxMS < keyaCommandPeriodMS {
		return
	}
	d.lastTxMS = nowMS

	var frame CANFrame
	frame.ID = KeyaCommandID
	frame.Extended = true
	frame.Len = 8

	if d.enabled {
		switch d.nextCommand {
		case keyaSendEnable:
			frame.Data = [8]byte{0x23, 0x0D, 0x20, 0x01, 0x00, 0x00, 0x00, 0x00}
			d.nextCommand = keyaSendSpeed
		case keyaSendSpeed:
			speedValue := int32(d.commandedRPM * 10.0)
			frame.Data = [8]byte{
				0x23, 0x00, 0x20, 0x01,
				byte(speedValue >> 8), byte(speedValue),
				byte(speedValue >> 24), byte(speedValue >> 16),
			}
			d.nextCommand = keyaSendEnable
		}
	} else {
		if d.sendDisable {
			frame.Data = [8]byte{0x23, 0x0C, 0x20, 0x01, 0x00, 0x00, 0x00, 0x00}
		} else {
			frame.Data = [8]byte{0x23, 0x00, 0x20, 0x01, 0x00, 0x00, 0x00, 0x00}
		}
		d.sendDisable = !d.sendDisable
	}

	if err := d.bus.Send(frame); err != nil {
		d.consecTxFailures++
		d.lastError = clampErrorMsg(err.Error())
		if d.metrics != nil {
			d.metrics.IncDriverTxFailures()
		}
	} else {
		d.consecTxFailures = 0
	}
}

// checkMessages drains pending heartbeats and invalidates stale feedback.
func (d *KeyaCANDriver) checkMessages(nowMS int64) {
	for i := 0; i < 8; i++ {
		f, err := d.bus.Receive()
		if err != nil || f == nil {
			break
		}
		if f.ID != KeyaHeartbeatID || !f.Extended {
			continue
		}
		d.parseHeartbeat(f, nowMS)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.heartbeatValid && nowMS-d.lastHeartbeat > keyaHeartbeatTimeoutMS {
		d.heartbeatValid = false
		if d.metrics != nil {
			d.metrics.IncHeartbeatLosses()
		}
		d.log.Error("Keya CAN connection lost", zap.Int("timeout_ms", keyaHeartbeatTimeoutMS))
	}
}

// parseHeartbeat decodes the big-endian heartbeat pairs: position, RPM,
// current, status word.
func (d *KeyaCANDriver) parseHeartbeat(f *CANFrame, nowMS int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.motorPosition = uint16(f.Data[0])<<8 | uint16(f.Data[1])
	d.actualRPM = float32(int16(uint16(f.Data[2])<<8 | uint16(f.Data[3])))

	currentRaw := int16(uint16(f.Data[4])<<8 | uint16(f.Data[5]))
	if currentRaw < 0 {
		currentRaw = -currentRaw
	}
	newValue := float32(uint32(currentRaw) << 5)
	d.currentX32 = d.currentX32*0.9 + newValue*0.1

	d.motorErrorCode = uint16(f.Data[6])<<8 | uint16(f.Data[7])

	if !d.heartbeatValid {
		d.log.Info("Keya CAN connection restored")
	}
	d.heartbeatValid = true
	d.lastHeartbeat = nowMS
}

func (d *KeyaCANDriver) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	actual := d.targetPWM
	if d.heartbeatValid {
		actual = int16(d.actualRPM / keyaRPMPerPWM)
	}

	hasError := !d.heartbeatValid || d.consecTxFailures >= 2
	msg := d.lastError
	if !d.heartbeatValid {
		msg = "no heartbeat"
	}
	if !hasError {
		msg = ""
	}

	return Status{
		Enabled:      d.enabled,
		TargetPWM:    d.targetPWM,
		ActualPWM:    actual,
		CurrentDrawA: d.currentX32 / 32.0,
		HasError:     hasError,
		ErrorMsg:     clampErrorMsg(msg),
	}
}

func (d *KeyaCANDriver) Kind() Kind { return KindKeyaCAN }

// The heartbeat carries current and position, but neither is calibrated
// well enough for the kickout thresholds; the analog sensors stay in charge.
func (d *KeyaCANDriver) SupportsCurrent() bool  { return false }
func (d *KeyaCANDriver) SupportsPosition() bool { return false }

// Detected reports whether a heartbeat arrived recently.
func (d *KeyaCANDriver) Detected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.heartbeatValid
}

func (d *KeyaCANDriver) CurrentDraw() float32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currentX32 / 32.0
}

// RPMFeedback exposes commanded vs actual RPM for the slip detector.
func (d *KeyaCANDriver) RPMFeedback() (float32, float32, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.heartbeatValid || !d.enabled {
		return 0, 0, false
	}
	return d.commandedRPM, d.actualRPM, true
}

// Position reports the heartbeat position counter.
func (d *KeyaCANDriver) Position() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.motorPosition
}

// ErrorCode reports the raw heartbeat status word.
func (d *KeyaCANDriver) ErrorCode() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.motorErrorCode
}

func (d *KeyaCANDriver) HandleKickout(cause kickout.Cause) {
	d.mu.Lock()
	d.targetPWM = 0
	d.commandedRPM = 0
	d.enabled = false
	d.mu.Unlock()
	d.log.Warn("kickout", zap.String("cause", cause.String()))
}
