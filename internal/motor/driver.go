package motor

import "github.com/agsteer/agsteer/internal/kickout"

// Kind enumerates the supported motor backends.
type Kind int

const (
	KindNone Kind = iota
	KindPWM        // generic PWM H-bridge
	KindCytron     // Cytron MD30C wiring of the PWM backend
	KindDanfoss    // Danfoss valve duty mapping of the PWM backend
	KindKeyaCAN
	KindKeyaSerial
)

func (k Kind) String() string {
	switch k {
	case KindPWM:
		return "pwm"
	case KindCytron:
		return "cytron"
	case KindDanfoss:
		return "danfoss"
	case KindKeyaCAN:
		return "keya-can"
	case KindKeyaSerial:
		return "keya-serial"
	}
	return "none"
}

const errorMsgMax = 64

// Status is a snapshot of a driver's state.
type Status struct {
	Enabled      bool
	TargetPWM    int16 // -255..+255
	ActualPWM    int16 // backend feedback, or copy of target
	CurrentDrawA float32
	HasError     bool
	ErrorMsg     string
}

// clampErrorMsg keeps the error string within the fixed wire budget.
func clampErrorMsg(msg string) string {
	if len(msg) > errorMsgMax {
		return msg[:errorMsgMax]
	}
	return msg
}

// Driver is the capability set the control loop requires from a motor
// backend. Tick is the only method that may touch hardware for longer than
// a register write; everything else returns promptly.
type Driver interface {
	Init() error
	Enable(on bool)
	SetSpeed(pct float32) // signed percent, -100..+100
	Stop()
	Tick(nowMS int64)
	Status() Status
	Kind() Kind
	SupportsCurrent() bool
	SupportsPosition() bool
	Detected() bool
	CurrentDraw() float32
	HandleKickout(cause kickout.Cause)
}

func clampPct(pct float32) float32 {
	if pct > 100 {
		return 100
	}
	if pct < -100 {
		return -100
	}
	return pct
}

func pctToPWM(pct float32) int16 {
	v := int16(pct * 255.0 / 100.0)
	if v > 255 {
		v = 255
	}
	if v < -255 {
		v = -255
	}
	return v
}
