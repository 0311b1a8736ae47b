package kickout

import "fmt"

// CauseKind enumerates the conditions that force a disengage.
type CauseKind int

const (
	None CauseKind = iota
	EncoderOverspeed
	PressureHigh
	CurrentHigh
	MotorSlip
	Timeout
)

// Cause is the tagged disengage reason. Only the fields of the active kind
// are meaningful.
type Cause struct {
	Kind           CauseKind
	PulsesInWindow uint32  // EncoderOverspeed
	RawADC         uint16  // PressureHigh / CurrentHigh
	CmdRPM         float32 // MotorSlip
	ActRPM         float32 // MotorSlip
}

// Notifier is implemented by motor drivers that want to react to a kickout.
type Notifier interface {
	HandleKickout(c Cause)
}

// SlipSource exposes commanded vs actual RPM from drivers with speed
// feedback (the CAN motor). ok is false while no valid feedback exists.
type SlipSource interface {
	RPMFeedback() (cmdRPM, actRPM float32, ok bool)
}

func (k CauseKind) String() string {
	switch k {
	case None:
		return "none"
	case EncoderOverspeed:
		return "encoder overspeed"
	case PressureHigh:
		return "pressure high"
	case CurrentHigh:
		return "current high"
	case MotorSlip:
		return "motor slip"
	case Timeout:
		return "timeout"
	}
	return "unknown"
}

func (c Cause) String() string {
	switch c.Kind {
	case EncoderOverspeed:
		return fmt.Sprintf("%s (%d pulses)", c.Kind, c.PulsesInWindow)
	case PressureHigh, CurrentHigh:
		return fmt.Sprintf("%s (raw %d)", c.Kind, c.RawADC)
	case MotorSlip:
		return fmt.Sprintf("%s (cmd %.1f act %.1f rpm)", c.Kind, c.CmdRPM, c.ActRPM)
	}
	return c.Kind.String()
}
