package steer

// PID is the steering controller. Only the proportional term is active;
// the hydraulics provide enough damping that I and D never earned their
// keep on real machines.
type PID struct {
	kp          float32
	outputLimit float32
}

// NewPID creates a controller with the given gain and symmetric output
// limit (percent).
func NewPID(kp, outputLimit float32) *PID {
	return &PID{kp: kp, outputLimit: outputLimit}
}

// SetKp updates the proportional gain.
func (p *PID) SetKp(kp float32) { p.kp = kp }

// Kp returns the active gain.
func (p *PID) Kp() float32 { return p.kp }

// Compute returns the clamped control output for a target/actual pair.
func (p *PID) Compute(target, actual float32) float32 {
	u := p.kp * (target - actual)
	if u > p.outputLimit {
		return p.outputLimit
	}
	if u < -p.outputLimit {
		return -p.outputLimit
	}
	return u
}
