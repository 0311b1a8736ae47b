package steer

// WasFilter produces the final wheel angle the loop steers on. The default
// takes the offset-and-scale reading from the sensor layer and applies only
// sensor inversion and the Ackermann correction; richer
// implementations (encoder fusion, heading-rate blending) plug in here.
type WasFilter interface {
	FilterAngle(angleDeg float32) float32
}

// DefaultWasFilter applies sensor inversion and the Ackermann correction
// for left-hand deflection.
type DefaultWasFilter struct {
	InvertWAS   bool
	AckermanFix float32
}

// FilterAngle implements WasFilter.
func (f DefaultWasFilter) FilterAngle(angleDeg float32) float32 {
	if f.InvertWAS {
		angleDeg = -angleDeg
	}
	if angleDeg < 0 && f.AckermanFix > 0 {
		angleDeg *= f.AckermanFix
	}
	return angleDeg
}
