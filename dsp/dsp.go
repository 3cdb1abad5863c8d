// Package dsp holds small fractional-position interpolation helpers
// shared by the voice package. Trimmed from the teacher's original
// physical-modeling DSP toolbox (biquad filters, delay lines, fractional
// delay) to the one piece a sample-playback engine still needs: linear
// (the voice default) or cubic Lagrange interpolation of the
// attack/release streams at an arbitrary fractional
// read cursor (see DESIGN.md for what else lived here and why it didn't
// carry over).
package dsp

// LagrangeInterpolator provides higher-order fractional-position
// interpolation.
type LagrangeInterpolator struct {
	order int
}

// NewLagrangeInterpolator creates a new Lagrange interpolator.
// order: 1 = linear, 3 = cubic
func NewLagrangeInterpolator(order int) *LagrangeInterpolator {
	return &LagrangeInterpolator{
		order: order,
	}
}

// Interpolate performs Lagrange interpolation. samples holds four points
// straddling the interpolation position, samples[1] and samples[2] being
// the two nearest. frac is the fractional position between samples[1]
// and samples[2], 0.0 to 1.0. Takes a fixed-size array rather than a
// slice so callers on the audio thread never allocate to build the
// argument (spec §5: "no allocation on the audio thread").
func (l *LagrangeInterpolator) Interpolate(samples [4]float32, frac float32) float32 {
	if l.order == 1 {
		return samples[1] + frac*(samples[2]-samples[1])
	}

	if l.order == 3 {
		// Cubic (3rd order) Lagrange interpolation between samples[1] and
		// samples[2], using samples[0] and samples[3] as the outer points.
		d := frac
		c0 := samples[1]
		c1 := samples[2] - samples[0]/3.0 - samples[1]/2.0 - samples[3]/6.0
		c2 := samples[0]/2.0 - samples[1] + samples[2]/2.0
		c3 := samples[1]/2.0 - samples[2]/2.0 + (samples[3]-samples[0])/6.0

		return c0 + d*(c1+d*(c2+d*c3))
	}

	// Fallback to linear.
	return samples[1] + frac*(samples[2]-samples[1])
}
