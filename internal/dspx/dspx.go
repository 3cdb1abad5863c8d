// Package dspx holds small per-sample DSP helpers; the voice package is
// currently its only user. It is the successor of the teacher's
// top-level dsp package (dsp/dsp.go) for the one helper every render path
// still needs; dsp.LagrangeInterpolator survives separately, wired into
// voice.Voice's fractional-cursor sample lookup (see DESIGN.md). The
// Biquad/DelayLine/NewLowpass helpers the teacher used for its waveguide
// model have no home in a sample-playback engine and were dropped.
package dspx

// FlushDenormals converts denormal numbers to zero to avoid the
// performance cliff some FPUs hit on them. Applied once per output
// sample on the voice hot path (mirrors piano/string_waveguide.go and
// piano/resonance.go's per-sample FlushDenormals calls).
func FlushDenormals(x float32) float32 {
	const epsilon = 1e-30
	if x > -epsilon && x < epsilon {
		return 0.0
	}
	return x
}
