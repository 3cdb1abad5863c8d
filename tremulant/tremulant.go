// Package tremulant implements the shared low-frequency amplitude/pitch
// modulator a windchest group attaches to its stops (spec §4.3/§9: depth
// and rate are exposed as parameters since the source left the precise
// modulation shape undocumented). One LFO instance is shared by every
// pipe in the same windchest group, matching a real organ's tremulant
// acting on the wind supply rather than on an individual pipe.
package tremulant

import (
	"math"

	approx "github.com/cwbudde/algo-approx"
)

// warpCentsPerDepthUnit scales Depth into a peak pitch deviation in cents
// for the warp curve (spec §9 leaves the exact curve shape open; 200
// cents at Depth=1.0 puts the default 0.05 depth at a ±10 cent wobble,
// typical of a mechanical tremulant).
const warpCentsPerDepthUnit = 200.0

// Params configures one tremulant's rate and depth (spec §9 open
// question resolution: exposed as tunables, defaulting to 6 Hz / 0.05
// depth, within the typical 5-8 Hz tremulant range).
type Params struct {
	RateHz float32
	Depth  float32
}

// DefaultParams returns the engine's default tremulant tuning.
func DefaultParams() Params {
	return Params{RateHz: 6.0, Depth: 0.05}
}

// LFO is one running tremulant oscillator: a phase accumulator shared by
// every voice in a windchest group for a given Render call.
type LFO struct {
	params   Params
	on       bool
	sampleHz float64
	phase    float64

	// ampBuf/warpBuf back the Signal returned by Render, reused across
	// calls instead of allocated fresh each block (spec §5: "no allocation
	// on the audio thread").
	ampBuf, warpBuf []float32
}

// New creates an LFO for a windchest group at the given output sample
// rate. on mirrors the group's governing Tremulant.SwitchOn.
func New(sampleRate int, on bool, params Params) *LFO {
	return &LFO{params: params, on: on, sampleHz: float64(sampleRate)}
}

// SetOn toggles the tremulant (drawn/undrawn stop semantics apply at the
// windchest level, not per-voice).
func (l *LFO) SetOn(on bool) { l.on = on }

// On reports whether this tremulant is currently active.
func (l *LFO) On() bool { return l.on }

// Signal is a per-frame amplitude/pitch-warp curve for one Render call.
type Signal struct {
	Amp  []float32
	Warp []float32
}

// Render advances the LFO by numFrames and returns the amplitude and
// pitch-warp curves a voice multiplies into its sustain-path output
// (spec §4.3: "Tremulant modulation...applied here by pitch-warping the
// cursor advance rate and scaling amplitude by a shared tremulant LFO").
// When inactive it returns flat 1.0 curves (no modulation, no cost).
func (l *LFO) Render(numFrames int) Signal {
	amp := growFloat32(&l.ampBuf, numFrames)
	warp := growFloat32(&l.warpBuf, numFrames)
	if !l.on || l.params.Depth <= 0 || numFrames == 0 {
		for i := range amp {
			amp[i], warp[i] = 1.0, 1.0
		}
		return Signal{Amp: amp, Warp: warp}
	}

	phase := l.phase
	step := 2.0 * math.Pi * float64(l.params.RateHz) / l.sampleHz
	depth := float64(l.params.Depth)
	for i := 0; i < numFrames; i++ {
		s := math.Sin(phase)
		amp[i] = float32(1.0 - depth*(1-s)/2)
		// Pitch-warp is a genuine cents->ratio conversion (2^(cents/1200),
		// matching voice.pitchFactor's own use of the same fast exponential
		// for cents-driven pitch corrections), not a linear approximation.
		cents := depth * warpCentsPerDepthUnit * s
		warp[i] = approx.FastExp(float32(cents/1200.0) * 0.69314718055994530942)
		phase += step
	}
	l.phase = wrap(phase)
	return Signal{Amp: amp, Warp: warp}
}

// growFloat32 resizes *buf to length n, reallocating only when the
// existing capacity is too small.
func growFloat32(buf *[]float32, n int) []float32 {
	if cap(*buf) < n {
		*buf = make([]float32, n)
	} else {
		*buf = (*buf)[:n]
	}
	return *buf
}

func wrap(p float64) float64 {
	const twoPi = 2.0 * math.Pi
	if p <= twoPi {
		return p
	}
	return math.Mod(p, twoPi)
}
