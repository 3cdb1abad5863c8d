// Package reverb implements the optional partitioned convolution reverb
// of spec §4.5: stereo impulse-response convolution with a wet/dry mix,
// bypassed (allocating no state) when no impulse response is configured.
// Grounded on piano/convolver.go's SoundboardConvolver, generalized from
// a fixed 128-sample partition to the engine's configured audio callback
// size (spec §4.5: "the implementation must not silently change the
// user's buffer choice").
package reverb

import (
	"fmt"
	"os"

	dspconv "github.com/cwbudde/algo-dsp/dsp/conv"
	dspresample "github.com/cwbudde/algo-dsp/dsp/resample"
	"github.com/cwbudde/wav"
)

// Reverb convolves a stereo signal with a stereo impulse response,
// partitioned at the configured block size. A zero-value Reverb (no IR
// loaded) is a no-op pass-through.
type Reverb struct {
	sampleRate int
	partSize   int

	leftOLA  *dspconv.StreamingOverlapAddT[float32, complex64]
	rightOLA *dspconv.StreamingOverlapAddT[float32, complex64]

	leftOut  []float32
	rightOut []float32

	mix float32 // 0 = fully dry, 1 = fully wet
}

// New creates a Reverb with no impulse response loaded (bypassed until
// SetIR/LoadIRWav is called). partSize should match audio_buffer_frames
// (spec §4.5: "Block size matches the audio callback; partition size is
// a power of two").
func New(sampleRate, partSize int) *Reverb {
	if partSize < 1 {
		partSize = 512
	}
	return &Reverb{sampleRate: sampleRate, partSize: partSize, mix: 1.0}
}

// Active reports whether an impulse response is loaded. While inactive,
// Process is a pure pass-through and allocates nothing.
func (r *Reverb) Active() bool { return r.leftOLA != nil && r.rightOLA != nil }

// SetMix sets the wet/dry blend, clamped to [0,1] per spec §4.5 and the
// control-surface clamping discipline of §7 ("Invalid configuration...
// core clamps defensively").
func (r *Reverb) SetMix(mix float32) {
	if mix < 0 {
		mix = 0
	}
	if mix > 1 {
		mix = 1
	}
	r.mix = mix
}

// Mix returns the current wet/dry blend.
func (r *Reverb) Mix() float32 { return r.mix }

// SetIR configures left/right impulse responses directly from
// pre-decoded buffers (mono IRs should be duplicated into both
// channels by the caller).
func (r *Reverb) SetIR(left, right []float32) {
	if len(left) == 0 || len(right) == 0 {
		r.leftOLA, r.rightOLA = nil, nil
		return
	}
	leftOLA, errL := dspconv.NewStreamingOverlapAdd32(left, r.partSize)
	rightOLA, errR := dspconv.NewStreamingOverlapAdd32(right, r.partSize)
	if errL != nil || errR != nil {
		return
	}
	r.leftOLA, r.rightOLA = leftOLA, rightOLA
	r.leftOut = make([]float32, r.partSize)
	r.rightOut = make([]float32, r.partSize)
	r.Reset()
}

// LoadIRWav decodes a mono/stereo WAV impulse response and installs it
// (spec §6: "ImpulseResponse for the reverb: PCM WAV, mono or stereo,
// any supported bit depth"), resampling to the engine's output rate if
// the file's native rate differs.
func (r *Reverb) LoadIRWav(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("reverb: open %s: %w", path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return fmt.Errorf("reverb: invalid wav file: %s", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return fmt.Errorf("reverb: decode %s: %w", path, err)
	}
	if buf == nil || buf.Format == nil || buf.Format.NumChannels < 1 {
		return fmt.Errorf("reverb: invalid wav buffer: %s", path)
	}

	numCh := buf.Format.NumChannels
	srcRate := buf.Format.SampleRate
	if srcRate <= 0 {
		return fmt.Errorf("reverb: invalid wav sample-rate: %d", srcRate)
	}
	frames := len(buf.Data) / numCh
	if frames == 0 {
		return fmt.Errorf("reverb: empty wav data: %s", path)
	}

	left := make([]float32, frames)
	right := make([]float32, frames)
	if numCh == 1 {
		for i := range frames {
			v := buf.Data[i]
			left[i], right[i] = v, v
		}
	} else {
		for i := range frames {
			left[i] = buf.Data[i*numCh]
			right[i] = buf.Data[i*numCh+1]
		}
	}

	left, err = r.resampleIfNeeded(left, srcRate)
	if err != nil {
		return fmt.Errorf("reverb: resample left IR: %w", err)
	}
	right, err = r.resampleIfNeeded(right, srcRate)
	if err != nil {
		return fmt.Errorf("reverb: resample right IR: %w", err)
	}
	r.SetIR(left, right)
	return nil
}

// Process convolves an interleaved stereo input block with the loaded
// IR and blends wet/dry. Returns the input unchanged (after mix, which
// is a no-op when Active() is false) if no IR is loaded.
func (r *Reverb) Process(stereoIn []float32) []float32 {
	if !r.Active() || len(stereoIn) == 0 {
		return stereoIn
	}

	numFrames := len(stereoIn) / 2
	left := make([]float32, numFrames)
	right := make([]float32, numFrames)
	for i := 0; i < numFrames; i++ {
		left[i] = stereoIn[i*2]
		right[i] = stereoIn[i*2+1]
	}

	out := make([]float32, len(stereoIn))
	processed := 0
	for processed < numFrames {
		end := processed + r.partSize
		if end > numFrames {
			end = numFrames
		}
		blockLen := end - processed

		lBlock := padTo(left[processed:end], r.partSize)
		rBlock := padTo(right[processed:end], r.partSize)

		errL := r.leftOLA.ProcessBlockTo(r.leftOut, lBlock)
		errR := r.rightOLA.ProcessBlockTo(r.rightOut, rBlock)
		for i := 0; i < blockLen; i++ {
			dry := left[processed+i]
			dryR := right[processed+i]
			wet, wetR := dry, dryR
			if errL == nil && errR == nil {
				wet, wetR = r.leftOut[i], r.rightOut[i]
			}
			out[(processed+i)*2] = (1-r.mix)*dry + r.mix*wet
			out[(processed+i)*2+1] = (1-r.mix)*dryR + r.mix*wetR
		}
		processed = end
	}
	return out
}

// Reset clears convolver overlap-add state (organ shutdown / panic).
func (r *Reverb) Reset() {
	if r.leftOLA != nil {
		r.leftOLA.Reset()
	}
	if r.rightOLA != nil {
		r.rightOLA.Reset()
	}
}

func (r *Reverb) resampleIfNeeded(in []float32, inRate int) ([]float32, error) {
	if inRate == r.sampleRate {
		return in, nil
	}
	resampler, err := dspresample.NewForRates(
		float64(inRate),
		float64(r.sampleRate),
		dspresample.WithQuality(dspresample.QualityBest),
	)
	if err != nil {
		return nil, err
	}
	in64 := make([]float64, len(in))
	for i, v := range in {
		in64[i] = float64(v)
	}
	out64 := resampler.Process(in64)
	out := make([]float32, len(out64))
	for i, v := range out64 {
		out[i] = float32(v)
	}
	return out, nil
}

func padTo(block []float32, size int) []float32 {
	if len(block) == size {
		return block
	}
	padded := make([]float32, size)
	copy(padded, block)
	return padded
}
