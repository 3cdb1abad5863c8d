// Command organ-render-diff compares a captured organ render against a
// reference WAV, or renders one on the fly through the same demo-organ
// path cmd/organ-render uses, and reports spectral/time-domain distance
// metrics. Intended as a regression check for the S1/S2-style scenarios
// spec.md §8 seeds: does a given sample+loop configuration still render
// to something close to a known-good capture. Grounded on
// cmd/piano-distance/main.go's reference-vs-rendered-candidate distance
// report, generalized from the built-in piano model to the sample-backed
// organ engine.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"

	dspresample "github.com/cwbudde/algo-dsp/dsp/resample"
	"github.com/cwbudde/algo-organ/analysis"
	"github.com/cwbudde/algo-organ/engine"
	"github.com/cwbudde/algo-organ/organ"
	"github.com/cwbudde/algo-organ/preset"
	"github.com/cwbudde/wav"
	"github.com/go-audio/audio"
)

func main() {
	referencePath := flag.String("reference", "", "Reference WAV path (required)")
	candidatePath := flag.String("candidate", "", "Candidate WAV path; if empty, render one from -sample")
	samplePath := flag.String("sample", "", "Attack WAV sample for the rendered candidate (used when -candidate is empty)")
	loopStart := flag.Int("loop-start", -1, "Sustain loop start frame for the rendered candidate")
	loopEnd := flag.Int("loop-end", -1, "Sustain loop end frame for the rendered candidate")
	note := flag.Int("note", 69, "MIDI note for the rendered candidate")
	velocity := flag.Int("velocity", 100, "MIDI velocity for the rendered candidate")
	sampleRate := flag.Int("sample-rate", 48000, "Analysis sample rate in Hz")
	decayDBFS := flag.Float64("decay-dbfs", -90.0, "Auto-stop threshold in dBFS for the rendered candidate")
	decayHoldBlocks := flag.Int("decay-hold-blocks", 6, "Consecutive below-threshold blocks required for stop")
	minDuration := flag.Float64("min-duration", 0.5, "Minimum rendered duration in seconds")
	maxDuration := flag.Float64("max-duration", 10.0, "Maximum rendered duration in seconds")
	releaseAfter := flag.Float64("release-after", 0.5, "Note hold time before NoteOff for the rendered candidate")
	writeCandidate := flag.String("write-candidate", "", "Optional path to write the rendered candidate WAV")
	jsonOut := flag.Bool("json", false, "Print metrics as JSON")
	flag.Parse()

	if *referencePath == "" {
		die("reference WAV path is required (-reference)")
	}

	ref, refSR, err := readWAVMono(*referencePath)
	if err != nil {
		die("failed to read reference: %v", err)
	}
	ref, err = resampleIfNeeded(ref, refSR, *sampleRate)
	if err != nil {
		die("failed to resample reference: %v", err)
	}

	var cand []float64
	if *candidatePath != "" {
		candRaw, candSR, err := readWAVMono(*candidatePath)
		if err != nil {
			die("failed to read candidate: %v", err)
		}
		cand, err = resampleIfNeeded(candRaw, candSR, *sampleRate)
		if err != nil {
			die("failed to resample candidate: %v", err)
		}
	} else {
		if *samplePath == "" {
			die("either -candidate or -sample must be given")
		}
		stereo, mono, err := renderCandidate(*samplePath, *note, *velocity, *sampleRate,
			*loopStart, *loopEnd, *decayDBFS, *decayHoldBlocks, *minDuration, *maxDuration, *releaseAfter)
		if err != nil {
			die("failed to render candidate: %v", err)
		}
		cand = mono
		if *writeCandidate != "" {
			if err := writeWAVStereo(*writeCandidate, stereo, *sampleRate); err != nil {
				die("failed to write candidate wav: %v", err)
			}
		}
	}

	metrics := analysis.Compare(ref, cand, *sampleRate)
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(metrics); err != nil {
			die("json encode failed: %v", err)
		}
		return
	}

	fmt.Printf("Reference frames: %d\n", metrics.ReferenceFrames)
	fmt.Printf("Candidate frames: %d\n", metrics.CandidateFrames)
	fmt.Printf("Aligned frames:   %d\n", metrics.AlignedFrames)
	fmt.Printf("Lag:              %d samples (%.3f ms)\n", metrics.LagSamples, 1000.0*float64(metrics.LagSamples)/float64(metrics.SampleRate))
	fmt.Println()
	fmt.Printf("Time RMSE:        %.6f\n", metrics.TimeRMSE)
	fmt.Printf("Envelope RMSE:    %.1f dB\n", metrics.EnvelopeRMSEDB)
	fmt.Printf("Spectral RMSE:    %.1f dB\n", metrics.SpectralRMSEDB)
	fmt.Printf("Reference decay:  %.1f dB/s\n", metrics.RefDecayDBPerS)
	fmt.Printf("Candidate decay:  %.1f dB/s\n", metrics.CandDecayDBPerS)
	fmt.Printf("Decay diff:       %.1f dB/s\n", metrics.DecayDiffDBPerS)
	fmt.Printf("Score:            %.4f  (0 best, 1 worst)\n", metrics.Score)
	fmt.Printf("Similarity:       %.2f%%\n", metrics.Similarity*100.0)
}

func renderCandidate(samplePath string, note, velocity, sampleRate, loopStart, loopEnd int,
	decayDBFS float64, decayHoldBlocks int, minDuration, maxDuration, releaseAfter float64,
) ([]float32, []float64, error) {
	desc := organ.NewDescriptor("diff-organ", sampleRate)
	pipe := &organ.Pipe{AttackAssetID: "diff-attack", LoopStart: loopStart, LoopEnd: loopEnd, Gain: 1.0, Channels: 2}
	stop := &organ.Stop{ID: "diff-stop", Name: "Diff Stop", Pipes: map[int]*organ.Pipe{note: pipe}}
	if err := desc.AddStop(stop); err != nil {
		return nil, nil, err
	}

	cfg := engine.NewDefaultConfig(sampleRate)
	eng := engine.New(cfg, desc)
	defer eng.Close()

	if err := eng.LoadSamples(func(assetID string) (string, error) {
		if assetID == "diff-attack" {
			return samplePath, nil
		}
		return "", fmt.Errorf("unknown asset %q", assetID)
	}); err != nil {
		return nil, nil, err
	}

	eng.ConfigureDevice("cli", preset.DeviceMapping{Mode: preset.Simple, SimpleVirtualChannel: 0})
	eng.SetChannelStops(0, []string{"diff-stop"})
	eng.SetStopEnabled("diff-stop", true)

	if err := eng.SubmitMIDI("cli", []byte{0x90, byte(note), byte(velocity)}); err != nil {
		return nil, nil, err
	}

	if decayHoldBlocks < 1 {
		decayHoldBlocks = 1
	}
	if minDuration < 0 {
		minDuration = 0
	}
	if maxDuration < minDuration {
		maxDuration = minDuration
	}

	minFrames := int(float64(sampleRate) * minDuration)
	maxFrames := int(float64(sampleRate) * maxDuration)
	releaseAtFrame := int(float64(sampleRate) * releaseAfter)
	if maxFrames < 1 {
		return nil, nil, fmt.Errorf("max duration too small")
	}

	threshold := math.Pow(10.0, decayDBFS/20.0)
	blockSize := 512
	framesRendered := 0
	belowCount := 0
	noteReleased := false
	stereo := make([]float32, 0, maxFrames*2)

	for framesRendered < maxFrames {
		framesToRender := blockSize
		if framesRendered+framesToRender > maxFrames {
			framesToRender = maxFrames - framesRendered
		}
		if !noteReleased && framesRendered >= releaseAtFrame {
			if err := eng.SubmitMIDI("cli", []byte{0x80, byte(note), 0}); err != nil {
				return nil, nil, err
			}
			noteReleased = true
		}
		block := eng.Render(framesToRender)
		stereo = append(stereo, block...)
		framesRendered += framesToRender

		if framesRendered >= minFrames {
			if stereoRMS(block) < threshold {
				belowCount++
				if belowCount >= decayHoldBlocks {
					break
				}
			} else {
				belowCount = 0
			}
		}
	}

	return stereo, stereoToMono64(stereo), nil
}

func readWAVMono(path string) ([]float64, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, 0, fmt.Errorf("invalid wav file: %s", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, err
	}
	if buf == nil || buf.Format == nil || buf.Format.NumChannels < 1 {
		return nil, 0, fmt.Errorf("invalid wav buffer: %s", path)
	}
	ch := buf.Format.NumChannels
	frames := len(buf.Data) / ch
	out := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < ch; c++ {
			sum += float64(buf.Data[i*ch+c])
		}
		out[i] = sum / float64(ch)
	}
	return out, buf.Format.SampleRate, nil
}

func resampleIfNeeded(in []float64, fromRate, toRate int) ([]float64, error) {
	if fromRate == toRate {
		return in, nil
	}
	r, err := dspresample.NewForRates(float64(fromRate), float64(toRate), dspresample.WithQuality(dspresample.QualityBest))
	if err != nil {
		return nil, err
	}
	return r.Process(in), nil
}

func writeWAVStereo(path string, samples []float32, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := wav.NewEncoder(f, sampleRate, 16, 2, 1)
	defer enc.Close()

	buf := &audio.Float32Buffer{
		Format: &audio.Format{
			SampleRate:  sampleRate,
			NumChannels: 2,
		},
		Data:           samples,
		SourceBitDepth: 16,
	}
	return enc.Write(buf)
}

func stereoToMono64(st []float32) []float64 {
	if len(st) < 2 {
		return nil
	}
	n := len(st) / 2
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = 0.5 * (float64(st[i*2]) + float64(st[i*2+1]))
	}
	return out
}

func stereoRMS(interleaved []float32) float64 {
	if len(interleaved) == 0 {
		return 0
	}
	var sum float64
	for _, s := range interleaved {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(interleaved)))
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
