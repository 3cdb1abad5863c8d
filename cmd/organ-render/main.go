// Command organ-render exercises the engine end-to-end offline: it
// builds a single-stop, single-pipe organ around one WAV sample, drives
// it through the MIDI submission path exactly as a live session would,
// and writes the rendered stereo output to a WAV file. Grounded on
// cmd/piano-render/main.go's flag-driven single-note render (the
// auto-decay-stop block loop, the wav.Encoder/audio.Float32Buffer
// write), generalized from a built-in physical model to a sample-backed
// organ pipe wired through the full Engine/MidiRouter/Mixer stack.
package main

import (
	"flag"
	"fmt"
	"math"
	"os"

	"github.com/cwbudde/algo-organ/engine"
	"github.com/cwbudde/algo-organ/organ"
	"github.com/cwbudde/algo-organ/preset"
	"github.com/cwbudde/wav"
	"github.com/go-audio/audio"
)

func main() {
	samplePath := flag.String("sample", "", "Attack WAV sample path for the demo pipe (required)")
	releasePath := flag.String("release", "", "Optional release-sample WAV path")
	loopStart := flag.Int("loop-start", -1, "Sustain loop start frame (-1: not looped)")
	loopEnd := flag.Int("loop-end", -1, "Sustain loop end frame (-1: not looped)")
	note := flag.Int("note", 69, "MIDI note number (69 = A4 = 440 Hz)")
	velocity := flag.Int("velocity", 100, "MIDI velocity (0-127)")
	duration := flag.Float64("duration", 2.0, "Duration in seconds")
	decayDBFS := flag.Float64("decay-dbfs", math.Inf(1), "Auto-stop when stereo block RMS falls below this dBFS (e.g. -90). Disabled by default")
	decayHoldBlocks := flag.Int("decay-hold-blocks", 6, "Consecutive below-threshold blocks required to stop in auto-decay mode")
	minDuration := flag.Float64("min-duration", 0.5, "Minimum render duration in seconds when using -decay-dbfs")
	maxDuration := flag.Float64("max-duration", 20.0, "Maximum render duration in seconds when using -decay-dbfs")
	releaseAfter := flag.Float64("release-after", 0.5, "Send NoteOff after this many seconds")
	sampleRate := flag.Int("sample-rate", 48000, "Render sample rate in Hz")
	blockSize := flag.Int("block-size", 512, "Audio callback block size in frames")
	polyphony := flag.Int("polyphony", 16, "Polyphony limit")
	gain := flag.Float64("gain", 1.0, "Global output gain")
	precache := flag.Bool("precache", true, "Precache the full sample into RAM instead of streaming")
	preloadFrames := flag.Int("preload-frames", 16384, "Preload prefix size in frames")
	irPath := flag.String("ir", "", "Reverb impulse response WAV path (optional)")
	reverbMix := flag.Float64("reverb-mix", 0.0, "Reverb wet/dry mix, 0..1")
	originalTuning := flag.Bool("original-tuning", false, "Ignore pitch-correction cents with |cents| <= 20")
	output := flag.String("output", "output.wav", "Output WAV file path")
	flag.Parse()

	if *samplePath == "" {
		fmt.Fprintln(os.Stderr, "Error: -sample is required")
		os.Exit(1)
	}

	desc := buildDemoOrgan(*sampleRate, *note, *loopStart, *loopEnd, *releasePath != "")

	cfg := engine.NewDefaultConfig(*sampleRate)
	cfg.AudioBufferFrames = *blockSize
	cfg.PolyphonyLimit = *polyphony
	cfg.Gain = float32(*gain)
	cfg.Precache = *precache
	cfg.PreloadFrames = *preloadFrames
	cfg.ReverbMix = float32(*reverbMix)
	cfg.OriginalTuning = *originalTuning

	eng := engine.New(cfg, desc)
	defer eng.Close()

	if err := eng.LoadSamples(func(assetID string) (string, error) {
		switch assetID {
		case "demo-attack":
			return *samplePath, nil
		case "demo-release":
			return *releasePath, nil
		}
		return "", fmt.Errorf("unknown asset %q", assetID)
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading samples: %v\n", err)
		os.Exit(1)
	}

	if *irPath != "" {
		if err := eng.LoadReverbIR(*irPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error loading reverb IR: %v\n", err)
			os.Exit(1)
		}
	}

	eng.ConfigureDevice("cli", preset.DeviceMapping{Mode: preset.Simple, SimpleVirtualChannel: 0})
	eng.SetChannelStops(0, []string{"demo-stop"})
	eng.SetStopEnabled("demo-stop", true)

	fmt.Printf("Rendering note %d, velocity %d, for %.2f seconds at %d Hz (sample: %s)...\n",
		*note, *velocity, *duration, *sampleRate, *samplePath)

	if err := eng.SubmitMIDI("cli", []byte{0x90, byte(*note), byte(*velocity)}); err != nil {
		fmt.Fprintf(os.Stderr, "Error submitting note-on: %v\n", err)
		os.Exit(1)
	}

	numChannels := 2
	autoStop := !math.IsInf(*decayDBFS, 1)

	var totalFrames int
	if !autoStop {
		totalFrames = int(float64(*sampleRate) * (*duration))
		if totalFrames < 1 {
			totalFrames = 1
		}
	}

	initialFrames := totalFrames
	if autoStop {
		initialFrames = int(float64(*sampleRate) * (*minDuration))
	}
	samples := make([]float32, 0, initialFrames*numChannels)

	noteOff := func() {
		if err := eng.SubmitMIDI("cli", []byte{0x80, byte(*note), 0}); err != nil {
			fmt.Fprintf(os.Stderr, "Error submitting note-off: %v\n", err)
			os.Exit(1)
		}
	}

	framesRendered := 0
	if autoStop {
		minFrames := int(float64(*sampleRate) * (*minDuration))
		maxFrames := int(float64(*sampleRate) * (*maxDuration))
		releaseAtFrame := int(float64(*sampleRate) * (*releaseAfter))
		if maxFrames < minFrames {
			maxFrames = minFrames
		}
		if *decayHoldBlocks < 1 {
			*decayHoldBlocks = 1
		}
		thresholdLin := math.Pow(10.0, *decayDBFS/20.0)
		noteReleased := false
		belowCount := 0
		for framesRendered < maxFrames {
			framesToRender := *blockSize
			if framesRendered+framesToRender > maxFrames {
				framesToRender = maxFrames - framesRendered
			}
			if !noteReleased && framesRendered >= releaseAtFrame {
				noteOff()
				noteReleased = true
			}
			block := eng.Render(framesToRender)
			samples = append(samples, block...)
			framesRendered += framesToRender

			if framesRendered >= minFrames {
				if stereoRMS(block) < thresholdLin {
					belowCount++
					if belowCount >= *decayHoldBlocks {
						break
					}
				} else {
					belowCount = 0
				}
			}
		}
		totalFrames = framesRendered
		fmt.Printf("Auto-stop at %d frames (%.3fs)\n", totalFrames, float64(totalFrames)/float64(*sampleRate))
	} else {
		releaseAtFrame := int(float64(*sampleRate) * (*releaseAfter))
		noteReleased := false
		for framesRendered < totalFrames {
			framesToRender := *blockSize
			if framesRendered+framesToRender > totalFrames {
				framesToRender = totalFrames - framesRendered
			}
			if !noteReleased && framesRendered >= releaseAtFrame {
				noteOff()
				noteReleased = true
			}
			block := eng.Render(framesToRender)
			samples = append(samples, block...)
			framesRendered += framesToRender
		}
	}

	file, err := os.Create(*output)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating output file: %v\n", err)
		os.Exit(1)
	}
	defer file.Close()

	encoder := wav.NewEncoder(file, *sampleRate, 16, numChannels, 1)
	defer encoder.Close()

	buf := &audio.Float32Buffer{
		Format: &audio.Format{
			SampleRate:  *sampleRate,
			NumChannels: numChannels,
		},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := encoder.Write(buf); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing WAV file: %v\n", err)
		os.Exit(1)
	}

	m := eng.Metrics()
	fmt.Printf("Successfully wrote %s (%d frames, %d underruns, %d evictions)\n",
		*output, totalFrames, m.UnderrunEvents, m.EvictionEvents)
}

func buildDemoOrgan(sampleRate, note, loopStart, loopEnd int, hasRelease bool) *organ.Descriptor {
	desc := organ.NewDescriptor("demo-organ", sampleRate)
	pipe := &organ.Pipe{
		AttackAssetID: "demo-attack",
		LoopStart:     loopStart,
		LoopEnd:       loopEnd,
		Gain:          1.0,
		Channels:      2,
	}
	if hasRelease {
		pipe.Releases = []organ.ReleaseSample{{AssetID: "demo-release", MaxHoldMS: -1}}
	}
	stop := &organ.Stop{
		ID:    "demo-stop",
		Name:  "Demo Stop",
		Pipes: map[int]*organ.Pipe{note: pipe},
	}
	_ = desc.AddStop(stop)
	return desc
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
