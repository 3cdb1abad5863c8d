// Package sampleasset owns per-pipe sample data (spec §4.1 SampleStore):
// headers, preloaded prefixes, and the precache/streaming backend tag a
// Voice branches on once per note rather than per frame (spec §9's
// "tagged variant... Voice branches on variant once per note").
package sampleasset

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	dspresample "github.com/cwbudde/algo-dsp/dsp/resample"
	"github.com/cwbudde/wav"
)

// DefaultPreloadFrames is the default size of the in-RAM prefix every
// streaming asset carries so the audio thread never waits on I/O for the
// first moments of a note (spec §4.1).
const DefaultPreloadFrames = 16384

// Backend tags how a materialized asset's frames are obtained.
type Backend int

const (
	// Precache holds the full decoded buffer in RAM; no allocation or I/O
	// occurs on the audio thread.
	Precache Backend = iota
	// Streaming holds only a preload prefix in RAM; frames past the
	// prefix arrive from the background Streamer into a per-voice ring
	// buffer.
	Streaming
)

// Asset is an immutable-once-materialized sample: either the full
// in-memory buffer (precache) or a preload prefix plus a streaming
// descriptor pointing back at the source file (streaming).
type Asset struct {
	ID         string
	Path       string
	Channels   int
	NativeRate int
	BitDepth   int
	FrameCount int

	// LoopStart/LoopEnd mirror the owning Pipe's loop points, in frames;
	// -1 means not looped. Streaming reads never duplicate prefix frames:
	// DataByteOffset always starts at frame PreloadFrames.
	LoopStart int
	LoopEnd   int

	Backend       Backend
	PreloadFrames int
	// Prefix holds the first PreloadFrames frames, interleaved by
	// Channels, always resident regardless of backend.
	Prefix []float32

	// Full holds every frame, interleaved by Channels. Only populated in
	// Precache mode.
	Full []float32

	// DataByteOffset is the file offset, in bytes, of the first
	// streamable frame (i.e. frame index PreloadFrames). Only meaningful
	// in Streaming mode.
	DataByteOffset int64
	// DataEndOffset is the file offset, in bytes, one past the asset's
	// last PCM byte. The Streamer compares a request's advancing
	// byteOffset against this to know when a streaming fetch has reached
	// the end of the file and can stop re-enqueueing itself.
	DataEndOffset int64
	BytesPerFrame int
}

// Handle is the tagged PlaybackHandle a Voice consumes (spec §4.1/§9).
// In Precache mode Asset.Full is read directly; in Streaming mode the
// caller reads Asset.Prefix first, then drains a ring buffer it owns
// that the Streamer fills from Asset.Path starting at DataByteOffset.
type Handle struct {
	Asset *Asset
	Mode  Backend
}

// Store loads and owns sample assets for the lifetime of the engine.
// Reads (Get) are safe from any thread once an asset has been
// materialized; materialization itself happens off the audio thread, at
// organ load, for both modes. Acquire fails for an asset that was never
// materialized.
type Store struct {
	precache      bool
	preloadFrames int
	outputRate    int
	assets        map[string]*Asset
}

// NewStore creates a SampleStore. When precache is true every Materialize
// call keeps the full decoded file in RAM; otherwise Materialize still
// decodes the whole file but keeps only the preload prefix, and the
// remainder is streamed from disk when a voice plays the asset.
func NewStore(outputSampleRate int, precache bool, preloadFrames int) *Store {
	if preloadFrames <= 0 {
		preloadFrames = DefaultPreloadFrames
	}
	return &Store{
		precache:      precache,
		preloadFrames: preloadFrames,
		outputRate:    outputSampleRate,
		assets:        make(map[string]*Asset),
	}
}

// Get returns an already-materialized asset, if any.
func (s *Store) Get(id string) (*Asset, bool) {
	a, ok := s.assets[id]
	return a, ok
}

// Materialize decodes a WAV file into an Asset under the configured
// backend and loop points. It is idempotent: a second call for the same
// id returns the cached asset.
func (s *Store) Materialize(id, path string, loopStart, loopEnd int) (*Asset, error) {
	if a, ok := s.assets[id]; ok {
		return a, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sampleasset: open %s: %w", path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("sampleasset: invalid wav file: %s", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("sampleasset: decode %s: %w", path, err)
	}
	if buf == nil || buf.Format == nil || buf.Format.NumChannels < 1 {
		return nil, fmt.Errorf("sampleasset: empty/invalid wav buffer: %s", path)
	}

	channels := buf.Format.NumChannels
	srcRate := buf.Format.SampleRate
	if srcRate <= 0 {
		return nil, fmt.Errorf("sampleasset: invalid sample rate in %s", path)
	}
	frameCount := len(buf.Data) / channels

	// buf.Data already arrives as normalized float32 frames (wav.Decoder's
	// FullPCMBuffer, see piano/convolver.go's SetIRFromWAV for the same
	// pattern), so no integer-PCM rescale is needed here.
	samples := make([]float32, len(buf.Data))
	copy(samples, buf.Data)

	if s.outputRate > 0 && srcRate != s.outputRate {
		samples, frameCount, err = resampleInterleaved(samples, channels, srcRate, s.outputRate)
		if err != nil {
			return nil, fmt.Errorf("sampleasset: resample %s: %w", path, err)
		}
		if loopStart >= 0 {
			loopStart = int(float64(loopStart) * float64(s.outputRate) / float64(srcRate))
		}
		if loopEnd >= 0 {
			loopEnd = int(float64(loopEnd) * float64(s.outputRate) / float64(srcRate))
		}
	}

	bytesPerFrame := channels * (int(dec.BitDepth) / 8)
	if bytesPerFrame <= 0 {
		return nil, fmt.Errorf("sampleasset: unsupported bit depth %d in %s", dec.BitDepth, path)
	}

	a := &Asset{
		ID:            id,
		Path:          path,
		Channels:      channels,
		NativeRate:    s.outputRate,
		BitDepth:      int(dec.BitDepth),
		FrameCount:    frameCount,
		LoopStart:     loopStart,
		LoopEnd:       loopEnd,
		PreloadFrames: s.preloadFrames,
		BytesPerFrame: bytesPerFrame,
	}

	prefixFrames := a.PreloadFrames
	if prefixFrames > frameCount {
		prefixFrames = frameCount
	}
	a.Prefix = append([]float32(nil), samples[:prefixFrames*channels]...)

	// Resampling (srcRate != s.outputRate above) changes the mapping from
	// decoded frame index to native-file byte offset, and the Streamer has
	// no on-the-fly resampler to reconcile the two; such assets are always
	// fully precached regardless of the store's configured backend.
	resampled := s.outputRate > 0 && srcRate != s.outputRate
	if s.precache || resampled || prefixFrames == frameCount {
		a.Backend = Precache
		a.Full = samples
	} else {
		dataOffset, err := locateDataChunkOffset(f)
		if err != nil {
			return nil, fmt.Errorf("sampleasset: locate data chunk in %s: %w", path, err)
		}
		a.Backend = Streaming
		a.DataByteOffset = dataOffset + int64(prefixFrames*bytesPerFrame)
		a.DataEndOffset = dataOffset + int64(frameCount*bytesPerFrame)
	}

	s.assets[id] = a
	return a, nil
}

// locateDataChunkOffset scans f's RIFF/WAVE chunk headers and returns the
// file byte offset of the "data" chunk's payload (i.e. the first PCM
// sample byte), independent of whatever internal offset-tracking the wav
// decoding library keeps. Chunks are 8-byte headers (4-byte ASCII ID,
// 4-byte little-endian size) followed by size bytes of payload, padded to
// an even boundary.
func locateDataChunkOffset(f *os.File) (int64, error) {
	if _, err := f.Seek(12, io.SeekStart); err != nil { // past "RIFF"+size+"WAVE"
		return 0, err
	}
	var hdr [8]byte
	for {
		if _, err := io.ReadFull(f, hdr[:]); err != nil {
			return 0, fmt.Errorf("no data chunk found: %w", err)
		}
		id := string(hdr[:4])
		size := int64(binary.LittleEndian.Uint32(hdr[4:8]))
		if id == "data" {
			pos, err := f.Seek(0, io.SeekCurrent)
			if err != nil {
				return 0, err
			}
			return pos, nil
		}
		skip := size
		if skip%2 == 1 {
			skip++ // chunks are word-aligned
		}
		if _, err := f.Seek(skip, io.SeekCurrent); err != nil {
			return 0, err
		}
	}
}

// Acquire builds a PlaybackHandle for a note-on. Callers in Streaming
// mode are responsible for creating a ring buffer and enqueuing a fetch
// request with the Streamer; this call performs no I/O itself.
func (s *Store) Acquire(id string) (Handle, error) {
	a, ok := s.assets[id]
	if !ok {
		return Handle{}, fmt.Errorf("sampleasset: unknown asset %q", id)
	}
	return Handle{Asset: a, Mode: a.Backend}, nil
}

func resampleInterleaved(in []float32, channels, srcRate, dstRate int) ([]float32, int, error) {
	frames := len(in) / channels
	out := make([]float32, 0, frames*channels*dstRate/srcRate+channels)
	perChannel := make([][]float64, channels)
	for c := 0; c < channels; c++ {
		perChannel[c] = make([]float64, frames)
	}
	for i := 0; i < frames; i++ {
		for c := 0; c < channels; c++ {
			perChannel[c][i] = float64(in[i*channels+c])
		}
	}

	var outFrames int
	resampled := make([][]float64, channels)
	for c := 0; c < channels; c++ {
		r, err := dspresample.NewForRates(float64(srcRate), float64(dstRate), dspresample.WithQuality(dspresample.QualityBest))
		if err != nil {
			return nil, 0, err
		}
		resampled[c] = r.Process(perChannel[c])
		outFrames = len(resampled[c])
	}

	out = make([]float32, outFrames*channels)
	for i := 0; i < outFrames; i++ {
		for c := 0; c < channels; c++ {
			out[i*channels+c] = float32(resampled[c][i])
		}
	}
	return out, outFrames, nil
}
