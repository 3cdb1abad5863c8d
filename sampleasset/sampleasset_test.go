package sampleasset

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/cwbudde/wav"
	"github.com/go-audio/audio"
)

// findDataChunkOffset independently scans a WAV file's RIFF chunks to find
// the data chunk's payload offset, so the test doesn't assume the same
// header layout the code under test assumes.
func findDataChunkOffset(t *testing.T, path string) int64 {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	if _, err := f.Seek(12, io.SeekStart); err != nil {
		t.Fatalf("seek: %v", err)
	}
	var hdr [8]byte
	for {
		if _, err := io.ReadFull(f, hdr[:]); err != nil {
			t.Fatalf("scan chunks: %v", err)
		}
		size := int64(binary.LittleEndian.Uint32(hdr[4:8]))
		if string(hdr[:4]) == "data" {
			pos, err := f.Seek(0, io.SeekCurrent)
			if err != nil {
				t.Fatalf("seek: %v", err)
			}
			return pos
		}
		if size%2 == 1 {
			size++
		}
		if _, err := f.Seek(size, io.SeekCurrent); err != nil {
			t.Fatalf("seek: %v", err)
		}
	}
}

func writeTestWAV(t *testing.T, sampleRate, channels, frames int) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.wav")

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, sampleRate, 16, channels, 1)
	defer enc.Close()

	data := make([]float32, frames*channels)
	for i := range data {
		data[i] = float32(i%100) / 100.0
	}
	buf := &audio.Float32Buffer{
		Format:         &audio.Format{SampleRate: sampleRate, NumChannels: channels},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	return path
}

func TestMaterializePrecache(t *testing.T) {
	path := writeTestWAV(t, 48000, 2, 4096)
	store := NewStore(48000, true, 1024)

	asset, err := store.Materialize("a1", path, -1, -1)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if asset.Backend != Precache {
		t.Fatalf("Backend = %v, want Precache", asset.Backend)
	}
	if len(asset.Full) != asset.FrameCount*asset.Channels {
		t.Fatalf("Full has %d samples, want %d", len(asset.Full), asset.FrameCount*asset.Channels)
	}
	if asset.Channels != 2 {
		t.Fatalf("Channels = %d, want 2", asset.Channels)
	}
}

func TestMaterializeStreamingWithSmallPreload(t *testing.T) {
	path := writeTestWAV(t, 48000, 1, 8192)
	store := NewStore(48000, false, 1024)

	asset, err := store.Materialize("a2", path, -1, -1)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if asset.Backend != Streaming {
		t.Fatalf("Backend = %v, want Streaming", asset.Backend)
	}
	if len(asset.Prefix) != 1024*asset.Channels {
		t.Fatalf("Prefix has %d samples, want %d", len(asset.Prefix), 1024*asset.Channels)
	}
	wantBytesPerFrame := asset.Channels * (asset.BitDepth / 8)
	if asset.BytesPerFrame != wantBytesPerFrame {
		t.Fatalf("BytesPerFrame = %d, want %d (channels=%d bitDepth=%d)", asset.BytesPerFrame, wantBytesPerFrame, asset.Channels, asset.BitDepth)
	}
	wantOffset := findDataChunkOffset(t, path) + int64(1024*asset.BytesPerFrame)
	if asset.DataByteOffset != wantOffset {
		t.Fatalf("DataByteOffset = %d, want %d (real data-chunk offset + preload prefix)", asset.DataByteOffset, wantOffset)
	}
}

// TestMaterializeStreamingReadsCorrectBytesPastPreload verifies the
// streaming asset's DataByteOffset/BytesPerFrame actually line up with the
// file's true PCM layout: reading BytesPerFrame bytes at DataByteOffset
// must decode to the same frame the precached decoder produced at index
// PreloadFrames.
func TestMaterializeStreamingReadsCorrectBytesPastPreload(t *testing.T) {
	path := writeTestWAV(t, 48000, 1, 8192)

	precacheStore := NewStore(48000, true, 1024)
	full, err := precacheStore.Materialize("full", path, -1, -1)
	if err != nil {
		t.Fatalf("Materialize (precache): %v", err)
	}

	streamStore := NewStore(48000, false, 1024)
	streamed, err := streamStore.Materialize("stream", path, -1, -1)
	if err != nil {
		t.Fatalf("Materialize (streaming): %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	raw := make([]byte, streamed.BytesPerFrame)
	if _, err := f.ReadAt(raw, streamed.DataByteOffset); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	v := int16(uint16(raw[0]) | uint16(raw[1])<<8)
	got := float32(v) / 32768
	want := full.Full[1024]
	if got != want {
		t.Fatalf("frame at DataByteOffset decoded to %v, want %v (frame 1024 of the precached decode)", got, want)
	}
}

func TestMaterializeIsIdempotent(t *testing.T) {
	path := writeTestWAV(t, 48000, 1, 2048)
	store := NewStore(48000, true, 1024)

	a1, err := store.Materialize("a3", path, -1, -1)
	if err != nil {
		t.Fatalf("Materialize 1: %v", err)
	}
	a2, err := store.Materialize("a3", path, -1, -1)
	if err != nil {
		t.Fatalf("Materialize 2: %v", err)
	}
	if a1 != a2 {
		t.Fatalf("second Materialize returned a different asset pointer")
	}
}

func TestAssetTooSmallForPreloadBecomesPrecache(t *testing.T) {
	path := writeTestWAV(t, 48000, 1, 512)
	store := NewStore(48000, false, 1024)

	asset, err := store.Materialize("a4", path, -1, -1)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if asset.Backend != Precache {
		t.Fatalf("Backend = %v, want Precache (asset shorter than preload window)", asset.Backend)
	}
}

func TestAcquireUnknownAssetFails(t *testing.T) {
	store := NewStore(48000, true, 1024)
	if _, err := store.Acquire("missing"); err == nil {
		t.Fatal("Acquire on unknown asset should fail")
	}
}

func TestMaterializeResamplesWhenRateDiffers(t *testing.T) {
	path := writeTestWAV(t, 44100, 1, 4410)
	store := NewStore(48000, true, 1024)

	asset, err := store.Materialize("a5", path, -1, -1)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	// 0.1s of audio at 44.1kHz resampled to 48kHz should land near 4800
	// frames; allow slack for the resampler's filter tails.
	if asset.FrameCount < 4000 || asset.FrameCount > 5600 {
		t.Fatalf("FrameCount = %d, want roughly 4800", asset.FrameCount)
	}
}
