package mixer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cwbudde/algo-organ/engineclock"
	"github.com/cwbudde/algo-organ/organ"
	"github.com/cwbudde/algo-organ/sampleasset"
	"github.com/cwbudde/algo-organ/streamer"
	"github.com/cwbudde/wav"
	"github.com/go-audio/audio"
)

func writeTestWAV(t *testing.T, sampleRate, channels, frames int) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pipe.wav")

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, sampleRate, 16, channels, 1)
	defer enc.Close()

	data := make([]float32, frames*channels)
	for i := range data {
		data[i] = float32(i%40) / 40.0
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

func newTestMixer(t *testing.T) (*Mixer, *organ.Descriptor, string) {
	t.Helper()
	const sampleRate = 48000
	path := writeTestWAV(t, sampleRate, 1, sampleRate) // 1 second, loopable

	desc := organ.NewDescriptor("test-organ", sampleRate)
	pipe := &organ.Pipe{
		AttackAssetID: "pipe-a", Gain: 1, Channels: 1, LoopStart: 100, LoopEnd: 40000,
		Releases: []organ.ReleaseSample{{AssetID: "pipe-a", MaxHoldMS: -1}},
	}
	stop := &organ.Stop{ID: "stop-a", Name: "Test Stop", Pipes: map[int]*organ.Pipe{60: pipe}}
	if err := desc.AddStop(stop); err != nil {
		t.Fatalf("AddStop: %v", err)
	}
	stop.SetEnabled(true)

	store := sampleasset.NewStore(sampleRate, true, 1024)
	if _, err := store.Materialize("pipe-a", path, pipe.LoopStart, pipe.LoopEnd); err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	cfg := NewDefaultConfig(sampleRate)
	m := New(cfg, desc, store, streamer.New(), &engineclock.Clock{}, nil)
	return m, desc, path
}

func TestNoteOnSpawnsVoiceNoteOffReleases(t *testing.T) {
	m, _, _ := newTestMixer(t)

	m.NoteOn("stop-a", 60, 100, 0)
	if got := m.Metrics().ActiveVoices; got != 1 {
		t.Fatalf("ActiveVoices after NoteOn = %d, want 1", got)
	}

	m.NoteOff(60, 1000) // releases the voice immediately
	m.Render(256)

	// The voice is still alive (playing the fixture's fallback release
	// sample), so it should still be counted right after release begins.
	if got := m.Metrics().ActiveVoices; got < 1 {
		t.Fatalf("expected the released voice to still be fading, ActiveVoices = %d", got)
	}
}

func TestNoteOnIgnoredOnDisabledStop(t *testing.T) {
	m, desc, _ := newTestMixer(t)
	desc.Stops["stop-a"].SetEnabled(false)

	m.NoteOn("stop-a", 60, 100, 0)
	if got := m.Metrics().ActiveVoices; got != 0 {
		t.Fatalf("ActiveVoices = %d, want 0 for a disabled stop", got)
	}
}

func TestSetStopEnabledFalseReleasesVoices(t *testing.T) {
	m, _, _ := newTestMixer(t)
	m.NoteOn("stop-a", 60, 100, 0)
	m.Render(64)

	m.SetStopEnabled("stop-a", false)
	if m.StopEnabled("stop-a") {
		t.Fatal("StopEnabled should be false after disabling")
	}
	// The release sample plays straight through (no loop) before the
	// voice deactivates; render enough blocks to exhaust it.
	for i := 0; i < 64 && m.Metrics().ActiveVoices > 0; i++ {
		m.Render(2048)
	}
	if m.Metrics().ActiveVoices != 0 {
		t.Fatalf("expected voice to fully release, ActiveVoices = %d", m.Metrics().ActiveVoices)
	}
}

func TestPanicClearsAllVoicesEventually(t *testing.T) {
	m, _, _ := newTestMixer(t)
	m.NoteOn("stop-a", 60, 100, 0)
	m.Render(64)

	m.Panic()
	if m.Metrics().PanicEvents != 1 {
		t.Fatalf("PanicEvents = %d, want 1", m.Metrics().PanicEvents)
	}
	for i := 0; i < 50 && m.Metrics().ActiveVoices > 0; i++ {
		m.Render(64)
	}
	if m.Metrics().ActiveVoices != 0 {
		t.Fatal("expected Panic to eventually silence every voice")
	}
}

func TestPolyphonyLimitEvictsOldestRelease(t *testing.T) {
	m, _, _ := newTestMixer(t)
	m.SetPolyphonyLimit(1)

	m.NoteOn("stop-a", 60, 100, 0)
	m.Render(64)
	m.NoteOff(60, 64)
	m.Render(64) // now in Release

	m.NoteOn("stop-a", 60, 100, 128) // retrigger spawns a second voice
	m.Render(64)

	if m.Metrics().EvictionEvents == 0 {
		t.Fatal("expected the polyphony limit to evict the older Release-state voice")
	}
}

func TestToggleStopFlipsEnabled(t *testing.T) {
	m, _, _ := newTestMixer(t)
	if !m.StopEnabled("stop-a") {
		t.Fatal("fixture stop should start enabled")
	}
	m.ToggleStop("stop-a")
	if m.StopEnabled("stop-a") {
		t.Fatal("ToggleStop should have disabled the stop")
	}
}

func TestChannelStopsRoundTrip(t *testing.T) {
	m, desc, _ := newTestMixer(t)
	if err := desc.AddStop(&organ.Stop{ID: "stop-b", Name: "Second Stop"}); err != nil {
		t.Fatalf("AddStop: %v", err)
	}
	m.SetChannelStops(3, []string{"stop-a", "stop-b"})
	got := m.ChannelStops(3)
	if len(got) != 2 || got[0] != "stop-a" || got[1] != "stop-b" {
		t.Fatalf("ChannelStops(3) = %v, want [stop-a stop-b]", got)
	}
	if stops := m.StopsForVirtualChannel(3); len(stops) != 2 {
		t.Fatalf("StopsForVirtualChannel(3) = %v, want 2 entries", stops)
	}
}

func TestRenderClampsOutputToUnitRange(t *testing.T) {
	m, _, _ := newTestMixer(t)
	m.SetGain(100.0) // deliberately huge to exercise the clamp
	m.NoteOn("stop-a", 60, 127, 0)

	out := m.Render(256)
	for i, v := range out {
		if v > 1.0 || v < -1.0 {
			t.Fatalf("sample %d = %v, exceeds the [-1,1] clamp", i, v)
		}
	}
}
