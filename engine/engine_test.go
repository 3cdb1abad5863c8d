package engine

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/cwbudde/algo-organ/organ"
	"github.com/cwbudde/algo-organ/preset"
	"github.com/cwbudde/wav"
	"github.com/go-audio/audio"
)

func writeTestWAV(t *testing.T, sampleRate, channels, frames int) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.wav")

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, sampleRate, 16, channels, 1)
	defer enc.Close()

	data := make([]float32, frames*channels)
	for i := range data {
		data[i] = float32(i%60) / 60.0
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

func newTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	const sampleRate = 48000
	path := writeTestWAV(t, sampleRate, 2, sampleRate)

	desc := organ.NewDescriptor("test-organ", sampleRate)
	pipe := &organ.Pipe{AttackAssetID: "pipe-a", Gain: 1, Channels: 2, LoopStart: 100, LoopEnd: 40000}
	stop := &organ.Stop{ID: "stop-a", Name: "Test Stop", Pipes: map[int]*organ.Pipe{60: pipe}}
	if err := desc.AddStop(stop); err != nil {
		t.Fatalf("AddStop: %v", err)
	}

	cfg := NewDefaultConfig(sampleRate)
	cfg.Precache = true
	eng := New(cfg, desc)
	t.Cleanup(eng.Close)

	if err := eng.LoadSamples(func(assetID string) (string, error) { return path, nil }); err != nil {
		t.Fatalf("LoadSamples: %v", err)
	}
	eng.ConfigureDevice("dev1", preset.DeviceMapping{Mode: preset.Simple, SimpleVirtualChannel: 0})
	eng.SetChannelStops(0, []string{"stop-a"})
	eng.SetStopEnabled("stop-a", true)
	return eng, path
}

func TestSubmitMIDINoteOnProducesSound(t *testing.T) {
	eng, _ := newTestEngine(t)

	if err := eng.SubmitMIDI("dev1", []byte{0x90, 60, 100}); err != nil {
		t.Fatalf("SubmitMIDI note-on: %v", err)
	}
	out := eng.Render(256)
	if len(out) != 512 {
		t.Fatalf("Render(256) returned %d samples, want 512 (stereo)", len(out))
	}
	if eng.Metrics().ActiveVoices != 1 {
		t.Fatalf("ActiveVoices = %d, want 1", eng.Metrics().ActiveVoices)
	}
}

func TestSubmitMIDINoteWithoutAPipeSpawnsNoVoice(t *testing.T) {
	eng, _ := newTestEngine(t)
	// Note 61 has no Pipe on stop-a; routing reaches the stop but finds no
	// pipe for the note and must not spawn a voice.
	if err := eng.SubmitMIDI("dev1", []byte{0x90, 61, 100}); err != nil {
		t.Fatalf("SubmitMIDI: %v", err)
	}
	eng.Render(64)
	if eng.Metrics().ActiveVoices != 0 {
		t.Fatalf("ActiveVoices = %d, want 0 for a note with no mapped pipe", eng.Metrics().ActiveVoices)
	}
}

func TestPanicAndMetrics(t *testing.T) {
	eng, _ := newTestEngine(t)
	eng.SubmitMIDI("dev1", []byte{0x90, 60, 100})
	eng.Render(64)

	eng.Panic()
	eng.Render(64)
	if eng.Metrics().PanicEvents != 1 {
		t.Fatalf("PanicEvents = %d, want 1", eng.Metrics().PanicEvents)
	}
}

func TestSavePresetAndLoadPresetRoundTrip(t *testing.T) {
	eng, _ := newTestEngine(t)
	eng.SetChannelStops(5, []string{"stop-a"})

	if err := eng.SavePreset(2); err != nil {
		t.Fatalf("SavePreset: %v", err)
	}
	eng.SetChannelStops(5, nil)

	if err := eng.LoadPreset(2); err != nil {
		t.Fatalf("LoadPreset: %v", err)
	}
	got := eng.mixer.ChannelStops(5)
	if len(got) != 1 || got[0] != "stop-a" {
		t.Fatalf("ChannelStops(5) after LoadPreset = %v, want [stop-a]", got)
	}
}

func TestSavePresetOutOfRangeFails(t *testing.T) {
	eng, _ := newTestEngine(t)
	if err := eng.SavePreset(preset.SlotCount); err == nil {
		t.Fatal("SavePreset with an out-of-range slot should fail")
	}
}

func TestSavePresetsToDiskAndLoad(t *testing.T) {
	eng, _ := newTestEngine(t)
	eng.SetChannelStops(0, []string{"stop-a"})
	eng.SaveMIDILearn("stop-a", preset.LearnBinding{DeviceID: "dev1", Status: 0xB0, Data1: 7})

	dir := t.TempDir()
	path := filepath.Join(dir, "organ.json")
	if err := eng.SavePresetsToDisk(path); err != nil {
		t.Fatalf("SavePresetsToDisk: %v", err)
	}

	eng2, _ := newTestEngine(t)
	if err := eng2.LoadPresetsFromDisk(path); err != nil {
		t.Fatalf("LoadPresetsFromDisk: %v", err)
	}
	lb, ok := eng2.presets.Learns["stop-a"]
	if !ok || lb.DeviceID != "dev1" || lb.Data1 != 7 {
		t.Fatalf("Learns[stop-a] after reload = %+v ok=%v", lb, ok)
	}
}

func TestSavePresetsToDiskPreservesUnknownTopLevelFields(t *testing.T) {
	eng, _ := newTestEngine(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "organ.json")
	if err := os.WriteFile(path, []byte(`{
  "organ_name": "test-organ",
  "slots": [],
  "learns": {},
  "devices": {},
  "ui_window_layout": {"x": 10, "y": 20}
}`), 0o644); err != nil {
		t.Fatalf("write seed file: %v", err)
	}

	if err := eng.LoadPresetsFromDisk(path); err != nil {
		t.Fatalf("LoadPresetsFromDisk: %v", err)
	}
	eng.SetChannelStops(0, []string{"stop-a"})
	if err := eng.SavePresetsToDisk(path); err != nil {
		t.Fatalf("SavePresetsToDisk: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := raw["ui_window_layout"]; !ok {
		t.Fatal("expected ui_window_layout to survive a load->mutate->save cycle through Engine")
	}
}

func TestSubmitMIDIReturnsErrorOnQueueOverflowInsteadOfPanicking(t *testing.T) {
	eng, _ := newTestEngine(t)

	var lastErr error
	for i := 0; i < 2000; i++ {
		if err := eng.SubmitMIDI("dev1", []byte{0x90, 60, 100}); err != nil {
			lastErr = err
			break
		}
	}
	if lastErr == nil {
		t.Fatal("expected SubmitMIDI to eventually return an error once the midi queue fills, got nil every time")
	}
}

func TestSetGainClampsNegative(t *testing.T) {
	eng, _ := newTestEngine(t)
	eng.SetGain(-5)
	// SetGain clamps internally; render should not panic or produce NaNs.
	eng.SubmitMIDI("dev1", []byte{0x90, 60, 100})
	out := eng.Render(64)
	for i, v := range out {
		if v != 0 {
			t.Fatalf("sample %d = %v, want 0 with clamped-to-zero gain", i, v)
		}
	}
}
