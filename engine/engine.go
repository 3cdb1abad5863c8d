// Package engine wires SampleStore, Streamer, Mixer, Reverb, MidiRouter,
// PresetStore and EngineClock behind the upward-facing surface spec §6
// names: render, submit_midi, set_stop_enabled, set_gain, set_polyphony,
// panic, save_preset/load_preset, save_midi_learn, metrics. Grounded on
// piano/engine.go's Piano (a single value created at startup and passed
// through the pull callback, spec §9: "Global mutable engine singleton...
// replaced by an Engine value").
package engine

import (
	"fmt"

	"github.com/cwbudde/algo-organ/engineclock"
	"github.com/cwbudde/algo-organ/midi"
	"github.com/cwbudde/algo-organ/midiqueue"
	"github.com/cwbudde/algo-organ/mixer"
	"github.com/cwbudde/algo-organ/organ"
	"github.com/cwbudde/algo-organ/preset"
	"github.com/cwbudde/algo-organ/reverb"
	"github.com/cwbudde/algo-organ/sampleasset"
	"github.com/cwbudde/algo-organ/streamer"
)

// Config is the engine-wide configuration passed through from CLI/UI
// (spec §6 "Configuration options recognized by the core"), following
// the teacher's NewDefaultParams()-style plain-struct-plus-constructor
// shape (piano/params.go's NewDefaultParams).
type Config struct {
	SampleRate int

	Precache          bool
	PreloadFrames     int
	AudioBufferFrames int
	PolyphonyLimit    int
	ReverbMix         float32
	Gain              float32
	OriginalTuning    bool
	// ConvertTo16Bit is accepted for pass-through to an out-of-scope
	// loader/encoder; the core's own WAV decode path always normalizes to
	// float32 internally, so this flag has no effect on playback fidelity
	// inside the engine (spec §6).
	ConvertTo16Bit bool

	RingBufferFrames int
	MidiQueueFrames  int
}

// NewDefaultConfig fills the defaults spec.md §6 and §4.1 name.
func NewDefaultConfig(sampleRate int) Config {
	return Config{
		SampleRate:        sampleRate,
		Precache:          false,
		PreloadFrames:     sampleasset.DefaultPreloadFrames,
		AudioBufferFrames: 512,
		PolyphonyLimit:    256,
		ReverbMix:         0.0,
		Gain:              1.0,
		OriginalTuning:    false,
		ConvertTo16Bit:    false,
		RingBufferFrames:  512 * 4,
		MidiQueueFrames:   1024,
	}
}

// Metrics is the snapshot the metrics() call returns: the current voice
// count plus running totals of underrun, eviction and panic events since
// the engine was created. Querying does not reset the totals, and no
// CPU-time figure is reported.
type Metrics struct {
	ActiveVoices   int
	UnderrunEvents int64
	EvictionEvents int64
	PanicEvents    int64
}

// Engine is the top-level value an audio device's pull callback holds
// and calls Render on. Exactly one Engine exists per loaded organ; there
// is no package-level mutable state (spec §9).
type Engine struct {
	cfg Config

	organ   *organ.Descriptor
	store   *sampleasset.Store
	stream  *streamer.Streamer
	clock   *engineclock.Clock
	reverb  *reverb.Reverb
	mixer   *mixer.Mixer
	router  *midi.Router
	queue   *midiqueue.Queue
	presets *preset.Document
}

// New creates an Engine over an already-loaded OrganDescriptor (supplied
// by the out-of-scope .organ/Hauptwerk parser). The Streamer's worker
// goroutine is started immediately so background fetches can begin as
// soon as the first streaming voice is spawned.
func New(cfg Config, desc *organ.Descriptor) *Engine {
	store := sampleasset.NewStore(cfg.SampleRate, cfg.Precache, cfg.PreloadFrames)
	stream := streamer.New()
	clock := &engineclock.Clock{}
	rv := reverb.New(cfg.SampleRate, cfg.AudioBufferFrames)
	rv.SetMix(clampUnit(cfg.ReverbMix))

	mixCfg := mixer.NewDefaultConfig(cfg.SampleRate)
	mixCfg.AudioBufferFrames = cfg.AudioBufferFrames
	mixCfg.PolyphonyLimit = cfg.PolyphonyLimit
	mixCfg.OutputGain = clampGain(cfg.Gain)
	mixCfg.OriginalTuning = cfg.OriginalTuning
	if cfg.RingBufferFrames > 0 {
		mixCfg.RingBufferFrames = cfg.RingBufferFrames
	}

	mx := mixer.New(mixCfg, desc, store, stream, clock, rv)

	e := &Engine{
		cfg:     cfg,
		organ:   desc,
		store:   store,
		stream:  stream,
		clock:   clock,
		reverb:  rv,
		mixer:   mx,
		queue:   midiqueue.New(maxInt(cfg.MidiQueueFrames, 64)),
		presets: preset.NewDocument(desc.Name),
	}
	e.router = midi.NewRouter(mx, &queuedDispatcher{queue: e.queue, clock: clock})
	e.router.SetOnLearned(func(stopID string, binding preset.LearnBinding) {
		e.presets.Learns[stopID] = binding
	})

	go stream.Run()
	return e
}

// Close shuts down the background Streamer (spec §5: organ shutdown
// "Streamer flushes its queue and exits").
func (e *Engine) Close() {
	e.stream.Close()
}

// LoadSamples materializes every AttackAssetID/ReleaseSample asset the
// descriptor references, so note-on never pays a first-hit I/O penalty
// for assets the Store hasn't seen yet. Out-of-scope loaders may instead
// call sampleasset.Store.Materialize directly and skip this helper.
func (e *Engine) LoadSamples(resolve func(assetID string) (path string, err error)) error {
	for _, stop := range e.organ.Stops {
		for _, pipe := range stop.Pipes {
			if err := e.materializePipe(pipe, resolve); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) materializePipe(pipe *organ.Pipe, resolve func(assetID string) (string, error)) error {
	path, err := resolve(pipe.AttackAssetID)
	if err != nil {
		return fmt.Errorf("engine: resolve %q: %w", pipe.AttackAssetID, err)
	}
	if _, err := e.store.Materialize(pipe.AttackAssetID, path, pipe.LoopStart, pipe.LoopEnd); err != nil {
		return err
	}
	for _, rel := range pipe.Releases {
		relPath, err := resolve(rel.AssetID)
		if err != nil {
			return fmt.Errorf("engine: resolve %q: %w", rel.AssetID, err)
		}
		if _, err := e.store.Materialize(rel.AssetID, relPath, -1, -1); err != nil {
			return err
		}
	}
	return nil
}

// LoadReverbIR installs the convolution impulse response (spec §6).
func (e *Engine) LoadReverbIR(path string) error {
	return e.reverb.LoadIRWav(path)
}

// ConfigureDevice sets a MIDI input device's channel-mapping mode (spec
// §4.6 and the persisted-per-device supplemented feature).
func (e *Engine) ConfigureDevice(deviceID string, mapping preset.DeviceMapping) {
	e.router.ConfigureDevice(deviceID, mapping)
	e.presets.Devices[deviceID] = mapping
}

// SubmitMIDI implements spec §6's submit_midi(device_id, bytes): called
// from the owning device's dedicated MIDI thread (spec §5).
func (e *Engine) SubmitMIDI(deviceID string, data []byte) error {
	return e.router.HandleMessage(deviceID, data, e.clock.Now())
}

// BeginMIDILearn arms MIDI-learn capture on a Stop for a given device.
func (e *Engine) BeginMIDILearn(deviceID, stopID string) error {
	return e.router.BeginLearn(deviceID, stopID)
}

// Render implements spec §6's render(n_frames, interleaved stereo float
// buffer): drains the MIDI queue in receive order, applies the events to
// the Mixer, then renders numFrames of interleaved stereo float32.
// This is the only method the audio callback may call; it must never
// block on I/O (spec §5).
func (e *Engine) Render(numFrames int) []float32 {
	e.drainMIDIQueue()
	return e.mixer.Render(numFrames)
}

func (e *Engine) drainMIDIQueue() {
	events := e.queue.Drain(nil)
	for _, ev := range events {
		switch ev.Kind {
		case midi.EventNoteOn:
			e.mixer.NoteOn(ev.StopID, ev.Note, ev.Velocity, ev.Timestamp)
		case midi.EventNoteOff:
			e.mixer.NoteOff(ev.Note, ev.Timestamp)
		case midi.EventPanic:
			e.mixer.Panic()
		case midi.EventToggleStop:
			e.mixer.ToggleStop(ev.StopID)
		}
	}
}

// SetStopEnabled implements spec §6's set_stop_enabled(stop_id, bool).
func (e *Engine) SetStopEnabled(stopID string, enabled bool) {
	e.mixer.SetStopEnabled(stopID, enabled)
}

// SetGain implements spec §6's set_gain(f), clamped per §7's "core
// clamps defensively".
func (e *Engine) SetGain(gain float32) {
	e.mixer.SetGain(clampGain(gain))
}

// SetPolyphony implements spec §6's set_polyphony(n).
func (e *Engine) SetPolyphony(n int) {
	e.mixer.SetPolyphonyLimit(n)
}

// SetReverbMix implements the reverb-mix control surface (spec §4.5/§6),
// clamped to [0,1].
func (e *Engine) SetReverbMix(mix float32) {
	e.reverb.SetMix(clampUnit(mix))
}

// SetChannelStops assigns the stop set driven by a virtual channel
// (control-surface call backing preset slot editing).
func (e *Engine) SetChannelStops(virtualChannel int, stopIDs []string) {
	e.mixer.SetChannelStops(virtualChannel, stopIDs)
}

// Panic implements spec §6's panic(): transitions every live voice to
// Dying immediately. Idempotent (spec §8 invariant 5).
func (e *Engine) Panic() {
	e.mixer.Panic()
}

// SavePreset implements spec §6's save_preset(slot): snapshots the live
// 16 ChannelMaps into preset slot i (spec §4.7/§8 invariant 4).
func (e *Engine) SavePreset(slot int) error {
	if slot < 0 || slot >= preset.SlotCount {
		return fmt.Errorf("engine: preset slot %d out of range", slot)
	}
	var snap preset.Slot
	for c := 0; c < preset.VirtualChannelCount; c++ {
		snap.Channels[c] = preset.ChannelMap{
			EnabledStopIDs: append([]string(nil), e.mixer.ChannelStops(c)...),
		}
	}
	e.presets.Slots[slot] = snap
	return nil
}

// LoadPreset implements spec §6's load_preset(slot): restores the 16
// ChannelMaps from preset slot i.
func (e *Engine) LoadPreset(slot int) error {
	if slot < 0 || slot >= preset.SlotCount {
		return fmt.Errorf("engine: preset slot %d out of range", slot)
	}
	snap := e.presets.Slots[slot]
	for c := 0; c < preset.VirtualChannelCount; c++ {
		e.mixer.SetChannelStops(c, snap.Channels[c].EnabledStopIDs)
	}
	return nil
}

// SaveMIDILearn implements spec §6's save_midi_learn(stop, binding).
func (e *Engine) SaveMIDILearn(stopID string, binding preset.LearnBinding) {
	e.presets.Learns[stopID] = binding
}

// SavePresetsToDisk persists the PresetStore document (spec §4.7: "Save
// is triggered by user action (save-slot) or on binding change").
func (e *Engine) SavePresetsToDisk(path string) error {
	return preset.SaveJSON(path, e.presets, e.presets.Extra)
}

// LoadPresetsFromDisk loads a persisted PresetStore document and applies
// its device mappings and MIDI-learn bindings to the live router (spec
// §4.7: "load is on organ open").
func (e *Engine) LoadPresetsFromDisk(path string) error {
	doc, err := preset.LoadJSON(path)
	if err != nil {
		return err
	}
	e.presets = doc
	e.router.LoadBindings(doc.Learns)
	for devID, mapping := range doc.Devices {
		e.router.ConfigureDevice(devID, mapping)
	}
	return nil
}

// Metrics implements spec §6's metrics().
func (e *Engine) Metrics() Metrics {
	m := e.mixer.Metrics()
	return Metrics{
		ActiveVoices:   m.ActiveVoices,
		UnderrunEvents: m.UnderrunEvents,
		EvictionEvents: m.EvictionEvents,
		PanicEvents:    m.PanicEvents,
	}
}

// queuedDispatcher implements midi.Dispatcher by enqueueing events onto
// the engine's midiqueue.Queue instead of mutating the Mixer directly,
// so a MIDI-input-thread call to SubmitMIDI never touches voice state
// outside of the audio thread's own Render call (spec §5: "the audio
// thread has exclusive mutation rights; other threads communicate via
// lock-free queues").
type queuedDispatcher struct {
	queue *midiqueue.Queue
	clock *engineclock.Clock
}

func (d *queuedDispatcher) NoteOn(stopID string, note int, velocity int, timestamp int64) error {
	return d.push(midi.Event{Kind: midi.EventNoteOn, StopID: stopID, Note: note, Velocity: velocity, Timestamp: timestamp})
}

func (d *queuedDispatcher) NoteOff(note int, timestamp int64) error {
	return d.push(midi.Event{Kind: midi.EventNoteOff, Note: note, Timestamp: timestamp})
}

func (d *queuedDispatcher) Panic() error {
	return d.push(midi.Event{Kind: midi.EventPanic, Timestamp: d.clock.Now()})
}

func (d *queuedDispatcher) ToggleStop(stopID string) error {
	return d.push(midi.Event{Kind: midi.EventToggleStop, StopID: stopID, Timestamp: d.clock.Now()})
}

// push enqueues ev onto the lock-free MIDI queue. A full queue is a
// documented hard error (spec §7), not a programmer-invariant violation,
// so it is returned rather than panicked: it propagates back through
// midi.Dispatcher and midi.Router.HandleMessage to Engine.SubmitMIDI.
func (d *queuedDispatcher) push(ev midi.Event) error {
	if err := d.queue.Push(ev); err != nil {
		return fmt.Errorf("engine: midi queue overflow: %w", err)
	}
	return nil
}

func clampUnit(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clampGain(v float32) float32 {
	if v < 0 {
		return 0
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
