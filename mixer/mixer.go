// Package mixer implements the single owner of the active-voice
// collection (spec §4.4): it applies the MIDI events the engine drains
// from its queue, enforces polyphony,
// sums live voices, drives tremulant LFOs, applies the optional reverb
// and global gain, and is the only component the audio callback
// mutates. Grounded on piano/engine.go's Piano (NoteOn/NoteOff/Process
// summing-then-convolving-then-gain-staging loop), generalized from a
// single implicit voice list to per-windchest-group tremulant phases
// and MIDI-router-driven stop routing.
package mixer

import (
	"fmt"
	"sort"

	"github.com/cwbudde/algo-organ/engineclock"
	"github.com/cwbudde/algo-organ/organ"
	"github.com/cwbudde/algo-organ/reverb"
	"github.com/cwbudde/algo-organ/ringbuffer"
	"github.com/cwbudde/algo-organ/sampleasset"
	"github.com/cwbudde/algo-organ/streamer"
	"github.com/cwbudde/algo-organ/tremulant"
	"github.com/cwbudde/algo-organ/voice"
)

// Config configures mixer-wide behavior not specific to any one voice.
type Config struct {
	SampleRate        int
	AudioBufferFrames int
	PolyphonyLimit    int
	OutputGain        float32
	OriginalTuning    bool
	VoiceParams       voice.Params
	// RingBufferFrames sizes per-voice streaming ring buffers, typically
	// 2-8x AudioBufferFrames (spec §4.1).
	RingBufferFrames int
}

// NewDefaultConfig mirrors the teacher's NewDefaultParams()-style
// constructor (piano/params.go), filling the defaults spec.md names.
func NewDefaultConfig(sampleRate int) Config {
	return Config{
		SampleRate:        sampleRate,
		AudioBufferFrames: 512,
		PolyphonyLimit:    256,
		OutputGain:        1.0,
		OriginalTuning:    false,
		VoiceParams:       voice.DefaultParams(),
		RingBufferFrames:  512 * 4,
	}
}

// Metrics are the counters §7 requires the engine to surface (underruns,
// voice/eviction counts) without logging from the audio thread.
type Metrics struct {
	ActiveVoices   int
	UnderrunEvents int64
	EvictionEvents int64
	PanicEvents    int64
}

// poolMargin sizes the pre-allocated voice pool above PolyphonyLimit (spec
// §5: "Voice slots are pre-allocated into a pool sized by polyphony_limit
// x margin") so a burst of retriggers between Render calls has somewhere
// to land without growing the backing array.
const poolMargin = 1.25

// Mixer owns the active Voice set and is driven exclusively by render().
type Mixer struct {
	cfg    Config
	clock  *engineclock.Clock
	reverb *reverb.Reverb
	stream *streamer.Streamer
	store  *sampleasset.Store
	organ  *organ.Descriptor

	voices   []*voice.Voice
	poolCap  int
	nextID   uint64
	lfos     map[string]*tremulant.LFO
	tremBuf  map[string]tremulant.Signal

	channelMap *channelRouting

	underrunEvents int64
	evictionEvents int64
	panicEvents    int64

	// sumL/sumR/stereo are Render's per-callback scratch buffers, reused
	// across calls instead of allocated fresh (spec §5: "no allocation on
	// the audio thread").
	sumL, sumR, stereo []float32
}

// New creates a Mixer bound to a loaded organ, its sample store, the
// shared Streamer and EngineClock. rv may be nil (bypassed).
func New(cfg Config, desc *organ.Descriptor, store *sampleasset.Store, stream *streamer.Streamer, clock *engineclock.Clock, rv *reverb.Reverb) *Mixer {
	poolCap := int(float64(cfg.PolyphonyLimit) * poolMargin)
	if poolCap < cfg.PolyphonyLimit {
		poolCap = cfg.PolyphonyLimit
	}
	m := &Mixer{
		cfg:     cfg,
		clock:   clock,
		reverb:  rv,
		stream:  stream,
		store:   store,
		organ:   desc,
		lfos:    make(map[string]*tremulant.LFO),
		tremBuf: make(map[string]tremulant.Signal),
		voices:  make([]*voice.Voice, 0, poolCap),
		poolCap: poolCap,
	}
	for id, wc := range desc.WindchestGroups {
		params := tremulant.Params{RateHz: cfg.VoiceParams.TremulantRateHz, Depth: cfg.VoiceParams.TremulantDepth}
		on := false
		for _, tid := range wc.TremulantIDs {
			if t, ok := desc.Tremulants[tid]; ok && t.SwitchOn {
				on = true
				if t.RateHz > 0 {
					params.RateHz = t.RateHz
				}
				params.Depth = t.Depth
				break
			}
		}
		m.lfos[id] = tremulant.New(cfg.SampleRate, on, params)
	}
	return m
}

// NoteOn spawns a voice for (stopID, note) at the current clock time.
// Called directly by Engine.drainMIDIQueue on the audio thread once it
// pops a queued midi.EventNoteOn; the real midi.Dispatcher implementer
// is engine.queuedDispatcher, which only enqueues events onto the
// engine's midiqueue.Queue rather than touching the Mixer itself.
func (m *Mixer) NoteOn(stopID string, note int, velocity int, timestamp int64) {
	stop, ok := m.organ.Stops[stopID]
	if !ok || !stop.Enabled() {
		return
	}
	pipe, ok := stop.Pipes[note]
	if !ok {
		return
	}

	// Retrigger: an existing Sustain voice on the same pipe moves to
	// Release; the new voice starts fresh at Attack (spec §3 invariant).
	for _, v := range m.voices {
		if v.Pipe == pipe && v.Active() && v.State() == voice.Sustain {
			v.Release(m.clock.Now(), m.assetFor, m.ringFactory)
		}
	}

	asset, handle, err := m.assetFor(pipe.AttackAssetID)
	if err != nil {
		return
	}
	m.nextID++
	v := voice.New(m.nextID, pipe, stopID, velocity, m.cfg.SampleRate, asset, handle, m.ringFactory, timestamp, m.cfg.OriginalTuning, m.cfg.VoiceParams)

	if m.poolCap > 0 && len(m.voices) >= m.poolCap {
		if idx := m.oldestReleaseIndex(); idx >= 0 {
			m.voices[idx].Evict()
			m.evictionEvents++
			m.voices[idx] = v
			return
		}
		// No Release-phase voice to steal; the pool is genuinely saturated
		// with sustaining/attacking voices. Let the slice grow this once
		// rather than drop the new note-on.
	}
	m.voices = append(m.voices, v)
}

// oldestReleaseIndex returns the index of the longest-released active
// voice, or -1 if none is in Release (spec §5: "note-on under pool
// exhaustion steals the oldest Release voice").
func (m *Mixer) oldestReleaseIndex() int {
	best := -1
	var bestTime int64
	for i, v := range m.voices {
		if !v.Active() || v.State() != voice.Release {
			continue
		}
		t := v.NoteOffSampleTime()
		if best < 0 || t < bestTime {
			best = i
			bestTime = t
		}
	}
	return best
}

// NoteOff releases every active voice playing the given note, across all
// stops (spec §4.6/§4.3). Called directly by Engine.drainMIDIQueue when
// it pops a queued midi.EventNoteOff.
func (m *Mixer) NoteOff(note int, timestamp int64) {
	for _, v := range m.voices {
		if !v.Active() {
			continue
		}
		if p := v.Pipe; p != nil {
			for n, pp := range stopPipesByNote(m.organ, v.StopID) {
				if n == note && pp == p {
					v.Release(timestamp, m.assetFor, m.ringFactory)
				}
			}
		}
	}
}

func stopPipesByNote(desc *organ.Descriptor, stopID string) map[int]*organ.Pipe {
	s, ok := desc.Stops[stopID]
	if !ok {
		return nil
	}
	return s.Pipes
}

// Panic transitions every live voice to Dying immediately (spec §4.4).
// Called directly by Engine.drainMIDIQueue when it pops a queued
// midi.EventPanic, and by Engine.Panic for an immediate control-thread
// call outside the MIDI queue.
func (m *Mixer) Panic() {
	m.panicEvents++
	for _, v := range m.voices {
		v.Panic()
	}
}

// ToggleStop flips a stop's enabled state for MIDI-learn replay bindings
// (spec §4.6). Called directly by Engine.drainMIDIQueue when it pops a
// queued midi.EventToggleStop.
func (m *Mixer) ToggleStop(stopID string) {
	m.SetStopEnabled(stopID, !m.stopEnabled(stopID))
}

func (m *Mixer) stopEnabled(stopID string) bool {
	s, ok := m.organ.Stops[stopID]
	return ok && s.Enabled()
}

// SetStopEnabled draws or pushes a stop. Disabling issues NoteOff to
// every Voice it currently drives (spec §4.4: "disabling a Stop issues
// note-off to all Voices currently driven by its Pipes"); enabling does
// not retrospectively spawn voices.
func (m *Mixer) SetStopEnabled(stopID string, enabled bool) {
	s, ok := m.organ.Stops[stopID]
	if !ok {
		return
	}
	wasEnabled := s.Enabled()
	s.SetEnabled(enabled)
	if wasEnabled && !enabled {
		now := m.clock.Now()
		for _, v := range m.voices {
			if v.Active() && v.StopID == stopID {
				v.Release(now, m.assetFor, m.ringFactory)
			}
		}
	}
}

// SetPolyphonyLimit updates the enforced voice cap (control-thread call,
// spec §5).
func (m *Mixer) SetPolyphonyLimit(limit int) {
	if limit > 0 {
		m.cfg.PolyphonyLimit = limit
	}
}

// SetGain updates the post-sum global gain.
func (m *Mixer) SetGain(gain float32) {
	if gain >= 0 {
		m.cfg.OutputGain = gain
	}
}

// StopsForVirtualChannel implements midi.StopLookup.
func (m *Mixer) StopsForVirtualChannel(v int) []string {
	var out []string
	for id := range m.organ.Stops {
		if stopOnVirtualChannel(m.channelMap, id, v) {
			out = append(out, id)
		}
	}
	return out
}

func stopOnVirtualChannel(cm *channelRouting, stopID string, v int) bool {
	if cm == nil {
		return false
	}
	for _, id := range cm.channels[v] {
		if id == stopID {
			return true
		}
	}
	return false
}

// channelRouting is the live virtual-channel -> enabled-stop-IDs routing
// table, mutated by SetChannelStops and snapshotted by preset save/load
// (spec §3 ChannelMap/PresetSlot).
type channelRouting struct {
	channels [16][]string
}

// SetChannelStops assigns the set of stop IDs reachable from a virtual
// channel (control-surface / preset-load call).
func (m *Mixer) SetChannelStops(virtualChannel int, stopIDs []string) {
	if virtualChannel < 0 || virtualChannel >= 16 {
		return
	}
	if m.channelMap == nil {
		m.channelMap = &channelRouting{}
	}
	m.channelMap.channels[virtualChannel] = append([]string(nil), stopIDs...)
}

// ChannelStops returns the stop IDs currently routed to a virtual channel.
func (m *Mixer) ChannelStops(virtualChannel int) []string {
	if m.channelMap == nil || virtualChannel < 0 || virtualChannel >= 16 {
		return nil
	}
	return append([]string(nil), m.channelMap.channels[virtualChannel]...)
}

// StopHasPipe implements midi.StopLookup.
func (m *Mixer) StopHasPipe(stopID string, note int) bool {
	s, ok := m.organ.Stops[stopID]
	if !ok {
		return false
	}
	_, ok = s.Pipes[note]
	return ok
}

// StopEnabled implements midi.StopLookup.
func (m *Mixer) StopEnabled(stopID string) bool { return m.stopEnabled(stopID) }

// Metrics returns a snapshot of counters (spec §7).
func (m *Mixer) Metrics() Metrics {
	return Metrics{
		ActiveVoices:   len(m.voices),
		UnderrunEvents: m.underrunEvents,
		EvictionEvents: m.evictionEvents,
		PanicEvents:    m.panicEvents,
	}
}

// Render produces numFrames of interleaved stereo output (spec §4.4's
// render(n_frames, out[L][R]) contract). Render applies no MIDI events
// itself: Engine.Render drains the event queue and calls NoteOn/NoteOff/
// Panic/ToggleStop before calling Render.
func (m *Mixer) Render(numFrames int) []float32 {
	m.enforcePolyphony()

	sumL := growFloat32(&m.sumL, numFrames)
	sumR := growFloat32(&m.sumR, numFrames)
	for i := range sumL {
		sumL[i], sumR[i] = 0, 0
	}

	for id := range m.tremBuf {
		delete(m.tremBuf, id)
	}
	for id, lfo := range m.lfos {
		m.tremBuf[id] = lfo.Render(numFrames)
	}

	alive := m.voices[:0]
	for _, v := range m.voices {
		if !v.Active() {
			continue
		}
		sig := m.tremBuf[v.Pipe.WindchestGroupID]
		l, r := v.Process(numFrames, sig.Amp, sig.Warp)
		for i := 0; i < numFrames; i++ {
			sumL[i] += l[i]
			sumR[i] += r[i]
		}
		if v.PopUnderrun() {
			m.underrunEvents++
		}
		if v.Active() {
			alive = append(alive, v)
		}
	}
	m.voices = alive

	stereo := growFloat32(&m.stereo, numFrames*2)
	for i := 0; i < numFrames; i++ {
		stereo[i*2] = sumL[i]
		stereo[i*2+1] = sumR[i]
	}

	if m.reverb != nil {
		stereo = m.reverb.Process(stereo)
	}

	gain := m.cfg.OutputGain
	for i := range stereo {
		v := stereo[i] * gain
		if v > 1.0 {
			v = 1.0
		} else if v < -1.0 {
			v = -1.0
		}
		stereo[i] = v
	}

	m.clock.Advance(numFrames)
	return stereo
}

// enforcePolyphony moves the oldest Release-state voices to Dying until
// the voice count is back at or under the configured limit (spec §4.4
// step 2, §8 invariant 1/2).
func (m *Mixer) enforcePolyphony() {
	if m.cfg.PolyphonyLimit <= 0 || len(m.voices) <= m.cfg.PolyphonyLimit {
		return
	}
	excess := len(m.voices) - m.cfg.PolyphonyLimit

	releaseVoices := make([]*voice.Voice, 0, len(m.voices))
	for _, v := range m.voices {
		if v.Active() && v.State() == voice.Release {
			releaseVoices = append(releaseVoices, v)
		}
	}
	sort.Slice(releaseVoices, func(i, j int) bool {
		return releaseVoices[i].NoteOffSampleTime() < releaseVoices[j].NoteOffSampleTime()
	})
	for i := 0; i < excess && i < len(releaseVoices); i++ {
		releaseVoices[i].Evict()
		m.evictionEvents++
	}
}

func (m *Mixer) assetFor(assetID string) (*sampleasset.Asset, sampleasset.Handle, error) {
	h, err := m.store.Acquire(assetID)
	if err != nil {
		return nil, sampleasset.Handle{}, fmt.Errorf("mixer: acquire asset %q: %w", assetID, err)
	}
	return h.Asset, h, nil
}

// ringFactory satisfies voice.RingFactory: allocates a ring buffer sized
// per Config.RingBufferFrames and submits a fetch request to the shared
// Streamer (spec §4.1: "a newly allocated ring buffer (typically
// 2-8x the audio callback size) plus a fetch request enqueued to the
// Streamer").
func (m *Mixer) ringFactory(asset *sampleasset.Asset, deadline int64) (*ringbuffer.Ring, *streamer.Request) {
	frames := m.cfg.RingBufferFrames
	if frames <= 0 {
		frames = m.cfg.AudioBufferFrames * 4
	}
	if frames <= 0 {
		frames = 2048
	}
	ring := ringbuffer.New(frames * maxInt(asset.Channels, 1))
	req := streamer.NewRequest(asset, ring, deadline)
	if m.stream != nil {
		m.stream.Submit(req)
	}
	return ring, req
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// growFloat32 resizes *buf to length n, reallocating only when the
// existing capacity is too small, so Render's scratch buffers stay
// allocation-free once warmed up (spec §5).
func growFloat32(buf *[]float32, n int) []float32 {
	if cap(*buf) < n {
		*buf = make([]float32, n)
	} else {
		*buf = (*buf)[:n]
	}
	return *buf
}
