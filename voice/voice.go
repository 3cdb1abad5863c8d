// Package voice implements the per-note playback state machine (spec
// §4.3): Attack -> Sustain -> Release -> Dying, sample-accurate
// crossfades, fractional-cursor resampling and tremulant application.
package voice

import (
	"github.com/cwbudde/algo-approx"

	"github.com/cwbudde/algo-organ/dsp"
	"github.com/cwbudde/algo-organ/internal/dspx"
	"github.com/cwbudde/algo-organ/organ"
	"github.com/cwbudde/algo-organ/ringbuffer"
	"github.com/cwbudde/algo-organ/sampleasset"
	"github.com/cwbudde/algo-organ/streamer"
)

// Phase is the voice's position in the attack/sustain/release/dying
// lifecycle (spec §3 Voice, §4.3).
type Phase int

const (
	Attack Phase = iota
	Sustain
	Release
	Dying
)

func (p Phase) String() string {
	switch p {
	case Attack:
		return "attack"
	case Sustain:
		return "sustain"
	case Release:
		return "release"
	case Dying:
		return "dying"
	default:
		return "unknown"
	}
}

// DefaultCrossfadeFrames is the release-entry crossfade length (spec §4.3:
// "a few hundred samples").
const DefaultCrossfadeFrames = 256

// DefaultDyingFadeFrames is the eviction fade length at 48kHz, ~10ms
// (spec §4.3 Dying state, and §4.4/§8 S3/S6 "≈10 ms").
const DefaultDyingFadeFrames = 480

// streamCursor reads sequential frames from an asset, transparently
// combining the resident preload prefix with frames pumped out of a
// Streamer-filled ring buffer, accumulating them into RAM as they
// arrive. This is what lets Sustain loop over [LoopStart,LoopEnd) once
// that span has been seen once, without re-issuing I/O per loop
// iteration.
type streamCursor struct {
	asset    *sampleasset.Asset
	ring     *ringbuffer.Ring
	req      *streamer.Request
	accum    []float32 // interleaved, grows as frames arrive
	underran bool

	// scratch is pump's ring.Read destination, allocated once and reused
	// for the life of the cursor instead of once per pump call.
	scratch []float32
}

func newStreamCursor(h sampleasset.Handle, ring *ringbuffer.Ring, req *streamer.Request) *streamCursor {
	sc := &streamCursor{asset: h.Asset, ring: ring, req: req}
	if h.Mode == sampleasset.Precache {
		sc.accum = h.Asset.Full
	} else {
		sc.accum = append([]float32(nil), h.Asset.Prefix...)
	}
	return sc
}

// pump drains any newly streamed frames into accum. Cheap to call once
// per rendered block; allocation-free on the steady-state path once the
// backing array has grown enough to stop reallocating.
func (sc *streamCursor) pump() {
	if sc.ring == nil {
		return
	}
	if len(sc.scratch) == 0 {
		growFloat32(&sc.scratch, 4096*sc.asset.Channels)
	}
	for {
		n := sc.ring.Read(sc.scratch)
		if n == 0 {
			return
		}
		sc.accum = append(sc.accum, sc.scratch[:n]...)
	}
}

// frame returns the L/R pair at frame index idx, fanning mono out to
// both channels. ok is false when the data hasn't arrived yet
// (underrun) or the asset has ended.
func (sc *streamCursor) frame(idx int) (l, r float32, ok bool) {
	ch := sc.asset.Channels
	if idx < 0 {
		return 0, 0, false
	}
	if idx*ch+ch > len(sc.accum) {
		if sc.ring != nil {
			sc.underran = true
		}
		return 0, 0, false
	}
	if ch == 1 {
		v := sc.accum[idx]
		return v, v, true
	}
	return sc.accum[idx*ch], sc.accum[idx*ch+1], true
}

func (sc *streamCursor) framesAvailable() int {
	if sc.asset.Channels == 0 {
		return 0
	}
	return len(sc.accum) / sc.asset.Channels
}

// RingFactory creates a ring buffer and submits a fetch request for a
// streaming asset, returning both so the Voice can drain it per block.
// The Mixer supplies this so Voice stays decoupled from Streamer wiring
// policy (ring sizing, deadline projection).
type RingFactory func(asset *sampleasset.Asset, deadline int64) (*ringbuffer.Ring, *streamer.Request)

// Params configures voice behavior that is not pipe-specific.
type Params struct {
	CrossfadeFrames int
	DyingFadeFrames int
	TremulantRateHz float32
	TremulantDepth  float32

	// InterpolationOrder selects the sub-frame interpolator: 1 = linear
	// (spec §4.3's explicit "sub-frame interpolation is linear between
	// adjacent frames"), 3 = cubic Lagrange. Linear is the default;
	// cubic is available as an opt-in upgrade for callers that want
	// lower aliasing at the cost of three extra multiplies per sample.
	InterpolationOrder int
}

// DefaultParams returns the spec's defaults.
func DefaultParams() Params {
	return Params{
		CrossfadeFrames:    DefaultCrossfadeFrames,
		DyingFadeFrames:    DefaultDyingFadeFrames,
		TremulantRateHz:    6.0,
		TremulantDepth:     0.05,
		InterpolationOrder: 1,
	}
}

// Voice is one in-flight instance of a Pipe.
type Voice struct {
	ID     uint64
	Pipe   *organ.Pipe
	StopID string

	sampleRate int
	params     Params

	phase  Phase
	cursor float64 // fractional frame position within the current streamCursor
	step   float64 // base frame advance per output frame

	gain     float32
	velocity int

	attack  *streamCursor
	release *streamCursor

	trackerDelayRemaining int

	// tailBuf is a short rolling window of the most recent mono Sustain
	// output samples, used to crossfade into the release sample.
	tailBuf  []float32
	tailPos  int
	tailFull bool

	xfadeIdx int
	xfadeLen int

	dyingIdx int
	dyingLen int

	noteOnTime      int64
	noteOffTime     int64 // -1 until Release() is called
	heldMSAtRelease int

	tremPhaseSeed float64

	originalTuning bool

	active bool

	interp *dsp.LagrangeInterpolator

	// procL/procR are Process's output buffers, grown once and reused
	// across render calls rather than allocated fresh every block (spec
	// §5: "no allocation on the audio thread").
	procL, procR []float32
}

// New creates a voice at Attack for a freshly triggered note. ringFactory
// is only consulted when the attack asset is in Streaming mode.
func New(id uint64, pipe *organ.Pipe, stopID string, velocity int, sampleRate int, attackAsset *sampleasset.Asset, handle sampleasset.Handle, ringFactory RingFactory, noteOnTime int64, originalTuning bool, params Params) *Voice {
	pitch := pitchFactor(pipe.PitchCorrectionCents, originalTuning)
	step := (float64(sampleRate) / float64(sampleRate)) * float64(pitch)
	if attackAsset.NativeRate > 0 {
		step = float64(attackAsset.NativeRate) / float64(sampleRate) * float64(pitch)
	}

	var ring *ringbuffer.Ring
	var req *streamer.Request
	if handle.Mode == sampleasset.Streaming && ringFactory != nil {
		ring, req = ringFactory(attackAsset, noteOnTime+int64(attackAsset.PreloadFrames))
	}

	order := params.InterpolationOrder
	if order == 0 {
		order = 1
	}
	v := &Voice{
		ID:            id,
		Pipe:          pipe,
		StopID:        stopID,
		sampleRate:    sampleRate,
		params:        params,
		phase:         Attack,
		step:          step,
		gain:          pipe.Gain,
		velocity:      velocity,
		attack:        newStreamCursor(handle, ring, req),
		tailBuf:       make([]float32, maxInt(params.CrossfadeFrames, 1)),
		noteOnTime:    noteOnTime,
		noteOffTime:   -1,
		tremPhaseSeed: float64(id%997) / 997.0,
		active:        true,
		interp:        dsp.NewLagrangeInterpolator(order),
	}
	v.trackerDelayRemaining = pipe.TrackerDelayFrames
	v.originalTuning = originalTuning
	if !pipe.Looped() {
		v.phase = Attack
	}
	return v
}

func pitchFactor(cents float64, originalTuning bool) float32 {
	if originalTuning {
		// §6: "if true, ignore pitch-correction cents whose absolute value
		// <= 20 and apply the rest".
		if cents < 0 {
			if -cents <= 20 {
				cents = 0
			}
		} else if cents <= 20 {
			cents = 0
		}
	}
	return approx.FastExp(float32(cents/1200.0) * 0.69314718055994530942)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// growFloat32 resizes *buf to length n, reallocating only when the
// existing capacity is too small. Reused by Process and streamCursor.pump
// to keep per-block scratch space allocation-free once warmed up.
func growFloat32(buf *[]float32, n int) []float32 {
	if cap(*buf) < n {
		*buf = make([]float32, n)
	} else {
		*buf = (*buf)[:n]
	}
	return *buf
}

// Active reports whether this voice still occupies a mixer slot.
func (v *Voice) Active() bool { return v.active }

// State reports the current lifecycle phase.
func (v *Voice) State() Phase { return v.phase }

// NoteOnSampleTime returns the engine-clock time the note began.
func (v *Voice) NoteOnSampleTime() int64 { return v.noteOnTime }

// NoteOffSampleTime returns the engine-clock time Release() was called,
// or -1 if the note has not been released (used as the eviction priority
// key, spec §3/§4.4).
func (v *Voice) NoteOffSampleTime() int64 { return v.noteOffTime }

// PopUnderrun reports whether either stream cursor hit an underrun since
// the last call, clearing the flag (spec §7: "an underrun counter is
// exposed"). The mixer polls this once per voice per Render call.
func (v *Voice) PopUnderrun() bool {
	var hit bool
	if v.attack != nil && v.attack.underran {
		hit = true
		v.attack.underran = false
	}
	if v.release != nil && v.release.underran {
		hit = true
		v.release.underran = false
	}
	return hit
}

// Release transitions the voice into the Release phase, selecting a
// release-sample variant by how long the note was held (spec §4.3).
// ringFactory is consulted only if the chosen release asset streams.
func (v *Voice) Release(now int64, assetFor func(assetID string) (*sampleasset.Asset, sampleasset.Handle, error), ringFactory RingFactory) {
	if v.phase == Release || v.phase == Dying {
		return
	}
	v.noteOffTime = now
	v.heldMSAtRelease = int((now - v.noteOnTime) * 1000 / int64(max1(v.sampleRate)))

	rel, ok := v.Pipe.ReleaseFor(v.heldMSAtRelease)
	if !ok {
		// No release sample at all: fade out like an eviction rather than
		// cut hard.
		v.enterDying()
		return
	}
	asset, handle, err := assetFor(rel.AssetID)
	if err != nil || asset == nil {
		v.enterDying()
		return
	}

	var ring *ringbuffer.Ring
	var req *streamer.Request
	if handle.Mode == sampleasset.Streaming && ringFactory != nil {
		ring, req = ringFactory(asset, now+int64(asset.PreloadFrames))
	}
	v.release = newStreamCursor(handle, ring, req)
	v.cursor = 0
	v.step = 1.0
	if asset.NativeRate > 0 {
		v.step = float64(asset.NativeRate) / float64(v.sampleRate) * float64(pitchFactor(v.Pipe.PitchCorrectionCents, v.originalTuning))
	}
	v.phase = Release
	v.xfadeIdx = 0
	v.xfadeLen = v.params.CrossfadeFrames
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// Evict moves a Release-state voice to Dying, applying a short fade to
// hide the cut (spec §4.3/§4.4 polyphony eviction).
func (v *Voice) Evict() {
	if v.phase != Release {
		return
	}
	v.enterDying()
}

// Panic forces any live voice straight to Dying (spec §4.4).
func (v *Voice) Panic() {
	if !v.active {
		return
	}
	v.enterDying()
}

func (v *Voice) enterDying() {
	v.phase = Dying
	v.dyingIdx = 0
	v.dyingLen = v.params.DyingFadeFrames
}

// isUndamped mirrors the teacher's sustain-pedal gate shape (piano/voice.go
// isUndamped), generalized: a voice keeps sounding past note-off only
// while in Release/Dying, never Attack/Sustain past their own logic.
func (v *Voice) isUndamped() bool {
	return v.active && (v.phase == Attack || v.phase == Sustain)
}

// Process renders numFrames stereo samples, applying tremulant amplitude
// and pitch-warp curves supplied by the mixer (one value per frame,
// shared across all voices in a windchest group for a given render call).
func (v *Voice) Process(numFrames int, tremAmp, tremWarp []float32) (left, right []float32) {
	left = growFloat32(&v.procL, numFrames)
	right = growFloat32(&v.procR, numFrames)
	if !v.active {
		for i := range left {
			left[i], right[i] = 0, 0
		}
		return left, right
	}

	v.attack.pump()
	if v.release != nil {
		v.release.pump()
	}

	for i := 0; i < numFrames; i++ {
		if !v.active {
			// The voice finished earlier in this block; pad with silence.
			left[i], right[i] = 0, 0
			continue
		}
		if v.trackerDelayRemaining > 0 {
			v.trackerDelayRemaining--
			continue
		}

		var l, r float32
		switch v.phase {
		case Attack, Sustain:
			l, r = v.renderSustainPath(tremAmp, tremWarp, i)
		case Release:
			l, r = v.renderRelease(i)
		case Dying:
			l, r = v.renderDying(tremAmp, tremWarp, i)
		}

		l = dspx.FlushDenormals(l * v.gain)
		r = dspx.FlushDenormals(r * v.gain)
		left[i], right[i] = l, r

		if v.phase == Dying {
			v.dyingIdx++
			if v.dyingIdx >= v.dyingLen {
				v.active = false
			}
		}
	}
	if !v.active {
		// Stop the streamer from filling rings nobody will read again.
		for _, sc := range [2]*streamCursor{v.attack, v.release} {
			if sc != nil && sc.req != nil && sc.req.Cancel != nil {
				sc.req.Cancel.Store(true)
			}
		}
	}
	return left, right
}

func (v *Voice) renderSustainPath(tremAmp, tremWarp []float32, i int) (float32, float32) {
	step := v.step
	amp := float32(1.0)
	if v.params.TremulantDepth > 0 && len(tremAmp) > i {
		amp = tremAmp[i]
		if len(tremWarp) > i {
			step *= float64(tremWarp[i])
		}
	}

	idx := int(v.cursor)
	frac := float32(v.cursor - float64(idx))
	l, r, ok := v.interpFrame(v.attack, idx, frac)
	if !ok {
		return 0, 0
	}
	l *= amp
	r *= amp

	v.recordTail((l + r) * 0.5)
	v.cursor += step

	if v.phase == Attack {
		if v.Pipe.Looped() && int(v.cursor) >= v.Pipe.LoopStart {
			v.phase = Sustain
			v.cursor = float64(v.Pipe.LoopStart)
		} else if !v.Pipe.Looped() && v.attack.framesAvailable() > 0 && idx+1 >= v.attack.asset.FrameCount {
			v.active = false
		}
		return l, r
	}

	// Sustain: loop within [LoopStart, LoopEnd).
	if v.Pipe.LoopEnd > v.Pipe.LoopStart && int(v.cursor) >= v.Pipe.LoopEnd {
		v.cursor = float64(v.Pipe.LoopStart) + (v.cursor - float64(v.Pipe.LoopEnd))
	}
	return l, r
}

func (v *Voice) renderRelease(i int) (float32, float32) {
	idx := int(v.cursor)
	frac := float32(v.cursor - float64(idx))
	l, r, ok := v.interpFrame(v.release, idx, frac)
	if !ok {
		if v.release.framesAvailable() > 0 {
			v.active = false
		}
		return 0, 0
	}
	v.cursor += v.step

	if v.xfadeIdx < v.xfadeLen {
		t := float32(v.xfadeIdx) / float32(v.xfadeLen)
		tail := v.readTail(v.xfadeIdx)
		l = (1-t)*tail + t*l
		r = (1-t)*tail + t*r
		v.xfadeIdx++
	}
	return l, r
}

func (v *Voice) renderDying(tremAmp, tremWarp []float32, i int) (float32, float32) {
	var l, r float32
	if v.release != nil {
		l, r = v.renderReleaseRaw()
	} else {
		l, r = v.renderSustainRaw(tremAmp, tremWarp, i)
	}
	fadeT := 1.0 - float32(v.dyingIdx)/float32(maxInt(v.dyingLen, 1))
	return l * fadeT, r * fadeT
}

func (v *Voice) renderReleaseRaw() (float32, float32) {
	idx := int(v.cursor)
	frac := float32(v.cursor - float64(idx))
	l, r, ok := v.interpFrame(v.release, idx, frac)
	if !ok {
		return 0, 0
	}
	v.cursor += v.step
	return l, r
}

func (v *Voice) renderSustainRaw(tremAmp, tremWarp []float32, i int) (float32, float32) {
	idx := int(v.cursor)
	frac := float32(v.cursor - float64(idx))
	l, r, ok := v.interpFrame(v.attack, idx, frac)
	if !ok {
		return 0, 0
	}
	v.cursor += v.step
	if v.Pipe.LoopEnd > v.Pipe.LoopStart && int(v.cursor) >= v.Pipe.LoopEnd {
		v.cursor = float64(v.Pipe.LoopStart) + (v.cursor - float64(v.Pipe.LoopEnd))
	}
	return l, r
}

func (v *Voice) recordTail(mono float32) {
	if len(v.tailBuf) == 0 {
		return
	}
	v.tailBuf[v.tailPos] = mono
	v.tailPos = (v.tailPos + 1) % len(v.tailBuf)
	if v.tailPos == 0 {
		v.tailFull = true
	}
}

func (v *Voice) readTail(i int) float32 {
	n := len(v.tailBuf)
	if n == 0 {
		return 0
	}
	if i >= n {
		i = n - 1
	}
	// Oldest-first walk starting at tailPos (wrap) if the buffer has
	// filled, otherwise from the start of whatever's been written.
	start := 0
	if v.tailFull {
		start = v.tailPos
	}
	return v.tailBuf[(start+i)%n]
}

// interpFrame resolves the stereo sample at a fractional cursor position
// using v.interp, the Lagrange interpolator built from
// Params.InterpolationOrder (linear over two frames by default, cubic over
// the four frames surrounding idx when the order is 3),
// falling back to edge replication at either end of the available data
// (the attack/sustain loop boundary and end-of-stream are still handled by
// the caller via ok). ok is false exactly when frame idx itself hasn't
// arrived yet, matching the two-point lookup this replaces.
func (v *Voice) interpFrame(sc *streamCursor, idx int, frac float32) (l, r float32, ok bool) {
	l0, r0, ok0 := sc.frame(idx)
	if !ok0 {
		return 0, 0, false
	}
	lm1, rm1, okm1 := sc.frame(idx - 1)
	if !okm1 {
		lm1, rm1 = l0, r0
	}
	l1, r1, ok1 := sc.frame(idx + 1)
	if !ok1 {
		l1, r1 = l0, r0
	}
	l2, r2, ok2 := sc.frame(idx + 2)
	if !ok2 {
		l2, r2 = l1, r1
	}
	l = v.interp.Interpolate([4]float32{lm1, l0, l1, l2}, frac)
	r = v.interp.Interpolate([4]float32{rm1, r0, r1, r2}, frac)
	return l, r, true
}
