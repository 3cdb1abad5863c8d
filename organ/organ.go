// Package organ holds the immutable descriptor of a loaded pipe organ:
// its stops, pipes, windchest groups and tremulants. Population of a
// Descriptor from a GrandOrgue .organ INI or Hauptwerk XML file is an
// out-of-scope collaborator (see spec §1); this package only defines the
// shapes that collaborator populates and the small builder API it calls.
package organ

import (
	"fmt"
	"sync/atomic"
)

// ReleaseSample is one release-sample variant, selected by how long the
// note was held before note-off.
type ReleaseSample struct {
	AssetID string
	// MaxHoldMS is the upper bound (inclusive) on held-note duration, in
	// milliseconds, for which this release variant applies. -1 means "the
	// default/fallback variant used when no other bucket matches". Bucket
	// boundaries are sample-set-defined; this package treats them as
	// opaque data and never interprets them (spec §9 open question).
	MaxHoldMS int
}

// Pipe is a single tuned sound source mapped to one MIDI note within a Stop.
type Pipe struct {
	AttackAssetID string
	Releases      []ReleaseSample

	LoopStart int // frame index; -1 if not looped
	LoopEnd   int // frame index; -1 if not looped

	PitchCorrectionCents float64
	Gain                 float32
	Channels             int // 1 (mono) or 2 (stereo)

	// TrackerDelayFrames models the mechanical key-to-pipe linkage delay
	// of the Rank this pipe belongs to (organ.rs Rank.tracker_delay_ms in
	// the original implementation). A voice sits silent for this many
	// frames before the Attack phase begins consuming samples.
	TrackerDelayFrames int

	WindchestGroupID string
}

// Looped reports whether the pipe has valid sustain-loop points.
func (p *Pipe) Looped() bool {
	return p.LoopStart >= 0 && p.LoopEnd > p.LoopStart
}

// ReleaseFor selects the release variant for a note held for heldMS
// milliseconds. Buckets are scanned in ascending MaxHoldMS order and the
// first one whose bound is met or exceeded wins; a bucket with MaxHoldMS
// of -1 is the fallback used when nothing else matches.
func (p *Pipe) ReleaseFor(heldMS int) (ReleaseSample, bool) {
	var fallback ReleaseSample
	haveFallback := false
	best := ReleaseSample{}
	haveBest := false
	for _, r := range p.Releases {
		if r.MaxHoldMS < 0 {
			fallback = r
			haveFallback = true
			continue
		}
		if heldMS <= r.MaxHoldMS {
			if !haveBest || r.MaxHoldMS < best.MaxHoldMS {
				best = r
				haveBest = true
			}
		}
	}
	if haveBest {
		return best, true
	}
	if haveFallback {
		return fallback, true
	}
	return ReleaseSample{}, false
}

// Stop is a named register that selects a set of Pipes. Enabled is
// mutable at runtime (drawn/undrawn); the pipe set and identity are
// immutable once the descriptor is loaded.
type Stop struct {
	ID               string
	Name             string
	Pipes            map[int]*Pipe // sparse: MIDI note number -> Pipe
	WindchestGroupID string

	enabled atomic.Bool
}

// Enabled reports whether the stop is currently drawn.
func (s *Stop) Enabled() bool { return s.enabled.Load() }

// SetEnabled draws or pushes in the stop.
func (s *Stop) SetEnabled(v bool) { s.enabled.Store(v) }

// Tremulant is a shared low-frequency amplitude/pitch modulator.
type Tremulant struct {
	ID       string
	Name     string
	RateHz   float32
	Depth    float32 // amplitude modulation depth, 0..1
	SwitchOn bool
}

// WindchestGroup ties a set of stops to the tremulant(s) that affect them.
type WindchestGroup struct {
	ID           string
	Name         string
	TremulantIDs []string
}

// Descriptor is the immutable, born-at-load-time organ definition.
type Descriptor struct {
	Name             string
	Stops            map[string]*Stop
	WindchestGroups  map[string]*WindchestGroup
	Tremulants       map[string]*Tremulant
	SampleRateNative int
}

// NewDescriptor creates an empty descriptor ready for population by a
// loader (out of scope) or by tests via AddStop/AddPipe.
func NewDescriptor(name string, nativeSampleRate int) *Descriptor {
	return &Descriptor{
		Name:             name,
		Stops:            make(map[string]*Stop),
		WindchestGroups:  make(map[string]*WindchestGroup),
		Tremulants:       make(map[string]*Tremulant),
		SampleRateNative: nativeSampleRate,
	}
}

// AddStop registers a stop, failing if the ID is already taken.
func (d *Descriptor) AddStop(s *Stop) error {
	if s == nil || s.ID == "" {
		return fmt.Errorf("organ: stop must have a non-empty ID")
	}
	if _, exists := d.Stops[s.ID]; exists {
		return fmt.Errorf("organ: duplicate stop id %q", s.ID)
	}
	if s.Pipes == nil {
		s.Pipes = make(map[int]*Pipe)
	}
	d.Stops[s.ID] = s
	return nil
}

// PipeFor looks up the pipe a given stop plays for a MIDI note.
func (d *Descriptor) PipeFor(stopID string, note int) (*Pipe, bool) {
	s, ok := d.Stops[stopID]
	if !ok {
		return nil, false
	}
	p, ok := s.Pipes[note]
	return p, ok
}
