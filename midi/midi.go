// Package midi translates raw MIDI bytes from multiple input devices
// into organ-semantic events and publishes them to the mixer (spec
// §4.6). Status-byte layout follows the Channel Voice event constants
// every MIDI-aware repo in the pack agrees on (mirrored from
// husafan-audio's midi package); physical-channel/note/velocity byte
// indexing follows the raw-packet pattern used directly against device
// input in scgolang-organ's main.go (pkt.Data[0]/[1]/[2]).
package midi

import (
	"fmt"

	"github.com/cwbudde/algo-organ/preset"
)

// Channel Voice event status nibbles (high nibble of byte 0; low nibble
// is the physical MIDI channel 0..15).
const (
	NoteOffStatus         = 0x80
	NoteOnStatus          = 0x90
	PolyphonicPressure    = 0xA0
	ControlChangeStatus   = 0xB0
	ProgramChangeStatus   = 0xC0
	ChannelPressureStatus = 0xD0
	PitchWheelStatus      = 0xE0
)

// AllNotesOffCC is the Control Change number that means "panic" (spec
// §4.6: "All-notes-off (CC 123) or panic key").
const AllNotesOffCC = 123

// EventKind distinguishes the organ-semantic events MidiRouter emits.
type EventKind int

const (
	EventNoteOn EventKind = iota
	EventNoteOff
	EventPanic
	EventToggleStop
)

// Event is one organ-semantic event published to the engine's event
// queue (midiqueue.Queue: bounded, lock-free, many MIDI-input producers
// and the audio thread as its single consumer).
type Event struct {
	Kind      EventKind
	StopID    string
	Note      int
	Velocity  int
	Timestamp int64
}

// Dispatcher receives routed MIDI events. The engine implements it with
// a dispatcher that pushes each event onto its queue for the Mixer to
// apply on the audio thread. Kept as an interface so MidiRouter has no import-time
// dependency on the mixer package (mirrors the teacher's Piano.NoteOn/
// NoteOff pair as the shape a router's output calls into).
type Dispatcher interface {
	// Each method returns an error so a queued implementation can
	// propagate a full event queue back to HandleMessage's caller instead
	// of panicking (spec §7: queue overflow "signals a hard error to the
	// host", it is not a programmer-invariant violation).
	NoteOn(stopID string, note int, velocity int, timestamp int64) error
	NoteOff(note int, timestamp int64) error
	Panic() error
	// ToggleStop flips a Stop's enabled flag (spec §4.6: "subsequent
	// occurrences of that event flip S.enabled").
	ToggleStop(stopID string) error
}

// StopLookup resolves which enabled Stops are reachable from a virtual
// channel, and whether a given Stop's Pipe set contains a note (spec
// §4.6: "for each Stop enabled on v whose Pipe set contains the MIDI
// note n").
type StopLookup interface {
	StopsForVirtualChannel(v int) []string
	StopHasPipe(stopID string, note int) bool
	StopEnabled(stopID string) bool
}

// boundEvent is a committed MIDI-learn binding: a specific (status,
// data1) on a specific device toggles stopID.
type boundEvent struct {
	status   byte
	data1    byte
	stopID   string
}

// deviceState is the live routing configuration and MIDI-learn capture
// state for one input device.
type deviceState struct {
	mapping preset.DeviceMapping

	// learningStopID is the Stop currently waiting to capture its first
	// non-note controller event, or "" if no learn is in progress.
	learningStopID string

	bindings []boundEvent
}

// Router dispatches raw MIDI bytes from multiple devices into organ
// events (spec §4.6). Not safe for concurrent use by multiple
// goroutines on the same device; each device owns one MIDI thread
// (spec §5), and the Router serializes that thread's bytes onto the
// shared Dispatcher/learn-binding callback.
type Router struct {
	lookup StopLookup
	sink   Dispatcher

	devices map[string]*deviceState

	// onLearned is invoked when a MIDI-learn capture completes, so the
	// caller can persist the binding via preset.Document (spec §4.7:
	// "Save is triggered by ... binding change for learns").
	onLearned func(stopID string, binding preset.LearnBinding)
}

// NewRouter creates a Router with no devices configured yet.
func NewRouter(lookup StopLookup, sink Dispatcher) *Router {
	return &Router{
		lookup:  lookup,
		sink:    sink,
		devices: make(map[string]*deviceState),
	}
}

// SetOnLearned installs the callback invoked when a MIDI-learn binding
// is captured.
func (r *Router) SetOnLearned(fn func(stopID string, binding preset.LearnBinding)) {
	r.onLearned = fn
}

// ConfigureDevice installs or replaces the mapping mode for a device
// (spec §4.6 and the supplemented persisted-mapping-mode feature).
func (r *Router) ConfigureDevice(deviceID string, mapping preset.DeviceMapping) {
	st, ok := r.devices[deviceID]
	if !ok {
		st = &deviceState{}
		r.devices[deviceID] = st
	}
	st.mapping = mapping
}

// BeginLearn arms MIDI-learn mode on a Stop: the next non-note
// channel/controller event from that device binds to it (spec §4.6).
func (r *Router) BeginLearn(deviceID, stopID string) error {
	st, ok := r.devices[deviceID]
	if !ok {
		return fmt.Errorf("midi: unknown device %q", deviceID)
	}
	st.learningStopID = stopID
	return nil
}

// CancelLearn aborts an in-progress MIDI-learn capture, if any.
func (r *Router) CancelLearn(deviceID string) {
	if st, ok := r.devices[deviceID]; ok {
		st.learningStopID = ""
	}
}

// LoadBindings installs previously-persisted MIDI-learn bindings (spec
// §4.7: bindings are loaded with the rest of the PresetStore on organ
// open) so they take effect without the user re-learning them.
func (r *Router) LoadBindings(learns map[string]preset.LearnBinding) {
	for stopID, lb := range learns {
		st, ok := r.devices[lb.DeviceID]
		if !ok {
			st = &deviceState{}
			r.devices[lb.DeviceID] = st
		}
		st.bindings = append(st.bindings, boundEvent{status: lb.Status, data1: lb.Data1, stopID: stopID})
	}
}

// HandleMessage routes one raw 3-byte MIDI Channel Voice message from
// deviceID at the given engine-clock timestamp.
func (r *Router) HandleMessage(deviceID string, data []byte, timestamp int64) error {
	if len(data) < 1 {
		return fmt.Errorf("midi: empty message")
	}
	status := data[0] & 0xF0
	physChannel := int(data[0] & 0x0F)

	st, ok := r.devices[deviceID]
	if !ok {
		st = &deviceState{}
		r.devices[deviceID] = st
	}

	switch status {
	case NoteOnStatus, NoteOffStatus:
		if len(data) < 3 {
			return fmt.Errorf("midi: short note message")
		}
		note := int(data[1])
		velocity := int(data[2])
		if status == NoteOnStatus && velocity > 0 {
			return r.dispatchNoteOn(deviceID, physChannel, note, velocity, timestamp)
		}
		return r.dispatchNoteOff(note, timestamp)

	case ControlChangeStatus:
		if len(data) < 2 {
			return fmt.Errorf("midi: short control-change message")
		}
		ccNum := data[1]
		if ccNum == AllNotesOffCC {
			if r.sink != nil {
				return r.sink.Panic()
			}
			return nil
		}
		if !r.maybeCaptureLearn(deviceID, st, data) {
			return r.maybeToggle(st, data)
		}
		return nil

	default:
		if !r.maybeCaptureLearn(deviceID, st, data) {
			return r.maybeToggle(st, data)
		}
		return nil
	}
}

// maybeToggle flips a Stop bound to this exact (status, data1) event,
// if one was captured by a prior MIDI-learn pass.
func (r *Router) maybeToggle(st *deviceState, data []byte) error {
	if r.sink == nil || len(data) == 0 {
		return nil
	}
	var data1 byte
	if len(data) > 1 {
		data1 = data[1]
	}
	for _, b := range st.bindings {
		if b.status == data[0] && b.data1 == data1 {
			if err := r.sink.ToggleStop(b.stopID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Router) dispatchNoteOn(deviceID string, physChannel, note, velocity int, timestamp int64) error {
	if r.lookup == nil || r.sink == nil {
		return nil
	}
	for _, v := range r.virtualChannelsFor(deviceID, physChannel) {
		for _, stopID := range r.lookup.StopsForVirtualChannel(v) {
			if !r.lookup.StopEnabled(stopID) {
				continue
			}
			if !r.lookup.StopHasPipe(stopID, note) {
				continue
			}
			if err := r.sink.NoteOn(stopID, note, velocity, timestamp); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Router) dispatchNoteOff(note int, timestamp int64) error {
	if r.sink == nil {
		return nil
	}
	return r.sink.NoteOff(note, timestamp)
}

// virtualChannelsFor resolves a device's physical channel to the
// virtual channels it drives, per the device's mapping mode (spec
// §4.6: Simple collapses all channels; Complex maps per-channel).
func (r *Router) virtualChannelsFor(deviceID string, physChannel int) []int {
	st, ok := r.devices[deviceID]
	if !ok {
		return nil
	}
	switch st.mapping.Mode {
	case preset.Complex:
		return st.mapping.ComplexChannels[physChannel]
	default:
		return []int{st.mapping.SimpleVirtualChannel}
	}
}

// maybeCaptureLearn binds the event in data to the Stop currently
// awaiting MIDI-learn on this device, if any, and reports whether a
// binding was captured.
func (r *Router) maybeCaptureLearn(deviceID string, st *deviceState, data []byte) bool {
	if st.learningStopID == "" {
		return false
	}
	binding := preset.LearnBinding{DeviceID: deviceID, Status: data[0]}
	if len(data) > 1 {
		binding.Data1 = data[1]
	}
	stopID := st.learningStopID
	st.learningStopID = ""
	st.bindings = append(st.bindings, boundEvent{status: binding.Status, data1: binding.Data1, stopID: stopID})
	if r.onLearned != nil {
		r.onLearned(stopID, binding)
	}
	return true
}
