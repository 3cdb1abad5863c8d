// Package preset persists MIDI-channel-to-stop mappings and MIDI-learn
// bindings for an organ (spec §4.7), following the teacher's preset
// package's JSON-document-with-a-File-DTO pattern (preset/json.go) but
// replacing the piano's flat gain/resonance schema with the organ's
// ChannelMap/PresetSlot/DeviceMapping shapes.
package preset

import "encoding/json"

// VirtualChannelCount is the number of virtual MIDI channels a ChannelMap
// covers (spec §3: "ChannelMap (per virtual channel, 16 slots)").
const VirtualChannelCount = 16

// SlotCount is the number of preset slots persisted per organ
// (spec §3: "10 slots exist per organ").
const SlotCount = 10

// ChannelMap is the set of Stop IDs enabled on one virtual MIDI channel.
type ChannelMap struct {
	EnabledStopIDs []string
}

// Slot is a snapshot of all 16 ChannelMaps, taken at save_preset time.
type Slot struct {
	Channels [VirtualChannelCount]ChannelMap
}

// LearnBinding is the raw MIDI event a Stop's MIDI-learn mode captured
// (spec §4.6: "the first non-note channel/controller event received is
// bound to S as its toggle trigger"). Status/Data1 identify the event
// (e.g. a control-change number) independent of note on/off, which
// MIDI-learn never binds to.
type LearnBinding struct {
	DeviceID string
	Status   byte
	Data1    byte
}

// MappingMode selects how a device's physical channels resolve to
// virtual channels (spec §4.6).
type MappingMode int

const (
	// Simple collapses all of a device's channels onto one virtual channel.
	Simple MappingMode = iota
	// Complex maps each device channel to its own set of virtual channels.
	Complex
)

// String renders the mapping mode for diagnostics and JSON round-trips.
func (m MappingMode) String() string {
	if m == Complex {
		return "complex"
	}
	return "simple"
}

// DeviceMapping records a MIDI input device's routing mode, persisted so
// it survives restarts (spec's supplemented §4.6 feature: "a device's
// routing mode survives restarts").
type DeviceMapping struct {
	Mode MappingMode
	// SimpleVirtualChannel is the single virtual channel all of the
	// device's physical channels map to when Mode is Simple.
	SimpleVirtualChannel int
	// ComplexChannels maps physical channel -> set of virtual channels,
	// used only when Mode is Complex.
	ComplexChannels map[int][]int
}

// Document is the full persisted state for one organ: its preset slots
// and per-stop MIDI-learn bindings, plus per-device mapping modes.
type Document struct {
	OrganName string
	Slots     [SlotCount]Slot
	// Learns maps Stop ID -> its MIDI-learn binding, if any.
	Learns map[string]LearnBinding
	// Devices maps device ID -> its persisted mapping mode.
	Devices map[string]DeviceMapping
	// Extra carries top-level JSON fields this package doesn't understand,
	// captured by LoadJSON and handed back to SaveJSON so a load->mutate->
	// save cycle never drops them (spec §4.7: "unknown fields are
	// preserved on re-save").
	Extra map[string]json.RawMessage
}

// NewDocument creates an empty document ready for mutation and save.
func NewDocument(organName string) *Document {
	return &Document{
		OrganName: organName,
		Learns:    make(map[string]LearnBinding),
		Devices:   make(map[string]DeviceMapping),
		Extra:     make(map[string]json.RawMessage),
	}
}
