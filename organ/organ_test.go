package organ

import "testing"

func TestPipeLooped(t *testing.T) {
	p := &Pipe{LoopStart: 100, LoopEnd: 200}
	if !p.Looped() {
		t.Fatalf("Looped() = false, want true")
	}
	p2 := &Pipe{LoopStart: -1, LoopEnd: -1}
	if p2.Looped() {
		t.Fatalf("Looped() = true for unlooped pipe")
	}
	p3 := &Pipe{LoopStart: 200, LoopEnd: 200}
	if p3.Looped() {
		t.Fatalf("Looped() = true when LoopEnd == LoopStart")
	}
}

func TestReleaseForFallback(t *testing.T) {
	p := &Pipe{Releases: []ReleaseSample{
		{AssetID: "fallback", MaxHoldMS: -1},
		{AssetID: "short", MaxHoldMS: 500},
		{AssetID: "long", MaxHoldMS: 2000},
	}}

	r, ok := p.ReleaseFor(100)
	if !ok || r.AssetID != "short" {
		t.Fatalf("ReleaseFor(100) = %v, %v; want short", r, ok)
	}
	r, ok = p.ReleaseFor(1000)
	if !ok || r.AssetID != "long" {
		t.Fatalf("ReleaseFor(1000) = %v, %v; want long", r, ok)
	}
	r, ok = p.ReleaseFor(5000)
	if !ok || r.AssetID != "fallback" {
		t.Fatalf("ReleaseFor(5000) = %v, %v; want fallback", r, ok)
	}
}

func TestReleaseForNoBucketsMatch(t *testing.T) {
	p := &Pipe{}
	if _, ok := p.ReleaseFor(100); ok {
		t.Fatalf("ReleaseFor with no releases should report ok=false")
	}
}

func TestStopEnabledToggle(t *testing.T) {
	s := &Stop{ID: "principal-8"}
	if s.Enabled() {
		t.Fatalf("new Stop should default to disabled")
	}
	s.SetEnabled(true)
	if !s.Enabled() {
		t.Fatalf("SetEnabled(true) did not take effect")
	}
}

func TestAddStopRejectsDuplicateAndEmptyID(t *testing.T) {
	d := NewDescriptor("test-organ", 48000)
	if err := d.AddStop(&Stop{}); err == nil {
		t.Fatalf("AddStop with empty ID should fail")
	}
	if err := d.AddStop(&Stop{ID: "s1"}); err != nil {
		t.Fatalf("AddStop(s1): %v", err)
	}
	if err := d.AddStop(&Stop{ID: "s1"}); err == nil {
		t.Fatalf("AddStop with duplicate ID should fail")
	}
}

func TestPipeForLookup(t *testing.T) {
	d := NewDescriptor("test-organ", 48000)
	pipe := &Pipe{AttackAssetID: "a1"}
	d.AddStop(&Stop{ID: "s1", Pipes: map[int]*Pipe{60: pipe}})

	got, ok := d.PipeFor("s1", 60)
	if !ok || got != pipe {
		t.Fatalf("PipeFor(s1,60) = %v,%v; want the registered pipe", got, ok)
	}
	if _, ok := d.PipeFor("s1", 61); ok {
		t.Fatalf("PipeFor(s1,61) should miss")
	}
	if _, ok := d.PipeFor("nope", 60); ok {
		t.Fatalf("PipeFor(nope,60) should miss")
	}
}
