package engineclock

import "testing"

func TestClockAdvanceAccumulates(t *testing.T) {
	var c Clock
	if c.Now() != 0 {
		t.Fatalf("expected 0 at start, got %d", c.Now())
	}
	c.Advance(128)
	c.Advance(128)
	if c.Now() != 256 {
		t.Fatalf("expected 256, got %d", c.Now())
	}
}

func TestClockAdvanceIgnoresNonPositive(t *testing.T) {
	var c Clock
	c.Advance(0)
	c.Advance(-10)
	if c.Now() != 0 {
		t.Fatalf("expected 0, got %d", c.Now())
	}
}
