// Package engineclock provides the monotonic sample-time counter shared
// across the engine (spec §4.8): an atomic int64 counter advanced only by
// the Mixer on the audio thread, read by every other component so
// note-on/note-off/release-priority timestamps never depend on wall
// clock jitter.
package engineclock

import "sync/atomic"

// Clock is a monotonic 64-bit sample counter. The zero value starts at
// sample 0.
type Clock struct {
	samples atomic.Int64
}

// Now returns the current sample-time.
func (c *Clock) Now() int64 { return c.samples.Load() }

// Advance moves the clock forward by n frames (n must be >= 0); only the
// Mixer's render path should call this (spec §4.8/§5).
func (c *Clock) Advance(n int) {
	if n <= 0 {
		return
	}
	c.samples.Add(int64(n))
}
