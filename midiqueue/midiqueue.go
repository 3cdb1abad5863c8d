// Package midiqueue implements the bounded lock-free queue that carries
// routed MIDI events from one or more MIDI-input threads to the audio
// thread: bounded, lock-free, multi-producer / single-consumer, with
// overflow returned to the caller as a hard error (ErrFull) rather than
// dropped. Producers (one per configured input device) reserve a slot
// with a CAS loop on head; the single consumer (the Mixer's render call,
// once per callback) drains with a plain tail advance, mirroring the
// head/tail-atomics discipline ringbuffer.Ring uses for audio frames.
package midiqueue

import (
	"sync/atomic"

	"github.com/cwbudde/algo-organ/midi"
)

// ErrFull is returned by Push when the queue has no free slot. Per spec
// §7 this is fatal to the session; callers should propagate it as a hard
// error to the host rather than silently drop the event.
type ErrFull struct{}

func (ErrFull) Error() string { return "midiqueue: queue full" }

// Queue is a bounded multi-producer / single-consumer ring of routed
// MIDI events. Capacity is rounded up to a power of two.
type Queue struct {
	buf  []midi.Event
	mask uint64
	head atomic.Uint64 // next slot a producer will claim
	tail atomic.Uint64 // next slot the consumer will read

	// committed tracks which reserved slots have been fully written, so
	// a consumer never reads a slot a producer is mid-write on.
	committed []atomic.Bool
}

// New creates a Queue able to hold at least capacity events.
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	size := 1
	for size < capacity {
		size <<= 1
	}
	return &Queue{
		buf:       make([]midi.Event, size),
		mask:      uint64(size - 1),
		committed: make([]atomic.Bool, size),
	}
}

// Push enqueues one event. Safe to call from any number of producer
// goroutines concurrently. Returns ErrFull if the queue has no capacity
// left for it (spec: overflow is fatal, not dropped).
func (q *Queue) Push(ev midi.Event) error {
	for {
		head := q.head.Load()
		tail := q.tail.Load()
		if head-tail >= uint64(len(q.buf)) {
			return ErrFull{}
		}
		if q.head.CompareAndSwap(head, head+1) {
			slot := head & q.mask
			q.buf[slot] = ev
			q.committed[slot].Store(true)
			return nil
		}
	}
}

// Drain appends every event currently available, in receive order, to
// dst and returns the extended slice. Only the single consumer goroutine
// (the audio thread, at the start of each Render call, per spec §5's
// "processed at the start of the next callback, in device-receive
// order") may call Drain.
func (q *Queue) Drain(dst []midi.Event) []midi.Event {
	for {
		tail := q.tail.Load()
		head := q.head.Load()
		if tail >= head {
			return dst
		}
		slot := tail & q.mask
		if !q.committed[slot].Load() {
			// A producer reserved this slot but hasn't finished writing
			// it yet; stop here rather than read a half-written event.
			return dst
		}
		dst = append(dst, q.buf[slot])
		q.committed[slot].Store(false)
		q.tail.Store(tail + 1)
	}
}

// Len reports the number of events currently queued.
func (q *Queue) Len() int {
	return int(q.head.Load() - q.tail.Load())
}
