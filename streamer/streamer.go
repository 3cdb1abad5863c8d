// Package streamer implements the background fetcher that fills voice
// ring buffers from disk so the audio thread never blocks on I/O (spec
// §4.2). It owns a priority queue of outstanding fetch requests ordered
// by projected underrun time and performs positioned reads, decoding PCM
// bytes to float32 frames inline.
package streamer

import (
	"container/heap"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cwbudde/algo-organ/ringbuffer"
	"github.com/cwbudde/algo-organ/sampleasset"
)

// refillBackoff is how long Run waits before retrying a request whose
// ring had no free space on the last attempt, so a held note's fetch
// loop doesn't busy-spin waiting for the audio thread to drain frames.
const refillBackoff = 2 * time.Millisecond

// Request describes a fetch job: stream frames from Asset, starting at
// Asset.DataByteOffset, into Ring for the life of the voice. Run
// re-enqueues a request after every fill attempt until the asset is
// exhausted or Cancel is set, so a held note keeps its ring topped up
// rather than going silent after one fill (spec §4.2).
type Request struct {
	Asset    *sampleasset.Asset
	Ring     *ringbuffer.Ring
	Deadline int64 // engine-clock sample time of the projected underrun
	Cancel   *atomic.Bool

	// byteOffset advances across repeated fills of the same request as
	// Run re-enqueues it to keep the ring topped up.
	byteOffset int64
}

// NewRequest creates a fetch request starting at the asset's post-prefix
// offset.
func NewRequest(asset *sampleasset.Asset, ring *ringbuffer.Ring, deadline int64) *Request {
	return &Request{
		Asset:      asset,
		Ring:       ring,
		Deadline:   deadline,
		Cancel:     &atomic.Bool{},
		byteOffset: asset.DataByteOffset,
	}
}

type pqueue []*Request

func (q pqueue) Len() int            { return len(q) }
func (q pqueue) Less(i, j int) bool  { return q[i].Deadline < q[j].Deadline }
func (q pqueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *pqueue) Push(x interface{}) { *q = append(*q, x.(*Request)) }
func (q *pqueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// UnderrunReporter receives one call per underrun event so callers can
// surface a counter/metric (spec §7: underruns are non-fatal but must be
// counted and displayed).
type UnderrunReporter func()

// Streamer is the dedicated worker that drains the fetch-request queue.
// Submit is safe to call from any thread; the fetch loop itself runs on
// one dedicated goroutine started by Run.
type Streamer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  pqueue
	closed bool
}

// New creates a Streamer.
func New() *Streamer {
	s := &Streamer{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Submit enqueues a fetch request, waking the worker loop.
func (s *Streamer) Submit(req *Request) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	heap.Push(&s.queue, req)
	s.mu.Unlock()
	s.cond.Signal()
}

// Run drains the queue until Close is called. Intended to be the body of
// the dedicated streamer goroutine (spec §5: "Streamer thread: performs
// blocking positioned reads").
func (s *Streamer) Run() {
	ioErrorLogged := make(map[string]bool)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed && len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		req := heap.Pop(&s.queue).(*Request)
		s.mu.Unlock()

		if req.Cancel != nil && req.Cancel.Load() {
			// The voice that owns this request is no longer live; drop it
			// rather than waste a read (spec §4.2: "the request is
			// dropped when dequeued if its voice is no longer live").
			continue
		}

		wrote, exhausted, err := fill(req)
		if err != nil {
			if !ioErrorLogged[req.Asset.Path] {
				ioErrorLogged[req.Asset.Path] = true
				logIOError(req.Asset.Path, err)
			}
			continue
		}
		if exhausted {
			continue
		}
		if req.Cancel != nil && req.Cancel.Load() {
			continue
		}
		if wrote == 0 {
			// Ring had no free space this round; give the audio thread
			// time to drain it before trying again.
			time.Sleep(refillBackoff)
		}
		s.Submit(req)
	}
}

// Close flushes the queue and stops Run (spec §5: organ shutdown drains
// and exits the Streamer thread).
func (s *Streamer) Close() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	s.cond.Broadcast()
}

// fill performs one positioned read, decoding PCM float32 frames directly
// into the request's ring buffer and advancing byteOffset. wrote is the
// number of float32 samples written (0 if the ring had no room this
// round); exhausted reports whether byteOffset has reached the asset's
// last PCM byte, in which case Run drops the request instead of
// re-enqueueing it.
func fill(req *Request) (wrote int, exhausted bool, err error) {
	asset := req.Asset
	remaining := asset.DataEndOffset - req.byteOffset
	if remaining <= 0 {
		return 0, true, nil
	}

	f, err := os.Open(asset.Path)
	if err != nil {
		return 0, false, err
	}
	defer f.Close()

	free := req.Ring.Free()
	if free <= 0 {
		return 0, false, nil
	}
	framesWanted := free / asset.Channels
	if framesWanted <= 0 {
		return 0, false, nil
	}

	byteLen := int64(framesWanted * asset.BytesPerFrame)
	if byteLen > remaining {
		byteLen = remaining
	}
	raw := make([]byte, byteLen)
	n, err := f.ReadAt(raw, req.byteOffset)
	if n == 0 && err != nil {
		return 0, false, err
	}
	raw = raw[:n-n%asset.BytesPerFrame]

	frames, err := decodePCM(raw, asset.BitDepth)
	if err != nil {
		return 0, false, err
	}
	req.Ring.Write(frames)
	req.byteOffset += int64(len(raw))
	return len(frames), req.byteOffset >= asset.DataEndOffset, nil
}

// decodePCM converts raw little-endian PCM bytes at the given bit depth
// into normalized float32 samples in [-1, 1], matching the sample widths
// GrandOrgue-style WAV assets are encoded at.
func decodePCM(raw []byte, bitDepth int) ([]float32, error) {
	switch bitDepth {
	case 8:
		out := make([]float32, len(raw))
		for i, b := range raw {
			out[i] = (float32(b) - 128) / 128
		}
		return out, nil
	case 16:
		out := make([]float32, len(raw)/2)
		for i := range out {
			v := int16(uint16(raw[i*2]) | uint16(raw[i*2+1])<<8)
			out[i] = float32(v) / 32768
		}
		return out, nil
	case 24:
		out := make([]float32, len(raw)/3)
		for i := range out {
			b0, b1, b2 := raw[i*3], raw[i*3+1], raw[i*3+2]
			v := int32(uint32(b0) | uint32(b1)<<8 | uint32(b2)<<16)
			if v&0x800000 != 0 {
				v |= ^0xFFFFFF // sign-extend the 24-bit value
			}
			out[i] = float32(v) / 8388608
		}
		return out, nil
	case 32:
		out := make([]float32, len(raw)/4)
		for i := range out {
			v := int32(uint32(raw[i*4]) | uint32(raw[i*4+1])<<8 | uint32(raw[i*4+2])<<16 | uint32(raw[i*4+3])<<24)
			out[i] = float32(v) / 2147483648
		}
		return out, nil
	default:
		return nil, fmt.Errorf("streamer: unsupported bit depth %d", bitDepth)
	}
}

// logIOError is overridable by tests; production default is a no-op
// because this package has no logging dependency to call into. A failed
// read shows up only indirectly, as ring underruns the mixer counts in
// its metrics (see SPEC_FULL.md's ambient-stack note on logging).
var logIOError = func(path string, err error) {}
