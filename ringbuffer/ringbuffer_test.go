package ringbuffer

import "testing"

func TestRingRoundTrip(t *testing.T) {
	r := New(4)
	n := r.Write([]float32{1, 2, 3})
	if n != 3 {
		t.Fatalf("Write returned %d, want 3", n)
	}
	if got := r.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}

	dst := make([]float32, 2)
	n = r.Read(dst)
	if n != 2 || dst[0] != 1 || dst[1] != 2 {
		t.Fatalf("Read() = %d %v, want 2 [1 2]", n, dst)
	}
}

func TestRingCapacityRoundsToPowerOfTwo(t *testing.T) {
	r := New(5)
	if cap := len(r.buf); cap != 8 {
		t.Fatalf("capacity = %d, want 8", cap)
	}
}

func TestRingWriteStopsAtCapacity(t *testing.T) {
	r := New(4)
	n := r.Write([]float32{1, 2, 3, 4, 5, 6})
	if n != 4 {
		t.Fatalf("Write() = %d, want 4 (truncated to free space)", n)
	}
	if r.Free() != 0 {
		t.Fatalf("Free() = %d, want 0", r.Free())
	}
}

func TestRingReadEmptyReturnsZero(t *testing.T) {
	r := New(4)
	dst := make([]float32, 4)
	if n := r.Read(dst); n != 0 {
		t.Fatalf("Read() on empty ring = %d, want 0", n)
	}
}

func TestRingWrapsAroundAfterDrain(t *testing.T) {
	r := New(4)
	r.Write([]float32{1, 2, 3, 4})
	r.Read(make([]float32, 4))
	r.Write([]float32{5, 6})
	dst := make([]float32, 2)
	r.Read(dst)
	if dst[0] != 5 || dst[1] != 6 {
		t.Fatalf("Read() after wrap = %v, want [5 6]", dst)
	}
}

func TestRingReset(t *testing.T) {
	r := New(4)
	r.Write([]float32{1, 2, 3})
	r.Reset()
	if r.Len() != 0 {
		t.Fatalf("Len() after Reset = %d, want 0", r.Len())
	}
	if r.Free() != 4 {
		t.Fatalf("Free() after Reset = %d, want 4", r.Free())
	}
}
