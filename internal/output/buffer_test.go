package output

import "testing"

func TestRingBufferEnqueueDequeue(t *testing.T) {
	r := newRingBuffer()
	samples := make([]float32, 100)
	for i := range samples {
		samples[i] = float32(i)
	}
	r.Enqueue(samples)

	dst := make([]float32, 100)
	filled, starved := r.Dequeue(dst)
	if filled != 100 || starved {
		t.Fatalf("filled=%d starved=%v, want 100/false", filled, starved)
	}
	for i := range dst {
		if dst[i] != float32(i) {
			t.Fatalf("dst[%d] = %v, want %v", i, dst[i], i)
		}
	}
}

func TestRingBufferDequeueZeroFillsShortfall(t *testing.T) {
	r := newRingBuffer()
	r.Enqueue([]float32{1, 2, 3})

	dst := make([]float32, 5)
	filled, starved := r.Dequeue(dst)
	if filled != 3 || !starved {
		t.Fatalf("filled=%d starved=%v, want 3/true", filled, starved)
	}
	want := []float32{1, 2, 3, 0, 0}
	for i := range want {
		if dst[i] != want[i] {
			t.Fatalf("dst[%d] = %v, want %v", i, dst[i], want[i])
		}
	}
}

func TestRingBufferOverflowDropsOldest(t *testing.T) {
	r := &ringBuffer{buf: make([]float32, 4)}
	r.Enqueue([]float32{1, 2, 3, 4})
	r.Enqueue([]float32{5, 6})

	if got := r.Overflows(); got != 1 {
		t.Fatalf("Overflows() = %d, want 1", got)
	}

	dst := make([]float32, 4)
	filled, _ := r.Dequeue(dst)
	if filled != 4 {
		t.Fatalf("filled = %d, want 4", filled)
	}
	want := []float32{3, 4, 5, 6}
	for i := range want {
		if dst[i] != want[i] {
			t.Fatalf("dst[%d] = %v, want %v", i, dst[i], want[i])
		}
	}
}

func TestRingBufferFill(t *testing.T) {
	r := &ringBuffer{buf: make([]float32, 10)}
	r.Enqueue(make([]float32, 5))
	if got := r.Fill(); got != 0.5 {
		t.Fatalf("Fill() = %v, want 0.5", got)
	}
}
