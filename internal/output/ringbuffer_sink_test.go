package output

import (
	"testing"
	"time"
)

func TestRingBufferSinkBecomesReadyAfterFill(t *testing.T) {
	s := NewRingBufferSink(5)
	defer s.Close()

	full := make([]float32, capacitySamples())
	s.Enqueue(full)

	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("sink never became ready after a full buffer")
	}
}

func TestRingBufferSinkPauseStopsClock(t *testing.T) {
	s := NewRingBufferSink(5)
	defer s.Close()

	s.Pause()
	if !s.Paused() {
		t.Fatal("Paused() = false after Pause()")
	}
	before := s.Position()
	time.Sleep(50 * time.Millisecond)
	after := s.Position()
	if after != before {
		t.Fatalf("Position advanced while paused: %v -> %v", before, after)
	}
}

type fakeStage struct {
	mu       struct{}
	received [][]float32
}

func (f *fakeStage) Enqueue(samples []float32) error {
	f.received = append(f.received, samples)
	return nil
}
func (f *fakeStage) Position() float64          { return 0 }
func (f *fakeStage) BufferDelay() float64       { return 0 }
func (f *fakeStage) Paused() bool               { return false }
func (f *fakeStage) Play() error                { return nil }
func (f *fakeStage) Pause()                     {}
func (f *fakeStage) SetVolume(v float64)        {}
func (f *fakeStage) Ready() <-chan struct{}     { return nil }
func (f *fakeStage) Underrun() <-chan struct{}  { return nil }
func (f *fakeStage) Fill() float64              { return 0 }
func (f *fakeStage) Close() error               { return nil }

func TestPacingBufferDrainsInOrder(t *testing.T) {
	fs := &fakeStage{}
	pb := NewPacingBuffer[[]float32](10*time.Millisecond, 10, fs)
	pb.Start()
	defer pb.Stop()

	pb.Add([]float32{1})
	pb.Add([]float32{2})
	pb.Add([]float32{3})

	time.Sleep(100 * time.Millisecond)

	if len(fs.received) < 3 {
		t.Fatalf("received %d segments, want at least 3", len(fs.received))
	}
	for i, want := range []float32{1, 2, 3} {
		if fs.received[i][0] != want {
			t.Fatalf("received[%d] = %v, want %v", i, fs.received[i][0], want)
		}
	}
}
