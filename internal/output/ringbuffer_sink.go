package output

import (
	"sync"
	"time"
)

// RingBufferSink is the main-thread ticker-driven fallback renderer used
// when no audio device is available (spec.md §4.3, §9: the source's
// ScriptProcessor fallback becomes an explicit goroutine driven by a
// time.Ticker instead of a browser audio callback). It advances the clock
// on the same schedule a real device would, without producing sound.
type RingBufferSink struct {
	clock *Clock
	ring  *ringBuffer

	tickInterval time.Duration
	chunkSamples int

	readyOnce sync.Once
	readyCh   chan struct{}
	underrun  chan struct{}

	mu      sync.Mutex
	paused  bool
	closed  bool
	stopped chan struct{}
}

// NewRingBufferSink builds a fallback sink that renders in chunkMillis
// ticks at the nominal sample rate.
func NewRingBufferSink(chunkMillis int) *RingBufferSink {
	if chunkMillis <= 0 {
		chunkMillis = 20
	}
	chunkFrames := int(NominalSampleRate * float64(chunkMillis) / 1000.0)
	s := &RingBufferSink{
		clock:        NewClock(),
		ring:         newRingBuffer(),
		tickInterval: time.Duration(chunkMillis) * time.Millisecond,
		chunkSamples: chunkFrames * Channels,
		readyCh:      make(chan struct{}),
		underrun:     make(chan struct{}, 1),
		stopped:      make(chan struct{}),
	}
	s.clock.SetRate(NominalSampleRate)
	go s.run()
	return s
}

func (s *RingBufferSink) run() {
	chunk := make([]float32, s.chunkSamples)
	everReady := false

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopped:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		paused := s.paused
		s.mu.Unlock()
		if paused {
			continue
		}

		if !everReady && s.ring.Fill() >= ReadyFillFraction {
			everReady = true
			s.readyOnce.Do(func() { close(s.readyCh) })
		}

		_, starved := s.ring.Dequeue(chunk)
		if starved && everReady {
			select {
			case s.underrun <- struct{}{}:
			default:
			}
		}
		s.clock.Advance(len(chunk))
	}
}

func (s *RingBufferSink) Enqueue(samples []float32) error {
	s.ring.Enqueue(samples)
	return nil
}

func (s *RingBufferSink) Position() float64 { return s.clock.Position() }

func (s *RingBufferSink) BufferDelay() float64 {
	return float64(s.ring.Buffered()) / Channels / NominalSampleRate
}

func (s *RingBufferSink) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *RingBufferSink) Play() error {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	return nil
}

func (s *RingBufferSink) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// SetVolume is a no-op: this sink produces no sound.
func (s *RingBufferSink) SetVolume(v float64) {}

func (s *RingBufferSink) Ready() <-chan struct{}    { return s.readyCh }
func (s *RingBufferSink) Underrun() <-chan struct{} { return s.underrun }
func (s *RingBufferSink) Fill() float64             { return s.ring.Fill() }

func (s *RingBufferSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.stopped)
	return nil
}
