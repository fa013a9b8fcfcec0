package output

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hajimehoshi/oto/v2"
)

// DeviceSink renders PCM through the system audio device via oto, the
// worklet-equivalent sink (spec.md §4.3, §9 design note: the dedicated
// audio-callback thread translates to oto's own player goroutine here,
// grounded on the teacher's cmd/livekit-speaker oto.NewContext/io.Pipe
// pattern).
type DeviceSink struct {
	clock *Clock
	ring  *ringBuffer

	ctx    *oto.Context
	pw     *io.PipeWriter
	player oto.Player

	readyOnce sync.Once
	readyCh   chan struct{}
	underrun  chan struct{}

	mu     sync.Mutex
	paused bool
	closed bool
}

// NewDeviceSink creates an oto-backed sink and starts its feeder goroutine.
// It blocks until the oto context reports ready, matching the teacher's
// <-ready pattern.
func NewDeviceSink() (*DeviceSink, error) {
	ctx, ready, err := oto.NewContext(int(NominalSampleRate), Channels, 4)
	if err != nil {
		return nil, fmt.Errorf("output: oto.NewContext: %w", err)
	}
	<-ready

	pr, pw := io.Pipe()
	player := ctx.NewPlayer(pr)

	s := &DeviceSink{
		clock:    NewClock(),
		ring:     newRingBuffer(),
		ctx:      ctx,
		pw:       pw,
		player:   player,
		readyCh:  make(chan struct{}),
		underrun: make(chan struct{}, 1),
	}
	s.clock.SetRate(NominalSampleRate)
	player.Play()

	go s.feed()
	return s, nil
}

// feederFrameSamples is the interleaved-sample chunk size written per
// render tick, chosen to keep device underrun risk low without adding
// excess output latency.
const feederFrameSamples = 1024 * Channels

func (s *DeviceSink) feed() {
	chunk := make([]float32, feederFrameSamples)
	pcm16 := make([]byte, feederFrameSamples*2)
	everReady := false

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		s.mu.Lock()
		paused := s.paused
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
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

		encodeFloat32ToInt16LE(chunk, pcm16)
		if _, err := s.pw.Write(pcm16); err != nil {
			return
		}
		s.clock.Advance(len(chunk))
	}
}

func encodeFloat32ToInt16LE(src []float32, dst []byte) {
	for i, v := range src {
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		iv := int16(v * 32767)
		dst[i*2] = byte(iv)
		dst[i*2+1] = byte(iv >> 8)
	}
}

func (s *DeviceSink) Enqueue(samples []float32) error {
	s.ring.Enqueue(samples)
	return nil
}

func (s *DeviceSink) Position() float64 { return s.clock.Position() }

func (s *DeviceSink) BufferDelay() float64 {
	return float64(s.ring.Buffered()) / Channels / NominalSampleRate
}

func (s *DeviceSink) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *DeviceSink) Play() error {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	return nil
}

func (s *DeviceSink) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

func (s *DeviceSink) SetVolume(v float64) {
	if v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}
	s.player.SetVolume(v)
}

func (s *DeviceSink) Ready() <-chan struct{}    { return s.readyCh }
func (s *DeviceSink) Underrun() <-chan struct{} { return s.underrun }
func (s *DeviceSink) Fill() float64             { return s.ring.Fill() }

func (s *DeviceSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.player.Close()
	return s.pw.Close()
}
