package output

import (
	"math"
	"sync/atomic"
)

// NominalSampleRate is the PCM stream's nominal rate (spec.md §6): the
// pump always produces segments at this rate regardless of what the
// output device's true sample rate turns out to be.
const NominalSampleRate = 44100.0

// Channels is the fixed stereo interleaving of the PCM stream.
const Channels = 2

// Clock is the authoritative monotonic playback position, derived from
// frames the output stage has actually rendered divided by the device's
// true sample rate (spec.md §3, §4.3). It never decreases except across
// an explicit Reset (teardown).
type Clock struct {
	samplesPlayed uint64  // atomic: interleaved samples actually rendered
	trueRate      uint64  // atomic, stored as math.Float64bits; 0 until known
}

// NewClock returns a clock preset to NominalSampleRate. (A zero-value
// Clock has rate 0 and reports position 0 until SetRate is called.)
func NewClock() *Clock {
	c := &Clock{}
	c.SetRate(NominalSampleRate)
	return c
}

// SetRate records the device's true sample rate, reported once at sink
// startup (spec.md §4.3). PCM is still consumed at NominalSampleRate and
// no resampling is performed (see SPEC_FULL.md §7). Both sinks set
// NominalSampleRate here, so no rate mismatch is detected or logged.
func (c *Clock) SetRate(rate float64) {
	atomic.StoreUint64(&c.trueRate, math.Float64bits(rate))
}

// Rate returns the device's true sample rate.
func (c *Clock) Rate() float64 {
	return math.Float64frombits(atomic.LoadUint64(&c.trueRate))
}

// Advance records that n interleaved samples have just been rendered.
func (c *Clock) Advance(n int) {
	atomic.AddUint64(&c.samplesPlayed, uint64(n))
}

// SamplesPlayed returns the running count of interleaved samples rendered.
func (c *Clock) SamplesPlayed() uint64 {
	return atomic.LoadUint64(&c.samplesPlayed)
}

// Position returns the monotonic playback position in seconds.
func (c *Clock) Position() float64 {
	rate := c.Rate()
	if rate <= 0 {
		return 0
	}
	played := float64(c.SamplesPlayed())
	return played / Channels / rate
}

// Reset zeroes the clock. Only called on an explicit teardown.
func (c *Clock) Reset() {
	atomic.StoreUint64(&c.samplesPlayed, 0)
}
