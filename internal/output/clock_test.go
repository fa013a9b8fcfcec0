package output

import "testing"

func TestClockPositionAdvancesWithRate(t *testing.T) {
	c := NewClock()
	c.SetRate(44100)
	c.Advance(44100 * Channels) // one second of stereo samples

	got := c.Position()
	if got < 0.999 || got > 1.001 {
		t.Fatalf("Position() = %v, want ~1.0", got)
	}
}

func TestClockPositionZeroBeforeRateKnown(t *testing.T) {
	c := &Clock{}
	c.Advance(1000)
	if got := c.Position(); got != 0 {
		t.Fatalf("Position() = %v, want 0 with unknown rate", got)
	}
}

func TestClockResetZeroesPosition(t *testing.T) {
	c := NewClock()
	c.Advance(44100 * Channels)
	c.Reset()
	if got := c.Position(); got != 0 {
		t.Fatalf("Position() after Reset = %v, want 0", got)
	}
}

func TestClockMonotonicNonDecreasing(t *testing.T) {
	c := NewClock()
	prev := c.Position()
	for i := 0; i < 5; i++ {
		c.Advance(4410 * Channels)
		cur := c.Position()
		if cur < prev {
			t.Fatalf("Position decreased: %v -> %v", prev, cur)
		}
		prev = cur
	}
}
