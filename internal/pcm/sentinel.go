// Package pcm decodes raw interleaved little-endian 16-bit PCM into
// normalized float samples and classifies the inline sentinel patterns the
// server embeds at track and crossfade boundaries.
package pcm

// Sentinel identifies an inline PCM marker pattern.
type Sentinel int

const (
	// TrackBoundary marks the handoff between one track and the next.
	TrackBoundary Sentinel = iota
	// CrossfadeStart marks the beginning of a crossfade between tracks.
	CrossfadeStart
	// CrossfadeEnd marks the end of a crossfade.
	CrossfadeEnd
)

func (s Sentinel) String() string {
	switch s {
	case TrackBoundary:
		return "track-boundary"
	case CrossfadeStart:
		return "crossfade-start"
	case CrossfadeEnd:
		return "crossfade-end"
	default:
		return "unknown-sentinel"
	}
}

const (
	maxInt16 int16 = 32767  // +MAX, 0x7FFF
	minInt16 int16 = -32768 // -MAX, 0x8000
)

// patterns holds the three recognised 8-sample sentinel runs, each built
// from only the two extreme Int16 values.
var patterns = map[Sentinel][8]int16{
	TrackBoundary: {
		maxInt16, maxInt16, maxInt16, maxInt16,
		minInt16, minInt16, minInt16, minInt16,
	},
	CrossfadeStart: {
		maxInt16, minInt16, maxInt16, minInt16,
		maxInt16, minInt16, maxInt16, minInt16,
	},
	CrossfadeEnd: {
		minInt16, maxInt16, minInt16, maxInt16,
		minInt16, maxInt16, minInt16, maxInt16,
	},
}

// classify matches an 8-value run against the known sentinel patterns.
// run must have exactly 8 elements, each one of maxInt16/minInt16.
func classify(run []int16) (Sentinel, bool) {
	for sentinel, pattern := range patterns {
		if matchesPattern(run, pattern) {
			return sentinel, true
		}
	}
	return 0, false
}

func matchesPattern(run []int16, pattern [8]int16) bool {
	for i, v := range pattern {
		if run[i] != v {
			return false
		}
	}
	return true
}

func isCandidate(v int16) bool {
	return v == maxInt16 || v == minInt16
}
