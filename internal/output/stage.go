package output

// Stage is the contract both output-sink implementations satisfy (spec.md
// §4.3): accept float segments, render continuously, report position, and
// signal ready/underrun. This is the explicit-interface replacement for
// the source's duck-typed audio-element proxy (spec.md §9) — typed
// methods, no reflection, no dynamically installed properties.
type Stage interface {
	// Enqueue hands a decoded float segment to the sink for playback.
	Enqueue(samples []float32) error

	// Position returns the software clock's current value in seconds.
	Position() float64

	// BufferDelay returns seconds of audio queued ahead of Position.
	BufferDelay() float64

	// Paused reports whether rendering is currently stopped.
	Paused() bool

	// Play resumes rendering. May fail (spec.md §4.4 play-retry).
	Play() error

	// Pause stops rendering without discarding queued audio.
	Pause()

	// SetVolume sets playback gain in [0, 1].
	SetVolume(v float64)

	// Ready fires exactly once, when enough audio has buffered to start
	// rendering without immediate starvation.
	Ready() <-chan struct{}

	// Underrun fires each time a render callback starves after Ready has
	// already fired once.
	Underrun() <-chan struct{}

	// Fill returns the current buffer fill fraction in [0,1], used by the
	// pump for backpressure.
	Fill() float64

	// Close tears the sink down. Idempotent.
	Close() error
}

const (
	// BackpressureHighWatermark is the fill fraction above which the pump
	// pauses feeding the sink (spec.md §4.2).
	BackpressureHighWatermark = 0.75
	// BackpressureLowWatermark is the fill fraction the pump waits for
	// before resuming (spec.md §4.2).
	BackpressureLowWatermark = 0.50
	// ReadySeconds is how many seconds must be buffered before a sink
	// fires Ready (spec.md §4.3: "ready signal when >=3s are buffered").
	ReadySeconds = 3.0
	// ReadyFillFraction is ReadySeconds expressed as a fraction of
	// CapacitySeconds, the unit Fill() reports in.
	ReadyFillFraction = ReadySeconds / CapacitySeconds
)
