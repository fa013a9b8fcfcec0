package health

import (
	"log/slog"
	"sync"
	"time"
)

// Default window lengths and thresholds. Neither is specified numerically
// by the source beyond "reaching the kind's threshold triggers a
// rebuild"; these follow the same order of magnitude as the stall/dead
// detection thresholds spec.md §7 does specify (12s stall, 8s stuck
// progress), so three stalls inside a minute or two dead events inside
// five minutes are judged a structural failure rather than a transient
// blip.
const (
	DefaultStallWindow    = 60 * time.Second
	DefaultStallThreshold = 3

	DefaultDeadWindow    = 5 * time.Minute
	DefaultDeadThreshold = 2

	// StallTimeout is how long without a position report before a stall
	// is suspected (spec.md §7).
	StallTimeout = 12 * time.Second
	// StuckProgressTimeout is how long buffer-delay can stay positive
	// while position fails to advance before it counts as a stall.
	StuckProgressTimeout = 8 * time.Second
)

// Monitor owns the stall and dead instability windows and reports when
// either has reached threshold, meaning the pipeline should be rebuilt.
type Monitor struct {
	mu     sync.Mutex
	stall  *Window
	dead   *Window
	logger *slog.Logger
}

// NewMonitor builds a Monitor with the default window parameters.
func NewMonitor(logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		stall:  NewWindow(Stall, DefaultStallWindow, DefaultStallThreshold),
		dead:   NewWindow(Dead, DefaultDeadWindow, DefaultDeadThreshold),
		logger: logger,
	}
}

// RecordStall appends a stall event and reports whether the stall window
// just reached threshold.
func (m *Monitor) RecordStall(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	triggered := m.stall.Record(now)
	m.logger.Warn("instability recorded", "kind", Stall.String(), "window_len", m.stall.Len(), "triggered", triggered)
	return triggered
}

// RecordDead appends a dead event and reports whether the dead window
// just reached threshold.
func (m *Monitor) RecordDead(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	triggered := m.dead.Record(now)
	m.logger.Error("instability recorded", "kind", Dead.String(), "window_len", m.dead.Len(), "triggered", triggered)
	return triggered
}

// Reset empties both windows, used after a successful rebuild.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stall.Reset()
	m.dead.Reset()
}
