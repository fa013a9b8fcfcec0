package reconciler

import (
	"sync"
	"testing"
	"time"

	"github.com/tsnotfyi/playercore/internal/callbacks"
	"github.com/tsnotfyi/playercore/internal/pcm"
	"github.com/tsnotfyi/playercore/internal/track"
)

type recordedCall struct {
	name string
	args []any
}

type capture struct {
	mu    sync.Mutex
	calls []recordedCall
}

func (c *capture) record(name string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, recordedCall{name: name, args: args})
}

func (c *capture) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if call.name == name {
			n++
		}
	}
	return n
}

func (c *capture) last(name string) recordedCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.calls) - 1; i >= 0; i-- {
		if c.calls[i].name == name {
			return c.calls[i]
		}
	}
	return recordedCall{}
}

func newTestCallbacks(cap *capture) *callbacks.Callbacks {
	return &callbacks.Callbacks{
		ConnectEventChannel: func(fp track.Fingerprint) { cap.record("ConnectEventChannel", fp) },
		StartProgressAnimationFromPosition: func(duration, start float64, opts callbacks.ProgressStartOptions) {
			cap.record("StartProgress", duration, start, opts.Reason)
		},
		ClearPendingProgressStart: func() { cap.record("ClearPendingProgressStart") },
		VerifyExistingSessionOrRestart: func(reason string, opts callbacks.VerifyOptions) {
			cap.record("VerifyExistingSessionOrRestart", reason)
		},
		CreateNewJourneySession: func(reason string) { cap.record("CreateNewJourneySession", reason) },
		ClearFingerprint:        func(reason string) { cap.record("ClearFingerprint", reason) },
		ComposeStreamEndpoint: func(fp track.Fingerprint, cacheBust string) string {
			cap.record("ComposeStreamEndpoint", fp, cacheBust)
			return ""
		},
		FullResync: func() { cap.record("FullResync") },
		OnSentinel: func(kind string, info callbacks.SentinelInfo) {
			cap.record("OnSentinel", kind, info.BufferDelaySecs)
		},
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// S3 — Track change via sentinel.
func TestSentinelAppliesTrackChangeAfterBufferDelay(t *testing.T) {
	cap := &capture{}
	r := New(newTestCallbacks(cap), nil, nil)
	defer r.Close()

	trackA := track.Track{Identifier: "A", DurationMs: 180000}
	trackB := track.Track{Identifier: "B", DurationMs: 200000}

	r.OnHeartbeat(Heartbeat{CurrentTrack: trackA, NextTrack: &trackB}, 0)
	if r.CurrentTrack().Identifier != "A" {
		t.Fatalf("CurrentTrack = %v, want A (first track applies immediately)", r.CurrentTrack())
	}

	r.OnSentinel(pcm.TrackBoundary, 0.05) // short delay so the test is fast

	waitFor(t, time.Second, func() bool { return r.CurrentTrack().Identifier == "B" })

	if cap.count("OnSentinel") == 0 {
		t.Fatal("OnSentinel callback never invoked")
	}
}

// S4 — Heartbeat fallback.
func TestHeartbeatFallbackFiresWithoutSentinel(t *testing.T) {
	orig, origSlack := FallbackDelay, FallbackSlack
	FallbackDelay = 50 * time.Millisecond
	FallbackSlack = 10 * time.Millisecond
	defer func() { FallbackDelay, FallbackSlack = orig, origSlack }()

	cap := &capture{}
	r := New(newTestCallbacks(cap), nil, nil)
	defer r.Close()

	trackA := track.Track{Identifier: "A", DurationMs: 180000}
	trackB := track.Track{Identifier: "B", DurationMs: 200000}

	r.OnHeartbeat(Heartbeat{CurrentTrack: trackA}, 0)
	r.OnHeartbeat(Heartbeat{CurrentTrack: trackB}, 0) // heartbeat-observed change, no sentinel

	if r.CurrentTrack().Identifier != "A" {
		t.Fatalf("CurrentTrack = %v, want still A immediately after heartbeat change", r.CurrentTrack())
	}

	waitFor(t, time.Second, func() bool { return r.CurrentTrack().Identifier == "B" })

	last := cap.last("StartProgress")
	if len(last.args) < 3 || last.args[2] != "heartbeat-fallback" {
		t.Fatalf("last StartProgress reason = %v, want heartbeat-fallback", last.args)
	}
}

// S5 — Manual override survives heartbeat, loses to track change.
func TestManualOverrideSurvivesHeartbeatLosesToTrackChange(t *testing.T) {
	orig, origSlack := FallbackDelay, FallbackSlack
	FallbackDelay = 50 * time.Millisecond
	FallbackSlack = 10 * time.Millisecond
	defer func() { FallbackDelay, FallbackSlack = orig, origSlack }()

	cap := &capture{}
	r := New(newTestCallbacks(cap), nil, nil)
	defer r.Close()

	trackA := track.Track{Identifier: "A", DurationMs: 180000}
	r.OnHeartbeat(Heartbeat{CurrentTrack: trackA}, 0)

	r.SetManualOverride("X")
	if r.NextTrackSelection() != "X" {
		t.Fatalf("NextTrackSelection() = %q, want X", r.NextTrackSelection())
	}

	trackY := track.Track{Identifier: "Y", DurationMs: 210000}
	r.OnHeartbeat(Heartbeat{CurrentTrack: trackA, NextTrack: &trackY}, 0)
	if r.NextTrackSelection() != "X" {
		t.Fatalf("NextTrackSelection() = %q, want X to survive heartbeat proposing Y", r.NextTrackSelection())
	}

	// Current track changes: a heartbeat reports B and, with no sentinel,
	// the shortened heartbeat fallback applies it.
	trackB := track.Track{Identifier: "B", DurationMs: 190000}
	r.OnHeartbeat(Heartbeat{CurrentTrack: trackB}, 0)

	waitFor(t, time.Second, func() bool { return r.CurrentTrack().Identifier == "B" })

	r.mu.Lock()
	override := r.pendingManualTrack
	r.mu.Unlock()
	if override != "" {
		t.Fatalf("pendingManualTrack = %q, want cleared unconditionally on track change", override)
	}
}

// Invariant 5 — drift beyond 1.25s triggers exactly one resync; steady
// state triggers none.
func TestDriftResyncThreshold(t *testing.T) {
	cap := &capture{}
	r := New(newTestCallbacks(cap), nil, nil)
	defer r.Close()

	trackA := track.Track{Identifier: "A", DurationMs: 180000}
	r.OnHeartbeat(Heartbeat{CurrentTrack: trackA}, 0)
	startCount := cap.count("StartProgress")

	// No drift: audio position tracks wall-clock closely.
	r.OnHeartbeat(Heartbeat{CurrentTrack: trackA, ElapsedMs: 100}, 0.1)
	if cap.count("StartProgress") != startCount {
		t.Fatalf("StartProgress called %d times, want %d (no drift expected)", cap.count("StartProgress"), startCount)
	}

	// Simulate drift by reporting an audio position far from wall-clock
	// elapsed since the progress animation started.
	r.OnHeartbeat(Heartbeat{CurrentTrack: trackA, ElapsedMs: 100}, 5.0)
	if cap.count("StartProgress") != startCount+1 {
		t.Fatalf("StartProgress called %d times, want %d (one drift resync)", cap.count("StartProgress"), startCount+1)
	}
}
