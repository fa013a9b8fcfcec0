// Package reconciler implements the presentation synchronisation engine
// (spec.md §4.6): the state machine that reconciles the server-sent event
// stream with what the listener actually hears, deferring visual changes
// until audio-driven boundary sentinels fire. This is the hardest
// invariant of the system — what the user sees matches what the user
// hears.
package reconciler

import (
	"log/slog"
	"sync"
	"time"

	"github.com/tsnotfyi/playercore/internal/callbacks"
	"github.com/tsnotfyi/playercore/internal/pcm"
	"github.com/tsnotfyi/playercore/internal/track"
)

// FallbackDelay is the base heartbeat track-change fallback (spec.md
// §4.6). ArmFallback extends it to max(FallbackDelay, bufferDelay+Slack)
// per the Open Question resolution in spec.md §9 / SPEC_FULL §7. A var,
// not a const, so tests can shrink it instead of sleeping 8 real seconds.
var FallbackDelay = 8 * time.Second

// FallbackSlack is added to the current buffer-delay; the fallback waits
// for whichever is longer, FallbackDelay or buffer-delay plus
// FallbackSlack, so it never preempts the canonical sentinel path on long
// buffer fills. A var for the same reason as FallbackDelay.
var FallbackSlack = 1 * time.Second

// DriftThreshold is the maximum tolerated gap between audio-elapsed and
// visual-elapsed before a resync is pushed (spec.md §4.6, invariant 5).
const DriftThreshold = 1250 * time.Millisecond

// MaxPresentationDelay caps how long the reconciler will wait after a
// track-boundary sentinel before applying the transition, guarding
// against a pathologically large reported buffer-delay.
var MaxPresentationDelay = 12 * time.Second

// LateTrackThreshold is the visual-progress fraction beyond which a
// changed nextTrack proposal is adopted immediately instead of deferred
// (spec.md §4.6 "defer the new nextTrack until late in the track").
const LateTrackThreshold = 0.85

// SnapshotForceApplyTimeout is how long an ahead-of-heartbeat snapshot
// is held pending heartbeat confirmation before being force-applied
// anyway (spec.md §4.6).
var SnapshotForceApplyTimeout = 3 * time.Second

// Heartbeat is the subset of an eventchannel heartbeat message the
// reconciler acts on.
type Heartbeat struct {
	CurrentTrack track.Track
	NextTrack    *track.Track
	ElapsedMs    int64
	DriftState   string
}

// SnapshotFetcher requests a fresh explorer snapshot for trackID. Errors
// are logged by the reconciler; a failed fetch simply leaves the stale
// snapshot in place.
type SnapshotFetcher interface {
	FetchSnapshot(trackID string) (track.Snapshot, error)
}

// Reconciler owns the single source of truth for what the presentation
// layer should currently show. Calls arrive from several goroutines (the
// event-channel reader, the session controller's event loop, snapshot
// fetches, and the reconciler's own time.AfterFunc timers), so a mutex
// guards all of its state.
type Reconciler struct {
	cb     *callbacks.Callbacks
	fetch  SnapshotFetcher
	logger *slog.Logger

	mu sync.Mutex

	latestCurrentTrack track.Track
	haveCurrentTrack   bool
	serverNextTrack    *track.Track
	pendingManualTrack string

	snapshot       track.Snapshot
	backupSnapshot *track.Snapshot
	pendingNext    *track.Track // deferred nextTrack, adopted late in the track

	pendingHeartbeatTarget *track.Track
	fallbackTimer          *time.Timer
	sentinelTimer          *time.Timer
	snapshotForceTimer     *time.Timer
	pendingSnapshot        *track.Snapshot

	lastBufferDelay    time.Duration
	progressStartedAt  time.Time
	progressStartPos   float64
	visualProgressFrac float64

	closed bool
}

// New builds a Reconciler. cb must be fully populated; fetch may be nil
// if the host never needs fresh snapshots (tests).
func New(cb *callbacks.Callbacks, fetch SnapshotFetcher, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{cb: cb, fetch: fetch, logger: logger}
}

// UpdateBufferDelay records the output stage's most recent buffer-delay
// reading, used to size the heartbeat fallback timer.
func (r *Reconciler) UpdateBufferDelay(d time.Duration) {
	r.mu.Lock()
	r.lastBufferDelay = d
	r.mu.Unlock()
}

// SetManualOverride records a user-selected next track, which wins over
// any server proposal until the current track changes.
func (r *Reconciler) SetManualOverride(trackID string) {
	r.mu.Lock()
	r.pendingManualTrack = trackID
	r.mu.Unlock()
}

// CurrentTrack returns the track the reconciler currently treats as
// playing.
func (r *Reconciler) CurrentTrack() track.Track {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latestCurrentTrack
}

// NextTrackSelection returns the identifier the presentation layer should
// treat as "up next": the manual override if one is pending, otherwise
// the server's proposed next track.
func (r *Reconciler) NextTrackSelection() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pendingManualTrack != "" {
		return r.pendingManualTrack
	}
	if r.serverNextTrack != nil {
		return r.serverNextTrack.Identifier
	}
	return ""
}

// OnHeartbeat processes a heartbeat message (spec.md §4.6).
func (r *Reconciler) OnHeartbeat(hb Heartbeat, audioPositionSecs float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.updateProgressFraction(hb)

	if hb.NextTrack != nil && hb.NextTrack.Identifier == hb.CurrentTrack.Identifier {
		hb.NextTrack = nil // server-bug guard
	}

	if !r.haveCurrentTrack {
		r.applyTrackChangeLocked(hb.CurrentTrack, "first-track")
		r.adoptNextTrackLocked(hb.NextTrack)
		return
	}

	if hb.CurrentTrack.Identifier == r.latestCurrentTrack.Identifier {
		r.adoptNextTrackLocked(hb.NextTrack)
		r.checkDriftLocked(audioPositionSecs, hb)
		return
	}

	// Track change observed by heartbeat: do not update the card yet.
	// The canonical path is the sentinel callback; arm a fallback in
	// case it never arrives.
	target := hb.CurrentTrack
	r.pendingHeartbeatTarget = &target
	r.armFallbackLocked()
}

func (r *Reconciler) updateProgressFraction(hb Heartbeat) {
	if !r.haveCurrentTrack || r.latestCurrentTrack.DurationMs <= 0 {
		return
	}
	r.visualProgressFrac = float64(hb.ElapsedMs) / float64(r.latestCurrentTrack.DurationMs)
}

func (r *Reconciler) adoptNextTrackLocked(next *track.Track) {
	if next == nil {
		return
	}
	if r.pendingManualTrack != "" {
		if next.Identifier == r.pendingManualTrack {
			r.pendingManualTrack = ""
		}
		return // manual override still wins
	}
	if r.visualProgressFrac < LateTrackThreshold && r.serverNextTrack != nil &&
		r.serverNextTrack.Identifier != next.Identifier {
		r.pendingNext = next
		return
	}
	r.serverNextTrack = next
}

func (r *Reconciler) checkDriftLocked(audioPositionSecs float64, hb Heartbeat) {
	if r.progressStartedAt.IsZero() {
		return
	}
	visualElapsed := time.Since(r.progressStartedAt).Seconds() + r.progressStartPos
	drift := audioPositionSecs - visualElapsed
	if drift < 0 {
		drift = -drift
	}
	if drift > DriftThreshold.Seconds() {
		r.logger.Info("reconciler: drift resync", "drift_secs", drift)
		r.restartProgressLocked(audioPositionSecs, "drift-resync")
	}
}

func (r *Reconciler) armFallbackLocked() {
	delay := FallbackDelay
	if r.lastBufferDelay+FallbackSlack > delay {
		delay = r.lastBufferDelay + FallbackSlack
	}
	if r.fallbackTimer != nil {
		r.fallbackTimer.Stop()
	}
	r.fallbackTimer = time.AfterFunc(delay, r.onFallbackFired)
}

func (r *Reconciler) onFallbackFired() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.pendingHeartbeatTarget == nil {
		return
	}
	if r.pendingHeartbeatTarget.Identifier == r.latestCurrentTrack.Identifier {
		return // sentinel already applied it
	}
	target := *r.pendingHeartbeatTarget
	r.pendingHeartbeatTarget = nil
	r.applyTrackChangeLocked(target, "heartbeat-fallback")
	r.requestSnapshotLocked(target.Identifier)
}

// OnSentinel processes a PCM sentinel event with the buffer-delay
// measured when it fired (spec.md §4.6).
func (r *Reconciler) OnSentinel(kind pcm.Sentinel, bufferDelaySecs float64) {
	if r.cb.OnSentinel != nil {
		r.cb.OnSentinel(kind.String(), callbacks.SentinelInfo{BufferDelaySecs: bufferDelaySecs})
	}
	if kind != pcm.TrackBoundary {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delay := time.Duration(bufferDelaySecs * float64(time.Second))
	if delay > MaxPresentationDelay {
		delay = MaxPresentationDelay
	}
	if r.sentinelTimer != nil {
		r.sentinelTimer.Stop()
	}
	r.sentinelTimer = time.AfterFunc(delay, r.onSentinelFired)
}

func (r *Reconciler) onSentinelFired() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if r.fallbackTimer != nil {
		r.fallbackTimer.Stop()
	}

	var next track.Track
	switch {
	case r.pendingHeartbeatTarget != nil:
		next = *r.pendingHeartbeatTarget
		r.pendingHeartbeatTarget = nil
	case r.serverNextTrack != nil:
		next = *r.serverNextTrack
	default:
		return // nothing known to advance to
	}

	r.applyTrackChangeLocked(next, "sentinel")
	r.requestSnapshotLocked(next.Identifier)
}

func (r *Reconciler) applyTrackChangeLocked(next track.Track, reason string) {
	if r.serverNextTrack != nil && r.serverNextTrack.Identifier == next.Identifier {
		r.serverNextTrack = r.pendingNext
		r.pendingNext = nil
	}
	r.pendingManualTrack = "" // unconditionally cleared on track change

	r.latestCurrentTrack = next
	r.haveCurrentTrack = true
	r.visualProgressFrac = 0

	if r.cb.ClearPendingProgressStart != nil {
		r.cb.ClearPendingProgressStart()
	}
	r.restartProgressLocked(0, reason)
	r.logger.Debug("reconciler: track change applied", "track", next.Identifier, "reason", reason)
}

func (r *Reconciler) restartProgressLocked(startPositionSecs float64, reason string) {
	r.progressStartedAt = time.Now()
	r.progressStartPos = startPositionSecs
	if r.cb.StartProgressAnimationFromPosition != nil {
		durationSecs := float64(r.latestCurrentTrack.DurationMs) / 1000.0
		r.cb.StartProgressAnimationFromPosition(durationSecs, startPositionSecs, callbacks.ProgressStartOptions{Reason: reason})
	}
}

func (r *Reconciler) requestSnapshotLocked(trackID string) {
	if r.fetch == nil {
		return
	}
	go func() {
		snap, err := r.fetch.FetchSnapshot(trackID)
		if err != nil {
			r.logger.Warn("reconciler: snapshot fetch failed", "error", err, "track", trackID)
			return
		}
		r.OnSnapshot(snap)
	}()
}

// OnSnapshot processes a freshly fetched explorer snapshot (spec.md
// §4.6).
func (r *Reconciler) OnSnapshot(snap track.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	ahead := snap.CurrentTrack.Identifier != r.latestCurrentTrack.Identifier &&
		(r.pendingHeartbeatTarget == nil || snap.CurrentTrack.Identifier != r.pendingHeartbeatTarget.Identifier)

	if ahead {
		pending := snap
		r.pendingSnapshot = &pending
		if r.snapshotForceTimer != nil {
			r.snapshotForceTimer.Stop()
		}
		r.snapshotForceTimer = time.AfterFunc(SnapshotForceApplyTimeout, r.onSnapshotForceApply)
		return
	}

	r.adoptSnapshotLocked(snap)
}

func (r *Reconciler) onSnapshotForceApply() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.pendingSnapshot == nil {
		return
	}
	snap := *r.pendingSnapshot
	r.pendingSnapshot = nil
	r.adoptSnapshotLocked(snap)
}

func (r *Reconciler) adoptSnapshotLocked(snap track.Snapshot) {
	r.snapshot = snap
	backup := snap.Clone()
	r.backupSnapshot = &backup
	r.adoptNextTrackLocked(snap.NextTrack)
}

// Snapshot returns the most recently accepted snapshot.
func (r *Reconciler) Snapshot() track.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot
}

// FullResync invokes the host's FullResync callback (spec.md §4.6
// server-bug guard: steady-state currentTrack mismatch with no recent
// sentinel). It does not clear the reconciler's own track/snapshot
// state; that changes only through later heartbeats, sentinels and
// snapshots.
func (r *Reconciler) FullResync() {
	if r.cb.FullResync != nil {
		r.cb.FullResync()
	}
}

// Close cancels every timer the reconciler owns. Idempotent.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, t := range []*time.Timer{r.fallbackTimer, r.sentinelTimer, r.snapshotForceTimer} {
		if t != nil {
			t.Stop()
		}
	}
}
