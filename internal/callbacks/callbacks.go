// Package callbacks defines the minimal external callback surface the
// player core invokes into the host presentation layer (spec.md §6, §9
// design note "dynamic callback registration"). It is a plain struct of
// function fields injected once at construction, replacing the source's
// mutable callback bag with a linear, constructor-time dependency graph.
package callbacks

import "github.com/tsnotfyi/playercore/internal/track"

// ProgressStartOptions carries the optional fields
// startProgressAnimationFromPosition accepts alongside duration/position.
type ProgressStartOptions struct {
	Reason string
}

// VerifyOptions carries the optional fields verifyExistingSessionOrRestart
// accepts.
type VerifyOptions struct {
	Reason string
}

// SentinelInfo is delivered to OnSentinel alongside the sentinel kind:
// the buffer-delay measured at the moment it fired.
type SentinelInfo struct {
	BufferDelaySecs float64
}

// Callbacks is the complete external surface. playercore.New requires
// ComposeStreamEndpoint and fills every other nil field with a no-op;
// session and reconciler skip a nil field rather than failing.
type Callbacks struct {
	// ConnectEventChannel is invoked once the session has a fingerprint
	// to bind the event channel's subscription to.
	ConnectEventChannel func(fingerprint track.Fingerprint)

	// StartProgressAnimationFromPosition (re)starts the now-playing
	// progress bar at startPositionSecs within a track of durationSecs.
	StartProgressAnimationFromPosition func(durationSecs, startPositionSecs float64, opts ProgressStartOptions)

	// ClearPendingProgressStart cancels any deferred progress-animation
	// start armed by a track-change timer.
	ClearPendingProgressStart func()

	// VerifyExistingSessionOrRestart asks the host to confirm the
	// current session is still valid, or restart it.
	VerifyExistingSessionOrRestart func(reason string, opts VerifyOptions)

	// CreateNewJourneySession abandons the current fingerprint and
	// begins a fresh session.
	CreateNewJourneySession func(reason string)

	// ClearFingerprint drops the bound fingerprint, e.g. after the
	// server reports fingerprint_not_found.
	ClearFingerprint func(reason string)

	// ComposeStreamEndpoint builds the audio stream URL for fingerprint,
	// busting any cache with cacheBust.
	ComposeStreamEndpoint func(fingerprint track.Fingerprint, cacheBust string) string

	// FullResync forces the reconciler back to a known-good state from
	// the server's current snapshot (spec.md §4.6 server-bug guard).
	FullResync func()

	// OnSentinel is invoked once per confirmed PCM sentinel.
	OnSentinel func(kind string, info SentinelInfo)
}
