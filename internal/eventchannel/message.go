package eventchannel

import "github.com/tsnotfyi/playercore/internal/track"

// Message is the newline-delimited JSON record shape sent over the event
// channel, discriminated by Type (spec.md §4.5, §6), mirroring the
// teacher's flat tagged-struct style (livekit-client-2/types.go's
// Command/Event).
type Message struct {
	Type string `json:"type"`

	// connected
	SessionID   string `json:"sessionId,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`

	// heartbeat
	CurrentTrack *track.Track     `json:"currentTrack,omitempty"`
	NextTrack    *NextTrackHint   `json:"nextTrack,omitempty"`
	Override     *OverrideState   `json:"override,omitempty"`
	DriftState   string           `json:"driftState,omitempty"`
	Timing       *HeartbeatTiming `json:"timing,omitempty"`

	// selection_ack / selection_ready / selection_failed
	TrackMd5 string `json:"trackMd5,omitempty"`
	Reason   string `json:"reason,omitempty"`

	// error
	Error string `json:"error,omitempty"`
}

// NextTrackHint is the heartbeat's proposed next track.
type NextTrackHint struct {
	Track        *track.Track `json:"track,omitempty"`
	Direction    string       `json:"direction,omitempty"`
	DirectionKey string       `json:"directionKey,omitempty"`
}

// OverrideState reflects the server's view of an in-flight manual
// override, if any.
type OverrideState struct {
	TrackMd5 string `json:"trackMd5,omitempty"`
}

// HeartbeatTiming carries the server's elapsed-time advisory.
type HeartbeatTiming struct {
	ElapsedMs int64 `json:"elapsedMs"`
}

// Known message types (spec.md §4.5).
const (
	TypeConnected       = "connected"
	TypeHeartbeat       = "heartbeat"
	TypeSelectionAck     = "selection_ack"
	TypeSelectionReady   = "selection_ready"
	TypeSelectionFailed  = "selection_failed"
	TypeError            = "error"

	// Ignored, deprecated: snapshots arrive via HTTP request/response.
	TypeExplorerSnapshot = "explorer_snapshot"
)

// ErrorReasonFingerprintNotFound is the error-type reason that must
// escalate to a new session rather than a simple reconnect.
const ErrorReasonFingerprintNotFound = "fingerprint_not_found"
