package playercore

import (
	"testing"

	"github.com/tsnotfyi/playercore/internal/callbacks"
	"github.com/tsnotfyi/playercore/internal/config"
	"github.com/tsnotfyi/playercore/internal/track"
)

func testConfig() *config.Config {
	return &config.Config{
		StreamURL:    "http://127.0.0.1:0/stream",
		EventURL:     "http://127.0.0.1:0/events",
		SnapshotURL:  "http://127.0.0.1:0/snapshot",
		RefreshURL:   "http://127.0.0.1:0/refresh",
		NextTrackURL: "http://127.0.0.1:0/next-track",
		LogLevel:     config.DefaultLogLevel,
		LogFormat:    config.DefaultLogFormat,
	}
}

func TestNewRejectsNilCallbacks(t *testing.T) {
	if _, err := New(testConfig(), nil, nil); err == nil {
		t.Fatal("New() with nil callbacks should error")
	}
}

func TestNewRejectsMissingComposeStreamEndpoint(t *testing.T) {
	cb := &callbacks.Callbacks{}
	if _, err := New(testConfig(), cb, nil); err == nil {
		t.Fatal("New() with no ComposeStreamEndpoint should error")
	}
}

func TestNewFillsCallbackDefaults(t *testing.T) {
	cb := &callbacks.Callbacks{
		ComposeStreamEndpoint: func(fp track.Fingerprint, cacheBust string) string { return "" },
	}
	e, err := New(testConfig(), cb, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if cb.OnSentinel == nil || cb.FullResync == nil || cb.ClearFingerprint == nil {
		t.Fatal("New() should fill nil callback fields with no-op defaults")
	}
	if e.ControlServer() == nil {
		t.Fatal("ControlServer() should be non-nil")
	}
	if e.Reconciler() == nil {
		t.Fatal("Reconciler() should be non-nil")
	}
}
