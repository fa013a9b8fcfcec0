package control

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestServerSendsConnectedEventOnAttach(t *testing.T) {
	s := New(Handlers{SetManualOverride: func(string, string) {}, SetVolume: func(float64) {}}, nil)
	srv := httptest.NewServer(s)
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if ev.Type != "connected" {
		t.Fatalf("ev.Type = %q, want connected", ev.Type)
	}
}

func TestSetNextTrackCommandInvokesHandler(t *testing.T) {
	var mu sync.Mutex
	var gotTrackID string
	done := make(chan struct{})

	s := New(Handlers{
		SetManualOverride: func(trackID, direction string) {
			mu.Lock()
			gotTrackID = trackID
			mu.Unlock()
			close(done)
		},
		SetVolume: func(float64) {},
	}, nil)
	srv := httptest.NewServer(s)
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var connected Event
	conn.ReadJSON(&connected)

	if err := conn.WriteJSON(Command{Action: "set_next_track", TrackID: "track-7"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SetManualOverride handler never invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotTrackID != "track-7" {
		t.Fatalf("trackID = %q, want track-7", gotTrackID)
	}
}

func TestBroadcastDeliversPacedEvent(t *testing.T) {
	s := New(Handlers{SetManualOverride: func(string, string) {}, SetVolume: func(float64) {}}, nil)
	srv := httptest.NewServer(s)
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var connected Event
	conn.ReadJSON(&connected)

	// Give the server a moment to register the client before broadcasting.
	time.Sleep(20 * time.Millisecond)
	s.Broadcast(Event{Type: "sentinel", Kind: "track_boundary", BufferDelaySecs: 0.3})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if ev.Type != "sentinel" || ev.Kind != "track_boundary" {
		t.Fatalf("ev = %+v, want sentinel/track_boundary", ev)
	}
}

func TestUnknownCommandReturnsError(t *testing.T) {
	s := New(Handlers{SetManualOverride: func(string, string) {}, SetVolume: func(float64) {}}, nil)
	srv := httptest.NewServer(s)
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var connected Event
	conn.ReadJSON(&connected)

	if err := conn.WriteJSON(Command{Action: "nonsense"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if ev.Type != "error" {
		t.Fatalf("ev.Type = %q, want error", ev.Type)
	}
}
