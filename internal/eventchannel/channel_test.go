package eventchannel

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestChannelParsesConnectedAndHeartbeat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)
		fmt.Fprintln(w, `{"type":"connected","sessionId":"s1","fingerprint":"fp1"}`)
		flusher.Flush()
		fmt.Fprintln(w, `{"type":"heartbeat","currentTrack":{"identifier":"t1","title":"One"}}`)
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ch := New(srv.URL, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)

	var got []Message
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case m := <-ch.Messages():
			got = append(got, m)
		case <-timeout:
			t.Fatalf("timed out, got %d messages", len(got))
		}
	}

	if got[0].Type != TypeConnected || got[0].Fingerprint != "fp1" {
		t.Fatalf("first message = %+v, want connected/fp1", got[0])
	}
	if ch.currentFingerprint() != "fp1" {
		t.Fatalf("fingerprint = %q, want fp1 (bound from connected message)", ch.currentFingerprint())
	}
	if got[1].Type != TypeHeartbeat || got[1].CurrentTrack == nil || got[1].CurrentTrack.Identifier != "t1" {
		t.Fatalf("second message = %+v, want heartbeat/t1", got[1])
	}
}

type fakeRebroadcaster struct {
	acked string
	err   error
}

func (f *fakeRebroadcaster) RequestRebroadcast(ctx context.Context, fingerprint string) (string, error) {
	return f.acked, f.err
}

func TestChannelForceReconnect(t *testing.T) {
	connects := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		connects++
		flusher, _ := w.(http.Flusher)
		fmt.Fprintln(w, `{"type":"connected","fingerprint":"fp1"}`)
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ch := New(srv.URL, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)

	select {
	case <-ch.Messages():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first connect")
	}

	ch.ForceReconnect()

	deadline := time.Now().Add(2 * time.Second)
	for connects < 2 && time.Now().Before(deadline) {
		select {
		case <-ch.Messages():
		case <-time.After(50 * time.Millisecond):
		}
	}
	if connects < 2 {
		t.Fatalf("connects = %d, want at least 2 after ForceReconnect", connects)
	}
}
