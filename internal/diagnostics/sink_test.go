package diagnostics

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestSinkDisabledWithoutURL(t *testing.T) {
	s := NewSink(Options{})
	if s.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("Enabled() = true with no URL configured")
	}
}

func TestSinkFlushesBatchToEndpoint(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch []entry
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			t.Errorf("decode batch: %v", err)
		}
		received.Add(int32(len(batch)))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewSink(Options{URL: srv.URL, BatchSize: 2, FlushInterval: time.Hour})
	defer s.Close()

	logger := slog.New(s)
	logger.Info("first")
	logger.Info("second") // reaches batch size, triggers flush

	deadline := time.Now().Add(2 * time.Second)
	for received.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := received.Load(); got != 2 {
		t.Fatalf("received %d entries, want 2", got)
	}
}

func TestSinkWithGroupPrefixesAttrKeys(t *testing.T) {
	gotAttrs := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch []entry
		json.NewDecoder(r.Body).Decode(&batch)
		if len(batch) > 0 {
			gotAttrs <- batch[0].Attrs
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewSink(Options{URL: srv.URL, BatchSize: 1, FlushInterval: time.Hour})
	defer s.Close()

	logger := slog.New(s).WithGroup("pump").With("segments", 3)
	logger.Warn("backpressure")

	select {
	case attrs := <-gotAttrs:
		if attrs["pump.segments"] != float64(3) {
			t.Fatalf("attrs = %v, want pump.segments=3", attrs)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for shipped entry")
	}
}

func TestSinkWithAttrsIncludedInEntry(t *testing.T) {
	gotAttrs := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch []entry
		json.NewDecoder(r.Body).Decode(&batch)
		if len(batch) > 0 {
			gotAttrs <- batch[0].Attrs
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewSink(Options{URL: srv.URL, BatchSize: 1, FlushInterval: time.Hour})
	defer s.Close()

	logger := slog.New(s).With("session", "abc123")
	logger.Warn("degraded")

	select {
	case attrs := <-gotAttrs:
		if attrs["session"] != "abc123" {
			t.Fatalf("attrs = %v, want session=abc123", attrs)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for shipped entry")
	}
}
