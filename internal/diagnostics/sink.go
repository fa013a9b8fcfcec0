// Package diagnostics provides a batched remote log sink wired as an
// slog.Handler, adapted from the teacher's
// cloud-livekit-bridge/logger.BetterStackLogger: buffer, flush on a
// ticker or at a batch-size threshold, POST JSON to an ingestion
// endpoint, no-op when unconfigured.
package diagnostics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// entry is one diagnostics record shipped to the remote endpoint.
type entry struct {
	Time    string         `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Sink batches slog records and ships them to a remote ingestion
// endpoint. It implements slog.Handler so ordinary slog calls feed it
// transparently alongside any other handler it's chained behind.
type Sink struct {
	url           string
	token         string
	client        *http.Client
	batchSize     int
	flushInterval time.Duration

	mu      sync.Mutex
	buffer  []entry
	enabled bool

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	attrs       []slog.Attr
	groupPrefix string // dot-joined chain of WithGroup names, "" at the root
}

// Options configures a Sink.
type Options struct {
	URL           string
	Token         string
	BatchSize     int
	FlushInterval time.Duration
}

// NewSink builds a Sink. If opts.URL is empty the sink is disabled: Handle
// is a no-op, matching NewFromEnv's enabled gate in the teacher.
func NewSink(opts Options) *Sink {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Second
	}

	s := &Sink{
		url:           opts.URL,
		token:         opts.Token,
		client:        &http.Client{Timeout: 10 * time.Second},
		batchSize:     opts.BatchSize,
		flushInterval: opts.FlushInterval,
		buffer:        make([]entry, 0, opts.BatchSize),
		enabled:       opts.URL != "",
		stopCh:        make(chan struct{}),
	}
	if s.enabled {
		s.wg.Add(1)
		go s.flushWorker()
	}
	return s
}

// Enabled implements slog.Handler.
func (s *Sink) Enabled(context.Context, slog.Level) bool { return s.enabled }

// Handle implements slog.Handler: buffers the record, flushing
// immediately once the batch threshold is reached.
func (s *Sink) Handle(_ context.Context, r slog.Record) error {
	if !s.enabled {
		return nil
	}

	attrs := make(map[string]any, r.NumAttrs()+len(s.attrs))
	for _, a := range s.attrs {
		attrs[s.prefixedKey(a.Key)] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[s.prefixedKey(a.Key)] = a.Value.Any()
		return true
	})

	e := entry{
		Time:    r.Time.UTC().Format(time.RFC3339Nano),
		Level:   r.Level.String(),
		Message: r.Message,
		Attrs:   attrs,
	}

	s.mu.Lock()
	s.buffer = append(s.buffer, e)
	shouldFlush := len(s.buffer) >= s.batchSize
	s.mu.Unlock()

	if shouldFlush {
		s.Flush()
	}
	return nil
}

// WithAttrs implements slog.Handler.
func (s *Sink) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *s
	clone.attrs = append(append([]slog.Attr{}, s.attrs...), attrs...)
	return &clone
}

// WithGroup implements slog.Handler. Groups are flattened into the
// attribute map as a dot-joined key prefix rather than nested, since
// the ingestion endpoint expects a flat JSON object per entry.
func (s *Sink) WithGroup(name string) slog.Handler {
	if name == "" {
		return s
	}
	clone := *s
	if s.groupPrefix == "" {
		clone.groupPrefix = name
	} else {
		clone.groupPrefix = s.groupPrefix + "." + name
	}
	return &clone
}

func (s *Sink) prefixedKey(key string) string {
	if s.groupPrefix == "" {
		return key
	}
	return s.groupPrefix + "." + key
}

// Flush sends all buffered entries immediately.
func (s *Sink) Flush() {
	if !s.enabled {
		return
	}

	s.mu.Lock()
	if len(s.buffer) == 0 {
		s.mu.Unlock()
		return
	}
	batch := make([]entry, len(s.buffer))
	copy(batch, s.buffer)
	s.buffer = s.buffer[:0]
	s.mu.Unlock()

	go s.sendBatch(batch)
}

func (s *Sink) sendBatch(batch []entry) {
	body, err := json.Marshal(batch)
	if err != nil {
		return
	}

	req, err := http.NewRequest(http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", s.token))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
}

func (s *Sink) flushWorker() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Flush()
		case <-s.stopCh:
			s.Flush()
			return
		}
	}
}

// Close stops the flush worker and flushes any remaining entries.
func (s *Sink) Close() {
	if !s.enabled {
		return
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}
