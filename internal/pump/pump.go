// Package pump fetches the audio stream, frames and decodes it, and
// feeds the output stage under backpressure (spec.md §4.2). It owns its
// own goroutine and talks to the rest of the system only through the
// output.Stage it was constructed with and the pcm.EventQueue it shares
// with the decoder.
package pump

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/tsnotfyi/playercore/internal/output"
	"github.com/tsnotfyi/playercore/internal/pcm"
)

// HeaderBytes is the WAV header length stripped from the start of the
// stream (spec.md §4.2, §6).
const HeaderBytes = 44

// FrameBytes is the byte alignment of one stereo Int16LE frame.
const FrameBytes = 4

// ReadStallLogThreshold is how long a single read may block before it is
// logged as a potential server stall (not fatal, spec.md §4.2).
const ReadStallLogThreshold = 2 * time.Second

// BackpressureSleep is the cooperative sleep between fill checks while
// waiting for the output stage to drain (spec.md §4.2).
const BackpressureSleep = 50 * time.Millisecond

// YieldEverySegments is how often the pump explicitly yields the
// scheduler to let the output stage drain (spec.md §4.2).
const YieldEverySegments = 20

// segmentSamples is one second of interleaved stereo samples at the
// nominal PCM rate — the pump's maximum segment size.
const segmentSamples = int(output.NominalSampleRate) * output.Channels

// ErrStreamFailed is returned by Run when the fetch fails, the response
// status is non-OK, or a read fails mid-stream (spec.md §4.2). The
// session controller treats this as a stream-error signal.
var ErrStreamFailed = errors.New("pump: stream failed")

// Pump fetches and frames the PCM stream into the output stage.
type Pump struct {
	client  *http.Client
	decoder *pcm.Decoder
	events  *pcm.EventQueue
	stage   output.Stage
	logger  *slog.Logger
}

// New builds a Pump that decodes into decoder and feeds stage, posting
// sentinel events to events.
func New(decoder *pcm.Decoder, events *pcm.EventQueue, stage output.Stage, logger *slog.Logger) *Pump {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pump{
		client:  &http.Client{}, // no timeout: this is a long-lived stream
		decoder: decoder,
		events:  events,
		stage:   stage,
		logger:  logger,
	}
}

// Run fetches streamURL and feeds the output stage until ctx is
// cancelled (silent exit) or the stream fails (ErrStreamFailed,
// wrapped).
func (p *Pump) Run(ctx context.Context, streamURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return fmt.Errorf("%w: building request: %v", ErrStreamFailed, err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%w: connecting: %v", ErrStreamFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrStreamFailed, resp.StatusCode)
	}

	return p.consume(ctx, resp.Body)
}

func (p *Pump) consume(ctx context.Context, body io.Reader) error {
	headerRemaining := HeaderBytes
	var remainder []byte
	var pendingSegment []float32
	segmentsSinceYield := 0

	readBuf := make([]byte, 32*1024)
	var lastRead time.Time

	for {
		if ctx.Err() != nil {
			return nil
		}

		lastRead = time.Now()
		n, err := body.Read(readBuf)
		if elapsed := time.Since(lastRead); elapsed > ReadStallLogThreshold {
			p.logger.Warn("pump: read blocked, possible server stall", "elapsed", elapsed)
		}

		if n > 0 {
			chunk := readBuf[:n]

			if headerRemaining > 0 {
				if len(chunk) <= headerRemaining {
					headerRemaining -= len(chunk)
					chunk = nil
				} else {
					chunk = chunk[headerRemaining:]
					headerRemaining = 0
				}
			}

			if len(chunk) > 0 {
				remainder = append(remainder, chunk...)
				aligned := len(remainder) - (len(remainder) % FrameBytes)
				toDecode := remainder[:aligned]
				remainder = append([]byte{}, remainder[aligned:]...)

				if len(toDecode) > 0 {
					floats, sentinels := p.decoder.Decode(toDecode)
					for _, s := range sentinels {
						p.events.Push(s)
					}
					pendingSegment = append(pendingSegment, floats...)

					for len(pendingSegment) >= segmentSamples {
						segment := pendingSegment[:segmentSamples]
						pendingSegment = pendingSegment[segmentSamples:]
						if err := p.emit(ctx, segment); err != nil {
							return nil
						}
						segmentsSinceYield++
						if segmentsSinceYield >= YieldEverySegments {
							runtime.Gosched()
							segmentsSinceYield = 0
						}
					}
				}
			}
		}

		if err != nil {
			if err == io.EOF {
				if len(pendingSegment) > 0 {
					p.emit(ctx, pendingSegment)
				}
				if flushed := p.decoder.Flush(); len(flushed) > 0 {
					p.emit(ctx, flushed)
				}
				return fmt.Errorf("%w: stream closed", ErrStreamFailed)
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: read error: %v", ErrStreamFailed, err)
		}
	}
}

// emit applies backpressure against the output stage's fill level, then
// enqueues segment. Returns an error only if ctx was cancelled while
// waiting.
func (p *Pump) emit(ctx context.Context, segment []float32) error {
	if p.stage.Fill() > output.BackpressureHighWatermark {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(BackpressureSleep):
			}
			if p.stage.Fill() <= output.BackpressureLowWatermark {
				break
			}
		}
	}
	return p.stage.Enqueue(segment)
}
