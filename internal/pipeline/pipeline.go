// Package pipeline wires the PCM decoder, pump, and output stage into
// the session.Pipeline interface, bundling the three audio-side
// components the controller tears down and rebuilds atomically on
// recovery (spec.md §4.4).
package pipeline

import (
	"context"
	"log/slog"

	"github.com/tsnotfyi/playercore/internal/output"
	"github.com/tsnotfyi/playercore/internal/pcm"
	"github.com/tsnotfyi/playercore/internal/pump"
)

// Pipeline bundles one session attempt's decoder, pump, and output
// stage. It satisfies session.Pipeline without that package needing to
// import output/pump/pcm directly.
type Pipeline struct {
	stage output.Stage
	pump  *pump.Pump
}

// New builds a Pipeline around stage: a fresh decoder and pump feed
// decoded PCM into stage and post sentinels to events.
func New(stage output.Stage, events *pcm.EventQueue, logger *slog.Logger) *Pipeline {
	decoder := pcm.NewDecoder()
	return &Pipeline{
		stage: stage,
		pump:  pump.New(decoder, events, stage, logger),
	}
}

// Run blocks streaming streamURL into the output stage until ctx is
// cancelled or the stream fails.
func (p *Pipeline) Run(ctx context.Context, streamURL string) error {
	if err := p.stage.Play(); err != nil {
		return err
	}
	return p.pump.Run(ctx, streamURL)
}

func (p *Pipeline) Position() float64    { return p.stage.Position() }
func (p *Pipeline) BufferDelay() float64 { return p.stage.BufferDelay() }
func (p *Pipeline) SetVolume(v float64)  { p.stage.SetVolume(v) }
func (p *Pipeline) Ready() <-chan struct{}    { return p.stage.Ready() }
func (p *Pipeline) Underrun() <-chan struct{} { return p.stage.Underrun() }

// Close tears down the output stage. Idempotent (delegates to the
// stage's own idempotent Close).
func (p *Pipeline) Close() error { return p.stage.Close() }
