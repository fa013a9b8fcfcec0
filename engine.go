// Package playercore is the embeddable facade over the player engine
// (SPEC_FULL.md §1/§2): a host process that wants to run the audio
// pipeline, presentation reconciler, session controller, and optional
// control socket inside its own process — rather than exec'ing the
// cmd/player binary — constructs an Engine directly.
//
// cmd/player is a thin wrapper around this package: it only adds flag
// parsing, .env loading, and OS signal handling on top of Engine.
package playercore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tsnotfyi/playercore/internal/callbacks"
	"github.com/tsnotfyi/playercore/internal/config"
	"github.com/tsnotfyi/playercore/internal/control"
	"github.com/tsnotfyi/playercore/internal/eventchannel"
	"github.com/tsnotfyi/playercore/internal/output"
	"github.com/tsnotfyi/playercore/internal/pcm"
	"github.com/tsnotfyi/playercore/internal/pipeline"
	"github.com/tsnotfyi/playercore/internal/reconciler"
	"github.com/tsnotfyi/playercore/internal/session"
	"github.com/tsnotfyi/playercore/internal/track"
	"github.com/tsnotfyi/playercore/internal/transport"
)

// Engine bundles one running instance of the player core: the transport
// client, event channel, presentation reconciler, session controller,
// and (if configured) a local control socket a host UI can attach to.
type Engine struct {
	cfg     *config.Config
	logger  *slog.Logger
	xport   *transport.Client
	cb      *callbacks.Callbacks
	recon   *reconciler.Reconciler
	evCh    *eventchannel.Channel
	ctrl    *control.Server
	session *session.Controller
}

// New wires an Engine from cfg. cb's callback fields that are left nil
// default to no-ops, except for ComposeStreamEndpoint, which must be
// set by the caller (there is no sensible default URL scheme).
func New(cfg *config.Config, cb *callbacks.Callbacks, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cb == nil {
		return nil, fmt.Errorf("playercore: callbacks must not be nil")
	}
	if cb.ComposeStreamEndpoint == nil {
		return nil, fmt.Errorf("playercore: callbacks.ComposeStreamEndpoint must be set")
	}
	fillCallbackDefaults(cb)

	xport := transport.NewClient(cfg.SnapshotURL, cfg.RefreshURL, cfg.NextTrackURL, logger)

	e := &Engine{cfg: cfg, logger: logger, xport: xport, cb: cb}

	// Handlers close over e itself rather than its fields directly, since
	// recon/session are not yet assigned at this point in construction;
	// the control socket is only ever driven after Run starts both.
	ctrl := control.New(control.Handlers{
		SetManualOverride: func(trackID, direction string) {
			if e.recon != nil {
				e.recon.SetManualOverride(trackID)
			}
			if e.session == nil {
				return
			}
			go func() {
				err := xport.SubmitNextTrack(context.Background(), transport.NextTrackRequest{
					TrackMd5:    trackID,
					Direction:   direction,
					Source:      "user",
					Fingerprint: string(e.session.Fingerprint()),
					SessionID:   e.session.SessionID(),
				})
				if err != nil {
					logger.Warn("playercore: manual override submission failed", "error", err, "track_md5", trackID)
				}
			}()
		},
		SetVolume: func(v float64) {
			if e.session != nil {
				e.session.SetVolume(v)
			}
		},
	}, logger)
	e.ctrl = ctrl

	recon := reconciler.New(cb, snapshotFetcherFor(xport), logger)
	e.recon = recon
	evCh := eventchannel.New(cfg.EventURL, rebroadcasterFor(xport), logger)
	e.evCh = evCh

	e.session = session.New(cb, func(events *pcm.EventQueue) (session.Pipeline, error) {
		stage, err := newOutputStage(cfg, logger)
		if err != nil {
			return nil, err
		}
		return pipeline.New(stage, events, logger), nil
	}, xport, logger)
	e.session.SetSentinelSink(recon)

	return e, nil
}

// ControlServer returns the local control socket handler, for hosts that
// want to mount it on their own *http.ServeMux rather than the address
// cmd/player would otherwise listen on.
func (e *Engine) ControlServer() *control.Server { return e.ctrl }

// Reconciler returns the presentation reconciler, for hosts that want to
// read CurrentTrack/Snapshot directly instead of only consuming
// control-socket events.
func (e *Engine) Reconciler() *reconciler.Reconciler { return e.recon }

// Run starts the event channel, session controller, and buffer-delay
// feed, and blocks until ctx is cancelled. It is the embeddable
// equivalent of cmd/player's run().
func (e *Engine) Run(ctx context.Context) error {
	defer e.recon.Close()
	defer e.session.Close()

	go e.evCh.Run(ctx)
	go pumpEventsIntoReconciler(ctx, e.evCh, e.recon, e.session, e.logger)
	go feedBufferDelay(ctx, e.session, e.recon)

	if err := e.session.Start(ctx, "", func(fp track.Fingerprint) string {
		return e.cb.ComposeStreamEndpoint(fp, fmt.Sprintf("%d", time.Now().UnixNano()))
	}); err != nil {
		return fmt.Errorf("playercore: starting session: %w", err)
	}

	<-ctx.Done()
	return nil
}

func fillCallbackDefaults(cb *callbacks.Callbacks) {
	if cb.ConnectEventChannel == nil {
		cb.ConnectEventChannel = func(track.Fingerprint) {}
	}
	if cb.StartProgressAnimationFromPosition == nil {
		cb.StartProgressAnimationFromPosition = func(float64, float64, callbacks.ProgressStartOptions) {}
	}
	if cb.ClearPendingProgressStart == nil {
		cb.ClearPendingProgressStart = func() {}
	}
	if cb.VerifyExistingSessionOrRestart == nil {
		cb.VerifyExistingSessionOrRestart = func(string, callbacks.VerifyOptions) {}
	}
	if cb.CreateNewJourneySession == nil {
		cb.CreateNewJourneySession = func(string) {}
	}
	if cb.ClearFingerprint == nil {
		cb.ClearFingerprint = func(string) {}
	}
	if cb.FullResync == nil {
		cb.FullResync = func() {}
	}
	if cb.OnSentinel == nil {
		cb.OnSentinel = func(string, callbacks.SentinelInfo) {}
	}
}

func newOutputStage(cfg *config.Config, logger *slog.Logger) (output.Stage, error) {
	if cfg.UseDeviceSink {
		stage, err := output.NewDeviceSink()
		if err == nil {
			return stage, nil
		}
		logger.Warn("playercore: device sink unavailable, falling back to ring buffer", "error", err)
	}
	return output.NewRingBufferSink(20), nil
}

func pumpEventsIntoReconciler(ctx context.Context, evCh *eventchannel.Channel, recon *reconciler.Reconciler, controller *session.Controller, logger *slog.Logger) {
	for msg := range evCh.Messages() {
		switch msg.Type {
		case eventchannel.TypeConnected:
			controller.SetSessionID(msg.SessionID)
			controller.NotifyFingerprint(track.Fingerprint(msg.Fingerprint))
		case eventchannel.TypeHeartbeat:
			hb := reconciler.Heartbeat{DriftState: msg.DriftState}
			if msg.CurrentTrack != nil {
				hb.CurrentTrack = *msg.CurrentTrack
			}
			if msg.NextTrack != nil {
				hb.NextTrack = msg.NextTrack.Track
			}
			if msg.Timing != nil {
				hb.ElapsedMs = msg.Timing.ElapsedMs
			}
			recon.OnHeartbeat(hb, controller.Position())
		case eventchannel.TypeSelectionAck, eventchannel.TypeSelectionReady:
		case eventchannel.TypeError:
			logger.Warn("playercore: event channel reported error", "error", msg.Error)
			if msg.Error == eventchannel.ErrorReasonFingerprintNotFound {
				controller.HandleFingerprintNotFound(ctx)
			} else if controller.AudioHealthy() {
				evCh.ForceReconnect()
			} else {
				controller.HandleChannelError(ctx, msg.Error)
			}
		}
	}
}

func feedBufferDelay(ctx context.Context, controller *session.Controller, recon *reconciler.Reconciler) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			recon.UpdateBufferDelay(time.Duration(controller.BufferDelay() * float64(time.Second)))
		}
	}
}

// rebroadcasterFor adapts transport.Client to eventchannel.Rebroadcaster.
func rebroadcasterFor(xport *transport.Client) eventchannelRebroadcaster {
	return eventchannelRebroadcaster{xport: xport}
}

type eventchannelRebroadcaster struct {
	xport *transport.Client
}

func (r eventchannelRebroadcaster) RequestRebroadcast(ctx context.Context, fingerprint string) (string, error) {
	resp, err := r.xport.Refresh(ctx, transport.RefreshRequest{Fingerprint: fingerprint, Stage: "rebroadcast"})
	if err != nil {
		return "", err
	}
	if !resp.OK {
		return "", fmt.Errorf("playercore: rebroadcast declined: %s", resp.Reason)
	}
	return resp.Fingerprint, nil
}

// snapshotFetcherFor adapts transport.Client to reconciler.SnapshotFetcher.
func snapshotFetcherFor(xport *transport.Client) reconcilerSnapshotFetcher {
	return reconcilerSnapshotFetcher{xport: xport}
}

type reconcilerSnapshotFetcher struct {
	xport *transport.Client
}

func (s reconcilerSnapshotFetcher) FetchSnapshot(trackID string) (track.Snapshot, error) {
	return s.xport.FetchSnapshot(context.Background(), trackID)
}
