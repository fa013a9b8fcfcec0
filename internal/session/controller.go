// Package session implements the session lifecycle and recovery
// controller (spec.md §4.4): fingerprint binding, quarantine backoff,
// startup grace, play-retry, and the escalating recovery ladder from
// heartbeat rebroadcast through to a full process reload.
//
// The Controller is the single owning handle of a running session (spec.md
// §9 "cyclic globals" design note): constructed once, passed by pointer,
// torn down atomically via Close. Its runEventLoop goroutine, launched by
// Start, is the explicit event loop spec.md §8 calls for: a FIFO channel of typed
// internal events, drained one at a time by a single goroutine. The pump
// and output device sink are the only other components with their own
// goroutines; they communicate with the controller only through channels
// carrying immutable values.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tsnotfyi/playercore/internal/callbacks"
	"github.com/tsnotfyi/playercore/internal/health"
	"github.com/tsnotfyi/playercore/internal/pcm"
	"github.com/tsnotfyi/playercore/internal/track"
	"github.com/tsnotfyi/playercore/internal/transport"
)

// Startup grace and quarantine tuning (spec.md §4.4). Vars, not consts,
// so tests can shrink them.
var (
	StartupGrace        = 30 * time.Second
	QuarantineBase       = 2 * time.Second
	QuarantineMultiplier = 1.5
	QuarantineMax        = 60 * time.Second
	PlayRetryMax         = 3
	PlayRetryDelay       = 500 * time.Millisecond
	NewSessionTimeout    = 5 * time.Second

	// PositionReportStallTimeout is how long without a position report
	// before the controller declares the session dead (spec.md §7).
	PositionReportStallTimeout = 12 * time.Second
)

// Pipeline is the audio-side of one session attempt: pump, decoder, and
// output stage bundled together so the controller can tear the whole
// thing down and rebuild it atomically. Implementations own their own
// goroutines; Close must be idempotent.
type Pipeline interface {
	// Run blocks, feeding the output stage until ctx is cancelled or the
	// stream fails. It returns pump.ErrStreamFailed (wrapped) on failure.
	Run(ctx context.Context, streamURL string) error
	// Position returns the software clock's current position in seconds.
	Position() float64
	// BufferDelay returns seconds of audio queued ahead of Position.
	BufferDelay() float64
	// SetVolume sets output gain in [0,1].
	SetVolume(v float64)
	// Ready fires once the output stage has buffered enough audio to
	// start playback without immediate starvation.
	Ready() <-chan struct{}
	// Underrun fires each time the output stage starves after Ready has
	// already fired once (spec.md §7).
	Underrun() <-chan struct{}
	// Close tears the pipeline down. Idempotent.
	Close() error
}

// PipelineFactory builds a fresh Pipeline for one session attempt.
type PipelineFactory func(events *pcm.EventQueue) (Pipeline, error)

// Rebroadcaster is satisfied by *transport.Client for the recovery
// ladder's /refresh-sse rebind request.
type Rebroadcaster interface {
	Refresh(ctx context.Context, req transport.RefreshRequest) (transport.RefreshResponse, error)
}

// SentinelSink receives every PCM sentinel observed on the active
// pipeline, paired with the buffer-delay measured at the moment it
// fired. The presentation reconciler is the canonical sink (spec.md
// §4.6): it is the one that must see every sentinel in order to defer
// track-change visuals until the audio boundary actually sounds. If no
// sink is set, the controller falls back to invoking the raw
// cb.OnSentinel callback directly.
type SentinelSink interface {
	OnSentinel(kind pcm.Sentinel, bufferDelaySecs float64)
}

// Controller owns the fingerprint, the pump, the output stage, and the
// retry/grace/quarantine timers for one logical listening session.
type Controller struct {
	cb       *callbacks.Callbacks
	factory  PipelineFactory
	xport    Rebroadcaster
	monitor  *health.Monitor
	logger   *slog.Logger

	eventsQ      *pcm.EventQueue
	events       chan controllerEvent
	sentinelSink SentinelSink

	mu            sync.Mutex
	fingerprint   track.Fingerprint
	sessionID     string
	pipeline      Pipeline
	volume        float64
	streamURLFunc func(track.Fingerprint) string

	everReady        bool
	startedAt        time.Time
	quarantineUntil  time.Time
	quarantineWindow time.Duration

	cancelRun context.CancelFunc
	wg        sync.WaitGroup

	closed bool
}

// New builds a Controller. cb and factory must be non-nil.
func New(cb *callbacks.Callbacks, factory PipelineFactory, xport Rebroadcaster, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cb:               cb,
		factory:          factory,
		xport:            xport,
		monitor:          health.NewMonitor(logger),
		logger:           logger,
		eventsQ:          pcm.NewEventQueue(),
		events:           make(chan controllerEvent, 64),
		volume:           1.0,
		quarantineWindow: QuarantineBase,
	}
}

// controllerEvent is the closed sum type the event loop drains,
// replacing the source's microtask-ordered callback dispatch with an
// explicit FIFO channel (spec.md §8, §9).
type controllerEvent struct {
	kind   eventKind
	reason string
}

type eventKind int

const (
	evStreamFailed eventKind = iota
	evReady
	evUnderrun
)

// PositionPollInterval is how often the event loop polls the pipeline's
// software clock to confirm it is still advancing, resetting the
// position-report stall timer on progress (spec.md §7 "no position
// report for > 12s"). A var so tests can leave it at its default, which
// is coarser than any of the short test timeouts below and so never
// interferes with the fixed-timer behaviour those tests exercise.
var PositionPollInterval = 1 * time.Second

// Start binds fingerprint (may be empty for a first connection), builds
// the pipeline, and launches the event loop. It returns once the
// pipeline goroutine and event loop are both running.
func (c *Controller) Start(ctx context.Context, fingerprint track.Fingerprint, streamURLFunc func(track.Fingerprint) string) error {
	c.mu.Lock()
	c.fingerprint = fingerprint
	c.startedAt = time.Now()
	c.streamURLFunc = streamURLFunc
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	c.cancelRun = cancel

	if err := c.buildPipelineLocked(runCtx, streamURLFunc); err != nil {
		cancel()
		return err
	}

	c.wg.Add(1)
	go c.runEventLoop(runCtx)
	return nil
}

func (c *Controller) buildPipelineLocked(ctx context.Context, streamURLFunc func(track.Fingerprint) string) error {
	pipeline, err := c.factory(c.eventsQ)
	if err != nil {
		return fmt.Errorf("session: building pipeline: %w", err)
	}
	pipeline.SetVolume(c.volume)

	c.mu.Lock()
	c.pipeline = pipeline
	fp := c.fingerprint
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := pipeline.Run(ctx, streamURLFunc(fp))
		if err != nil && ctx.Err() == nil {
			select {
			case c.events <- controllerEvent{kind: evStreamFailed, reason: err.Error()}:
			case <-ctx.Done():
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case <-pipeline.Ready():
			select {
			case c.events <- controllerEvent{kind: evReady}:
			case <-ctx.Done():
			}
		case <-ctx.Done():
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-pipeline.Underrun():
				select {
				case c.events <- controllerEvent{kind: evUnderrun}:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// runEventLoop is the single goroutine processing controllerEvents FIFO.
func (c *Controller) runEventLoop(ctx context.Context) {
	defer c.wg.Done()

	stallTimer := time.NewTimer(PositionReportStallTimeout)
	defer stallTimer.Stop()

	posTicker := time.NewTicker(PositionPollInterval)
	defer posTicker.Stop()
	lastPosition := c.Position()

	for {
		select {
		case <-ctx.Done():
			return
		case s := <-c.eventsQ.C():
			bd := c.currentBufferDelay()
			c.mu.Lock()
			sink := c.sentinelSink
			c.mu.Unlock()
			if sink != nil {
				sink.OnSentinel(s, bd)
			} else if c.cb.OnSentinel != nil {
				c.cb.OnSentinel(s.String(), callbacks.SentinelInfo{BufferDelaySecs: bd})
			}
			resetTimer(stallTimer, PositionReportStallTimeout)
		case ev := <-c.events:
			c.handleEvent(ctx, ev)
		case <-posTicker.C:
			// The software clock advancing is itself a position report
			// (spec.md §3/§7): any progress resets the stall timer, not
			// just a sentinel. A pipeline that never advances (or doesn't
			// exist) leaves the raw timer to fire on its own.
			if current := c.Position(); current != lastPosition {
				lastPosition = current
				resetTimer(stallTimer, PositionReportStallTimeout)
			}
		case <-stallTimer.C:
			c.handleDeadAudio(ctx, "position-report-stall")
			resetTimer(stallTimer, PositionReportStallTimeout)
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func (c *Controller) currentBufferDelay() float64 {
	return c.BufferDelay()
}

// BufferDelay returns the active pipeline's buffered-audio delay in
// seconds, or 0 if no pipeline is running.
func (c *Controller) BufferDelay() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pipeline == nil {
		return 0
	}
	return c.pipeline.BufferDelay()
}

// Position returns the active pipeline's software-clock position in
// seconds, or 0 if no pipeline is running.
func (c *Controller) Position() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pipeline == nil {
		return 0
	}
	return c.pipeline.Position()
}

func (c *Controller) handleEvent(ctx context.Context, ev controllerEvent) {
	switch ev.kind {
	case evStreamFailed:
		c.logger.Warn("session: stream failed", "reason", ev.reason)
		c.handleDeadAudio(ctx, "stream-error")
	case evReady:
		c.mu.Lock()
		c.everReady = true
		c.mu.Unlock()
	case evUnderrun:
		c.logger.Debug("session: output stage underrun")
		if c.monitor.RecordStall(time.Now()) {
			c.logger.Warn("session: stall window triggered, rebuilding pipeline")
			c.rebuildPipeline(ctx)
		}
	}
}

// rebuildPipeline tears down and immediately reconstructs the pipeline
// in place, preserving volume and fingerprint (spec.md §4.4 "instability
// windows ... triggers a full pipeline rebuild"). Unlike the dead-audio
// recovery ladder, this never touches quarantine or the fingerprint: a
// run of underruns is a local buffering problem, not evidence the
// session itself is gone.
func (c *Controller) rebuildPipeline(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	c.teardownPipeline()

	c.mu.Lock()
	streamURLFunc := c.streamURLFunc
	c.mu.Unlock()
	if streamURLFunc == nil {
		return
	}

	if err := c.buildPipelineLocked(ctx, streamURLFunc); err != nil {
		c.logger.Error("session: pipeline rebuild failed", "error", err)
		c.handleDeadAudio(ctx, "rebuild-failed")
	}
}

// inStartupGrace reports whether the post-Start grace window still
// suppresses dead-session restarts, giving the first connection attempt
// time to establish audio before any stall counts against it. The first
// ready ends the grace early.
func (c *Controller) inStartupGrace() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startedAt.IsZero() || c.everReady {
		return false
	}
	return time.Since(c.startedAt) < StartupGrace
}

func (c *Controller) inQuarantine() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Before(c.quarantineUntil)
}

func (c *Controller) enterQuarantineLocked() time.Duration {
	window := c.quarantineWindow
	c.quarantineUntil = time.Now().Add(window)
	next := time.Duration(float64(window) * QuarantineMultiplier)
	if next > QuarantineMax {
		next = QuarantineMax
	}
	c.quarantineWindow = next
	return window
}

// handleDeadAudio implements the recovery ladder (spec.md §4.4).
func (c *Controller) handleDeadAudio(ctx context.Context, reason string) {
	if c.inStartupGrace() {
		c.mu.Lock()
		remaining := StartupGrace - time.Since(c.startedAt)
		c.mu.Unlock()
		if remaining < 0 {
			remaining = 0
		}
		c.logger.Debug("session: dead audio deferred, in startup grace", "reason", reason, "remaining", remaining)
		time.AfterFunc(remaining, func() { c.retryAfterDefer(ctx, reason) })
		return
	}
	if c.inQuarantine() {
		c.mu.Lock()
		remaining := time.Until(c.quarantineUntil)
		c.mu.Unlock()
		c.logger.Debug("session: dead audio deferred, quarantined", "reason", reason, "remaining", remaining)
		time.AfterFunc(remaining, func() { c.retryAfterDefer(ctx, reason) })
		return
	}

	c.mu.Lock()
	window := c.enterQuarantineLocked()
	correlationID := uuid.NewString()
	c.mu.Unlock()

	triggered := c.monitor.RecordDead(time.Now())
	c.logger.Warn("session: dead instability recorded", "reason", reason, "window_triggered", triggered, "correlation_id", correlationID, "quarantine", window)

	c.teardownPipeline()
	c.runRecoveryLadder(ctx, correlationID)
}

func (c *Controller) retryAfterDefer(ctx context.Context, reason string) {
	if ctx.Err() != nil {
		return
	}
	c.handleDeadAudio(ctx, reason)
}

func (c *Controller) teardownPipeline() {
	c.mu.Lock()
	p := c.pipeline
	c.pipeline = nil
	c.mu.Unlock()
	if p != nil {
		p.Close()
	}
}

// runRecoveryLadder attempts rebind, then new session, then reload
// (spec.md §4.4 steps 5-7).
func (c *Controller) runRecoveryLadder(ctx context.Context, correlationID string) {
	fp := c.Fingerprint()

	if c.xport != nil {
		resp, err := c.xport.Refresh(ctx, transport.RefreshRequest{Fingerprint: string(fp), Stage: "rebind"})
		if err == nil && resp.OK {
			c.logger.Info("session: rebind succeeded", "correlation_id", correlationID)
			c.monitor.Reset()
			if c.cb.VerifyExistingSessionOrRestart != nil {
				c.cb.VerifyExistingSessionOrRestart("rebind", callbacks.VerifyOptions{Reason: "rebind-succeeded"})
			}
			return
		}
		c.logger.Warn("session: rebind failed", "correlation_id", correlationID, "error", err, "reason", resp.Reason)
	}

	c.escalateNewSession(ctx, correlationID)
}

// escalateNewSession runs steps 6-7 of the recovery ladder (spec.md
// §4.4): abandon the fingerprint, ask the host for a new session, and
// reload if one doesn't materialize within NewSessionTimeout. Shared by
// the dead-audio ladder (after a failed rebind) and
// HandleFingerprintNotFound (which skips rebind entirely, since a
// fingerprint the server has already rejected cannot be rebound).
func (c *Controller) escalateNewSession(ctx context.Context, correlationID string) {
	newSessionCtx, cancel := context.WithTimeout(ctx, NewSessionTimeout)
	defer cancel()

	if c.cb.ClearFingerprint != nil {
		c.cb.ClearFingerprint("recovery-ladder")
	}
	c.setFingerprint("")
	if c.cb.CreateNewJourneySession != nil {
		c.cb.CreateNewJourneySession("recovery-ladder")
	}

	poll := time.NewTicker(25 * time.Millisecond)
	defer poll.Stop()
	for {
		select {
		case <-newSessionCtx.Done():
			c.logger.Error("session: new session did not acquire a fingerprint in time, reloading", "correlation_id", correlationID)
			if c.cb.VerifyExistingSessionOrRestart != nil {
				c.cb.VerifyExistingSessionOrRestart("reload", callbacks.VerifyOptions{Reason: "ladder-exhausted"})
			}
			return
		case <-poll.C:
			if !c.Fingerprint().Empty() {
				c.logger.Info("session: new session acquired a fingerprint", "correlation_id", correlationID)
				return
			}
		}
	}
}

// HandleFingerprintNotFound responds to the event channel's
// fingerprint_not_found error (spec.md §4.5, §7): the server has
// already disowned the fingerprint, so rebind is pointless — tear down
// and go straight to new-session escalation.
func (c *Controller) HandleFingerprintNotFound(ctx context.Context) {
	correlationID := uuid.NewString()
	c.logger.Warn("session: fingerprint not found, escalating to new session", "correlation_id", correlationID)
	c.teardownPipeline()
	c.escalateNewSession(ctx, correlationID)
}

// HandleChannelError responds to a generic (non fingerprint_not_found)
// event-channel error payload when audio is not healthy (spec.md §4.5,
// §7): both the server channel and the audio stream struggling at once
// is treated as a dead-audio signal, walking the same recovery ladder
// rather than just reconnecting the event channel.
func (c *Controller) HandleChannelError(ctx context.Context, reason string) {
	c.handleDeadAudio(ctx, "event-channel-error: "+reason)
}

// AudioHealthy reports a coarse signal for "is audio currently alive":
// a pipeline exists, has reached ready at least once, and we are not
// presently backed off in quarantine. Used by the event channel's
// generic-error handling (spec.md §7: "reconnect if audio healthy, else
// dead-ladder").
func (c *Controller) AudioHealthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pipeline != nil && c.everReady && !time.Now().Before(c.quarantineUntil)
}

// Fingerprint returns the currently bound fingerprint.
func (c *Controller) Fingerprint() track.Fingerprint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fingerprint
}

// SetSessionID records the session identifier the event channel's
// "connected" message carries alongside the fingerprint (spec.md §4.5,
// §6): the next-track endpoint's body requires it for a manual
// override submission.
func (c *Controller) SetSessionID(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

// SessionID returns the session identifier bound by SetSessionID, or
// "" if the "connected" message hasn't arrived yet.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Controller) setFingerprint(fp track.Fingerprint) {
	c.mu.Lock()
	c.fingerprint = fp
	c.mu.Unlock()
}

// SetSentinelSink installs the destination for PCM sentinel events,
// typically the presentation reconciler. Must be called before Start if
// the host wants sentinels routed to anything beyond the raw
// cb.OnSentinel callback.
func (c *Controller) SetSentinelSink(sink SentinelSink) {
	c.mu.Lock()
	c.sentinelSink = sink
	c.mu.Unlock()
}

// NotifyFingerprint binds a newly assigned fingerprint (from the event
// channel's "connected" message) and propagates it to every subsequent
// audio/event endpoint per spec.md §3's invariant.
func (c *Controller) NotifyFingerprint(fp track.Fingerprint) {
	c.setFingerprint(fp)
	if c.cb.ConnectEventChannel != nil {
		c.cb.ConnectEventChannel(fp)
	}
}

// PlayRetry attempts to resume playback, retrying up to PlayRetryMax
// times with a fixed delay. Exhaustion counts as a dead instability
// event (spec.md §4.4).
func (c *Controller) PlayRetry(ctx context.Context, play func() error) {
	var lastErr error
	for i := 0; i < PlayRetryMax; i++ {
		if err := play(); err == nil {
			return
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(PlayRetryDelay):
		}
	}
	c.logger.Error("session: play-retry exhausted", "attempts", PlayRetryMax, "error", lastErr)
	c.handleDeadAudio(ctx, "play-retry-exhausted")
}

// SetVolume adjusts the active pipeline's output gain, preserved across
// rebuilds (spec.md §4.4 "preserving volume and fingerprint").
func (c *Controller) SetVolume(v float64) {
	c.mu.Lock()
	c.volume = v
	p := c.pipeline
	c.mu.Unlock()
	if p != nil {
		p.SetVolume(v)
	}
}

// Close tears the controller down: cancels the run context, stops the
// pipeline, and waits for the event loop and pipeline goroutines to
// exit. Idempotent.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.cancelRun != nil {
		c.cancelRun()
	}
	c.teardownPipeline()
	c.wg.Wait()
	return nil
}
