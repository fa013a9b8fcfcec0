// Command player runs the tsnotfyi player-core engine standalone: it
// loads configuration, sets up logging, and hands off to the
// playercore facade for the audio pump, output stage, presentation
// reconciler, event channel, and session controller described in
// SPEC_FULL.md, plus the optional local control socket for a host UI
// process.
//
// Wiring style (flag/env config, slog setup, godotenv, signal-driven
// shutdown) is grounded on cloud/livekit-client-2/main.go's (in the
// rajeevrajeshuni-MentraOS example pack) loadConfig/http.HandleFunc/
// ListenAndServe shape.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	playercore "github.com/tsnotfyi/playercore"
	"github.com/tsnotfyi/playercore/internal/callbacks"
	"github.com/tsnotfyi/playercore/internal/config"
	"github.com/tsnotfyi/playercore/internal/control"
	"github.com/tsnotfyi/playercore/internal/diagnostics"
	"github.com/tsnotfyi/playercore/internal/track"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("player: exited with error", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	if cfg.DiagnosticsURL != "" {
		sink := diagnostics.NewSink(diagnostics.Options{
			URL:   cfg.DiagnosticsURL,
			Token: cfg.DiagnosticsAuth,
		})
		handler = &fanoutHandler{primary: handler, secondary: sink}
	}
	return slog.New(handler)
}

// fanoutHandler forwards every record to both the console handler and the
// remote diagnostics sink, since slog.Logger only dispatches to one
// handler at a time.
type fanoutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (f *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return f.primary.Enabled(ctx, level) || f.secondary.Enabled(ctx, level)
}
func (f *fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	err := f.primary.Handle(ctx, r)
	f.secondary.Handle(ctx, r)
	return err
}
func (f *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanoutHandler{primary: f.primary.WithAttrs(attrs), secondary: f.secondary.WithAttrs(attrs)}
}
func (f *fanoutHandler) WithGroup(name string) slog.Handler {
	return &fanoutHandler{primary: f.primary.WithGroup(name), secondary: f.secondary.WithGroup(name)}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	cb := &callbacks.Callbacks{
		ConnectEventChannel: func(fingerprint track.Fingerprint) {
			logger.Info("player: fingerprint bound", "fingerprint", fingerprint)
		},
		VerifyExistingSessionOrRestart: func(reason string, opts callbacks.VerifyOptions) {
			logger.Warn("player: session verification requested", "reason", reason)
		},
		CreateNewJourneySession: func(reason string) {
			logger.Warn("player: new journey session requested", "reason", reason)
		},
		ClearFingerprint: func(reason string) {
			logger.Warn("player: fingerprint cleared", "reason", reason)
		},
		ComposeStreamEndpoint: func(fingerprint track.Fingerprint, cacheBust string) string {
			return fmt.Sprintf("%s?fingerprint=%s&cb=%s", cfg.StreamURL, fingerprint, cacheBust)
		},
	}

	engine, err := playercore.New(cfg, cb, logger)
	if err != nil {
		return err
	}

	// Route callback-driven presentation events out over the control
	// socket, now that the engine (and its control server) exists.
	ctrl := engine.ControlServer()
	cb.StartProgressAnimationFromPosition = func(durationSecs, startPositionSecs float64, opts callbacks.ProgressStartOptions) {
		ctrl.Broadcast(control.Event{Type: "progress_start", Reason: opts.Reason})
	}
	cb.FullResync = func() {
		ctrl.Broadcast(control.Event{Type: "full_resync"})
	}
	cb.OnSentinel = func(kind string, info callbacks.SentinelInfo) {
		ctrl.Broadcast(control.Event{Type: "sentinel", Kind: kind, BufferDelaySecs: info.BufferDelaySecs})
	}

	if cfg.ControlAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/control", ctrl.ServeHTTP)
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{"status": "healthy"})
		})
		srv := &http.Server{Addr: cfg.ControlAddr, Handler: mux}
		go func() {
			logger.Info("player: control socket listening", "addr", cfg.ControlAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("player: control socket failed", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	if err := engine.Run(ctx); err != nil {
		return err
	}
	logger.Info("player: shutting down")
	return nil
}
