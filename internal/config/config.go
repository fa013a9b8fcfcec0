// Package config loads runtime configuration for the player core from CLI
// flags and environment variables, following the teacher pack's two
// complementary idioms: a flag-set-plus-env-overlay Load() (grounded on
// flowpbx-flowpbx/internal/config) for the binary entrypoint, and an
// injectable-Lookup Loader for deterministic unit tests (grounded on
// nupi-ai-plugin-vad-local-silero/internal/config/loader.go).
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the player core.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	StreamURL       string // audio stream endpoint base URL
	EventURL        string // event channel endpoint base URL
	SnapshotURL     string // snapshot endpoint URL
	RefreshURL      string // /refresh-sse endpoint URL
	NextTrackURL    string // /next-track endpoint URL
	LogLevel        string // debug, info, warn, error
	LogFormat       string // text or json
	ControlAddr     string // local control-socket listen address, empty disables it
	DiagnosticsURL  string // remote diagnostics ingestion endpoint, empty disables it
	DiagnosticsAuth string // bearer token for the diagnostics endpoint
	UseDeviceSink   bool   // true: oto device sink; false: ring-buffer fallback
}

const (
	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"
)

const envPrefix = "PLAYERCORE_"

// Load parses configuration from CLI flags and environment variables.
func Load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("playercore", flag.ContinueOnError)
	fs.StringVar(&cfg.StreamURL, "stream-url", "", "audio stream endpoint base URL")
	fs.StringVar(&cfg.EventURL, "event-url", "", "event channel endpoint base URL")
	fs.StringVar(&cfg.SnapshotURL, "snapshot-url", "", "snapshot endpoint URL")
	fs.StringVar(&cfg.RefreshURL, "refresh-url", "", "/refresh-sse endpoint URL")
	fs.StringVar(&cfg.NextTrackURL, "next-track-url", "", "/next-track endpoint URL")
	fs.StringVar(&cfg.LogLevel, "log-level", DefaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", DefaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.ControlAddr, "control-addr", "", "local control-socket listen address (empty disables it)")
	fs.StringVar(&cfg.DiagnosticsURL, "diagnostics-url", "", "remote diagnostics ingestion URL (empty disables it)")
	fs.StringVar(&cfg.DiagnosticsAuth, "diagnostics-token", "", "bearer token for the diagnostics endpoint")
	fs.BoolVar(&cfg.UseDeviceSink, "device-sink", true, "use the system audio device (false forces the ring-buffer fallback)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("config: parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: invalid config: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	strVars := map[string]*string{
		"stream-url":        &cfg.StreamURL,
		"event-url":         &cfg.EventURL,
		"snapshot-url":      &cfg.SnapshotURL,
		"refresh-url":       &cfg.RefreshURL,
		"next-track-url":    &cfg.NextTrackURL,
		"log-level":         &cfg.LogLevel,
		"log-format":        &cfg.LogFormat,
		"control-addr":      &cfg.ControlAddr,
		"diagnostics-url":   &cfg.DiagnosticsURL,
		"diagnostics-token": &cfg.DiagnosticsAuth,
	}
	for flagName, target := range strVars {
		if set[flagName] {
			continue
		}
		envVar := envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
		if val, ok := os.LookupEnv(envVar); ok && val != "" {
			*target = val
		}
	}

	if !set["device-sink"] {
		envVar := envPrefix + "DEVICE_SINK"
		if val, ok := os.LookupEnv(envVar); ok && val != "" {
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.UseDeviceSink = v
			}
		}
	}
}

func (c *Config) validate() error {
	if c.StreamURL == "" {
		return fmt.Errorf("stream-url is required")
	}
	if c.EventURL == "" {
		return fmt.Errorf("event-url is required")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log-level %q is not one of debug, info, warn, error", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log-format %q is not one of text, json", c.LogFormat)
	}
	return nil
}
