package config

import (
	"os"
	"strings"
)

// Loader loads configuration purely from a lookup function, bypassing
// flag parsing. Tests override Lookup to inject a deterministic map
// instead of the process environment (grounded on
// nupi-ai-plugin-vad-local-silero/internal/config/loader.go).
type Loader struct {
	Lookup func(string) (string, bool)
}

// Load builds a Config by applying defaults, then env-style overrides
// via Lookup, then validating.
func (l Loader) Load() (*Config, error) {
	if l.Lookup == nil {
		l.Lookup = os.LookupEnv
	}

	cfg := &Config{
		LogLevel:      DefaultLogLevel,
		LogFormat:     DefaultLogFormat,
		UseDeviceSink: true,
	}

	l.overrideString("STREAM_URL", &cfg.StreamURL)
	l.overrideString("EVENT_URL", &cfg.EventURL)
	l.overrideString("SNAPSHOT_URL", &cfg.SnapshotURL)
	l.overrideString("REFRESH_URL", &cfg.RefreshURL)
	l.overrideString("NEXT_TRACK_URL", &cfg.NextTrackURL)
	l.overrideString("LOG_LEVEL", &cfg.LogLevel)
	l.overrideString("LOG_FORMAT", &cfg.LogFormat)
	l.overrideString("CONTROL_ADDR", &cfg.ControlAddr)
	l.overrideString("DIAGNOSTICS_URL", &cfg.DiagnosticsURL)
	l.overrideString("DIAGNOSTICS_TOKEN", &cfg.DiagnosticsAuth)

	if val, ok := l.Lookup(envPrefix + "DEVICE_SINK"); ok && val != "" {
		cfg.UseDeviceSink = val != "false" && val != "0"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l Loader) overrideString(key string, target *string) {
	if val, ok := l.Lookup(envPrefix + key); ok && strings.TrimSpace(val) != "" {
		*target = strings.TrimSpace(val)
	}
}
