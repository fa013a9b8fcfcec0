package config

import "testing"

func TestLoaderDefaultsFailValidationWithoutRequiredURLs(t *testing.T) {
	loader := Loader{Lookup: func(string) (string, bool) { return "", false }}
	if _, err := loader.Load(); err == nil {
		t.Fatal("expected validation error with no stream/event URL set")
	}
}

func TestLoaderAppliesEnvOverrides(t *testing.T) {
	env := map[string]string{
		"PLAYERCORE_STREAM_URL": "https://example.com/stream",
		"PLAYERCORE_EVENT_URL":  "https://example.com/events",
		"PLAYERCORE_LOG_LEVEL":  "debug",
		"PLAYERCORE_DEVICE_SINK": "false",
	}
	loader := Loader{Lookup: func(k string) (string, bool) { v, ok := env[k]; return v, ok }}

	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.StreamURL != env["PLAYERCORE_STREAM_URL"] {
		t.Errorf("StreamURL = %q, want %q", cfg.StreamURL, env["PLAYERCORE_STREAM_URL"])
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.UseDeviceSink {
		t.Error("UseDeviceSink = true, want false from env override")
	}
	if cfg.LogFormat != DefaultLogFormat {
		t.Errorf("LogFormat = %q, want default %q (unset field keeps default)", cfg.LogFormat, DefaultLogFormat)
	}
}

func TestLoaderRejectsInvalidLogLevel(t *testing.T) {
	env := map[string]string{
		"PLAYERCORE_STREAM_URL": "https://example.com/stream",
		"PLAYERCORE_EVENT_URL":  "https://example.com/events",
		"PLAYERCORE_LOG_LEVEL":  "verbose",
	}
	loader := Loader{Lookup: func(k string) (string, bool) { v, ok := env[k]; return v, ok }}
	if _, err := loader.Load(); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}
