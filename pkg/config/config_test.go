package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	smitherrors "github.com/odvcencio/sitesmith/pkg/errors"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Backend.WebSocketURL != DefaultWebSocketURL {
		t.Errorf("websocket url = %s, want %s", cfg.Backend.WebSocketURL, DefaultWebSocketURL)
	}
	if cfg.Reconnect.MaxAttempts != DefaultReconnectAttempts {
		t.Errorf("max attempts = %d, want %d", cfg.Reconnect.MaxAttempts, DefaultReconnectAttempts)
	}
	if cfg.Suggest.Debounce() != 300*time.Millisecond {
		t.Errorf("debounce = %v, want 300ms", cfg.Suggest.Debounce())
	}
	if cfg.Generation.ProgressTimeout() != 90*time.Second {
		t.Errorf("progress timeout = %v, want 90s", cfg.Generation.ProgressTimeout())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load with missing file should succeed, got %v", err)
	}
	if cfg.Backend.HTTPBaseURL != DefaultHTTPBaseURL {
		t.Errorf("expected default http base url, got %s", cfg.Backend.HTTPBaseURL)
	}
}

func TestLoadFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
backend:
  websocket_url: wss://staging.sitesmith.dev/v1/stream
  http_base_url: https://staging.sitesmith.dev/v1
reconnect:
  max_attempts: 2
  base_delay_ms: 100
  max_delay_ms: 1000
  multiplier: 1.5
suggest:
  debounce_ms: 150
  min_chars: 5
  limit: 2
  per_minute: 10
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Backend.WebSocketURL != "wss://staging.sitesmith.dev/v1/stream" {
		t.Errorf("websocket url not overridden: %s", cfg.Backend.WebSocketURL)
	}
	if cfg.Reconnect.MaxAttempts != 2 {
		t.Errorf("max attempts = %d, want 2", cfg.Reconnect.MaxAttempts)
	}
	if cfg.Suggest.MinChars != 5 {
		t.Errorf("min chars = %d, want 5", cfg.Suggest.MinChars)
	}
	// Unspecified sections keep defaults
	if cfg.Generation.ProgressTimeoutSec != DefaultProgressTimeoutSec {
		t.Errorf("progress timeout = %d, want default", cfg.Generation.ProgressTimeoutSec)
	}
}

func TestLoadParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("backend: [not a map"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, err := Load(path)
	if !smitherrors.IsCode(err, smitherrors.ErrCodeConfigParse) {
		t.Errorf("expected CONFIG_PARSE, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty websocket url", func(c *Config) { c.Backend.WebSocketURL = " " }},
		{"negative attempts", func(c *Config) { c.Reconnect.MaxAttempts = -1 }},
		{"multiplier below one", func(c *Config) { c.Reconnect.Multiplier = 0.5 }},
		{"max delay below base", func(c *Config) { c.Reconnect.MaxDelayMs = 1 }},
		{"zero progress timeout", func(c *Config) { c.Generation.ProgressTimeoutSec = 0 }},
		{"zero suggestion limit", func(c *Config) { c.Suggest.Limit = 0 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !smitherrors.IsCode(err, smitherrors.ErrCodeConfigInvalid) {
				t.Errorf("expected CONFIG_INVALID, got %v", err)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SITESMITH_WS_URL", "wss://env.example/stream")
	t.Setenv("SITESMITH_DB_PATH", "/tmp/env.db")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Backend.WebSocketURL != "wss://env.example/stream" {
		t.Errorf("env override not applied: %s", cfg.Backend.WebSocketURL)
	}
	if cfg.Storage.Path != "/tmp/env.db" {
		t.Errorf("db path override not applied: %s", cfg.Storage.Path)
	}
}
