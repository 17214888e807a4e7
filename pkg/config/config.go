package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	smitherrors "github.com/odvcencio/sitesmith/pkg/errors"
)

// Default configuration values exported for documentation and validation
const (
	DefaultWebSocketURL       = "wss://api.sitesmith.dev/v1/stream"
	DefaultHTTPBaseURL        = "https://api.sitesmith.dev/v1"
	DefaultReconnectAttempts  = 5
	DefaultReconnectBaseMs    = 500
	DefaultReconnectMaxMs     = 15000
	DefaultReconnectMult      = 2.0
	DefaultProgressTimeoutSec = 90
	DefaultSuggestDebounceMs  = 300
	DefaultSuggestMinChars    = 3
	DefaultSuggestLimit       = 3
	DefaultSuggestPerMinute   = 20
	DefaultMetricsBind        = "127.0.0.1:4499"
)

// Config represents the complete SiteSmith client configuration
type Config struct {
	Backend    BackendConfig    `yaml:"backend"`
	Reconnect  ReconnectConfig  `yaml:"reconnect"`
	Generation GenerationConfig `yaml:"generation"`
	Suggest    SuggestConfig    `yaml:"suggest"`
	Storage    StorageConfig    `yaml:"storage"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// BackendConfig identifies the generation backend endpoints
type BackendConfig struct {
	WebSocketURL string `yaml:"websocket_url"`
	HTTPBaseURL  string `yaml:"http_base_url"`
	APIKey       string `yaml:"api_key"`
}

// ReconnectConfig controls transport reconnection behavior
type ReconnectConfig struct {
	MaxAttempts int     `yaml:"max_attempts"`
	BaseDelayMs int     `yaml:"base_delay_ms"`
	MaxDelayMs  int     `yaml:"max_delay_ms"`
	Multiplier  float64 `yaml:"multiplier"`
}

// BaseDelay returns the initial reconnect delay
func (r ReconnectConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMs) * time.Millisecond
}

// MaxDelay returns the reconnect delay cap
func (r ReconnectConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMs) * time.Millisecond
}

// GenerationConfig controls job-level timeouts
type GenerationConfig struct {
	ProgressTimeoutSec int `yaml:"progress_timeout_sec"`
}

// ProgressTimeout returns the no-progress watchdog interval
func (g GenerationConfig) ProgressTimeout() time.Duration {
	return time.Duration(g.ProgressTimeoutSec) * time.Second
}

// SuggestConfig controls the prompt suggestion engine
type SuggestConfig struct {
	DebounceMs int `yaml:"debounce_ms"`
	MinChars   int `yaml:"min_chars"`
	Limit      int `yaml:"limit"`
	PerMinute  int `yaml:"per_minute"`
}

// Debounce returns the quiet period before a suggestion request fires
func (s SuggestConfig) Debounce() time.Duration {
	return time.Duration(s.DebounceMs) * time.Millisecond
}

// StorageConfig locates the local conversation cache
type StorageConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig controls structured logging output
type LoggingConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

// MetricsConfig controls the local debug/metrics server
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
}

// Default returns a Config populated with defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".sitesmith")
	return &Config{
		Backend: BackendConfig{
			WebSocketURL: DefaultWebSocketURL,
			HTTPBaseURL:  DefaultHTTPBaseURL,
		},
		Reconnect: ReconnectConfig{
			MaxAttempts: DefaultReconnectAttempts,
			BaseDelayMs: DefaultReconnectBaseMs,
			MaxDelayMs:  DefaultReconnectMaxMs,
			Multiplier:  DefaultReconnectMult,
		},
		Generation: GenerationConfig{
			ProgressTimeoutSec: DefaultProgressTimeoutSec,
		},
		Suggest: SuggestConfig{
			DebounceMs: DefaultSuggestDebounceMs,
			MinChars:   DefaultSuggestMinChars,
			Limit:      DefaultSuggestLimit,
			PerMinute:  DefaultSuggestPerMinute,
		},
		Storage: StorageConfig{
			Path: filepath.Join(base, "sitesmith.db"),
		},
		Logging: LoggingConfig{
			Dir:   filepath.Join(base, "logs"),
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Bind:    DefaultMetricsBind,
		},
	}
}

// Load reads configuration from path, layering file values over defaults.
// A missing file is not an error; defaults plus env overrides apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, smitherrors.Wrap(err, smitherrors.ErrCodeConfigLoad, "failed to read config file").
					WithContext("path", path)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, smitherrors.Wrap(err, smitherrors.ErrCodeConfigParse, "failed to parse config file").
				WithContext("path", path)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides layers environment variables over the loaded config
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SITESMITH_WS_URL"); v != "" {
		c.Backend.WebSocketURL = v
	}
	if v := os.Getenv("SITESMITH_API_URL"); v != "" {
		c.Backend.HTTPBaseURL = v
	}
	if v := os.Getenv("SITESMITH_API_KEY"); v != "" {
		c.Backend.APIKey = v
	}
	if v := os.Getenv("SITESMITH_DB_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("SITESMITH_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Backend.WebSocketURL) == "" {
		return smitherrors.New(smitherrors.ErrCodeConfigInvalid, "backend.websocket_url is required")
	}
	if strings.TrimSpace(c.Backend.HTTPBaseURL) == "" {
		return smitherrors.New(smitherrors.ErrCodeConfigInvalid, "backend.http_base_url is required")
	}
	if c.Reconnect.MaxAttempts < 0 {
		return smitherrors.New(smitherrors.ErrCodeConfigInvalid, "reconnect.max_attempts must be >= 0")
	}
	if c.Reconnect.Multiplier < 1 {
		return smitherrors.New(smitherrors.ErrCodeConfigInvalid, "reconnect.multiplier must be >= 1").
			WithContext("multiplier", fmt.Sprintf("%.2f", c.Reconnect.Multiplier))
	}
	if c.Reconnect.BaseDelayMs <= 0 || c.Reconnect.MaxDelayMs < c.Reconnect.BaseDelayMs {
		return smitherrors.New(smitherrors.ErrCodeConfigInvalid, "reconnect delays must satisfy 0 < base <= max")
	}
	if c.Generation.ProgressTimeoutSec <= 0 {
		return smitherrors.New(smitherrors.ErrCodeConfigInvalid, "generation.progress_timeout_sec must be positive")
	}
	if c.Suggest.DebounceMs < 0 || c.Suggest.MinChars < 0 || c.Suggest.Limit <= 0 {
		return smitherrors.New(smitherrors.ErrCodeConfigInvalid, "suggest settings out of range")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return smitherrors.New(smitherrors.ErrCodeConfigInvalid, "logging.level must be one of debug, info, warn, error").
			WithContext("level", c.Logging.Level)
	}
	return nil
}
