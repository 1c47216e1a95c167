package goSignIn

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full Orchestrator configuration. Start from [DefaultConfig]
// or [LoadConfig] and pass it to [Builder.WithConfig].
type Config struct {
	DefaultHandler string `yaml:"default_handler"`
	// AutoSignIn makes the default trigger fire on every message activity.
	AutoSignIn     bool           `yaml:"auto_sign_in"`
	FailureMessage string         `yaml:"failure_message"`
	Poll           PollConfig     `yaml:"poll"`
	State          StateConfig    `yaml:"state"`
	Dedup          DedupConfig    `yaml:"dedup"`
	Security       SecurityConfig `yaml:"security"`
	Audit          AuditConfig    `yaml:"audit"`
	Metrics        MetricsConfig  `yaml:"metrics"`
	Log            LogConfig      `yaml:"log"`
}

/*
====================================
POLL CONFIG
====================================
*/

// PollConfig controls the blocking wait inside SignInUser. DefaultTimeout
// applies to handlers reporting a non-positive Timeout.
type PollConfig struct {
	InitialDelay   time.Duration `yaml:"initial_delay"`
	Interval       time.Duration `yaml:"interval"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

/*
====================================
STORAGE CONFIG
====================================
*/

// StateConfig controls the key under which SignInState is persisted:
// <KeyPrefix>/<channel>/<conversation>, each id path-escaped.
type StateConfig struct {
	KeyPrefix string `yaml:"key_prefix"`
}

// DedupConfig controls token-exchange claim records:
// <KeyPrefix>/<channel>/<conversation>/<exchange id>, each id path-escaped.
// TTL bounds claims in the store derived from a Redis client and in the
// process-local claim store used beside a MemoryStore.
type DedupConfig struct {
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

/*
====================================
SECURITY CONFIG
====================================
*/

// SecurityConfig bounds forced sign-in starts per channel user. MaxSignInStarts
// of zero disables the limiter.
type SecurityConfig struct {
	MaxSignInStarts int           `yaml:"max_sign_in_starts"`
	StartWindow     time.Duration `yaml:"start_window"`
}

/*
====================================
OBSERVABILITY CONFIG
====================================
*/

// AuditConfig controls the asynchronous audit dispatcher.
type AuditConfig struct {
	Enabled    bool `yaml:"enabled"`
	BufferSize int  `yaml:"buffer_size"`
	DropIfFull bool `yaml:"drop_if_full"`
}

// MetricsConfig controls in-process counters.
type MetricsConfig struct {
	Enabled                 bool `yaml:"enabled"`
	EnableLatencyHistograms bool `yaml:"enable_latency_histograms"`
}

// LogConfig builds the default logger when none is injected. An empty Level
// keeps logging disabled.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		AutoSignIn:     false,
		FailureMessage: "Sign-in failed. Please try again.",
		Poll: PollConfig{
			InitialDelay:   5 * time.Second,
			Interval:       time.Second,
			DefaultTimeout: 15 * time.Minute,
		},
		State: StateConfig{
			KeyPrefix: "signin-state",
		},
		Dedup: DedupConfig{
			KeyPrefix: "signin-exchange",
			TTL:       15 * time.Minute,
		},
		Security: SecurityConfig{
			MaxSignInStarts: 0,
			StartWindow:     time.Minute,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
		Log: LogConfig{
			Format: "json",
		},
	}
}

func cloneConfig(cfg Config) Config {
	return cfg
}

// LoadConfig reads a YAML file over [DefaultConfig] and validates the result.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML over [DefaultConfig] and validates the result.
// Durations use Go syntax ("5s", "15m").
func ParseConfig(data []byte) (Config, error) {
	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.DefaultHandler != strings.TrimSpace(c.DefaultHandler) {
		return errors.New("DefaultHandler must not have surrounding whitespace")
	}

	// Poll
	if c.Poll.InitialDelay <= 0 {
		return errors.New("Poll InitialDelay must be > 0")
	}
	if c.Poll.Interval <= 0 {
		return errors.New("Poll Interval must be > 0")
	}
	if c.Poll.DefaultTimeout <= 0 {
		return errors.New("Poll DefaultTimeout must be > 0")
	}

	// Keys
	if strings.TrimSpace(c.State.KeyPrefix) == "" {
		return errors.New("State KeyPrefix must not be empty")
	}
	if strings.TrimSpace(c.Dedup.KeyPrefix) == "" {
		return errors.New("Dedup KeyPrefix must not be empty")
	}
	if c.State.KeyPrefix == c.Dedup.KeyPrefix {
		return errors.New("State KeyPrefix and Dedup KeyPrefix must differ")
	}
	if c.Dedup.TTL < 0 {
		return errors.New("Dedup TTL must be >= 0")
	}

	// Security
	if c.Security.MaxSignInStarts < 0 {
		return errors.New("Security MaxSignInStarts must be >= 0")
	}
	if c.Security.MaxSignInStarts > 0 && c.Security.StartWindow <= 0 {
		return errors.New("Security StartWindow must be > 0 when MaxSignInStarts is set")
	}

	// Observability
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("unsupported Log Format %q", c.Log.Format)
	}

	return nil
}
