// Package config loads the stream engine configuration.
//
// Values are layered: built-in defaults, then an optional YAML or JSON
// file, then REPLAY_* environment variables. The result is validated once
// and handed to every session as an immutable value.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/banshee-data/sensor.replay/internal/fetch"
	"github.com/banshee-data/sensor.replay/internal/stream"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// EnvPrefix is the prefix of environment overrides, e.g.
// REPLAY_WINDOW_DURATION=30s.
const EnvPrefix = "REPLAY_"

// maxFileSize bounds the config file.
const maxFileSize = 1 << 20

// StreamConfig holds the engine settings shared by all sessions.
type StreamConfig struct {
	// WindowDuration is the width of every window.
	WindowDuration time.Duration `koanf:"window_duration"`
	// WindowIncrement is how far the window moves per tick.
	WindowIncrement time.Duration `koanf:"window_increment"`
	// TickInterval is the cadence at speed 1.
	TickInterval time.Duration `koanf:"tick_interval"`
	DefaultLimit int           `koanf:"default_limit"`
	MaxLimit     int           `koanf:"max_limit"`
	MaxSpeed     float64       `koanf:"max_speed"`
	// SendBuffer is the number of events queued per client before the
	// client is considered too slow and disconnected.
	SendBuffer      int           `koanf:"send_buffer"`
	BreakerFailures uint32        `koanf:"breaker_failures"`
	BreakerTimeout  time.Duration `koanf:"breaker_timeout"`
}

// Defaults returns the built-in configuration.
func Defaults() *StreamConfig {
	return &StreamConfig{
		WindowDuration:  60 * time.Second,
		WindowIncrement: time.Second,
		TickInterval:    time.Second,
		DefaultLimit:    10,
		MaxLimit:        100,
		MaxSpeed:        16,
		SendBuffer:      32,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

// Load layers defaults, the file at path (skipped when path is empty) and
// the environment, then validates the result.
func Load(path string) (*StreamConfig, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := checkFile(path); err != nil {
			return nil, err
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &StreamConfig{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps REPLAY_WINDOW_DURATION to window_duration.
func envKey(s string) string {
	return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
}

func checkFile(path string) error {
	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml", ".json":
	default:
		return fmt.Errorf("%w: config file must be .yaml, .yml or .json, got %q", ErrInvalidConfig, ext)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxFileSize {
		return fmt.Errorf("%w: config file too large: %d bytes (max %d)", ErrInvalidConfig, info.Size(), maxFileSize)
	}
	return nil
}

// Validate checks the configuration for internal consistency.
func (c *StreamConfig) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
		}
	}
	check(c.WindowDuration > 0, "window_duration must be positive, got %s", c.WindowDuration)
	check(c.WindowIncrement > 0, "window_increment must be positive, got %s", c.WindowIncrement)
	check(c.WindowIncrement <= c.WindowDuration, "window_increment %s exceeds window_duration %s", c.WindowIncrement, c.WindowDuration)
	check(c.TickInterval > 0, "tick_interval must be positive, got %s", c.TickInterval)
	check(c.DefaultLimit >= 1, "default_limit must be at least 1, got %d", c.DefaultLimit)
	check(c.MaxLimit >= c.DefaultLimit, "max_limit %d is below default_limit %d", c.MaxLimit, c.DefaultLimit)
	check(c.MaxSpeed >= 1, "max_speed must be at least 1, got %v", c.MaxSpeed)
	check(c.SendBuffer >= 1, "send_buffer must be at least 1, got %d", c.SendBuffer)
	check(c.BreakerFailures >= 1, "breaker_failures must be at least 1, got %d", c.BreakerFailures)
	check(c.BreakerTimeout > 0, "breaker_timeout must be positive, got %s", c.BreakerTimeout)
	return errors.Join(errs...)
}

// Stream returns the per-session settings.
func (c *StreamConfig) Stream() stream.Config {
	return stream.Config{
		WindowDuration:  c.WindowDuration,
		WindowIncrement: c.WindowIncrement,
		TickInterval:    c.TickInterval,
		DefaultLimit:    c.DefaultLimit,
		MaxLimit:        c.MaxLimit,
		MaxSpeed:        c.MaxSpeed,
	}
}

// Breaker returns the store circuit breaker settings.
func (c *StreamConfig) Breaker(name string) fetch.BreakerSettings {
	return fetch.BreakerSettings{
		Name:                name,
		ConsecutiveFailures: c.BreakerFailures,
		Timeout:             c.BreakerTimeout,
	}
}

// MarshalJSON renders durations as strings such as "1m0s".
func (c StreamConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		WindowDuration  string  `json:"window_duration"`
		WindowIncrement string  `json:"window_increment"`
		TickInterval    string  `json:"tick_interval"`
		DefaultLimit    int     `json:"default_limit"`
		MaxLimit        int     `json:"max_limit"`
		MaxSpeed        float64 `json:"max_speed"`
		SendBuffer      int     `json:"send_buffer"`
		BreakerFailures uint32  `json:"breaker_failures"`
		BreakerTimeout  string  `json:"breaker_timeout"`
	}{
		WindowDuration:  c.WindowDuration.String(),
		WindowIncrement: c.WindowIncrement.String(),
		TickInterval:    c.TickInterval.String(),
		DefaultLimit:    c.DefaultLimit,
		MaxLimit:        c.MaxLimit,
		MaxSpeed:        c.MaxSpeed,
		SendBuffer:      c.SendBuffer,
		BreakerFailures: c.BreakerFailures,
		BreakerTimeout:  c.BreakerTimeout.String(),
	})
}
