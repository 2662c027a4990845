package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/c360/posturestream/errors"
	"github.com/c360/posturestream/eventsink"
	"github.com/c360/posturestream/history"
	"github.com/c360/posturestream/session"
)

var (
	logLevels  = []string{"debug", "info", "warn", "error"}
	logFormats = []string{"json", "text"}
)

// Config is the complete process configuration.
type Config struct {
	Session   session.Config   `yaml:",inline"`
	History   history.Config   `yaml:"history" envPrefix:"HISTORY_"`
	EventSink eventsink.Config `yaml:"eventsink" envPrefix:"EVENTSINK_"`
	Identity  IdentityConfig   `yaml:"identity"`
	Log       LogConfig        `yaml:"log" envPrefix:"LOG_"`
	Metrics   MetricsConfig    `yaml:"metrics" envPrefix:"METRICS_"`
}

// IdentityConfig carries static credentials. When ClientID or Token is empty
// the process falls back to reading them from the environment on every
// connect.
type IdentityConfig struct {
	ClientID string `yaml:"client_id" env:"CLIENT_ID"`
	Token    string `yaml:"-" env:"TOKEN"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// MetricsConfig controls the Prometheus and health endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Addr    string `yaml:"addr" env:"ADDR"`
	Path    string `yaml:"path" env:"PATH"`
}

// Default returns the configuration used when no layer overrides anything.
func Default() Config {
	return Config{
		Session:   session.DefaultConfig(),
		History:   history.DefaultConfig(),
		EventSink: eventsink.DefaultConfig(),
		Log:       LogConfig{Level: "info", Format: "json"},
		Metrics:   MetricsConfig{Enabled: true, Addr: ":9090", Path: "/metrics"},
	}
}

// Normalize lowercases enumerations and trims whitespace.
func (c Config) Normalize() Config {
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.Identity.ClientID = strings.TrimSpace(c.Identity.ClientID)
	c.Session.Aggregator = c.Session.Aggregator.Normalize()
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	return c
}

// Validate checks every section. History and the event sink are only
// checked when enabled.
func (c Config) Validate() error {
	if err := c.Session.Validate(); err != nil {
		return err
	}
	if c.History.Enabled {
		if err := c.History.Validate(); err != nil {
			return err
		}
	}
	if err := c.EventSink.Validate(); err != nil {
		return err
	}
	if !lo.Contains(logLevels, c.Log.Level) {
		return errors.WrapInvalid(
			fmt.Errorf("%w: log level %q", errors.ErrInvalidConfig, c.Log.Level),
			"config", "Validate", "log level check")
	}
	if !lo.Contains(logFormats, c.Log.Format) {
		return errors.WrapInvalid(
			fmt.Errorf("%w: log format %q", errors.ErrInvalidConfig, c.Log.Format),
			"config", "Validate", "log format check")
	}
	if c.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(c.Metrics.Addr); err != nil {
			return errors.WrapInvalid(
				errors.Join(errors.ErrInvalidConfig, err),
				"config", "Validate", "metrics address check")
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return errors.WrapInvalid(
				fmt.Errorf("%w: metrics path %q", errors.ErrInvalidConfig, c.Metrics.Path),
				"config", "Validate", "metrics path check")
		}
	}
	return nil
}

// String renders the configuration as YAML. Tokens are never included.
func (c Config) String() string {
	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(out)
}
