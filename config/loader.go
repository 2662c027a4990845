package config

import (
	"bytes"
	"fmt"
	"io"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/c360/posturestream/errors"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "POSTURESTREAM"

// Loader merges defaults, YAML layers and environment overrides.
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	environ    map[string]string
}

// NewLoader creates a loader with validation disabled.
func NewLoader() *Loader {
	return &Loader{envPrefix: EnvPrefix}
}

// AddLayer appends a config file. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation turns Validate on or off for Load.
func (l *Loader) EnableValidation(enabled bool) {
	l.validation = enabled
}

// SetEnvironment replaces the process environment as the override source.
func (l *Loader) SetEnvironment(environ map[string]string) {
	l.environ = environ
}

// LoadFile loads a single file on top of the defaults.
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load applies defaults, every layer in order, then environment overrides.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		data, err := safeReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", fmt.Sprintf("read layer %s", path))
		}
		if err := decodeLayer(data, &cfg); err != nil {
			return nil, errors.WrapInvalid(
				errors.Join(errors.ErrParsingFailed, err),
				"config", "Load", fmt.Sprintf("parse layer %s", path))
		}
	}

	opts := env.Options{Prefix: l.envPrefix + "_"}
	if l.environ != nil {
		opts.Environment = l.environ
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load", "apply environment overrides")
	}

	cfg = cfg.Normalize()
	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// decodeLayer applies a YAML document onto cfg. Unknown keys are rejected.
// Maps such as alert cues are merged key by key.
func decodeLayer(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return err
	}
	return nil
}
