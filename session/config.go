package session

import (
	"time"

	"github.com/c360/posturestream/aggregator"
	"github.com/c360/posturestream/alert"
	"github.com/c360/posturestream/command"
	"github.com/c360/posturestream/errors"
	"github.com/c360/posturestream/transport"
)

// Config holds the settings of every component the service owns.
type Config struct {
	Transport  transport.Config  `yaml:"transport" envPrefix:"TRANSPORT_"`
	Command    command.Config    `yaml:"command" envPrefix:"COMMAND_"`
	Aggregator aggregator.Config `yaml:"aggregator" envPrefix:"AGGREGATOR_"`
	Alert      alert.Config      `yaml:"alert" envPrefix:"ALERT_"`

	// ReconcileInterval is how often buffered occurrences are matched against
	// the latest persisted session. Zero disables the loop.
	ReconcileInterval time.Duration `yaml:"reconcile_interval" env:"RECONCILE_INTERVAL"`
	// ItemLookupWorkers bounds concurrent session item fetches.
	ItemLookupWorkers int `yaml:"item_lookup_workers" env:"ITEM_LOOKUP_WORKERS"`
}

// DefaultConfig returns the component defaults.
func DefaultConfig() Config {
	return Config{
		Transport:         transport.DefaultConfig(),
		Command:           command.DefaultConfig(),
		Aggregator:        aggregator.DefaultConfig(),
		Alert:             alert.DefaultConfig(),
		ReconcileInterval: 30 * time.Second,
		ItemLookupWorkers: 1,
	}
}

// Validate checks every component configuration.
func (c Config) Validate() error {
	if err := c.Transport.Validate(); err != nil {
		return err
	}
	if err := c.Command.Validate(); err != nil {
		return err
	}
	if err := c.Aggregator.Normalize().Validate(); err != nil {
		return err
	}
	if err := c.Alert.Validate(); err != nil {
		return err
	}
	if c.ReconcileInterval < 0 || c.ItemLookupWorkers < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "session", "Validate", "reconcile check")
	}
	return nil
}
