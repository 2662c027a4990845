package eventsink

import (
	"strings"
	"time"

	"github.com/c360/posturestream/errors"
)

// Config selects the NATS server and subject layout.
type Config struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	URL     string `yaml:"url" env:"URL"`
	Name    string `yaml:"name" env:"NAME"`
	Token   string `yaml:"-" env:"TOKEN"`

	// SubjectPrefix is prepended to every subject: <prefix>.events.<kind>
	// and <prefix>.flagged.
	SubjectPrefix string `yaml:"subject_prefix" env:"SUBJECT_PREFIX"`
	// IncludeImages keeps base64 frame images in exported payloads.
	IncludeImages bool `yaml:"include_images" env:"INCLUDE_IMAGES"`

	MaxReconnects int           `yaml:"max_reconnects" env:"MAX_RECONNECTS"`
	ReconnectWait time.Duration `yaml:"reconnect_wait" env:"RECONNECT_WAIT"`
	Timeout       time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// DefaultConfig returns a disabled sink pointed at a local server.
func DefaultConfig() Config {
	return Config{
		Enabled:       false,
		URL:           "nats://localhost:4222",
		Name:          "posturestream",
		SubjectPrefix: "posture",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// Validate checks the configuration. A disabled sink is always valid.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.URL) == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "eventsink", "Validate", "url check")
	}
	p := strings.TrimSpace(c.SubjectPrefix)
	if p == "" || strings.ContainsAny(p, " \t*>") || strings.HasPrefix(p, ".") || strings.HasSuffix(p, ".") {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "eventsink", "Validate", "subject_prefix check")
	}
	return nil
}
