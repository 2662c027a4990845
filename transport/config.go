package transport

import (
	"net/url"
	"time"

	"github.com/c360/posturestream/errors"
	"github.com/c360/posturestream/pkg/retry"
	"github.com/c360/posturestream/pkg/tlsutil"
)

// Config holds connection settings for the detection endpoint.
type Config struct {
	// URL of the detection endpoint. client_id and token are appended as
	// query parameters at connect time.
	URL string `yaml:"url" env:"URL"`

	ConnectTimeout   time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" env:"HANDSHAKE_TIMEOUT"`
	WriteTimeout     time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`

	// PingInterval of zero disables keepalive and read deadlines.
	PingInterval time.Duration `yaml:"ping_interval" env:"PING_INTERVAL"`
	PongWait     time.Duration `yaml:"pong_wait" env:"PONG_WAIT"`

	MaxMessageBytes int64 `yaml:"max_message_bytes" env:"MAX_MESSAGE_BYTES"`

	// AuthRejectWindow treats any close this soon after open as a token
	// rejection. Zero disables the heuristic.
	AuthRejectWindow time.Duration `yaml:"auth_reject_window" env:"AUTH_REJECT_WINDOW"`

	Reconnect ReconnectConfig `yaml:"reconnect" envPrefix:"RECONNECT_"`

	// TLS applies to wss endpoints.
	TLS tlsutil.ClientConfig `yaml:"tls" envPrefix:"TLS_"`
}

// ReconnectConfig controls automatic recovery after an unexpected close.
type ReconnectConfig struct {
	Enabled bool         `yaml:"enabled" env:"ENABLED"`
	Backoff retry.Config `yaml:"backoff" envPrefix:"BACKOFF_"`
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		URL:              "ws://localhost:8000/api/v1/ws/detect",
		ConnectTimeout:   10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     30 * time.Second,
		PongWait:         60 * time.Second,
		MaxMessageBytes:  4 << 20,
		AuthRejectWindow: 2 * time.Second,
		Reconnect: ReconnectConfig{
			Backoff: retry.Reconnect(),
		},
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "transport", "Validate", "url check")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return errors.WrapInvalid(err, "transport", "Validate", "url parse")
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "transport", "Validate", "url scheme "+u.Scheme)
	}
	if c.ConnectTimeout <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "transport", "Validate", "connect_timeout check")
	}
	if c.PingInterval > 0 && c.PongWait <= c.PingInterval {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "transport", "Validate", "pong_wait must exceed ping_interval")
	}
	if c.MaxMessageBytes < 0 || c.AuthRejectWindow < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "transport", "Validate", "limit check")
	}
	return c.TLS.Validate()
}
