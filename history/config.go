package history

import (
	"net/url"
	"time"

	"github.com/c360/posturestream/errors"
	"github.com/c360/posturestream/pkg/retry"
	"github.com/c360/posturestream/pkg/tlsutil"
)

// MaxPageSize is the largest page the sessions endpoint accepts.
const MaxPageSize = 100

// Config points the client at the REST API.
type Config struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// BaseURL is the API root, e.g. http://localhost:8000/api/v1.
	BaseURL  string        `yaml:"base_url" env:"BASE_URL"`
	Timeout  time.Duration `yaml:"timeout" env:"TIMEOUT"`
	PageSize int           `yaml:"page_size" env:"PAGE_SIZE"`

	Retry retry.Config `yaml:"retry" envPrefix:"RETRY_"`

	ItemCache ItemCacheConfig `yaml:"item_cache" envPrefix:"ITEM_CACHE_"`

	TLS tlsutil.ClientConfig `yaml:"tls" envPrefix:"TLS_"`
}

// ItemCacheConfig bounds the completed-item cache. Size zero disables it.
type ItemCacheConfig struct {
	Size int           `yaml:"size" env:"SIZE"`
	TTL  time.Duration `yaml:"ttl" env:"TTL"`
}

// DefaultConfig targets a local backend with three attempts per request.
func DefaultConfig() Config {
	return Config{
		Enabled:  false,
		BaseURL:  "http://localhost:8000/api/v1",
		Timeout:  10 * time.Second,
		PageSize: 20,
		Retry:    retry.DefaultConfig(),
		ItemCache: ItemCacheConfig{
			Size: 256,
			TTL:  10 * time.Minute,
		},
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "history", "Validate", "base_url check")
	}
	if c.PageSize < 1 || c.PageSize > MaxPageSize {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "history", "Validate", "page_size check")
	}
	if c.ItemCache.Size < 0 || c.ItemCache.TTL < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "history", "Validate", "item_cache check")
	}
	if c.Timeout < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "history", "Validate", "timeout check")
	}
	return c.TLS.Validate()
}
