// Package tlsutil builds client TLS configurations for the detection
// websocket and the history API.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/c360/posturestream/errors"
)

// ClientConfig describes trust and optional client certificates. The system
// CA pool is always trusted; CAFiles are added to it.
type ClientConfig struct {
	CAFiles            []string `yaml:"ca_files" env:"CA_FILES" envSeparator:","`
	InsecureSkipVerify bool     `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"` // development only
	MinVersion         string   `yaml:"min_version" env:"MIN_VERSION"`

	// CertFile and KeyFile enable mutual TLS when both are set.
	CertFile string `yaml:"cert_file" env:"CERT_FILE"`
	KeyFile  string `yaml:"key_file" env:"KEY_FILE"`
}

// IsZero reports whether cfg leaves every setting at the Go default.
func (cfg ClientConfig) IsZero() bool {
	return len(cfg.CAFiles) == 0 && !cfg.InsecureSkipVerify && cfg.MinVersion == "" &&
		cfg.CertFile == "" && cfg.KeyFile == ""
}

// Validate checks the version string and that the key pair is complete.
func (cfg ClientConfig) Validate() error {
	switch cfg.MinVersion {
	case "", "1.2", "1.3":
	default:
		return errors.WrapInvalid(
			fmt.Errorf("%w: min_version %q", errors.ErrInvalidConfig, cfg.MinVersion),
			"tlsutil", "Validate", "min_version check")
	}
	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "tlsutil", "Validate", "cert_file and key_file must be set together")
	}
	return nil
}

// LoadClientConfig returns nil for a zero config so callers keep their
// library defaults.
func LoadClientConfig(cfg ClientConfig) (*tls.Config, error) {
	if cfg.IsZero() {
		return nil, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		rootCAs = x509.NewCertPool()
	}
	for _, caFile := range cfg.CAFiles {
		caPEM, err := os.ReadFile(caFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClientConfig", fmt.Sprintf("read CA file %s", caFile))
		}
		if !rootCAs.AppendCertsFromPEM(caPEM) {
			return nil, errors.WrapFatal(fmt.Errorf("invalid PEM data"),
				"tlsutil", "LoadClientConfig", fmt.Sprintf("parse CA certificate from %s", caFile))
		}
	}

	tlsConfig := &tls.Config{
		RootCAs:            rootCAs,
		MinVersion:         parseTLSVersion(cfg.MinVersion),
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // opt-in for development backends
	}

	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClientConfig", "load client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// parseTLSVersion defaults to TLS 1.2.
func parseTLSVersion(version string) uint16 {
	if version == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}
