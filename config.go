// SPDX-License-Identifier: Apache-2.0

// Package duuxventilator holds the shared configuration for the capture tool.
package duuxventilator

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"

	"github.com/dgebbink/duuxventilator/pkg/certs"
)

// Duration is a time.Duration that unmarshals from "60s"-style text, so the
// same field works for env vars and TOML files.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config holds the capture tool configuration, populated from environment
// variables (with defaults) and optionally a TOML config file.
type Config struct {
	// Host is the listen host. Empty binds all interfaces.
	Host string `env:"HOST" toml:"host"`

	// Port is the listen port. Duux firmware connects to 8883.
	Port int `env:"PORT" envDefault:"8883" toml:"port"`

	// CertFile and KeyFile are the PEM certificate pair presented to the
	// device during the TLS handshake.
	CertFile string `env:"CERT_FILE" envDefault:"cert.pem" toml:"cert_file"`
	KeyFile  string `env:"KEY_FILE"  envDefault:"key.pem"  toml:"key_file"`

	// Timeout bounds the capture window.
	Timeout Duration `env:"TIMEOUT" envDefault:"60s" toml:"timeout"`

	// Preflight selects the port-in-use check: lsof, probe or off.
	Preflight string `env:"PREFLIGHT" envDefault:"lsof" toml:"preflight"`

	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info" toml:"log_level"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text" toml:"log_format"`
}

// NewConfig loads configuration from the environment.
func NewConfig(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// LoadFile overlays values from a TOML config file onto the config.
func (c *Config) LoadFile(path string) error {
	if _, err := toml.DecodeFile(path, c); err != nil {
		return fmt.Errorf("load config file %s: %w", path, err)
	}
	return nil
}

// Address returns the host:port listen address.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// CaptureTimeout returns the capture window as a time.Duration.
func (c Config) CaptureTimeout() time.Duration {
	return time.Duration(c.Timeout)
}

// TLSConfig loads the certificate pair into a server TLS config.
func (c Config) TLSConfig() (*tls.Config, error) {
	cert, err := certs.Load(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		// Old fan firmware still speaks TLS 1.0.
		MinVersion: tls.VersionTLS10,
	}, nil
}
