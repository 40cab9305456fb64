// Package config loads the proxyhop configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v2"

	"github.com/die-net/proxyhop/internal/dialer"
	"github.com/die-net/proxyhop/internal/proxyinfo"
)

// TLSConfig controls verification of the origin certificate.
type TLSConfig struct {
	CAFile             string `yaml:"ca_file,omitempty"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty"`
}

// Config is the top-level structure of the YAML file. Zero values mean
// "not set" so command line flags can fill them in.
type Config struct {
	// Proxy is an http://[user:pass@]host[:port] URL. Empty means take the
	// proxy from the environment.
	Proxy string `yaml:"proxy,omitempty"`
	// Via is how the proxy itself is reached: direct:// or socks5://...
	Via     string   `yaml:"via,omitempty"`
	NoProxy []string `yaml:"no_proxy,omitempty"`

	DialTimeout        time.Duration `yaml:"dial_timeout,omitempty"`
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout,omitempty"`
	TCPKeepAlive       string        `yaml:"tcp_keepalive,omitempty"`

	TLS TLSConfig `yaml:"tls,omitempty"`

	LogLevel    string `yaml:"log_level,omitempty"`
	DebugListen string `yaml:"debug_listen,omitempty"`
}

// Load reads and validates the file at path. Unknown keys are an error.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read config file '%s': %w", path, err)
	}

	var cfg Config
	if err := yaml.UnmarshalStrict(b, &cfg); err != nil {
		return nil, fmt.Errorf("could not parse config file '%s' as YAML: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file '%s': %w", path, err)
	}

	return &cfg, nil
}

// Validate checks every field that is set.
func (c *Config) Validate() error {
	if c.Proxy != "" {
		if _, err := proxyinfo.Parse(c.Proxy); err != nil {
			return fmt.Errorf("proxy: %w", err)
		}
	}
	if c.Via != "" {
		if _, err := dialer.New(dialer.Config{}, c.Via); err != nil {
			return fmt.Errorf("via: %w", err)
		}
	}
	if _, err := proxyinfo.CompileBypass(c.NoProxy); err != nil {
		return fmt.Errorf("no_proxy: %w", err)
	}
	if c.DialTimeout < 0 {
		return errors.New("dial_timeout: must not be negative")
	}
	if c.NegotiationTimeout < 0 {
		return errors.New("negotiation_timeout: must not be negative")
	}
	if c.TCPKeepAlive != "" {
		if _, err := ParseTCPKeepAlive(c.TCPKeepAlive); err != nil {
			return fmt.Errorf("tcp_keepalive: %w", err)
		}
	}
	if c.LogLevel != "" {
		if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
			return fmt.Errorf("log_level: %w", err)
		}
	}
	if c.TLS.CAFile != "" && c.TLS.InsecureSkipVerify {
		return errors.New("tls: ca_file and insecure_skip_verify are mutually exclusive")
	}
	return nil
}
