package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"icap/server"
)

// ServerConfig is the on-disk YAML configuration for icapd.
type ServerConfig struct {
	// Listen is the TCP address to bind, host:port.
	Listen string `yaml:"listen"`

	// ISTag announced on every response. The file is watched: editing this
	// value while the server runs rotates the tag live, which tells
	// clients to drop their cached verdicts.
	ISTag string `yaml:"istag"`

	// MaxConnections caps concurrent client connections (0 = unlimited).
	MaxConnections int `yaml:"max_connections"`

	// RequestRate throttles transactions per second (0 = unlimited).
	RequestRate  float64 `yaml:"request_rate"`
	RequestBurst int     `yaml:"request_burst"`

	// ReadTimeout bounds idle time between requests, e.g. "5m".
	ReadTimeout string `yaml:"read_timeout"`

	// OptionsTTL is advertised to clients as the OPTIONS revalidation
	// interval, e.g. "1h".
	OptionsTTL string `yaml:"options_ttl"`

	// SessionDB is the SQLite path for session state shared between the
	// reqmod and respmod halves of a transaction. Empty keeps sessions
	// in memory.
	SessionDB string `yaml:"session_db"`
}

// LoadServerConfig loads icapd configuration from a YAML file.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config ServerConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	return &config, nil
}

// ToServerConfig converts the YAML config to the server's runtime config.
func (c *ServerConfig) ToServerConfig() (server.Config, error) {
	cfg := server.Config{
		Addr:           c.Listen,
		ISTag:          c.ISTag,
		MaxConnections: c.MaxConnections,
		RequestRate:    c.RequestRate,
		RequestBurst:   c.RequestBurst,
	}

	parse := func(name, value string) (time.Duration, error) {
		if value == "" {
			return 0, nil
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("parsing %s %q: %w", name, value, err)
		}
		return d, nil
	}

	var err error
	if cfg.ReadTimeout, err = parse("read_timeout", c.ReadTimeout); err != nil {
		return cfg, err
	}
	if cfg.OptionsTTL, err = parse("options_ttl", c.OptionsTTL); err != nil {
		return cfg, err
	}
	return cfg, nil
}
