package config

import (
	"fmt"
	"time"
)

type Client struct {
	Address string `yaml:"address" toml:"address"`
	Port    int    `yaml:"port" toml:"port"`
	// ProbeInterval of zero takes the default, a negative value disables probing.
	ProbeInterval  time.Duration `yaml:"probe_interval" toml:"probe_interval"`
	RxBufferSize   int           `yaml:"rx_buffer_size" toml:"rx_buffer_size"`
	ChunkSize      int           `yaml:"chunk_size" toml:"chunk_size"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" toml:"connect_timeout"`
	Restart        Restart       `yaml:"restart" toml:"restart"`
	MetricsAddr    string        `yaml:"metrics_addr" toml:"metrics_addr"`
	Transport      Transport     `yaml:"transport" toml:"transport"`
}

// Restart controls how the CLI client recovers from failed or dropped connections.
type Restart struct {
	Enabled  bool          `yaml:"enabled" toml:"enabled"`
	Delay    time.Duration `yaml:"delay" toml:"delay"`
	MaxDelay time.Duration `yaml:"max_delay" toml:"max_delay"`
}

// Next returns the delay following prev.
func (r Restart) Next(prev time.Duration) time.Duration {
	if prev <= 0 {
		return r.Delay
	}
	return min(prev*2, r.MaxDelay)
}

func (c *Client) ApplyDefaults() {
	if c.ProbeInterval == 0 {
		c.ProbeInterval = DefaultProbeInterval
	}
	if c.RxBufferSize == 0 {
		c.RxBufferSize = DefaultRxBufferSize
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Restart.Delay == 0 {
		c.Restart.Delay = DefaultRestartDelay
	}
	if c.Restart.MaxDelay == 0 {
		c.Restart.MaxDelay = DefaultMaxRestartDelay
	}
	c.Transport.ApplyDefaults()
}

func (c *Client) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("%w: address cannot be empty", ErrInvalid)
	}
	if err := validatePort(c.Port); err != nil {
		return err
	}
	if err := validateWindow(c.RxBufferSize, c.ChunkSize); err != nil {
		return err
	}
	if c.ConnectTimeout < 0 {
		return fmt.Errorf("%w: connect_timeout must not be negative", ErrInvalid)
	}
	if c.Restart.Delay < 0 || c.Restart.MaxDelay < c.Restart.Delay {
		return fmt.Errorf("%w: restart delays must satisfy 0 <= delay <= max_delay", ErrInvalid)
	}
	if err := ValidateMetricsAddr(c.MetricsAddr); err != nil {
		return err
	}
	return c.Transport.Validate()
}
