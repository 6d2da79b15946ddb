package config

import "time"

const (
	// DefaultProbeInterval is the period between probe packets
	DefaultProbeInterval = 5 * time.Second

	// DefaultRxBufferSize is the per-connection receive window
	DefaultRxBufferSize = 1024

	// MinRxBufferSize keeps room for the probe frame and small chunks
	MinRxBufferSize = 64

	DefaultChunkSize = 64

	DefaultConnectTimeout = 10 * time.Second

	// DefaultMaxIdleTimeout is the default QUIC connection idle timeout
	DefaultMaxIdleTimeout = 5 * time.Minute

	DefaultMaxClients = 16

	DefaultOutputDir = "received"

	// DefaultRestartDelay is the first client restart delay; it doubles up to DefaultMaxRestartDelay.
	DefaultRestartDelay    = time.Second
	DefaultMaxRestartDelay = 30 * time.Second
)
