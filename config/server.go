package config

import (
	"fmt"
	"time"

	"github.com/Mmx233/framelink/protocol"
)

type Server struct {
	Listen     Listen `yaml:"listen" toml:"listen"`
	MaxClients int    `yaml:"max_clients" toml:"max_clients"`
	// ProbeInterval of zero takes the default, a negative value disables probing.
	ProbeInterval time.Duration `yaml:"probe_interval" toml:"probe_interval"`
	RxBufferSize  int           `yaml:"rx_buffer_size" toml:"rx_buffer_size"`
	// ChunkSize is the largest chunk payload peers are expected to send.
	ChunkSize   int       `yaml:"chunk_size" toml:"chunk_size"`
	OutputDir   string    `yaml:"output_dir" toml:"output_dir"`
	MetricsAddr string    `yaml:"metrics_addr" toml:"metrics_addr"`
	Transport   Transport `yaml:"transport" toml:"transport"`
}

func (s *Server) ApplyDefaults() {
	if s.Listen.IP == "" {
		s.Listen.IP = "0.0.0.0"
	}
	if s.MaxClients == 0 {
		s.MaxClients = DefaultMaxClients
	}
	if s.ProbeInterval == 0 {
		s.ProbeInterval = DefaultProbeInterval
	}
	if s.RxBufferSize == 0 {
		s.RxBufferSize = DefaultRxBufferSize
	}
	if s.ChunkSize == 0 {
		s.ChunkSize = DefaultChunkSize
	}
	if s.OutputDir == "" {
		s.OutputDir = DefaultOutputDir
	}
	s.Transport.ApplyDefaults()
}

func (s *Server) Validate() error {
	if err := s.Listen.Validate(); err != nil {
		return err
	}
	if s.MaxClients < 1 {
		return fmt.Errorf("%w: max_clients must be at least 1, got %d", ErrInvalid, s.MaxClients)
	}
	if err := validateWindow(s.RxBufferSize, s.ChunkSize); err != nil {
		return err
	}
	if err := ValidateMetricsAddr(s.MetricsAddr); err != nil {
		return err
	}
	return s.Transport.Validate()
}

// validateWindow checks that a chunk frame always fits the receive window.
func validateWindow(rxBufferSize, chunkSize int) error {
	if rxBufferSize < MinRxBufferSize {
		return fmt.Errorf("%w: rx_buffer_size must be at least %d, got %d", ErrInvalid, MinRxBufferSize, rxBufferSize)
	}
	if chunkSize < 1 {
		return fmt.Errorf("%w: chunk_size must be positive, got %d", ErrInvalid, chunkSize)
	}
	if frame := protocol.ChunkFrameSize(chunkSize); frame > rxBufferSize {
		return fmt.Errorf("%w: chunk_size %d needs a %d byte frame, larger than rx_buffer_size %d",
			ErrInvalid, chunkSize, frame, rxBufferSize)
	}
	return nil
}
