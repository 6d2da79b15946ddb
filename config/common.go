package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/Mmx233/framelink/transport"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
)

const (
	EnvPrefix = "FRAMELINK_"
)

var ErrInvalid = errors.New("config: invalid value")

type Listen struct {
	IP   string `yaml:"ip" toml:"ip"`
	Port int    `yaml:"port" toml:"port"`
}

func (l Listen) GetIP() (net.IP, error) {
	ip := net.ParseIP(l.IP)
	if ip == nil {
		return nil, fmt.Errorf("%w: ip address %q", ErrInvalid, l.IP)
	}
	return ip, nil
}

func (l Listen) Validate() error {
	if _, err := l.GetIP(); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return validatePort(l.Port)
}

type TLS struct {
	CertFile   string `yaml:"cert_file" toml:"cert_file"`
	KeyFile    string `yaml:"key_file" toml:"key_file"`
	CAFile     string `yaml:"ca_file" toml:"ca_file"`
	ServerName string `yaml:"server_name" toml:"server_name"`
}

type Quic struct {
	InitialStreamReceiveWindow     uint64        `yaml:"initial_stream_receive_window" toml:"initial_stream_receive_window"`
	MaxStreamReceiveWindow         uint64        `yaml:"max_stream_receive_window" toml:"max_stream_receive_window"`
	InitialConnectionReceiveWindow uint64        `yaml:"initial_connection_receive_window" toml:"initial_connection_receive_window"`
	MaxConnectionReceiveWindow     uint64        `yaml:"max_connection_receive_window" toml:"max_connection_receive_window"`
	KeepAlivePeriod                time.Duration `yaml:"keep_alive_period" toml:"keep_alive_period"`
	HandshakeIdleTimeout           time.Duration `yaml:"handshake_idle_timeout" toml:"handshake_idle_timeout"`
	MaxIdleTimeout                 time.Duration `yaml:"max_idle_timeout" toml:"max_idle_timeout"`
}

func (q Quic) GetConfig() *quic.Config {
	if q.MaxIdleTimeout == 0 {
		q.MaxIdleTimeout = DefaultMaxIdleTimeout
	}
	return &quic.Config{
		InitialStreamReceiveWindow:     q.InitialStreamReceiveWindow,
		MaxStreamReceiveWindow:         q.MaxStreamReceiveWindow,
		InitialConnectionReceiveWindow: q.InitialConnectionReceiveWindow,
		MaxConnectionReceiveWindow:     q.MaxConnectionReceiveWindow,
		// one bidirectional stream per logical connection
		MaxIncomingStreams:   1,
		KeepAlivePeriod:      q.KeepAlivePeriod,
		HandshakeIdleTimeout: q.HandshakeIdleTimeout,
		MaxIdleTimeout:       q.MaxIdleTimeout,
	}
}

// Transport selects and tunes the byte stream under the packet protocol.
type Transport struct {
	// Network is tcp or quic
	Network          string        `yaml:"network" toml:"network"`
	SocketBuffer     int           `yaml:"socket_buffer" toml:"socket_buffer"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" toml:"handshake_timeout"`
	TLS              TLS           `yaml:"tls" toml:"tls"`
	Quic             Quic          `yaml:"quic" toml:"quic"`
}

func (t *Transport) ApplyDefaults() {
	if t.Network == "" {
		t.Network = transport.TCP
	}
	if t.HandshakeTimeout == 0 {
		t.HandshakeTimeout = transport.DefaultHandshakeTimeout
	}
}

func (t Transport) Validate() error {
	switch t.Network {
	case transport.TCP, transport.QUIC:
	default:
		return fmt.Errorf("%w: transport network %q, want %s or %s", ErrInvalid, t.Network, transport.TCP, transport.QUIC)
	}
	if t.SocketBuffer < 0 {
		return fmt.Errorf("%w: socket_buffer must not be negative", ErrInvalid)
	}
	return nil
}

// Build constructs the configured transport.
func (t Transport) Build(logger *zerolog.Logger) (transport.Transport, error) {
	return transport.New(t.Network, transport.Options{
		TLS: transport.TLSOptions{
			CertFile:   t.TLS.CertFile,
			KeyFile:    t.TLS.KeyFile,
			CAFile:     t.TLS.CAFile,
			ServerName: t.TLS.ServerName,
		},
		QuicConfig:       t.Quic.GetConfig(),
		HandshakeTimeout: t.HandshakeTimeout,
		SocketBuffer:     t.SocketBuffer,
		Logger:           logger,
	})
}

func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: port must be between 1 and 65535, got %d", ErrInvalid, port)
	}
	return nil
}

// ValidateMetricsAddr accepts an empty address (metrics disabled) or host:port
// where host may be empty.
func ValidateMetricsAddr(addr string) error {
	if addr == "" {
		return nil
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%w: metrics_addr %q: %w", ErrInvalid, addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("%w: metrics_addr port %q", ErrInvalid, portStr)
	}
	return validatePort(port)
}
