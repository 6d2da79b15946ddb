// Package transport provides the byte-stream connections framelink runs over.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	TCP  = "tcp"
	QUIC = "quic"

	DefaultHandshakeTimeout = 10 * time.Second
)

var (
	ErrUnknownTransport = errors.New("transport: unknown transport")
	ErrListenerClosed   = errors.New("transport: listener closed")
)

// Conn is one ordered, reliable byte stream to a peer.
type Conn interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
}

// Listener hands out inbound connections. Close unblocks pending Accept calls.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
	Addr() net.Addr
}

type Transport interface {
	Name() string
	Dial(ctx context.Context, addr string) (Conn, error)
	Listen(addr string) (Listener, error)
}

// TLSOptions configures the QUIC transport. Empty cert/key makes the listener
// use an in-memory self-signed certificate; empty CAFile disables peer
// verification on the dialer.
type TLSOptions struct {
	CertFile   string
	KeyFile    string
	CAFile     string
	ServerName string
}

type Options struct {
	TLS              TLSOptions
	QuicConfig       *quic.Config
	HandshakeTimeout time.Duration
	// SocketBuffer sets SO_RCVBUF/SO_SNDBUF on TCP sockets, 0 keeps the system default.
	SocketBuffer int
	Logger       *zerolog.Logger
}

func (o Options) logger(name string) zerolog.Logger {
	if o.Logger != nil {
		return o.Logger.With().Str("transport", name).Logger()
	}
	return log.With().Str("com", "transport").Str("transport", name).Logger()
}

// New returns the transport registered under name.
func New(name string, opts Options) (Transport, error) {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	switch name {
	case TCP, "":
		return newTCP(opts), nil
	case QUIC:
		return newQUIC(opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, name)
	}
}
