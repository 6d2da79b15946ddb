package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

type tcpTransport struct {
	opts   Options
	logger zerolog.Logger
}

func newTCP(opts Options) *tcpTransport {
	return &tcpTransport{
		opts:   opts,
		logger: opts.logger(TCP),
	}
}

func (t *tcpTransport) Name() string { return TCP }

func (t *tcpTransport) control(network, address string, c syscall.RawConn) error {
	return setSocketOptions(c, t.opts.SocketBuffer)
}

func (t *tcpTransport) Dial(ctx context.Context, addr string) (Conn, error) {
	d := net.Dialer{
		Timeout: t.opts.HandshakeTimeout,
		Control: t.control,
	}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial tcp %s: %w", addr, err)
	}
	t.logger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("connection established")
	return conn, nil
}

func (t *tcpTransport) Listen(addr string) (Listener, error) {
	lc := net.ListenConfig{
		Control: t.control,
	}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tcp %s: %w", addr, err)
	}
	t.logger.Info().Str("addr", ln.Addr().String()).Msg("TCP listener started")
	return &tcpListener{
		ln:     ln.(*net.TCPListener),
		logger: t.logger,
	}, nil
}

type tcpListener struct {
	ln     *net.TCPListener
	logger zerolog.Logger
}

func (l *tcpListener) Accept(ctx context.Context) (Conn, error) {
	// a deadline left over from a cancelled Accept must not leak into this one
	_ = l.ln.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		_ = l.ln.SetDeadline(time.Now())
	})
	defer stop()

	conn, err := l.ln.AcceptTCP()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrListenerClosed
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("accept tcp: %w", err)
	}

	_ = conn.SetNoDelay(true)
	return conn, nil
}

func (l *tcpListener) Close() error {
	return l.ln.Close()
}

func (l *tcpListener) Addr() net.Addr {
	return l.ln.Addr()
}
