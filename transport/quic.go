package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
)

// streamPreamble is written by the dialer so the listener sees the stream
// before any application data is sent.
var streamPreamble = []byte("FLK1")

var ErrBadPreamble = errors.New("transport: unexpected stream preamble")

const closeCodeNormal quic.ApplicationErrorCode = 0

type quicTransport struct {
	opts      Options
	serverTLS *tls.Config
	clientTLS *tls.Config
	logger    zerolog.Logger
}

func newQUIC(opts Options) (*quicTransport, error) {
	clientTLS, err := ClientTLSConfig(opts.TLS)
	if err != nil {
		return nil, err
	}
	return &quicTransport{
		opts:      opts,
		clientTLS: clientTLS,
		logger:    opts.logger(QUIC),
	}, nil
}

func (t *quicTransport) Name() string { return QUIC }

func (t *quicTransport) Dial(ctx context.Context, addr string) (Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, t.opts.HandshakeTimeout)
	defer cancel()

	conn, err := quic.DialAddr(ctx, addr, t.clientTLS, t.opts.QuicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial quic %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(closeCodeNormal, "open stream failed")
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if _, err := stream.Write(streamPreamble); err != nil {
		_ = conn.CloseWithError(closeCodeNormal, "write preamble failed")
		return nil, fmt.Errorf("write preamble: %w", err)
	}

	t.logger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("connection established")
	return &quicConn{conn: conn, stream: stream}, nil
}

func (t *quicTransport) Listen(addr string) (Listener, error) {
	if t.serverTLS == nil {
		serverTLS, err := ServerTLSConfig(t.opts.TLS)
		if err != nil {
			return nil, err
		}
		t.serverTLS = serverTLS
	}
	ln, err := quic.ListenAddr(addr, t.serverTLS, t.opts.QuicConfig)
	if err != nil {
		return nil, fmt.Errorf("listen quic %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &quicListener{
		ln:     ln,
		opts:   t.opts,
		ready:  make(chan Conn),
		ctx:    ctx,
		cancel: cancel,
		logger: t.logger,
	}
	l.wg.Add(1)
	go l.acceptLoop()

	t.logger.Info().Str("addr", ln.Addr().String()).Msg("QUIC listener started")
	return l, nil
}

type quicListener struct {
	ln     *quic.Listener
	opts   Options
	ready  chan Conn
	logger zerolog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func (l *quicListener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept(l.ctx)
		if err != nil {
			if l.ctx.Err() == nil {
				l.logger.Error().Err(err).Msg("accept QUIC connection failed")
			}
			return
		}
		l.wg.Add(1)
		go l.handshake(conn)
	}
}

// handshake waits for the dialer's stream and preamble before handing the
// connection to Accept.
func (l *quicListener) handshake(conn *quic.Conn) {
	defer l.wg.Done()
	logger := l.logger.With().Str("remote", conn.RemoteAddr().String()).Logger()

	ctx, cancel := context.WithTimeout(l.ctx, l.opts.HandshakeTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		logger.Debug().Err(err).Msg("no stream opened")
		_ = conn.CloseWithError(closeCodeNormal, "no stream")
		return
	}

	stop := context.AfterFunc(ctx, func() { stream.CancelRead(0) })
	preamble := make([]byte, len(streamPreamble))
	_, err = io.ReadFull(stream, preamble)
	stop()
	if err == nil && !bytes.Equal(preamble, streamPreamble) {
		err = ErrBadPreamble
	}
	if err != nil {
		logger.Debug().Err(err).Msg("stream handshake failed")
		_ = conn.CloseWithError(closeCodeNormal, "bad preamble")
		return
	}

	c := &quicConn{conn: conn, stream: stream}
	select {
	case l.ready <- c:
	case <-l.ctx.Done():
		_ = c.Close()
	}
}

func (l *quicListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.ready:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.ctx.Done():
		return nil, ErrListenerClosed
	}
}

func (l *quicListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.cancel()
		err = l.ln.Close()
		l.wg.Wait()
	})
	return err
}

func (l *quicListener) Addr() net.Addr {
	return l.ln.Addr()
}

// quicConn is one bidirectional stream on its own QUIC connection.
type quicConn struct {
	conn      *quic.Conn
	stream    *quic.Stream
	closeOnce sync.Once
}

func (c *quicConn) Read(p []byte) (int, error) {
	n, err := c.stream.Read(p)
	if err != nil && isNormalClose(err) {
		err = io.EOF
	}
	return n, err
}

func (c *quicConn) Write(p []byte) (int, error) {
	return c.stream.Write(p)
}

func (c *quicConn) SetWriteDeadline(t time.Time) error {
	return c.stream.SetWriteDeadline(t)
}

func (c *quicConn) Close() error {
	c.closeOnce.Do(func() {
		c.stream.CancelRead(0)
		_ = c.stream.Close()
		_ = c.conn.CloseWithError(closeCodeNormal, "closed")
	})
	return nil
}

func (c *quicConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// isNormalClose reports whether the peer closed the connection on purpose.
func isNormalClose(err error) bool {
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Remote && appErr.ErrorCode == closeCodeNormal
	}
	return false
}
