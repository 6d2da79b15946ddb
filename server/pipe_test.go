package server

import (
	"context"
	"net"
	"sync"

	"github.com/Mmx233/framelink/transport"
)

// pipeTransport connects dialers to the listener over synchronous in-memory
// pipes, so a peer that never reads stalls every write to it.
type pipeTransport struct {
	mu sync.Mutex
	ln *pipeListener
}

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }

func (t *pipeTransport) Name() string { return "pipe" }

func (t *pipeTransport) Listen(string) (transport.Listener, error) {
	ln := &pipeListener{conns: make(chan net.Conn), done: make(chan struct{})}
	t.mu.Lock()
	t.ln = ln
	t.mu.Unlock()
	return ln, nil
}

func (t *pipeTransport) Dial(ctx context.Context, _ string) (transport.Conn, error) {
	t.mu.Lock()
	ln := t.ln
	t.mu.Unlock()
	local, remote := net.Pipe()
	select {
	case ln.conns <- remote:
		return local, nil
	case <-ln.done:
	case <-ctx.Done():
	}
	local.Close()
	remote.Close()
	return nil, transport.ErrListenerClosed
}

type pipeListener struct {
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

func (l *pipeListener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.done:
		return nil, transport.ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *pipeListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *pipeListener) Addr() net.Addr { return pipeAddr{} }
