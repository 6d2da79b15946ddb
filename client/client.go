package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mmx233/framelink/event"
	"github.com/Mmx233/framelink/metrics"
	"github.com/Mmx233/framelink/protocol"
	"github.com/Mmx233/framelink/stream"
	"github.com/Mmx233/framelink/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultProbeInterval  = 5 * time.Second
	DefaultConnectTimeout = 10 * time.Second
)

var (
	ErrStopped        = errors.New("client: stopped")
	ErrAlreadyStarted = errors.New("client: already connecting or connected")
	ErrNotConnected   = errors.New("client: not connected")
	ErrInvalidConfig  = errors.New("client: invalid configuration")
)

// State is the lifecycle state of a Client
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailedToConnect
	StateStopped
)

// String returns a string representation of the state
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailedToConnect:
		return "failed_to_connect"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Options struct {
	// ProbeInterval is the period of the probe timer. Zero means
	// DefaultProbeInterval, a negative value disables probing.
	ProbeInterval  time.Duration
	RxBufferSize   int
	ConnectTimeout time.Duration
	// Transport defaults to TCP.
	Transport transport.Transport
	Logger    *zerolog.Logger
	Metrics   *metrics.Metrics
}

func (o *Options) ApplyDefaults() {
	if o.ProbeInterval == 0 {
		o.ProbeInterval = DefaultProbeInterval
	}
	if o.RxBufferSize == 0 {
		o.RxBufferSize = protocol.DefaultRxBufferSize
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
}

// Client owns a single outbound connection. It does not reconnect on its
// own; callers restart it from the failure or disconnect events.
type Client struct {
	addr      string
	registry  *protocol.Registry
	opts      Options
	transport transport.Transport
	logger    zerolog.Logger
	metrics   *metrics.Metrics

	state atomic.Int32
	// rtt holds the last round trip in nanoseconds, -1 while unknown
	rtt atomic.Int64

	mu      sync.Mutex // guards state transitions and conn
	conn    transport.Conn
	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	packets       event.Hub[protocol.Packet]
	connected     event.Hub[net.Addr]
	disconnected  event.Hub[error]
	failed        event.Hub[error]
	framingErrors event.Hub[error]
}

// New creates an idle client for address:port. The probe variant is added to
// registry if it is not registered yet.
func New(address string, port int, registry *protocol.Registry, opts Options) (*Client, error) {
	if registry == nil {
		return nil, fmt.Errorf("%w: nil registry", ErrInvalidConfig)
	}
	opts.ApplyDefaults()
	if opts.RxBufferSize < protocol.ProbeFrameSize {
		return nil, fmt.Errorf("%w: receive window of %d bytes cannot hold a probe", ErrInvalidConfig, opts.RxBufferSize)
	}

	addr := net.JoinHostPort(address, strconv.Itoa(port))
	var logger zerolog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("com", "client").Str("server_addr", addr).Logger()
	} else {
		logger = log.With().Str("com", "client").Str("server_addr", addr).Logger()
	}

	tr := opts.Transport
	if tr == nil {
		var err error
		tr, err = transport.New(transport.TCP, transport.Options{Logger: &logger})
		if err != nil {
			return nil, err
		}
	}

	registry.EnsureRegistered(&protocol.ProbePacket{})

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		addr:      addr,
		registry:  registry,
		opts:      opts,
		transport: tr,
		logger:    logger,
		metrics:   opts.Metrics,
		ctx:       ctx,
		cancel:    cancel,
	}
	c.rtt.Store(-1)
	return c, nil
}

// OnPacketReceived subscribes to every decoded packet. Probes are echoed or
// measured before subscribers see them.
func (c *Client) OnPacketReceived(fn func(protocol.Packet)) (unsubscribe func()) {
	return c.packets.Subscribe(fn)
}

func (c *Client) OnConnected(fn func(remote net.Addr)) (unsubscribe func()) {
	return c.connected.Subscribe(fn)
}

// OnDisconnected fires exactly once per established connection, with the
// reason the reassembly loop ended.
func (c *Client) OnDisconnected(fn func(reason error)) (unsubscribe func()) {
	return c.disconnected.Subscribe(fn)
}

func (c *Client) OnFailedToConnect(fn func(err error)) (unsubscribe func()) {
	return c.failed.Subscribe(fn)
}

// OnFramingError fires when the stream desyncs or starves the receive window.
// The connection is closed right after.
func (c *Client) OnFramingError(fn func(err error)) (unsubscribe func()) {
	return c.framingErrors.Subscribe(fn)
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// RTT returns the latest round trip estimate; false until a probe completes
// on the current connection.
func (c *Client) RTT() (time.Duration, bool) {
	ns := c.rtt.Load()
	if ns < 0 {
		return 0, false
	}
	return time.Duration(ns), true
}

// RemoteAddr returns the peer address while connected.
func (c *Client) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.RemoteAddr()
}

// Start connects in the background. It may be called again after the
// connection failed or dropped.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case StateStopped:
		return ErrStopped
	case StateConnecting, StateConnected:
		return ErrAlreadyStarted
	}
	c.state.Store(int32(StateConnecting))
	c.logger.Info().Msg("connecting to server")

	c.wg.Add(1)
	go c.run()
	return nil
}

// Stop closes the connection and refuses further starts. The reassembly loop
// still reports the disconnect. Stop does not wait for background
// goroutines, see Wait.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.State() == StateStopped {
		c.mu.Unlock()
		return
	}
	c.state.Store(int32(StateStopped))
	conn := c.conn
	c.cancel()
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.logger.Info().Msg("client stopped")
}

// Wait blocks until every background goroutine has exited. It must not be
// called from an event listener.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Send serializes p and writes it. Sends are serialized so frames never
// interleave. Sending while not connected drops p and returns ErrNotConnected.
func (c *Client) Send(p protocol.Packet) error {
	name := protocol.Name(p)
	frame, err := p.Serialize()
	if err != nil {
		return fmt.Errorf("serialize %s: %w", name, err)
	}

	c.mu.Lock()
	conn := c.conn
	connected := c.State() == StateConnected
	c.mu.Unlock()
	if conn == nil || !connected {
		c.logger.Warn().Str("packet", name).Str("state", c.State().String()).Msg("send while not connected, dropped")
		return ErrNotConnected
	}
	return c.write(conn, name, frame)
}

func (c *Client) write(conn transport.Conn, name string, frame []byte) error {
	c.writeMu.Lock()
	_, err := conn.Write(frame)
	c.writeMu.Unlock()
	if err != nil {
		c.logger.Error().Err(err).Str("packet", name).Msg("send failed")
		return fmt.Errorf("send %s: %w", name, err)
	}
	c.metrics.PacketSent(name, len(frame))
	return nil
}

func (c *Client) run() {
	defer c.wg.Done()

	ctx, cancel := context.WithTimeout(c.ctx, c.opts.ConnectTimeout)
	conn, err := c.transport.Dial(ctx, c.addr)
	cancel()
	if err != nil {
		c.mu.Lock()
		if c.State() != StateConnecting {
			c.mu.Unlock()
			return
		}
		c.state.Store(int32(StateFailedToConnect))
		c.mu.Unlock()

		c.logger.Error().Err(err).Msg("connect failed")
		c.failed.Emit(err)
		return
	}

	c.mu.Lock()
	if c.State() != StateConnecting {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.rtt.Store(-1)
	c.state.Store(int32(StateConnected))
	c.mu.Unlock()

	remote := conn.RemoteAddr()
	c.logger.Info().Str("remote", remote.String()).Msg("connected to server")
	c.connected.Emit(remote)

	connCtx, connCancel := context.WithCancel(c.ctx)
	if c.opts.ProbeInterval > 0 {
		c.wg.Add(1)
		go c.probeLoop(connCtx, conn)
	}

	window := protocol.GetWindow(c.opts.RxBufferSize)
	reader := stream.NewReader(conn, c.registry, *window, c.logger)
	reader.OnRead = c.metrics.BytesReceived
	err = reader.Run(func(p protocol.Packet) {
		c.dispatch(conn, p)
	})
	connCancel()
	protocol.PutWindow(window)

	if stream.IsFramingError(err) {
		c.metrics.FramingError(framingReason(err))
		c.framingErrors.Emit(err)
	}

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	if c.State() == StateConnected {
		c.state.Store(int32(StateDisconnected))
	}
	c.mu.Unlock()
	_ = conn.Close()

	c.logger.Info().AnErr("reason", err).Msg("disconnected from server")
	c.disconnected.Emit(err)
}

func (c *Client) dispatch(conn transport.Conn, p protocol.Packet) {
	c.metrics.PacketReceived(protocol.Name(p))

	if probe, ok := p.(*protocol.ProbePacket); ok {
		if !probe.Echoed {
			echo := *probe
			echo.Echoed = true
			frame, err := echo.Serialize()
			if err == nil {
				err = c.write(conn, echo.Name(), frame)
			}
			if err != nil {
				c.logger.Debug().Err(err).Msg("probe echo failed")
			}
		} else {
			rtt := probe.RTT()
			c.rtt.Store(int64(rtt))
			c.metrics.ObserveRTT(rtt)
			c.logger.Debug().Dur("rtt", rtt).Msg("probe round trip")
		}
	}

	c.packets.Emit(p)
}

func (c *Client) probeLoop(ctx context.Context, conn transport.Conn) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe := protocol.NewProbe()
			frame, err := probe.Serialize()
			if err != nil {
				c.logger.Error().Err(err).Msg("serialize probe failed")
				continue
			}
			if err := c.write(conn, probe.Name(), frame); err != nil {
				c.logger.Debug().Err(err).Msg("probe send failed")
			}
		}
	}
}

func framingReason(err error) string {
	if errors.Is(err, stream.ErrDesync) {
		return "desync"
	}
	return "window_starved"
}
