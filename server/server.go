package server

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
	"github.com/Mmx233/framelink/server/pool"
	"github.com/Mmx233/framelink/stream"
	"github.com/Mmx233/framelink/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const DefaultProbeInterval = 5 * time.Second

var (
	ErrAlreadyStarted = errors.New("server: already started")
	ErrNotListening   = errors.New("server: not listening")
	ErrSlotNotBound   = errors.New("server: slot is not bound")
	ErrInvalidSlot    = errors.New("server: invalid slot")
	ErrInvalidConfig  = errors.New("server: invalid configuration")
)

type state int32

const (
	stateStopped state = iota
	stateListening
)

type Options struct {
	// ProbeInterval is the period of the probe broadcast. Zero means
	// DefaultProbeInterval, a negative value disables probing.
	ProbeInterval time.Duration
	// RxBufferSize is the receive window per slot. Frames larger than the
	// window can never be decoded.
	RxBufferSize int
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
}

// PacketEvent is a packet received on a slot.
type PacketEvent struct {
	Slot   int
	Packet protocol.Packet
}

// SlotEvent reports a slot binding to or losing its connection.
type SlotEvent struct {
	Slot       int
	RemoteAddr net.Addr
	// Err is the reason the reassembly loop ended, nil on connect.
	Err error
}

// Server accepts up to MaxClients simultaneous peers, one per slot.
type Server struct {
	addr      string
	registry  *protocol.Registry
	opts      Options
	transport transport.Transport
	pool      *pool.Pool
	logger    zerolog.Logger
	metrics   *metrics.Metrics

	state atomic.Int32

	mu       sync.Mutex // guards Start/Stop and the fields below
	listener transport.Listener
	cancel   context.CancelFunc
	loops    *sync.WaitGroup // accept and probe loops of the current run

	connWG sync.WaitGroup // per-slot reassembly loops

	packets       event.Hub[PacketEvent]
	connected     event.Hub[SlotEvent]
	disconnected  event.Hub[SlotEvent]
	framingErrors event.Hub[SlotEvent]
}

// New creates a stopped server. The probe variant is added to registry if it
// is not registered yet.
func New(bindAddr string, port, maxClients int, registry *protocol.Registry, opts Options) (*Server, error) {
	if maxClients < 1 {
		return nil, fmt.Errorf("%w: max clients must be at least 1, got %d", ErrInvalidConfig, maxClients)
	}
	if registry == nil {
		return nil, fmt.Errorf("%w: nil registry", ErrInvalidConfig)
	}
	opts.ApplyDefaults()
	if opts.RxBufferSize < protocol.ProbeFrameSize {
		return nil, fmt.Errorf("%w: receive window of %d bytes cannot hold a probe", ErrInvalidConfig, opts.RxBufferSize)
	}

	var logger zerolog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("com", "server").Logger()
	} else {
		logger = log.With().Str("com", "server").Logger()
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

	return &Server{
		addr:      net.JoinHostPort(bindAddr, strconv.Itoa(port)),
		registry:  registry,
		opts:      opts,
		transport: tr,
		pool:      pool.New(maxClients, logger),
		logger:    logger,
		metrics:   opts.Metrics,
	}, nil
}

// OnPacketReceived subscribes to every decoded packet. Probes are echoed or
// measured before subscribers see them.
func (s *Server) OnPacketReceived(fn func(PacketEvent)) (unsubscribe func()) {
	return s.packets.Subscribe(fn)
}

func (s *Server) OnConnected(fn func(SlotEvent)) (unsubscribe func()) {
	return s.connected.Subscribe(fn)
}

// OnDisconnected fires exactly once for every connection that was bound to a
// slot. The slot is released only after every listener returns.
func (s *Server) OnDisconnected(fn func(SlotEvent)) (unsubscribe func()) {
	return s.disconnected.Subscribe(fn)
}

// OnFramingError fires when a slot's stream desyncs or starves its window.
// The connection is closed right after.
func (s *Server) OnFramingError(fn func(SlotEvent)) (unsubscribe func()) {
	return s.framingErrors.Subscribe(fn)
}

// Start binds the listener and begins accepting in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state(s.state.Load()) == stateListening {
		return ErrAlreadyStarted
	}

	ln, err := s.transport.Listen(s.addr)
	if err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	loops := new(sync.WaitGroup)
	s.listener = ln
	s.cancel = cancel
	s.loops = loops
	s.state.Store(int32(stateListening))

	loops.Add(1)
	go s.acceptLoop(ctx, ln, loops)

	if s.opts.ProbeInterval > 0 {
		loops.Add(1)
		go s.probeLoop(ctx, loops)
	}

	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Str("transport", s.transport.Name()).
		Int("max_clients", s.pool.Cap()).
		Dur("probe_interval", s.opts.ProbeInterval).
		Msg("server listening")
	return nil
}

// Stop stops accepting and probing and waits for both loops to exit. An
// in-flight probe write is bounded by the probe interval. Bound slots are left
// to drain on their own; use DisconnectAll or Shutdown to close them.
func (s *Server) Stop() {
	s.mu.Lock()
	if state(s.state.Load()) != stateListening {
		s.mu.Unlock()
		return
	}
	s.state.Store(int32(stateStopped))
	s.cancel()
	_ = s.listener.Close()
	s.listener = nil
	loops := s.loops
	s.loops = nil
	s.mu.Unlock()

	loops.Wait()
	s.logger.Info().Int("bound", s.pool.Count()).Msg("server stopped")
}

// Shutdown stops the server, closes every bound slot and waits for their
// reassembly loops to finish. It must not be called from an event listener.
func (s *Server) Shutdown() {
	s.Stop()
	s.DisconnectAll()
	s.connWG.Wait()
}

func (s *Server) Listening() bool {
	return state(s.state.Load()) == stateListening
}

// Addr returns the bound listener address, nil while stopped.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) MaxClients() int {
	return s.pool.Cap()
}

// ConnectedSlots returns a snapshot of the bound slots in index order.
func (s *Server) ConnectedSlots() []pool.SlotInfo {
	bound := s.pool.Bound()
	infos := make([]pool.SlotInfo, 0, len(bound))
	for _, sl := range bound {
		infos = append(infos, sl.Info())
	}
	return infos
}

// Kick closes the connection bound to slot. The slot's loop then emits the
// disconnect event and releases it.
func (s *Server) Kick(slot int) error {
	sl, err := s.slot(slot)
	if err != nil {
		return err
	}
	conn := sl.Conn()
	if conn == nil {
		return fmt.Errorf("%w: %d", ErrSlotNotBound, slot)
	}
	s.logger.Info().Int("slot", slot).Msg("kicking slot")
	return conn.Close()
}

// DisconnectAll closes every bound connection.
func (s *Server) DisconnectAll() {
	for _, sl := range s.pool.Bound() {
		if conn := sl.Conn(); conn != nil {
			_ = conn.Close()
		}
	}
}

// Send writes p to one slot.
func (s *Server) Send(p protocol.Packet, slot int) error {
	name := protocol.Name(p)
	if !s.Listening() {
		s.logger.Warn().Str("packet", name).Int("slot", slot).Msg("send while not listening, dropped")
		return ErrNotListening
	}
	sl, err := s.slot(slot)
	if err != nil {
		s.logger.Warn().Err(err).Str("packet", name).Msg("send to invalid slot, dropped")
		return err
	}
	frame, err := p.Serialize()
	if err != nil {
		return fmt.Errorf("serialize %s: %w", name, err)
	}
	return s.write(sl, name, frame)
}

// SendToAll writes p to every bound slot concurrently and waits for all
// writes. It returns the first write error, if any.
func (s *Server) SendToAll(p protocol.Packet) error {
	name := protocol.Name(p)
	if !s.Listening() {
		s.logger.Warn().Str("packet", name).Msg("broadcast while not listening, dropped")
		return ErrNotListening
	}
	frame, err := p.Serialize()
	if err != nil {
		return fmt.Errorf("serialize %s: %w", name, err)
	}
	return s.broadcast(name, frame, 0, nil)
}

// SendToAllWithResults is SendToAll with a per-slot success map.
func (s *Server) SendToAllWithResults(p protocol.Packet) (map[int]bool, error) {
	name := protocol.Name(p)
	if !s.Listening() {
		s.logger.Warn().Str("packet", name).Msg("broadcast while not listening, dropped")
		return nil, ErrNotListening
	}
	frame, err := p.Serialize()
	if err != nil {
		return nil, fmt.Errorf("serialize %s: %w", name, err)
	}

	var mu sync.Mutex
	results := make(map[int]bool)
	_ = s.broadcast(name, frame, 0, func(slot int, err error) {
		mu.Lock()
		results[slot] = err == nil
		mu.Unlock()
	})
	return results, nil
}

// broadcast writes one pre-serialized frame to every bound slot. A positive
// timeout bounds each write, see pool.Slot.WriteWithin.
func (s *Server) broadcast(name string, frame []byte, timeout time.Duration, report func(slot int, err error)) error {
	var g errgroup.Group
	for _, sl := range s.pool.Bound() {
		g.Go(func() error {
			err := s.writeWithin(sl, name, frame, timeout)
			if report != nil {
				report(sl.Index(), err)
			}
			return err
		})
	}
	return g.Wait()
}

func (s *Server) slot(index int) (*pool.Slot, error) {
	sl, err := s.pool.Get(index)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSlot, err)
	}
	return sl, nil
}

func (s *Server) write(sl *pool.Slot, name string, frame []byte) error {
	return s.writeWithin(sl, name, frame, 0)
}

func (s *Server) writeWithin(sl *pool.Slot, name string, frame []byte, timeout time.Duration) error {
	if err := sl.WriteWithin(frame, timeout); err != nil {
		if errors.Is(err, pool.ErrNotBound) {
			s.logger.Warn().Str("packet", name).Int("slot", sl.Index()).Msg("send to unbound slot, dropped")
			return fmt.Errorf("%w: %d", ErrSlotNotBound, sl.Index())
		}
		s.logger.Error().Err(err).Str("packet", name).Int("slot", sl.Index()).Msg("send failed")
		return err
	}
	s.metrics.PacketSent(name, len(frame))
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln transport.Listener, loops *sync.WaitGroup) {
	defer loops.Done()
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrListenerClosed) {
				return
			}
			s.logger.Error().Err(err).Msg("accept connection failed")
			continue
		}

		sl, err := s.pool.Claim(conn)
		if err != nil {
			s.logger.Warn().
				Str("remote", conn.RemoteAddr().String()).
				Int("max_clients", s.pool.Cap()).
				Msg("no free slot, connection rejected")
			s.metrics.ConnectionRejected()
			_ = conn.Close()
			continue
		}
		s.metrics.SlotBound()

		s.connWG.Add(1)
		go s.serveSlot(sl, conn)
	}
}

// serveSlot runs the reassembly loop of one bound slot until its connection ends.
func (s *Server) serveSlot(sl *pool.Slot, conn transport.Conn) {
	defer s.connWG.Done()

	addr := conn.RemoteAddr()
	logger := s.logger.With().
		Int("slot", sl.Index()).
		Str("remote", addr.String()).
		Logger()

	s.connected.Emit(SlotEvent{Slot: sl.Index(), RemoteAddr: addr})

	window := protocol.GetWindow(s.opts.RxBufferSize)
	defer protocol.PutWindow(window)

	reader := stream.NewReader(conn, s.registry, *window, logger)
	reader.OnRead = s.metrics.BytesReceived

	sl.SetListening(conn, true)
	err := reader.Run(func(p protocol.Packet) {
		s.dispatch(sl, conn, p, logger)
	})

	if stream.IsFramingError(err) {
		s.metrics.FramingError(framingReason(err))
		s.framingErrors.Emit(SlotEvent{Slot: sl.Index(), RemoteAddr: addr, Err: err})
	}
	// Disconnect listeners run while the slot is still held, so no new peer
	// can bind it before they finish with this one.
	_ = conn.Close()
	logger.Info().AnErr("reason", err).Msg("client disconnected")
	s.disconnected.Emit(SlotEvent{Slot: sl.Index(), RemoteAddr: addr, Err: err})
	if s.pool.Release(sl, conn) {
		s.metrics.SlotReleased()
	}
}

func (s *Server) dispatch(sl *pool.Slot, conn transport.Conn, p protocol.Packet, logger zerolog.Logger) {
	s.metrics.PacketReceived(protocol.Name(p))

	if probe, ok := p.(*protocol.ProbePacket); ok {
		if !probe.Echoed {
			echo := *probe
			echo.Echoed = true
			frame, err := echo.Serialize()
			if err == nil {
				err = s.write(sl, echo.Name(), frame)
			}
			if err != nil {
				logger.Debug().Err(err).Msg("probe echo failed")
			}
		} else {
			rtt := probe.RTT()
			if sl.SetRTT(conn, rtt) {
				s.metrics.ObserveRTT(rtt)
				logger.Debug().Dur("rtt", rtt).Msg("probe round trip")
			}
		}
	}

	s.packets.Emit(PacketEvent{Slot: sl.Index(), Packet: p})
}

// probeLoop broadcasts one probe per tick, serialized once per tick.
func (s *Server) probeLoop(ctx context.Context, loops *sync.WaitGroup) {
	defer loops.Done()

	ticker := time.NewTicker(s.opts.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe := protocol.NewProbe()
			frame, err := probe.Serialize()
			if err != nil {
				s.logger.Error().Err(err).Msg("serialize probe failed")
				continue
			}
			if err := s.broadcast(probe.Name(), frame, s.opts.ProbeInterval, nil); err != nil {
				s.logger.Debug().Err(err).Msg("probe broadcast incomplete")
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
