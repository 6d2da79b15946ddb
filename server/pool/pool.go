package pool

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/Mmx233/framelink/transport"
	"github.com/rs/zerolog"
)

var (
	ErrFull        = errors.New("pool: every slot is bound")
	ErrInvalidSlot = errors.New("pool: slot index out of range")
	ErrNotBound    = errors.New("pool: slot is not bound")
)

// Slot is one fixed identity in the pool. Its index never changes; the
// connection bound to it comes and goes.
type Slot struct {
	index int

	mu        sync.Mutex
	conn      transport.Conn
	addr      net.Addr
	boundAt   time.Time
	rtt       time.Duration
	rttKnown  bool
	listening bool

	// writeMu serializes writes so two sends never interleave on the wire
	writeMu sync.Mutex
}

// SlotInfo is a point-in-time view of a slot.
type SlotInfo struct {
	Index      int
	RemoteAddr net.Addr
	BoundAt    time.Time
	RTT        time.Duration
	RTTKnown   bool
	Listening  bool
}

func (s *Slot) Index() int {
	return s.index
}

// Conn returns the bound connection, nil when the slot is empty.
func (s *Slot) Conn() transport.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Slot) Bound() bool {
	return s.Conn() != nil
}

// Write sends one complete frame to the bound connection.
func (s *Slot) Write(frame []byte) error {
	conn := s.Conn()
	if conn == nil {
		return ErrNotBound
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("write slot %d: %w", s.index, err)
	}
	return nil
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// WriteWithin is Write bounded by timeout once the slot's write lock is held.
// A write that misses the deadline may leave a partial frame on the wire, so
// the connection is closed. Connections without write deadlines fall back to
// a plain Write.
func (s *Slot) WriteWithin(frame []byte, timeout time.Duration) error {
	conn := s.Conn()
	if conn == nil {
		return ErrNotBound
	}
	d, ok := conn.(writeDeadliner)
	if !ok || timeout <= 0 {
		return s.Write(frame)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = d.SetWriteDeadline(time.Now().Add(timeout))
	_, err := conn.Write(frame)
	_ = d.SetWriteDeadline(time.Time{})
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("write slot %d: %w", s.index, err)
	}
	return nil
}

// SetRTT records a round trip sample. Samples for a connection that is no
// longer bound are dropped.
func (s *Slot) SetRTT(conn transport.Conn, rtt time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || s.conn != conn {
		return false
	}
	s.rtt = rtt
	s.rttKnown = true
	return true
}

// RTT returns the last round trip sample; false until the first probe completes.
func (s *Slot) RTT() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rtt, s.rttKnown
}

func (s *Slot) SetListening(conn transport.Conn, listening bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		s.listening = listening
	}
}

func (s *Slot) Info() SlotInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SlotInfo{
		Index:      s.index,
		RemoteAddr: s.addr,
		BoundAt:    s.boundAt,
		RTT:        s.rtt,
		RTTKnown:   s.rttKnown,
		Listening:  s.listening,
	}
}

// Pool is a fixed-capacity set of connection slots, allocated up front.
type Pool struct {
	mu     sync.Mutex // serializes claims so a slot is validated empty and bound atomically
	slots  []*Slot
	logger zerolog.Logger
}

// New creates a pool of capacity slots
func New(capacity int, logger zerolog.Logger) *Pool {
	slots := make([]*Slot, capacity)
	for i := range slots {
		slots[i] = &Slot{index: i}
	}
	return &Pool{
		slots:  slots,
		logger: logger,
	}
}

func (p *Pool) Cap() int {
	return len(p.slots)
}

// Claim binds conn to the first empty slot. The pool never evicts a bound
// slot: when every slot is taken ErrFull is returned and conn is left to
// the caller.
func (p *Pool) Claim(conn transport.Conn) (*Slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range p.slots {
		s.mu.Lock()
		if s.conn != nil {
			s.mu.Unlock()
			continue
		}
		s.conn = conn
		s.addr = conn.RemoteAddr()
		s.boundAt = time.Now()
		s.rtt = 0
		s.rttKnown = false
		s.listening = false
		s.mu.Unlock()

		p.logger.Info().
			Int("slot", s.index).
			Str("remote", s.addr.String()).
			Msg("slot bound")
		return s, nil
	}
	return nil, ErrFull
}

// Release unbinds s if it still holds conn, closing the connection and
// resetting the round trip estimate. It reports whether the slot was released.
func (p *Pool) Release(s *Slot, conn transport.Conn) bool {
	s.mu.Lock()
	if s.conn == nil || s.conn != conn {
		s.mu.Unlock()
		return false
	}
	addr := s.addr
	s.conn = nil
	s.rtt = 0
	s.rttKnown = false
	s.listening = false
	s.mu.Unlock()

	_ = conn.Close()
	p.logger.Info().
		Int("slot", s.index).
		Str("remote", addr.String()).
		Msg("slot released")
	return true
}

// Get returns the slot at index, bound or not.
func (p *Pool) Get(index int) (*Slot, error) {
	if index < 0 || index >= len(p.slots) {
		return nil, fmt.Errorf("%w: %d not in [0,%d)", ErrInvalidSlot, index, len(p.slots))
	}
	return p.slots[index], nil
}

// Bound returns the slots that currently hold a connection, in index order.
func (p *Pool) Bound() []*Slot {
	bound := make([]*Slot, 0, len(p.slots))
	for _, s := range p.slots {
		if s.Bound() {
			bound = append(bound, s)
		}
	}
	return bound
}

// Count returns the number of bound slots
func (p *Pool) Count() int {
	n := 0
	for _, s := range p.slots {
		if s.Bound() {
			n++
		}
	}
	return n
}
