// Package stream turns arbitrary byte arrivals into typed packets.
package stream

import (
	"errors"
	"fmt"
	"io"

	"github.com/Mmx233/framelink/protocol"
)

var (
	// ErrDesync means the unconsumed bytes cannot begin any registered variant.
	ErrDesync = errors.New("stream: framing lost, bytes match no registered variant")
	// ErrWindowStarved means the window filled up without a single decodable frame,
	// which happens when a frame is larger than the window.
	ErrWindowStarved = errors.New("stream: receive window full with no complete frame")
)

// Window is a fixed-capacity receive buffer. Bytes that do not yet form a
// complete frame stay at the front of the window for the next Fill.
type Window struct {
	buf     []byte
	pending int
}

// NewWindow wraps buf as a window. The whole slice is used.
func NewWindow(buf []byte) *Window {
	return &Window{buf: buf}
}

// Size returns the capacity of the window.
func (w *Window) Size() int {
	return len(w.buf)
}

// Pending returns the number of leftover bytes carried from earlier reads.
func (w *Window) Pending() int {
	return w.pending
}

// Fill performs one read into the free part of the window.
func (w *Window) Fill(r io.Reader) (int, error) {
	if w.pending >= len(w.buf) {
		return 0, ErrWindowStarved
	}
	n, err := r.Read(w.buf[w.pending:])
	w.pending += n
	return n, err
}

// Write appends p to the window. It is the push-style counterpart of Fill.
func (w *Window) Write(p []byte) (int, error) {
	if len(p) > len(w.buf)-w.pending {
		return 0, fmt.Errorf("%w: %d bytes do not fit in %d free", protocol.ErrOutOfBounds, len(p), len(w.buf)-w.pending)
	}
	copy(w.buf[w.pending:], p)
	w.pending += len(p)
	return len(p), nil
}

// Drain decodes every complete frame in the window and moves the leftover
// bytes to the front. An error is returned together with the packets that were
// decoded before framing broke down.
func (w *Window) Drain(reg *protocol.Registry) ([]protocol.Packet, error) {
	count := w.pending
	batch, err := reg.DecodeAll(w.buf, 0, count)
	if err != nil {
		return batch.Packets, err
	}

	leftover := count - batch.BytesUsed
	if leftover > 0 {
		copy(w.buf, w.buf[batch.BytesUsed:count])
	}
	w.pending = leftover

	if leftover > 0 && !reg.CouldMatch(w.buf, 0, leftover) {
		return batch.Packets, ErrDesync
	}
	if leftover == len(w.buf) {
		return batch.Packets, ErrWindowStarved
	}
	return batch.Packets, nil
}
