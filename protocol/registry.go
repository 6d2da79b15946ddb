package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrDuplicateHeader = errors.New("protocol: header already registered")
	ErrEmptyHeader     = errors.New("protocol: variant has an empty header")
)

// Batch is the result of decoding a buffer.
type Batch struct {
	Packets []Packet
	// BytesUsed counts the bytes consumed from the start offset. It is smaller than
	// the available byte count when a trailing partial frame remains.
	BytesUsed int
}

// Registry holds one prototype per variant. Variants are tried in registration
// order, so when two headers overlap the earlier registration wins.
type Registry struct {
	mu       sync.RWMutex
	variants []Packet
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a prototype. Registering a header twice is an error.
func (r *Registry) Register(p Packet) error {
	header := p.Header()
	if len(header) == 0 {
		return ErrEmptyHeader
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, v := range r.variants {
		if bytes.Equal(v.Header(), header) {
			return fmt.Errorf("%w: %q", ErrDuplicateHeader, header)
		}
	}
	r.variants = append(r.variants, p)
	return nil
}

// EnsureRegistered registers p unless a variant with the same header is already present.
func (r *Registry) EnsureRegistered(p Packet) {
	if err := r.Register(p); err != nil && !errors.Is(err, ErrDuplicateHeader) {
		panic(err)
	}
}

// Variants returns the prototypes in priority order.
func (r *Registry) Variants() []Packet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Packet, len(r.variants))
	copy(out, r.variants)
	return out
}

// TryDecodeOne decodes the first frame at start. ok is false when no variant
// matches a complete frame.
func (r *Registry) TryDecodeOne(b []byte, start, count int) (p Packet, used int, ok bool, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, v := range r.variants {
		if !v.IsMatch(b, start, count) {
			continue
		}
		p = v.Clone()
		used, err = p.Deserialize(b, start, count)
		if err != nil {
			return nil, 0, false, fmt.Errorf("deserialize %s: %w", Name(v), err)
		}
		return p, used, true, nil
	}
	return nil, 0, false, nil
}

// DecodeAll decodes back-to-back frames from start until a non-match or the end.
func (r *Registry) DecodeAll(b []byte, start, count int) (Batch, error) {
	var batch Batch
	pos := start
	for pos < count {
		p, used, ok, err := r.TryDecodeOne(b, pos, count)
		if err != nil {
			batch.BytesUsed = pos - start
			return batch, err
		}
		if !ok {
			break
		}
		if used <= 0 {
			// a zero length frame would never advance
			batch.BytesUsed = pos - start
			return batch, fmt.Errorf("variant %s consumed %d bytes", Name(p), used)
		}
		batch.Packets = append(batch.Packets, p)
		pos += used
	}
	batch.BytesUsed = pos - start
	return batch, nil
}

// CouldMatch reports whether the bytes at start may still become a frame of some
// registered variant. False means the stream has lost framing.
func (r *Registry) CouldMatch(b []byte, start, count int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, v := range r.variants {
		if !HeaderPrefix(b, start, count, v.Header()) {
			continue
		}
		if m, ok := v.(Malformer); ok && m.Malformed(b, start, count) {
			continue
		}
		return true
	}
	return false
}
