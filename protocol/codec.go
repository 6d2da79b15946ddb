package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// All integers on the wire are little-endian.
var order = binary.LittleEndian

// ErrOutOfBounds is returned when a value does not fit before the end of the destination.
var ErrOutOfBounds = errors.New("protocol: value does not fit in destination")

func checkWrite(b []byte, off, size int) error {
	if off < 0 || size > len(b)-off {
		return fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrOutOfBounds, size, off, len(b))
	}
	return nil
}

func canRead(b []byte, off, size int) bool {
	return off >= 0 && size <= len(b)-off
}

// PutHeader copies a magic header into b at off.
func PutHeader(b []byte, off int, header []byte) error {
	if err := checkWrite(b, off, len(header)); err != nil {
		return err
	}
	copy(b[off:], header)
	return nil
}

// MatchHeader reports whether the bytes of b in [start, count) begin with header.
func MatchHeader(b []byte, start, count int, header []byte) bool {
	if start < 0 || count > len(b) || len(header) > count-start {
		return false
	}
	for i := range header {
		if b[start+i] != header[i] {
			return false
		}
	}
	return true
}

// HeaderPrefix reports whether the bytes available in [start, count) could still be the
// beginning of header once more bytes arrive.
func HeaderPrefix(b []byte, start, count int, header []byte) bool {
	if start < 0 || count > len(b) || start > count {
		return false
	}
	n := min(len(header), count-start)
	for i := 0; i < n; i++ {
		if b[start+i] != header[i] {
			return false
		}
	}
	return true
}

func PutUint16(b []byte, off int, v uint16) error {
	if err := checkWrite(b, off, 2); err != nil {
		return err
	}
	order.PutUint16(b[off:], v)
	return nil
}

func PutInt16(b []byte, off int, v int16) error {
	return PutUint16(b, off, uint16(v))
}

func PutUint32(b []byte, off int, v uint32) error {
	if err := checkWrite(b, off, 4); err != nil {
		return err
	}
	order.PutUint32(b[off:], v)
	return nil
}

func PutInt32(b []byte, off int, v int32) error {
	return PutUint32(b, off, uint32(v))
}

func PutUint64(b []byte, off int, v uint64) error {
	if err := checkWrite(b, off, 8); err != nil {
		return err
	}
	order.PutUint64(b[off:], v)
	return nil
}

func PutInt64(b []byte, off int, v int64) error {
	return PutUint64(b, off, uint64(v))
}

// Uint16 reads a value at off. Reading past the end yields zero so that match
// logic can probe truncated buffers safely. The same holds for every reader below.
func Uint16(b []byte, off int) uint16 {
	if !canRead(b, off, 2) {
		return 0
	}
	return order.Uint16(b[off:])
}

func Int16(b []byte, off int) int16 {
	return int16(Uint16(b, off))
}

func Uint32(b []byte, off int) uint32 {
	if !canRead(b, off, 4) {
		return 0
	}
	return order.Uint32(b[off:])
}

func Int32(b []byte, off int) int32 {
	return int32(Uint32(b, off))
}

func Uint64(b []byte, off int) uint64 {
	if !canRead(b, off, 8) {
		return 0
	}
	return order.Uint64(b[off:])
}

func Int64(b []byte, off int) int64 {
	return int64(Uint64(b, off))
}
