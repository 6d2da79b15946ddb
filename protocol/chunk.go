package protocol

import (
	"errors"
	"fmt"
)

var chunkHeader = []byte("cH0nkyb01")

// Chunk frame layout:
// [9 bytes header][8 bytes transfer id][4 bytes offset][4 bytes total chunks][4 bytes signed length][payload]
const (
	chunkIDOffset     = 9
	chunkOffsetOffset = chunkIDOffset + 8
	chunkTotalOffset  = chunkOffsetOffset + 4
	chunkLengthOffset = chunkTotalOffset + 4

	// ChunkHeaderSize is the fixed part of a chunk frame before the payload.
	ChunkHeaderSize = chunkLengthOffset + 4
)

var ErrChunkLength = errors.New("protocol: chunk payload length is out of range")

// ChunkFrameSize returns the frame size of a chunk carrying chunkSize payload bytes.
// Receivers must have a window at least this large.
func ChunkFrameSize(chunkSize int) int {
	return ChunkHeaderSize + chunkSize
}

// ChunkPacket carries one slice of a transfer.
type ChunkPacket struct {
	TransferID  uint64
	Offset      uint32
	TotalChunks uint32
	Data        []byte
}

func (p *ChunkPacket) Name() string { return "chunk" }

func (p *ChunkPacket) Header() []byte { return chunkHeader }

func (p *ChunkPacket) Serialize() ([]byte, error) {
	if int64(len(p.Data)) > int64(^uint32(0)>>1) {
		return nil, ErrChunkLength
	}
	b := make([]byte, ChunkFrameSize(len(p.Data)))
	if err := PutHeader(b, 0, chunkHeader); err != nil {
		return nil, err
	}
	if err := PutUint64(b, chunkIDOffset, p.TransferID); err != nil {
		return nil, err
	}
	if err := PutUint32(b, chunkOffsetOffset, p.Offset); err != nil {
		return nil, err
	}
	if err := PutUint32(b, chunkTotalOffset, p.TotalChunks); err != nil {
		return nil, err
	}
	if err := PutInt32(b, chunkLengthOffset, int32(len(p.Data))); err != nil {
		return nil, err
	}
	copy(b[ChunkHeaderSize:], p.Data)
	return b, nil
}

// IsMatch validates the length field as part of matching. Prototypes are shared
// between connections, so nothing is cached on the receiver.
func (p *ChunkPacket) IsMatch(b []byte, start, count int) bool {
	if count-start < ChunkHeaderSize || !MatchHeader(b, start, count, chunkHeader) {
		return false
	}
	length := Int32(b, start+chunkLengthOffset)
	if length < 0 || int64(count-start) < int64(ChunkHeaderSize)+int64(length) {
		return false
	}
	return true
}

// Malformed reports a complete chunk header whose length field is negative.
func (p *ChunkPacket) Malformed(b []byte, start, count int) bool {
	if count-start < ChunkHeaderSize || !MatchHeader(b, start, count, chunkHeader) {
		return false
	}
	return Int32(b, start+chunkLengthOffset) < 0
}

func (p *ChunkPacket) Deserialize(b []byte, start, count int) (int, error) {
	length := Int32(b, start+chunkLengthOffset)
	if length < 0 {
		return 0, ErrChunkLength
	}
	end := start + ChunkHeaderSize + int(length)
	if end > count || end > len(b) {
		return 0, fmt.Errorf("%w: chunk frame of %d bytes", ErrOutOfBounds, ChunkHeaderSize+int(length))
	}
	p.TransferID = Uint64(b, start+chunkIDOffset)
	p.Offset = Uint32(b, start+chunkOffsetOffset)
	p.TotalChunks = Uint32(b, start+chunkTotalOffset)
	p.Data = make([]byte, length)
	copy(p.Data, b[start+ChunkHeaderSize:end])
	return end - start, nil
}

func (p *ChunkPacket) Clone() Packet {
	c := *p
	if p.Data != nil {
		c.Data = make([]byte, len(p.Data))
		copy(c.Data, p.Data)
	}
	return &c
}

func (p *ChunkPacket) String() string {
	return fmt.Sprintf("ChunkPacket{transfer: %d, offset: %d, total: %d, len: %d}",
		p.TransferID, p.Offset, p.TotalChunks, len(p.Data))
}
