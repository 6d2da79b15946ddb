package protocol

import (
	"fmt"
	"time"
)

var probeHeader = []byte("P1nGp0Ng")

// ProbeFrameSize is header + timestamp + echo flag.
var ProbeFrameSize = len(probeHeader) + 8 + 1

var clockBase = time.Now()

// MonotonicNow returns monotonic clock ticks (nanoseconds) for probe timestamps.
// Ticks are only meaningful inside the process that produced them.
func MonotonicNow() int64 {
	return int64(time.Since(clockBase))
}

// ProbePacket measures round trip time. The sender stamps SentAt; the peer sets
// Echoed and sends the same packet back unchanged otherwise.
type ProbePacket struct {
	SentAt int64
	Echoed bool
}

// NewProbe returns a probe stamped with the current monotonic time.
func NewProbe() *ProbePacket {
	return &ProbePacket{SentAt: MonotonicNow()}
}

// RTT returns the round trip time of an echoed probe as seen by its sender.
func (p *ProbePacket) RTT() time.Duration {
	return time.Duration(MonotonicNow() - p.SentAt)
}

func (p *ProbePacket) Name() string { return "probe" }

func (p *ProbePacket) Header() []byte { return probeHeader }

func (p *ProbePacket) Serialize() ([]byte, error) {
	b := make([]byte, ProbeFrameSize)
	if err := PutHeader(b, 0, probeHeader); err != nil {
		return nil, err
	}
	if err := PutInt64(b, len(probeHeader), p.SentAt); err != nil {
		return nil, err
	}
	if p.Echoed {
		b[len(probeHeader)+8] = 1
	}
	return b, nil
}

func (p *ProbePacket) IsMatch(b []byte, start, count int) bool {
	return count-start >= ProbeFrameSize && MatchHeader(b, start, count, probeHeader)
}

func (p *ProbePacket) Deserialize(b []byte, start, count int) (int, error) {
	if !p.IsMatch(b, start, count) {
		return 0, fmt.Errorf("%w: probe frame", ErrOutOfBounds)
	}
	p.SentAt = Int64(b, start+len(probeHeader))
	p.Echoed = b[start+len(probeHeader)+8] != 0
	return ProbeFrameSize, nil
}

func (p *ProbePacket) Clone() Packet {
	c := *p
	return &c
}

func (p *ProbePacket) String() string {
	return fmt.Sprintf("ProbePacket{sent_at: %d, echoed: %t}", p.SentAt, p.Echoed)
}
