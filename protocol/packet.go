package protocol

// Packet is one wire format variant. A frame is the variant's magic header
// followed by its own payload layout; there is no outer envelope.
//
// Implementations registered in a Registry act as prototypes: the registry
// calls IsMatch on the shared prototype and only ever deserializes into a Clone.
type Packet interface {
	// Header returns the magic bytes identifying the variant.
	Header() []byte

	// Serialize returns one complete frame.
	Serialize() ([]byte, error)

	// IsMatch reports whether [start, count) of b begins with a complete frame of
	// this variant. It must return false when fewer bytes than the minimum frame are
	// present or when a length field points past count. It must not modify b.
	IsMatch(b []byte, start, count int) bool

	// Deserialize fills the packet from a frame previously accepted by IsMatch and
	// returns the number of bytes the frame occupies.
	Deserialize(b []byte, start, count int) (int, error)

	// Clone returns an independent copy.
	Clone() Packet
}

// Malformer is implemented by variants that can tell, from a complete header,
// that the frame can never match, such as a negative length field.
type Malformer interface {
	Malformed(b []byte, start, count int) bool
}

// Name returns a printable variant name for logs and metric labels.
func Name(p Packet) string {
	if n, ok := p.(interface{ Name() string }); ok {
		return n.Name()
	}
	return string(p.Header())
}
