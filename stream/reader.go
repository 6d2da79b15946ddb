package stream

import (
	"errors"
	"io"

	"github.com/Mmx233/framelink/protocol"
	"github.com/rs/zerolog"
)

// Reader is the per-connection reassembly loop. Reads block on the underlying
// connection; closing the connection is what ends the loop.
type Reader struct {
	src      io.Reader
	registry *protocol.Registry
	window   *Window
	logger   zerolog.Logger

	// OnRead, when set, observes the size of every successful read.
	OnRead func(n int)
}

func NewReader(src io.Reader, registry *protocol.Registry, window []byte, logger zerolog.Logger) *Reader {
	return &Reader{
		src:      src,
		registry: registry,
		window:   NewWindow(window),
		logger:   logger,
	}
}

// Run delivers decoded packets to onPacket in arrival order until the source
// fails. It returns io.EOF for an orderly close, ErrDesync or ErrWindowStarved
// when framing breaks, and the read error otherwise.
func (r *Reader) Run(onPacket func(protocol.Packet)) error {
	r.logger.Debug().Int("window", r.window.Size()).Msg("reassembly loop started")
	for {
		n, readErr := r.window.Fill(r.src)
		if n > 0 {
			if r.OnRead != nil {
				r.OnRead(n)
			}
			packets, err := r.window.Drain(r.registry)
			for _, p := range packets {
				onPacket(p)
			}
			if err != nil {
				r.logger.Error().Err(err).
					Int("pending", r.window.Pending()).
					Msg("reassembly stopped")
				return err
			}
		}
		if readErr != nil {
			if errors.Is(readErr, ErrWindowStarved) {
				return readErr
			}
			if errors.Is(readErr, io.EOF) {
				r.logger.Debug().Int("pending", r.window.Pending()).Msg("connection closed by peer")
				return io.EOF
			}
			r.logger.Debug().Err(readErr).Msg("read failed")
			return readErr
		}
	}
}

// IsFramingError reports whether err means the stream lost its framing.
func IsFramingError(err error) bool {
	return errors.Is(err, ErrDesync) || errors.Is(err, ErrWindowStarved)
}
