// Package transfer splits byte streams into chunk packets and reassembles
// them on the receiving side, keyed by transfer id and peer.
package transfer

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mmx233/framelink/event"
	"github.com/Mmx233/framelink/metrics"
	"github.com/Mmx233/framelink/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultChunkSize = 64
	// MaxSourceSize is the largest source whose byte offsets fit a chunk's 32-bit offset field.
	MaxSourceSize = math.MaxUint32
	// recentlyCompleted bounds how many finished keys are remembered to drop late duplicates.
	recentlyCompleted = 1024
)

var (
	ErrSourceTooLarge   = errors.New("transfer: source exceeds the 32-bit offset space")
	ErrInvalidChunkSize = errors.New("transfer: chunk size must be in (0, 2^31)")
	ErrInvalidChunk     = errors.New("transfer: invalid chunk")
)

// Sink receives the bytes of one transfer at their offsets.
type Sink interface {
	io.WriterAt
	io.Seeker
	io.Closer
}

// Key identifies a pending transfer. Ids are only unique per sender, so the
// peer is part of the key.
type Key struct {
	TransferID uint64
	Peer       string
}

// SinkFactory opens a fresh sink for a new transfer.
type SinkFactory func(key Key) (Sink, error)

// Received describes a completed transfer. The sink is rewound to the start
// and owned by the listeners from now on.
type Received struct {
	Key
	Sink     Sink
	Size     int64
	Chunks   uint32
	Duration time.Duration
}

type Options struct {
	// NewSink defaults to TempSink.
	NewSink SinkFactory
	Logger  *zerolog.Logger
	Metrics *metrics.Metrics
}

type pendingTransfer struct {
	sink      Sink
	total     uint32
	received  uint32
	size      int64
	offsets   map[uint32]struct{}
	startedAt time.Time
}

// FileTransfer sends and receives chunked transfers. Transfer ids come from a
// per-instance counter.
type FileTransfer struct {
	nextID  atomic.Uint64
	newSink SinkFactory
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	pending map[Key]*pendingTransfer
	// done holds recently completed keys in completion order
	done      map[Key]struct{}
	doneOrder []Key

	received event.Hub[Received]
}

func New(opts Options) *FileTransfer {
	var logger zerolog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("com", "transfer").Logger()
	} else {
		logger = log.With().Str("com", "transfer").Logger()
	}
	if opts.NewSink == nil {
		opts.NewSink = TempSink
	}
	return &FileTransfer{
		newSink: opts.NewSink,
		logger:  logger,
		metrics: opts.Metrics,
		pending: make(map[Key]*pendingTransfer),
		done:    make(map[Key]struct{}),
	}
}

// OnFileReceived subscribes to completed transfers. Without listeners a
// completed sink is closed.
func (ft *FileTransfer) OnFileReceived(fn func(Received)) (unsubscribe func()) {
	return ft.received.Subscribe(fn)
}

// Pending returns the number of transfers still missing chunks.
func (ft *FileTransfer) Pending() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.pending)
}

// SendFile reads src from the start and hands one chunk packet per chunkSize
// bytes to send, in order. Delivery is not acknowledged. An empty source
// sends nothing.
func (ft *FileTransfer) SendFile(src io.ReadSeeker, send func(protocol.Packet) error, chunkSize int) (uint64, error) {
	if chunkSize <= 0 || chunkSize > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidChunkSize, chunkSize)
	}
	length, err := src.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("measure source: %w", err)
	}
	if length > MaxSourceSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrSourceTooLarge, length)
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("rewind source: %w", err)
	}

	id := ft.nextID.Add(1)
	total := uint32((length + int64(chunkSize) - 1) / int64(chunkSize))
	logger := ft.logger.With().Uint64("transfer_id", id).Logger()
	logger.Info().Int64("size", length).Uint32("chunks", total).Int("chunk_size", chunkSize).Msg("sending file")

	buf := make([]byte, chunkSize)
	var offset int64
	for offset < length {
		n, err := io.ReadFull(src, buf[:min(int64(chunkSize), length-offset)])
		if err != nil {
			// the source shrank after it was measured
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return id, fmt.Errorf("read source at offset %d: %w", offset, err)
		}

		chunk := &protocol.ChunkPacket{
			TransferID:  id,
			Offset:      uint32(offset),
			TotalChunks: total,
			Data:        append([]byte(nil), buf[:n]...),
		}
		if err := send(chunk); err != nil {
			return id, fmt.Errorf("send chunk at offset %d: %w", offset, err)
		}
		logger.Debug().Int64("offset", offset).Int("length", n).Msg("chunk sent")
		offset += int64(n)
	}

	logger.Info().Msg("file sent")
	return id, nil
}

// OnPacketReceived feeds a received packet from peer into the reassembly.
// Packets other than chunks are ignored. Chunks may arrive in any order; a
// chunk repeating an offset already written is dropped.
func (ft *FileTransfer) OnPacketReceived(peer string, p protocol.Packet) error {
	chunk, ok := p.(*protocol.ChunkPacket)
	if !ok {
		return nil
	}
	if chunk.TotalChunks == 0 {
		return fmt.Errorf("%w: transfer %d declares zero chunks", ErrInvalidChunk, chunk.TransferID)
	}
	end := int64(chunk.Offset) + int64(len(chunk.Data))
	if end > MaxSourceSize {
		return fmt.Errorf("%w: transfer %d chunk ends at %d", ErrInvalidChunk, chunk.TransferID, end)
	}

	key := Key{TransferID: chunk.TransferID, Peer: peer}
	logger := ft.logger.With().Uint64("transfer_id", key.TransferID).Str("peer", peer).Logger()

	ft.mu.Lock()
	pt, exists := ft.pending[key]
	if !exists {
		if _, finished := ft.done[key]; finished {
			ft.mu.Unlock()
			logger.Debug().Uint32("offset", chunk.Offset).Msg("chunk of a completed transfer dropped")
			return nil
		}
		sink, err := ft.newSink(key)
		if err != nil {
			ft.mu.Unlock()
			return fmt.Errorf("open sink for transfer %d: %w", key.TransferID, err)
		}
		pt = &pendingTransfer{
			sink:      sink,
			total:     chunk.TotalChunks,
			offsets:   make(map[uint32]struct{}),
			startedAt: time.Now(),
		}
		ft.pending[key] = pt
		logger.Info().Uint32("chunks", pt.total).Msg("receiving file")
	}

	if _, dup := pt.offsets[chunk.Offset]; dup {
		ft.mu.Unlock()
		logger.Debug().Uint32("offset", chunk.Offset).Msg("duplicate chunk dropped")
		return nil
	}
	if chunk.TotalChunks != pt.total {
		logger.Warn().
			Uint32("declared", chunk.TotalChunks).
			Uint32("expected", pt.total).
			Msg("chunk disagrees on total chunks, keeping the first value")
	}

	if _, err := pt.sink.WriteAt(chunk.Data, int64(chunk.Offset)); err != nil {
		ft.mu.Unlock()
		return fmt.Errorf("write transfer %d at offset %d: %w", key.TransferID, chunk.Offset, err)
	}
	pt.offsets[chunk.Offset] = struct{}{}
	pt.received++
	pt.size = max(pt.size, end)
	ft.metrics.ChunkReceived()
	logger.Debug().
		Uint32("offset", chunk.Offset).
		Uint32("received", pt.received).
		Uint32("total", pt.total).
		Msg("chunk received")

	if pt.received < pt.total {
		ft.mu.Unlock()
		return nil
	}
	delete(ft.pending, key)
	ft.markDone(key)
	ft.mu.Unlock()

	return ft.complete(key, pt, logger)
}

func (ft *FileTransfer) complete(key Key, pt *pendingTransfer, logger zerolog.Logger) error {
	ft.metrics.TransferCompleted()
	if _, err := pt.sink.Seek(0, io.SeekStart); err != nil {
		_ = pt.sink.Close()
		return fmt.Errorf("rewind transfer %d: %w", key.TransferID, err)
	}

	r := Received{
		Key:      key,
		Sink:     pt.sink,
		Size:     pt.size,
		Chunks:   pt.total,
		Duration: time.Since(pt.startedAt),
	}
	logger.Info().Int64("size", r.Size).Dur("took", r.Duration).Msg("file received")

	if ft.received.Len() == 0 {
		return pt.sink.Close()
	}
	ft.received.Emit(r)
	return nil
}

// markDone remembers key as completed, forgetting the oldest key past the
// bound. ft.mu must be held.
func (ft *FileTransfer) markDone(key Key) {
	ft.done[key] = struct{}{}
	ft.doneOrder = append(ft.doneOrder, key)
	if len(ft.doneOrder) > recentlyCompleted {
		delete(ft.done, ft.doneOrder[0])
		ft.doneOrder = ft.doneOrder[1:]
	}
}

// AbandonPeer drops every pending transfer from peer and closes their sinks.
// Completed keys of peer are forgotten, so a new sender behind the same peer
// identity may reuse ids. It returns the number of transfers dropped.
func (ft *FileTransfer) AbandonPeer(peer string) int {
	ft.mu.Lock()
	var dropped []*pendingTransfer
	for key, pt := range ft.pending {
		if key.Peer == peer {
			dropped = append(dropped, pt)
			delete(ft.pending, key)
		}
	}
	kept := ft.doneOrder[:0]
	for _, key := range ft.doneOrder {
		if key.Peer == peer {
			delete(ft.done, key)
			continue
		}
		kept = append(kept, key)
	}
	ft.doneOrder = kept
	ft.mu.Unlock()

	for _, pt := range dropped {
		closeAbandoned(pt.sink)
	}
	if len(dropped) > 0 {
		ft.logger.Info().Str("peer", peer).Int("transfers", len(dropped)).Msg("pending transfers abandoned")
	}
	return len(dropped)
}

// Close abandons every pending transfer.
func (ft *FileTransfer) Close() error {
	ft.mu.Lock()
	pending := ft.pending
	ft.pending = make(map[Key]*pendingTransfer)
	ft.done = make(map[Key]struct{})
	ft.doneOrder = nil
	ft.mu.Unlock()

	for _, pt := range pending {
		closeAbandoned(pt.sink)
	}
	return nil
}

// closeAbandoned closes a sink and removes it when it is a file on disk.
func closeAbandoned(sink Sink) {
	_ = sink.Close()
	if f, ok := sink.(*os.File); ok {
		_ = os.Remove(f.Name())
	}
}
