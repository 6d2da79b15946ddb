package transfer

import (
	"bytes"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/Mmx233/framelink/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// memSink is an in-memory Sink
type memSink struct {
	mu     sync.Mutex
	data   []byte
	pos    int64
	closed bool
}

func (m *memSink) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if end := off + int64(len(p)); end > int64(len(m.data)) {
		m.data = append(m.data, make([]byte, end-int64(len(m.data)))...)
	}
	copy(m.data[off:], p)
	return len(p), nil
}

func (m *memSink) Seek(offset int64, whence int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch whence {
	case io.SeekStart:
		m.pos = offset
	case io.SeekCurrent:
		m.pos += offset
	case io.SeekEnd:
		m.pos = int64(len(m.data)) + offset
	}
	return m.pos, nil
}

func (m *memSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memSink) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...)
}

func newMemTransfer() (*FileTransfer, *[]*memSink) {
	logger := zerolog.Nop()
	var sinks []*memSink
	ft := New(Options{
		Logger: &logger,
		NewSink: func(Key) (Sink, error) {
			s := &memSink{}
			sinks = append(sinks, s)
			return s, nil
		},
	})
	return ft, &sinks
}

func collectChunks(t testing.TB, ft *FileTransfer, src []byte, chunkSize int) (uint64, []*protocol.ChunkPacket) {
	t.Helper()
	var chunks []*protocol.ChunkPacket
	id, err := ft.SendFile(bytes.NewReader(src), func(p protocol.Packet) error {
		chunks = append(chunks, p.(*protocol.ChunkPacket))
		return nil
	}, chunkSize)
	require.NoError(t, err)
	return id, chunks
}

// TestSendFile_ReverseOrder sends 1000 bytes in 64-byte chunks and delivers them backwards
func TestSendFile_ReverseOrder(t *testing.T) {
	src := make([]byte, 1000)
	for i := range src {
		src[i] = byte(i * 7)
	}

	sender, _ := newMemTransfer()
	id, chunks := collectChunks(t, sender, src, 64)
	require.Len(t, chunks, 16)
	for i, c := range chunks {
		assert.Equal(t, id, c.TransferID)
		assert.Equal(t, uint32(16), c.TotalChunks)
		assert.Equal(t, uint32(i*64), c.Offset)
	}
	assert.Len(t, chunks[15].Data, 1000-15*64)

	receiver, _ := newMemTransfer()
	done := make(chan Received, 1)
	receiver.OnFileReceived(func(r Received) { done <- r })

	for i := len(chunks) - 1; i >= 0; i-- {
		require.NoError(t, receiver.OnPacketReceived("peer", chunks[i]))
	}

	r := <-done
	assert.Equal(t, Key{TransferID: id, Peer: "peer"}, r.Key)
	assert.Equal(t, int64(1000), r.Size)
	assert.Equal(t, uint32(16), r.Chunks)
	assert.Equal(t, src, r.Sink.(*memSink).Bytes())
	pos, _ := r.Sink.Seek(0, io.SeekCurrent)
	assert.Equal(t, int64(0), pos, "completed sink is rewound")
	assert.Equal(t, 0, receiver.Pending())
}

// Property: any delivery permutation reconstructs the source byte for byte
func TestReassembly_AnyOrder_Property(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		src := rapid.SliceOfN(rapid.Byte(), 1, 4096).Draw(rt, "src")
		chunkSize := rapid.IntRange(1, 512).Draw(rt, "chunkSize")

		sender, _ := newMemTransfer()
		_, chunks := collectChunks(t, sender, src, chunkSize)
		order := rapid.Permutation(chunks).Draw(rt, "order")

		receiver, _ := newMemTransfer()
		var got []byte
		receiver.OnFileReceived(func(r Received) { got = r.Sink.(*memSink).Bytes() })
		for _, c := range order {
			if err := receiver.OnPacketReceived("p", c); err != nil {
				rt.Fatalf("OnPacketReceived: %v", err)
			}
		}
		if !bytes.Equal(got, src) {
			rt.Fatalf("reconstructed %d bytes differ from %d byte source", len(got), len(src))
		}
	})
}

func TestSendFile_EmptySource(t *testing.T) {
	ft, _ := newMemTransfer()
	_, chunks := collectChunks(t, ft, nil, 64)
	assert.Empty(t, chunks)
}

func TestSendFile_InvalidChunkSize(t *testing.T) {
	ft, _ := newMemTransfer()
	for _, size := range []int{0, -1} {
		_, err := ft.SendFile(bytes.NewReader([]byte("x")), func(protocol.Packet) error { return nil }, size)
		assert.ErrorIs(t, err, ErrInvalidChunkSize)
	}
}

// hugeSource reports a length beyond the offset space without holding the bytes
type hugeSource struct{ size int64 }

func (h *hugeSource) Read(p []byte) (int, error) { return 0, io.EOF }

func (h *hugeSource) Seek(offset int64, whence int) (int64, error) {
	if whence == io.SeekEnd {
		return h.size + offset, nil
	}
	return offset, nil
}

func TestSendFile_SourceTooLarge(t *testing.T) {
	ft, _ := newMemTransfer()
	sent := 0
	_, err := ft.SendFile(&hugeSource{size: math.MaxUint32 + 1}, func(protocol.Packet) error {
		sent++
		return nil
	}, 64)
	assert.ErrorIs(t, err, ErrSourceTooLarge)
	assert.Zero(t, sent)
}

func TestSendFile_SendErrorStops(t *testing.T) {
	ft, _ := newMemTransfer()
	boom := errors.New("boom")
	calls := 0
	_, err := ft.SendFile(bytes.NewReader(make([]byte, 100)), func(protocol.Packet) error {
		calls++
		if calls == 2 {
			return boom
		}
		return nil
	}, 10)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
}

func TestSendFile_IDsPerInstance(t *testing.T) {
	a, _ := newMemTransfer()
	b, _ := newMemTransfer()
	idA1, _ := collectChunks(t, a, []byte("one"), 8)
	idA2, _ := collectChunks(t, a, []byte("two"), 8)
	idB1, _ := collectChunks(t, b, []byte("three"), 8)
	assert.Greater(t, idA2, idA1)
	assert.Equal(t, idA1, idB1, "each instance counts on its own")
}

// TestReceive_PeerScopedKeys verifies equal ids from different peers stay apart
func TestReceive_PeerScopedKeys(t *testing.T) {
	receiver, sinks := newMemTransfer()
	results := map[string][]byte{}
	receiver.OnFileReceived(func(r Received) { results[r.Peer] = r.Sink.(*memSink).Bytes() })

	chunk := func(off uint32, data string) *protocol.ChunkPacket {
		return &protocol.ChunkPacket{TransferID: 1, Offset: off, TotalChunks: 2, Data: []byte(data)}
	}
	require.NoError(t, receiver.OnPacketReceived("alice", chunk(0, "AA")))
	require.NoError(t, receiver.OnPacketReceived("bob", chunk(0, "BB")))
	assert.Equal(t, 2, receiver.Pending())
	require.NoError(t, receiver.OnPacketReceived("bob", chunk(2, "bb")))
	require.NoError(t, receiver.OnPacketReceived("alice", chunk(2, "aa")))

	assert.Equal(t, "AAaa", string(results["alice"]))
	assert.Equal(t, "BBbb", string(results["bob"]))
	assert.Len(t, *sinks, 2)
}

func TestReceive_DuplicateOffsetIgnored(t *testing.T) {
	receiver, _ := newMemTransfer()
	completed := 0
	receiver.OnFileReceived(func(Received) { completed++ })

	first := &protocol.ChunkPacket{TransferID: 4, Offset: 0, TotalChunks: 2, Data: []byte("ab")}
	require.NoError(t, receiver.OnPacketReceived("p", first))
	require.NoError(t, receiver.OnPacketReceived("p", first))
	assert.Zero(t, completed, "a duplicate must not count towards completion")

	require.NoError(t, receiver.OnPacketReceived("p", &protocol.ChunkPacket{TransferID: 4, Offset: 2, TotalChunks: 2, Data: []byte("cd")}))
	assert.Equal(t, 1, completed)
}

func TestReceive_LateDuplicateAfterCompletion(t *testing.T) {
	receiver, sinks := newMemTransfer()
	completed := 0
	receiver.OnFileReceived(func(Received) { completed++ })

	single := &protocol.ChunkPacket{TransferID: 9, TotalChunks: 1, Data: []byte("once")}
	require.NoError(t, receiver.OnPacketReceived("p", single))
	require.NoError(t, receiver.OnPacketReceived("p", single))
	assert.Equal(t, 1, completed, "a completed transfer is delivered once")

	first := &protocol.ChunkPacket{TransferID: 10, Offset: 0, TotalChunks: 2, Data: []byte("ab")}
	require.NoError(t, receiver.OnPacketReceived("p", first))
	require.NoError(t, receiver.OnPacketReceived("p", &protocol.ChunkPacket{TransferID: 10, Offset: 2, TotalChunks: 2, Data: []byte("cd")}))
	require.NoError(t, receiver.OnPacketReceived("p", first))
	assert.Equal(t, 2, completed)
	assert.Zero(t, receiver.Pending(), "a late chunk must not open a new transfer")
	assert.Len(t, *sinks, 2)

	// another peer may still use the same id
	require.NoError(t, receiver.OnPacketReceived("q", single))
	assert.Equal(t, 3, completed)
}

func TestReceive_AbandonPeerForgetsCompleted(t *testing.T) {
	receiver, _ := newMemTransfer()
	completed := 0
	receiver.OnFileReceived(func(Received) { completed++ })

	single := &protocol.ChunkPacket{TransferID: 1, TotalChunks: 1, Data: []byte("x")}
	require.NoError(t, receiver.OnPacketReceived("slot-0", single))
	receiver.AbandonPeer("slot-0")

	// a new sender behind the same peer identity starts its ids over
	require.NoError(t, receiver.OnPacketReceived("slot-0", single))
	assert.Equal(t, 2, completed)
}

func TestReceive_CompletedKeysAreBounded(t *testing.T) {
	receiver, _ := newMemTransfer()
	for id := range uint64(recentlyCompleted + 10) {
		require.NoError(t, receiver.OnPacketReceived("p", &protocol.ChunkPacket{TransferID: id, TotalChunks: 1, Data: []byte("x")}))
	}
	receiver.mu.Lock()
	defer receiver.mu.Unlock()
	assert.Len(t, receiver.done, recentlyCompleted)
	assert.Len(t, receiver.doneOrder, recentlyCompleted)
	_, oldest := receiver.done[Key{TransferID: 0, Peer: "p"}]
	assert.False(t, oldest, "the oldest key is forgotten first")
}

func TestReceive_NoListenerClosesSink(t *testing.T) {
	receiver, sinks := newMemTransfer()
	require.NoError(t, receiver.OnPacketReceived("p", &protocol.ChunkPacket{TransferID: 1, TotalChunks: 1, Data: []byte("x")}))
	require.Len(t, *sinks, 1)
	assert.True(t, (*sinks)[0].closed)
}

func TestReceive_IgnoresAndRejects(t *testing.T) {
	receiver, sinks := newMemTransfer()
	assert.NoError(t, receiver.OnPacketReceived("p", &protocol.ProbePacket{}))

	err := receiver.OnPacketReceived("p", &protocol.ChunkPacket{TransferID: 1, TotalChunks: 0})
	assert.ErrorIs(t, err, ErrInvalidChunk)

	err = receiver.OnPacketReceived("p", &protocol.ChunkPacket{TransferID: 1, Offset: math.MaxUint32, TotalChunks: 1, Data: []byte("xy")})
	assert.ErrorIs(t, err, ErrInvalidChunk)
	assert.Empty(t, *sinks)
}

func TestAbandonPeer(t *testing.T) {
	receiver, sinks := newMemTransfer()
	partial := &protocol.ChunkPacket{TransferID: 1, TotalChunks: 3, Data: []byte("x")}
	require.NoError(t, receiver.OnPacketReceived("a", partial))
	require.NoError(t, receiver.OnPacketReceived("b", partial))

	assert.Equal(t, 1, receiver.AbandonPeer("a"))
	assert.Equal(t, 0, receiver.AbandonPeer("a"))
	assert.Equal(t, 1, receiver.Pending())
	assert.True(t, (*sinks)[0].closed)

	require.NoError(t, receiver.Close())
	assert.Equal(t, 0, receiver.Pending())
	assert.True(t, (*sinks)[1].closed)
}

func TestDirStore_Finalize(t *testing.T) {
	store, err := NewDirStore(filepath.Join(t.TempDir(), "inbox"))
	require.NoError(t, err)

	logger := zerolog.Nop()
	receiver := New(Options{NewSink: store.NewSink, Logger: &logger})
	sender := New(Options{Logger: &logger})

	src := bytes.Repeat([]byte("framelink "), 50)
	results := make(chan Received, 1)
	receiver.OnFileReceived(func(r Received) { results <- r })

	_, err = sender.SendFile(bytes.NewReader(src), func(p protocol.Packet) error {
		return receiver.OnPacketReceived("127.0.0.1:9", p)
	}, 37)
	require.NoError(t, err)

	r := <-results
	path, receipt, err := store.Finalize(r)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, src, data)

	loaded, err := store.LoadReceipt(receipt.ID)
	require.NoError(t, err)
	assert.Equal(t, receipt.SHA256, loaded.SHA256)
	assert.Equal(t, int64(len(src)), loaded.Size)
	assert.Equal(t, "127.0.0.1:9", loaded.Peer)

	_, _, err = store.Finalize(Received{Sink: &memSink{}})
	assert.ErrorIs(t, err, ErrNotStoreSink)
}

func TestTempSink(t *testing.T) {
	sink, err := TempSink(Key{TransferID: 5})
	require.NoError(t, err)
	f := sink.(*os.File)
	defer os.Remove(f.Name())
	_, err = sink.WriteAt([]byte("abc"), 3)
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 'a', 'b', 'c'}, data)
}
