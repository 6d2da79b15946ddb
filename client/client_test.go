package client

import (
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Mmx233/framelink/protocol"
	"github.com/Mmx233/framelink/stream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// TestMain ensures no goroutine leaks across all tests in this package
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestRegistry() *protocol.Registry {
	reg := protocol.NewRegistry()
	reg.EnsureRegistered(&protocol.ChunkPacket{})
	return reg
}

func newTestClient(t *testing.T, addr net.Addr, probe time.Duration) *Client {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr.String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	logger := zerolog.Nop()
	c, err := New(host, port, newTestRegistry(), Options{
		ProbeInterval:  probe,
		ConnectTimeout: 2 * time.Second,
		Logger:         &logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Stop()
		c.Wait()
	})
	return c
}

// acceptOne listens on a random port and hands out the first accepted connection.
func acceptOne(t *testing.T) (net.Listener, <-chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	ch := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(ch)
			return
		}
		t.Cleanup(func() { conn.Close() })
		ch <- conn
	}()
	return ln, ch
}

func waitState(t *testing.T, c *Client, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want }, 2*time.Second, 5*time.Millisecond,
		"expected state %s, last seen %s", want, c.State())
}

func readFrame(t *testing.T, conn net.Conn, size int) []byte {
	t.Helper()
	buf := make([]byte, size)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	return buf
}

func TestState_String(t *testing.T) {
	cases := map[State]string{
		StateIdle:            "idle",
		StateConnecting:      "connecting",
		StateConnected:       "connected",
		StateDisconnected:    "disconnected",
		StateFailedToConnect: "failed_to_connect",
		StateStopped:         "stopped",
		State(99):            "unknown",
	}
	for s, want := range cases {
		assert.Equal(t, want, s.String())
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New("127.0.0.1", 1, nil, Options{})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New("127.0.0.1", 1, protocol.NewRegistry(), Options{RxBufferSize: 4})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

// TestClient_FailedToConnect verifies the failure event and caller-driven retries
func TestClient_FailedToConnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr()
	require.NoError(t, ln.Close())

	c := newTestClient(t, addr, -1)
	var attempts atomic.Int32
	done := make(chan struct{})
	c.OnFailedToConnect(func(err error) {
		assert.Error(t, err)
		if attempts.Add(1) < 3 {
			assert.NoError(t, c.Start())
			return
		}
		close(done)
	})

	require.NoError(t, c.Start())
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("expected three failed attempts")
	}
	assert.Equal(t, StateFailedToConnect, c.State())
	assert.Equal(t, int32(3), attempts.Load())
}

// TestClient_ConnectSendDisconnect walks the main lifecycle
func TestClient_ConnectSendDisconnect(t *testing.T) {
	ln, accepted := acceptOne(t)
	c := newTestClient(t, ln.Addr(), -1)

	assert.Equal(t, StateIdle, c.State())
	assert.ErrorIs(t, c.Send(&protocol.ChunkPacket{}), ErrNotConnected)

	var disconnects atomic.Int32
	c.OnDisconnected(func(reason error) {
		assert.ErrorIs(t, reason, io.EOF)
		disconnects.Add(1)
	})

	require.NoError(t, c.Start())
	assert.ErrorIs(t, c.Start(), ErrAlreadyStarted)
	peer := <-accepted
	require.NotNil(t, peer)
	waitState(t, c, StateConnected)
	assert.Equal(t, peer.LocalAddr().String(), c.RemoteAddr().String())

	chunk := &protocol.ChunkPacket{TransferID: 3, TotalChunks: 1, Data: []byte("payload")}
	require.NoError(t, c.Send(chunk))
	want, _ := chunk.Serialize()
	assert.Equal(t, want, readFrame(t, peer, len(want)))

	require.NoError(t, peer.Close())
	waitState(t, c, StateDisconnected)
	require.Eventually(t, func() bool { return disconnects.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Nil(t, c.RemoteAddr())
	assert.ErrorIs(t, c.Send(chunk), ErrNotConnected)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), disconnects.Load())
}

// TestClient_EchoesProbe verifies an inbound unechoed probe is answered, not measured
func TestClient_EchoesProbe(t *testing.T) {
	ln, accepted := acceptOne(t)
	c := newTestClient(t, ln.Addr(), -1)

	seen := make(chan *protocol.ProbePacket, 1)
	c.OnPacketReceived(func(p protocol.Packet) {
		if probe, ok := p.(*protocol.ProbePacket); ok {
			seen <- probe
		}
	})

	require.NoError(t, c.Start())
	peer := <-accepted
	waitState(t, c, StateConnected)

	frame, _ := (&protocol.ProbePacket{SentAt: 777}).Serialize()
	_, err := peer.Write(frame)
	require.NoError(t, err)

	echo := &protocol.ProbePacket{}
	buf := readFrame(t, peer, protocol.ProbeFrameSize)
	_, err = echo.Deserialize(buf, 0, len(buf))
	require.NoError(t, err)
	assert.True(t, echo.Echoed)
	assert.Equal(t, int64(777), echo.SentAt)

	select {
	case p := <-seen:
		assert.False(t, p.Echoed, "subscribers see the probe as received")
	case <-time.After(2 * time.Second):
		t.Fatal("probe not delivered to subscribers")
	}
	_, known := c.RTT()
	assert.False(t, known, "echoing must not record an RTT sample")
}

// TestClient_MeasuresRTT verifies the probe timer and RTT recording
func TestClient_MeasuresRTT(t *testing.T) {
	ln, accepted := acceptOne(t)
	c := newTestClient(t, ln.Addr(), 20*time.Millisecond)

	require.NoError(t, c.Start())
	peer := <-accepted

	probe := &protocol.ProbePacket{}
	buf := readFrame(t, peer, protocol.ProbeFrameSize)
	_, err := probe.Deserialize(buf, 0, len(buf))
	require.NoError(t, err)
	require.False(t, probe.Echoed)

	time.Sleep(5 * time.Millisecond)
	probe.Echoed = true
	frame, _ := probe.Serialize()
	_, err = peer.Write(frame)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, known := c.RTT()
		return known
	}, 2*time.Second, 5*time.Millisecond)
	rtt, _ := c.RTT()
	assert.GreaterOrEqual(t, rtt, 5*time.Millisecond, "RTT is measured from the original send time")
}

// TestClient_ConcurrentSendsDoNotInterleave decodes everything the peer receives
func TestClient_ConcurrentSendsDoNotInterleave(t *testing.T) {
	ln, accepted := acceptOne(t)
	c := newTestClient(t, ln.Addr(), -1)
	require.NoError(t, c.Start())
	peer := <-accepted
	waitState(t, c, StateConnected)

	const senders, perSender = 8, 25
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				assert.NoError(t, c.Send(&protocol.ChunkPacket{TransferID: id, Offset: uint32(j), Data: make([]byte, 100)}))
			}
		}(uint64(i))
	}

	received := 0
	errCh := make(chan error, 1)
	go func() {
		reader := stream.NewReader(peer, newTestRegistry(), make([]byte, 1024), zerolog.Nop())
		errCh <- reader.Run(func(protocol.Packet) { received++ })
	}()

	wg.Wait()
	c.Stop()
	err := <-errCh
	assert.False(t, stream.IsFramingError(err), "unexpected framing error: %v", err)
	assert.Equal(t, senders*perSender, received)
}

// TestClient_StopIsTerminal verifies stop semantics
func TestClient_StopIsTerminal(t *testing.T) {
	ln, accepted := acceptOne(t)
	c := newTestClient(t, ln.Addr(), -1)

	disconnected := make(chan error, 1)
	c.OnDisconnected(func(reason error) { disconnected <- reason })

	require.NoError(t, c.Start())
	<-accepted
	waitState(t, c, StateConnected)

	c.Stop()
	c.Stop()
	assert.Equal(t, StateStopped, c.State())
	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("stop must still report the disconnect")
	}
	assert.True(t, errors.Is(c.Start(), ErrStopped))
	c.Wait()
	assert.Equal(t, StateStopped, c.State())
}

// TestClient_FramingError verifies garbage closes the connection with an explicit error
func TestClient_FramingError(t *testing.T) {
	ln, accepted := acceptOne(t)
	c := newTestClient(t, ln.Addr(), -1)

	framing := make(chan error, 1)
	c.OnFramingError(func(err error) { framing <- err })

	require.NoError(t, c.Start())
	peer := <-accepted
	_, err := peer.Write([]byte("????????????????"))
	require.NoError(t, err)

	select {
	case err := <-framing:
		assert.ErrorIs(t, err, stream.ErrDesync)
	case <-time.After(2 * time.Second):
		t.Fatal("no framing error reported")
	}
	waitState(t, c, StateDisconnected)
}
