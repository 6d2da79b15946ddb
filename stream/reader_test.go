package stream

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/Mmx233/framelink/protocol"
	"github.com/rs/zerolog"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// TestReader_DeliversInOrder writes frames byte by byte through a pipe
func TestReader_DeliversInOrder(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()

	var stream []byte
	for i := 1; i <= 5; i++ {
		stream = append(stream, serialize(t, &protocol.ProbePacket{SentAt: int64(i)})...)
	}

	go func() {
		for _, b := range stream {
			if _, err := remote.Write([]byte{b}); err != nil {
				return
			}
		}
		remote.Close()
	}()

	reader := NewReader(local, newTestRegistry(), make([]byte, 32), zerolog.Nop())
	read := 0
	reader.OnRead = func(n int) { read += n }

	var got []int64
	err := reader.Run(func(p protocol.Packet) {
		got = append(got, p.(*protocol.ProbePacket).SentAt)
	})
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
	if read != len(stream) {
		t.Errorf("expected %d bytes read, got %d", len(stream), read)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 packets, got %d", len(got))
	}
	for i, v := range got {
		if v != int64(i+1) {
			t.Errorf("packet %d: expected %d, got %d", i, i+1, v)
		}
	}
}

// TestReader_CloseUnblocks verifies closing the connection ends a blocked read
func TestReader_CloseUnblocks(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	done := make(chan error, 1)
	go func() {
		reader := NewReader(local, newTestRegistry(), make([]byte, 64), zerolog.Nop())
		done <- reader.Run(func(protocol.Packet) {})
	}()

	time.Sleep(20 * time.Millisecond)
	local.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected an error after close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not exit after close")
	}
}

// TestReader_DesyncEndsLoop verifies framing errors end the loop instead of stalling
func TestReader_DesyncEndsLoop(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	go func() {
		_, _ = remote.Write([]byte("definitely not a frame"))
	}()

	reader := NewReader(local, newTestRegistry(), make([]byte, 64), zerolog.Nop())
	err := reader.Run(func(protocol.Packet) {})
	if !errors.Is(err, ErrDesync) {
		t.Fatalf("expected ErrDesync, got %v", err)
	}
}
