package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"gossipmesh/internal/identity"
	"gossipmesh/internal/wire"

	"github.com/stretchr/testify/require"
)

func TestConnSendDeliversFrames(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	c := NewConn(client)
	defer c.Close()

	msg := wire.Ping{Type: wire.TypePing, From: identity.New("127.0.0.1", 6001)}
	require.NoError(t, c.Send(msg))

	payload, err := wire.ReadFrame(server)
	require.NoError(t, err)

	msgType, body, err := wire.Decode(payload)
	require.NoError(t, err)
	require.Equal(t, wire.TypePing, msgType)

	var got wire.Ping
	require.NoError(t, json.Unmarshal(body, &got))
	require.Equal(t, msg.From, got.From)
}

func TestConnReadLoopDispatches(t *testing.T) {
	client, server := net.Pipe()

	c := NewConn(client)
	defer c.Close()

	received := make(chan string, 1)
	go c.ReadLoop(func(msgType string, _ json.RawMessage, _ *Conn) {
		received <- msgType
	})

	payload, err := wire.Encode(wire.Pong{Type: wire.TypePong, From: identity.New("127.0.0.1", 6002)})
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(server, payload))

	select {
	case got := <-received:
		require.Equal(t, wire.TypePong, got)
	case <-time.After(2 * time.Second):
		t.Fatal("frame never dispatched")
	}
	server.Close()
}

func TestConnReadLoopReportsEOF(t *testing.T) {
	client, server := net.Pipe()

	c := NewConn(client)
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.ReadLoop(func(string, json.RawMessage, *Conn) {})
	}()

	server.Close()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, io.EOF)
	case <-time.After(2 * time.Second):
		t.Fatal("read loop never returned")
	}
}

func TestConnSendQueueOverflowDrops(t *testing.T) {
	// No reader on the server side: the writer blocks on the first frame
	// and the queue budget fills.
	client, server := net.Pipe()
	defer server.Close()

	c := NewConn(client)
	defer c.Close()

	big := wire.Gossip{
		Type:    wire.TypeGossip,
		Payload: string(make([]byte, 1024)),
		Origin:  identity.New("127.0.0.1", 6001),
	}

	var sawOverflow bool
	for i := 0; i < 64; i++ {
		if err := c.Send(big); err != nil {
			require.ErrorIs(t, err, ErrQueueFull)
			sawOverflow = true
			break
		}
	}
	require.True(t, sawOverflow, "queue never overflowed within budget")
}

func TestConnSendAfterClose(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	c := NewConn(client)
	c.Close()
	c.Close() // close is idempotent

	err := c.Send(wire.Ping{Type: wire.TypePing})
	require.ErrorIs(t, err, ErrClosed)
}

func TestDialFailureIsDialError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A port nothing listens on: grab one, then close it.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = Dial(ctx, addr, 2, 10*time.Millisecond, 500*time.Millisecond)
	require.Error(t, err)

	var dialErr *DialError
	require.True(t, errors.As(err, &dialErr), "error should be a DialError, got %T", err)
	require.Equal(t, addr, dialErr.Addr)
}

func TestListenerAcceptsAndReusesAddress(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	accepted := make(chan net.Conn, 1)
	loopDone := make(chan struct{})
	go func() {
		AcceptLoop(ctx, ln, func(nc net.Conn) { accepted <- nc })
		close(loopDone)
	}()

	nc, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer nc.Close()

	select {
	case got := <-accepted:
		got.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("connection never accepted")
	}

	cancel()
	// AcceptLoop closes the listener on its own goroutine; wait for it.
	select {
	case <-loopDone:
	case <-time.After(2 * time.Second):
		t.Fatal("accept loop never stopped")
	}

	// Rebinding the same port must succeed once the listener is closed.
	ln2, err := Listen(addr)
	require.NoError(t, err)
	ln2.Close()
}
