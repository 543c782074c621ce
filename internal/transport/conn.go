// Package transport owns the TCP connection layer: listeners, dialing with
// backoff, and per-connection read loops and bounded send queues on top of
// the wire framing.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"gossipmesh/internal/metrics"
	"gossipmesh/internal/wire"
)

var (
	// ErrQueueFull is returned when a link's outbound queue budget is
	// exhausted. Upper layers treat the link as suspect.
	ErrQueueFull = errors.New("send queue full")
	ErrClosed    = errors.New("connection closed")
)

// SendQueueBytes is the per-link outbound budget. A frame that does not fit
// is dropped rather than blocking the caller.
const SendQueueBytes = 8 * 1024

// violationLimit closes a link after more than this many protocol
// violations inside violationWindow.
const (
	violationLimit  = 3
	violationWindow = 10 * time.Second
)

// Handler consumes one decoded frame. Body still carries the full JSON
// object; the handler unmarshals the concrete type for the tag.
type Handler func(msgType string, body json.RawMessage, c *Conn)

// Conn wraps a net.Conn with a single writer goroutine draining a bounded
// queue, and a read loop that dispatches decoded frames. The connection
// carries only the remote identity string; ownership of richer state stays
// in the node maps that point at it.
type Conn struct {
	nc net.Conn

	mu     sync.Mutex
	queue  [][]byte
	queued int
	limit  int
	wake   chan struct{}
	closed bool

	violations []time.Time

	closeOnce sync.Once
	done      chan struct{}

	// Label is the remote's protocol-level name once known (seed id or
	// peer id). Purely informational until the handshake sets it.
	Label string
}

func NewConn(nc net.Conn) *Conn {
	c := &Conn{
		nc:    nc,
		limit: SendQueueBytes,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Send encodes msg and enqueues the frame. It never blocks: when the queue
// budget is exhausted the frame is dropped and ErrQueueFull is returned.
func (c *Conn) Send(msg any) error {
	payload, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	return c.enqueue(payload)
}

func (c *Conn) enqueue(payload []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.queued+len(payload) > c.limit {
		c.mu.Unlock()
		metrics.SendQueueDrops.Inc()
		return ErrQueueFull
	}
	c.queue = append(c.queue, payload)
	c.queued += len(payload)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}
		for {
			c.mu.Lock()
			if len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			payload := c.queue[0]
			c.queue = c.queue[1:]
			c.queued -= len(payload)
			c.mu.Unlock()

			if err := wire.WriteFrame(c.nc, payload); err != nil {
				slog.Debug("write failed, closing link", "remote", c.nc.RemoteAddr(), "error", err)
				c.Close()
				return
			}
			metrics.FramesTotal.WithLabelValues("out").Inc()
		}
	}
}

// ReadLoop blocks reading frames and dispatching them until the connection
// dies. The returned error distinguishes a closed link (io.EOF, for a clean
// remote close or a local Close) from anything else; both mean the link is
// gone.
func (c *Conn) ReadLoop(dispatch Handler) error {
	for {
		payload, err := wire.ReadFrame(c.nc)
		if err != nil {
			c.Close()
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return io.EOF
			}
			if errors.Is(err, wire.ErrFrameTooLarge) || errors.Is(err, wire.ErrEmptyFrame) {
				return fmt.Errorf("protocol violation from %v: %w", c.nc.RemoteAddr(), err)
			}
			return err
		}
		metrics.FramesTotal.WithLabelValues("in").Inc()

		msgType, body, err := wire.Decode(payload)
		if err != nil {
			metrics.FrameErrors.Inc()
			slog.Warn("dropping malformed frame", "remote", c.nc.RemoteAddr(), "error", err)
			if c.violation() {
				c.Close()
				return fmt.Errorf("repeated protocol violations from %v", c.nc.RemoteAddr())
			}
			continue
		}
		dispatch(msgType, body, c)
	}
}

// violation records one protocol violation and reports whether the link
// crossed the violation limit.
func (c *Conn) violation() bool {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := now.Add(-violationWindow)
	kept := c.violations[:0]
	for _, t := range c.violations {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.violations = append(kept, now)
	return len(c.violations) > violationLimit
}

// Close shuts the socket exactly once. Pending queued frames are discarded.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.queue = nil
		c.queued = 0
		c.mu.Unlock()
		close(c.done)
		_ = c.nc.Close()
	})
}
