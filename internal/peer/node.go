// Package peer implements an overlay participant: registration with the
// seed set, preferential-attachment neighbor selection, gossip
// dissemination with digest dedup, and the two-tier failure detection
// pipeline (local suspicion, peer quorum, dead report to seeds).
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"

	"gossipmesh/internal/configuration"
	"gossipmesh/internal/eventlog"
	"gossipmesh/internal/identity"
	"gossipmesh/internal/metrics"
	"gossipmesh/internal/transport"
	"gossipmesh/internal/wire"
)

// ErrRegistrationRejected surfaces a seed NACK; the process exits with the
// registration-rejected code.
var ErrRegistrationRejected = errors.New("registration rejected by seed")

type neighborState int

const (
	stateHealthy neighborState = iota
	stateSuspect
	stateConfirmedDead
)

// livenessWindow is the number of consecutive failed ping cycles that move
// a neighbor to local-suspect.
const livenessWindow = 3

type neighbor struct {
	id      identity.NodeID
	conn    *transport.Conn
	inbound bool // remote initiated the connection
	state   neighborState

	lastSeen time.Time
	window   [livenessWindow]bool
	wIdx     int
	wCount   int

	pongSeen bool
}

// pushOutcome records one ping-cycle outcome and reports whether the last
// three cycles all failed.
func (nb *neighbor) pushOutcome(ok bool) bool {
	nb.window[nb.wIdx] = ok
	nb.wIdx = (nb.wIdx + 1) % livenessWindow
	if nb.wCount < livenessWindow {
		nb.wCount++
	}
	if nb.wCount < livenessWindow {
		return false
	}
	for _, v := range nb.window {
		if v {
			return false
		}
	}
	return true
}

func (nb *neighbor) resetWindow() {
	nb.window = [livenessWindow]bool{}
	nb.wIdx = 0
	nb.wCount = 0
}

type Node struct {
	id    identity.NodeID
	seeds []identity.NodeID
	cfg   *configuration.Properties
	ev    *eventlog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	nbrMu     sync.Mutex
	neighbors map[identity.NodeID]*neighbor
	byConn    map[*transport.Conn]identity.NodeID
	purged    map[identity.NodeID]struct{}

	seedMu    sync.Mutex
	seedConns map[identity.NodeID]*transport.Conn

	mlMu sync.Mutex
	ml   map[string]struct{}

	gcMu       sync.Mutex
	msgCounter int

	suspMu   sync.Mutex
	suspects map[identity.NodeID]*suspicion

	plMu      sync.Mutex
	plWaiters []chan []wire.PLEntry

	handlers map[string]func(json.RawMessage, *transport.Conn)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewNode(id identity.NodeID, seeds []identity.NodeID, cfg *configuration.Properties, ev *eventlog.Logger) *Node {
	// The RNG seed is the node's own identity so neighbor selection is
	// reproducible for a given (host, port).
	h := fnv.New64a()
	h.Write([]byte(id.String()))

	n := &Node{
		id:        id,
		seeds:     seeds,
		cfg:       cfg,
		ev:        ev,
		rng:       rand.New(rand.NewSource(int64(h.Sum64()))),
		neighbors: make(map[identity.NodeID]*neighbor),
		byConn:    make(map[*transport.Conn]identity.NodeID),
		purged:    make(map[identity.NodeID]struct{}),
		seedConns: make(map[identity.NodeID]*transport.Conn),
		ml:        make(map[string]struct{}),
		suspects:  make(map[identity.NodeID]*suspicion),
	}
	n.handlers = map[string]func(json.RawMessage, *transport.Conn){
		wire.TypeHello:           n.onHello,
		wire.TypeGossip:          n.onGossip,
		wire.TypePing:            n.onPing,
		wire.TypePong:            n.onPong,
		wire.TypeSuspectRequest:  n.onSuspectRequest,
		wire.TypeSuspectResponse: n.onSuspectResponse,
		wire.TypeDeadConfirmed:   n.onDeadConfirmed,
		wire.TypePLResponse:      n.onPLResponse,
	}
	return n
}

func (n *Node) ID() identity.NodeID { return n.id }

// Start runs the full peer lifecycle: listen, register, build the overlay,
// then gossip and watch neighbors until ctx is cancelled.
func (n *Node) Start(ctx context.Context) error {
	n.ctx, n.cancel = context.WithCancel(ctx)

	ln, err := transport.Listen(n.id.Addr())
	if err != nil {
		return err
	}
	slog.Info("peer listening", "addr", n.id.Addr())

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		transport.AcceptLoop(n.ctx, ln, n.handleInbound)
	}()

	union, err := n.registerWithSeeds()
	if err != nil {
		return err
	}

	chosen := n.sampleNeighbors(union)
	slog.Info("neighbors selected", "count", len(chosen), "candidates", len(union))
	for _, target := range chosen {
		n.wg.Add(1)
		go n.connectNeighbor(target)
	}

	n.wg.Add(2)
	go n.gossipLoop()
	go n.livenessLoop()

	return nil
}

func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
	}

	n.nbrMu.Lock()
	for _, nb := range n.neighbors {
		nb.conn.Close()
	}
	n.nbrMu.Unlock()

	n.seedMu.Lock()
	for _, c := range n.seedConns {
		c.Close()
	}
	n.seedMu.Unlock()

	n.wg.Wait()
	n.ev.Event("SHUTDOWN")
}

func (n *Node) dispatch(msgType string, body json.RawMessage, c *transport.Conn) {
	h, ok := n.handlers[msgType]
	if !ok {
		slog.Warn("ignoring unknown message type", "type", msgType, "remote", c.RemoteAddr())
		return
	}
	h(body, c)
}

// handleInbound serves an accepted connection; the HELLO handshake turns it
// into a neighbor link.
func (n *Node) handleInbound(nc net.Conn) {
	c := transport.NewConn(nc)
	err := c.ReadLoop(n.dispatch)
	n.onConnLost(c, err)
}

// onHello adds the remote as a neighbor symmetrically. A duplicate link for
// the same peer keeps the connection initiated by the lower identity.
func (n *Node) onHello(body json.RawMessage, c *transport.Conn) {
	var msg wire.Hello
	if err := json.Unmarshal(body, &msg); err != nil {
		slog.Warn("bad HELLO", "error", err)
		return
	}
	if n.isPurged(msg.From) {
		slog.Info("rejecting HELLO from purged peer", "peer", msg.From)
		c.Close()
		return
	}
	c.Label = msg.From.String()
	n.addNeighbor(msg.From, c, true)
	slog.Info("inbound neighbor", "peer", msg.From)
}

// addNeighbor installs the link, resolving collisions toward the
// connection whose initiator has the lower identity.
func (n *Node) addNeighbor(id identity.NodeID, c *transport.Conn, inbound bool) {
	n.nbrMu.Lock()
	defer n.nbrMu.Unlock()

	if existing, ok := n.neighbors[id]; ok && existing.conn != c {
		// Initiator of the existing link vs initiator of the new one.
		existingInitiator := n.id
		if existing.inbound {
			existingInitiator = id
		}
		newInitiator := n.id
		if inbound {
			newInitiator = id
		}
		if existingInitiator.Less(newInitiator) || existingInitiator == newInitiator {
			c.Close()
			return
		}
		existing.conn.Close()
		delete(n.byConn, existing.conn)
	}

	n.neighbors[id] = &neighbor{id: id, conn: c, inbound: inbound, lastSeen: time.Now()}
	n.byConn[c] = id
	metrics.PeerNeighbors.Set(float64(len(n.neighbors)))
}

// onConnLost is the event-driven detection path: a broken pipe on a
// neighbor link is immediate grounds for suspicion.
func (n *Node) onConnLost(c *transport.Conn, err error) {
	n.nbrMu.Lock()
	id, ok := n.byConn[c]
	if ok {
		delete(n.byConn, c)
	}
	var confirmed bool
	if ok {
		if nb, live := n.neighbors[id]; live && nb.conn == c {
			confirmed = nb.state == stateConfirmedDead
		} else {
			ok = false
		}
	}
	n.nbrMu.Unlock()

	if !ok || n.ctx.Err() != nil || confirmed {
		return
	}
	slog.Info("neighbor link broken", "peer", id, "error", err)
	n.startSuspicion(id)
}

func (n *Node) isPurged(id identity.NodeID) bool {
	n.nbrMu.Lock()
	defer n.nbrMu.Unlock()
	_, ok := n.purged[id]
	return ok
}

func (n *Node) neighborCount() int {
	n.nbrMu.Lock()
	defer n.nbrMu.Unlock()
	return len(n.neighbors)
}
