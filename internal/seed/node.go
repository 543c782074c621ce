// Package seed implements the authoritative membership service. Seeds hold
// the committed peer list and change it only through a majority vote over
// the full seed mesh: registration proposals initiated by a joining peer's
// REGISTER_REQUEST, and death proposals initiated by peer DEAD_REPORTs.
package seed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"gossipmesh/internal/configuration"
	"gossipmesh/internal/eventlog"
	"gossipmesh/internal/identity"
	"gossipmesh/internal/journal"
	"gossipmesh/internal/transport"
	"gossipmesh/internal/wire"
)

type Node struct {
	id     identity.NodeID
	seeds  []identity.NodeID
	quorum int
	cfg    *configuration.Properties
	ev     *eventlog.Logger
	jr     *journal.Journal

	pl *Registry

	regMu      sync.Mutex
	pendingReg map[string]*proposal
	regByPeer  map[identity.NodeID]string

	deathMu       sync.Mutex
	pendingDeath  map[string]*proposal
	deathByVictim map[identity.NodeID]string
	deadReports   map[identity.NodeID]map[identity.NodeID]time.Time

	meshMu sync.Mutex
	mesh   map[identity.NodeID]*transport.Conn

	peersMu   sync.Mutex
	peerConns map[identity.NodeID]*transport.Conn

	seq      atomic.Uint64
	handlers map[string]func(json.RawMessage, *transport.Conn)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// proposal tracks one in-flight membership change. On the proposer it
// accumulates votes; on voters it only records the conflict-detection view
// until the deadline reaps it.
type proposal struct {
	reqID    string
	subject  identity.NodeID
	proposer identity.NodeID
	votes    map[identity.NodeID]bool
	deadline time.Time
	decided  bool
	replyTo  *transport.Conn
}

func (p *proposal) yesCount() int {
	n := 0
	for _, v := range p.votes {
		if v {
			n++
		}
	}
	return n
}

func (p *proposal) noCount() int {
	return len(p.votes) - p.yesCount()
}

func NewNode(id identity.NodeID, seeds []identity.NodeID, cfg *configuration.Properties, ev *eventlog.Logger, jr *journal.Journal) *Node {
	n := &Node{
		id:            id,
		seeds:         seeds,
		quorum:        len(seeds)/2 + 1,
		cfg:           cfg,
		ev:            ev,
		jr:            jr,
		pl:            NewRegistry(),
		pendingReg:    make(map[string]*proposal),
		regByPeer:     make(map[identity.NodeID]string),
		pendingDeath:  make(map[string]*proposal),
		deathByVictim: make(map[identity.NodeID]string),
		deadReports:   make(map[identity.NodeID]map[identity.NodeID]time.Time),
		mesh:          make(map[identity.NodeID]*transport.Conn),
		peerConns:     make(map[identity.NodeID]*transport.Conn),
	}
	n.handlers = map[string]func(json.RawMessage, *transport.Conn){
		wire.TypeRegisterRequest:  n.onRegisterRequest,
		wire.TypeRegisterProposal: n.onRegisterProposal,
		wire.TypeRegisterVote:     n.onRegisterVote,
		wire.TypeRegisterCommit:   n.onRegisterCommit,
		wire.TypePLRequest:        n.onPLRequest,
		wire.TypeDeadReport:       n.onDeadReport,
		wire.TypeDeadProposal:     n.onDeadProposal,
		wire.TypeDeadVote:         n.onDeadVote,
		wire.TypeDeadConfirmed:    n.onDeadConfirmed,
		wire.TypeSeedHello:        n.onSeedHello,
	}
	return n
}

func (n *Node) ID() identity.NodeID { return n.id }
func (n *Node) Quorum() int         { return n.quorum }
func (n *Node) PL() *Registry       { return n.pl }

// Start binds the listen socket, joins the seed mesh, and runs until ctx is
// cancelled.
func (n *Node) Start(ctx context.Context) error {
	n.ctx, n.cancel = context.WithCancel(ctx)

	ln, err := transport.Listen(n.id.Addr())
	if err != nil {
		return err
	}
	slog.Info("seed listening", "addr", n.id.Addr(), "seeds", len(n.seeds), "quorum", n.quorum)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		transport.AcceptLoop(n.ctx, ln, n.handleInbound)
	}()

	n.dialHigherSeeds()

	n.wg.Add(1)
	go n.reaperLoop()

	return nil
}

// Stop cancels all loops and closes every open socket exactly once.
func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
	}

	n.meshMu.Lock()
	for _, c := range n.mesh {
		c.Close()
	}
	n.meshMu.Unlock()

	n.peersMu.Lock()
	for _, c := range n.peerConns {
		c.Close()
	}
	n.peersMu.Unlock()

	n.wg.Wait()
	n.ev.Event("SHUTDOWN")
	if n.jr != nil {
		_ = n.jr.Close()
	}
}

// handleInbound serves one accepted connection: a peer seed (identified by
// SEED_HELLO) or a peer.
func (n *Node) handleInbound(nc net.Conn) {
	c := transport.NewConn(nc)
	err := c.ReadLoop(n.dispatch)
	n.unlink(c, err)
}

func (n *Node) dispatch(msgType string, body json.RawMessage, c *transport.Conn) {
	h, ok := n.handlers[msgType]
	if !ok {
		slog.Warn("ignoring unknown message type", "type", msgType, "remote", c.RemoteAddr())
		return
	}
	h(body, c)
}

// unlink drops dead connections from the mesh and peer maps.
func (n *Node) unlink(c *transport.Conn, err error) {
	n.meshMu.Lock()
	for id, mc := range n.mesh {
		if mc == c {
			delete(n.mesh, id)
			slog.Info("seed link lost", "seed", id, "error", err)
		}
	}
	n.meshMu.Unlock()

	n.peersMu.Lock()
	for id, pc := range n.peerConns {
		if pc == c {
			delete(n.peerConns, id)
		}
	}
	n.peersMu.Unlock()
}

// nextReqID embeds the proposer so concurrent proposals for the same
// subject from different seeds never collide.
func (n *Node) nextReqID(prefix string, subject identity.NodeID) string {
	return fmt.Sprintf("%s_%s_%d_%s_%d", prefix, subject.Host, subject.Port, n.id, n.seq.Add(1))
}

// broadcastToSeeds sends msg on every open seed link. Sends are enqueued,
// never blocking the caller.
func (n *Node) broadcastToSeeds(msg any) {
	n.meshMu.Lock()
	targets := make([]*transport.Conn, 0, len(n.mesh))
	for _, c := range n.mesh {
		targets = append(targets, c)
	}
	n.meshMu.Unlock()
	for _, c := range targets {
		if err := c.Send(msg); err != nil {
			slog.Debug("seed broadcast send failed", "error", err)
		}
	}
}

// broadcastToPeers sends msg to every registered peer with a live
// connection, best effort.
func (n *Node) broadcastToPeers(msg any) {
	n.peersMu.Lock()
	targets := make([]*transport.Conn, 0, len(n.peerConns))
	for _, c := range n.peerConns {
		targets = append(targets, c)
	}
	n.peersMu.Unlock()
	for _, c := range targets {
		_ = c.Send(msg)
	}
}

// trackPeer remembers the connection a registered peer is reachable on so
// DEAD_CONFIRMED broadcasts can reach it.
func (n *Node) trackPeer(peer identity.NodeID, c *transport.Conn) {
	n.peersMu.Lock()
	n.peerConns[peer] = c
	n.peersMu.Unlock()
}

// reaperLoop expires pending proposals past their deadline and prunes stale
// dead reports.
func (n *Node) reaperLoop() {
	defer n.wg.Done()
	t := time.NewTicker(n.cfg.Seed.ReaperInterval)
	defer t.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case now := <-t.C:
			n.reapRegistrations(now)
			n.reapDeaths(now)
			n.pruneDeadReports(now)
		}
	}
}

func (n *Node) journalCommit(op string, peer identity.NodeID) {
	if n.jr == nil {
		return
	}
	if err := n.jr.Append(op, peer); err != nil {
		slog.Warn("journal append failed", "op", op, "peer", peer, "error", err)
	}
}
