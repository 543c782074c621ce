package peer

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"gossipmesh/internal/identity"
	"gossipmesh/internal/probe"
	"gossipmesh/internal/transport"
	"gossipmesh/internal/wire"
)

// livenessLoop sweeps all healthy neighbors each interval. A cycle's
// outcome per neighbor is the AND of the TCP ping (PONG within the pong
// timeout) and one OS ICMP echo; three consecutive failed cycles move the
// neighbor to local-suspect.
func (n *Node) livenessLoop() {
	defer n.wg.Done()

	t := time.NewTicker(n.cfg.Peer.PingInterval)
	defer t.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-t.C:
			n.pingSweep()
		}
	}
}

func (n *Node) pingSweep() {
	type target struct {
		id     identity.NodeID
		conn   *transport.Conn
		sendOK bool
	}

	n.nbrMu.Lock()
	targets := make([]*target, 0, len(n.neighbors))
	for id, nb := range n.neighbors {
		if nb.state != stateHealthy {
			continue
		}
		nb.pongSeen = false
		targets = append(targets, &target{id: id, conn: nb.conn})
	}
	n.nbrMu.Unlock()

	if len(targets) == 0 {
		return
	}

	icmpOK := make(map[identity.NodeID]bool, len(targets))
	var icmpMu sync.Mutex
	var icmpWG sync.WaitGroup

	for _, tg := range targets {
		tg.sendOK = tg.conn.Send(wire.Ping{Type: wire.TypePing, From: n.id}) == nil

		icmpWG.Add(1)
		go func(id identity.NodeID) {
			defer icmpWG.Done()
			ok := probe.ICMP(n.ctx, id.Host, n.cfg.Peer.IcmpTimeout)
			icmpMu.Lock()
			icmpOK[id] = ok
			icmpMu.Unlock()
		}(tg.id)
	}

	// Give PONGs (and the ICMP children) time to come back.
	select {
	case <-n.ctx.Done():
		return
	case <-time.After(n.cfg.Peer.PongTimeout):
	}
	icmpWG.Wait()

	var suspectNow []identity.NodeID
	n.nbrMu.Lock()
	for _, tg := range targets {
		nb, ok := n.neighbors[tg.id]
		if !ok || nb.state != stateHealthy || nb.conn != tg.conn {
			continue
		}
		tcpOK := tg.sendOK && nb.pongSeen
		outcome := tcpOK && icmpOK[tg.id]
		if outcome {
			nb.lastSeen = time.Now()
		}
		if nb.pushOutcome(outcome) {
			suspectNow = append(suspectNow, tg.id)
		}
	}
	n.nbrMu.Unlock()

	for _, id := range suspectNow {
		slog.Info("neighbor failed three ping cycles", "peer", id)
		n.startSuspicion(id)
	}
}

func (n *Node) onPing(body json.RawMessage, c *transport.Conn) {
	var msg wire.Ping
	if err := json.Unmarshal(body, &msg); err != nil {
		return
	}
	_ = c.Send(wire.Pong{Type: wire.TypePong, From: n.id})
}

func (n *Node) onPong(body json.RawMessage, c *transport.Conn) {
	var msg wire.Pong
	if err := json.Unmarshal(body, &msg); err != nil {
		return
	}
	n.nbrMu.Lock()
	if id, ok := n.byConn[c]; ok {
		if nb, live := n.neighbors[id]; live {
			nb.pongSeen = true
			nb.lastSeen = time.Now()
		}
	}
	n.nbrMu.Unlock()
}
