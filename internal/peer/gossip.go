package peer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gossipmesh/internal/identity"
	"gossipmesh/internal/metrics"
	"gossipmesh/internal/transport"
	"gossipmesh/internal/wire"
)

// gossipLoop originates one message per interval until the origination
// budget is spent. The payload is "<ts>:<origin_host>:<seq>" with ts in
// epoch seconds at microsecond resolution.
func (n *Node) gossipLoop() {
	defer n.wg.Done()

	select {
	case <-n.ctx.Done():
		return
	case <-time.After(n.cfg.Peer.StabilizeDelay):
	}

	t := time.NewTicker(n.cfg.Peer.GossipInterval)
	defer t.Stop()

	for {
		n.gcMu.Lock()
		if n.msgCounter >= n.cfg.Peer.MaxGossip {
			n.gcMu.Unlock()
			return
		}
		seq := n.msgCounter
		n.msgCounter++
		n.gcMu.Unlock()

		ts := float64(time.Now().UnixMicro()) / 1e6
		payload := fmt.Sprintf("%.6f:%s:%d", ts, n.id.Host, seq)
		digest := digestOf(payload)

		n.mlMu.Lock()
		n.ml[digest] = struct{}{}
		n.mlMu.Unlock()

		metrics.GossipOriginated.Inc()
		slog.Debug("gossip originated", "seq", seq, "payload", payload)

		n.broadcastGossip(wire.Gossip{
			Type:    wire.TypeGossip,
			Payload: payload,
			Digest:  digest,
			Origin:  n.id,
		}, nil)

		select {
		case <-n.ctx.Done():
			return
		case <-t.C:
		}
	}
}

// onGossip applies digest dedup and floods the message onward. The digest
// is always recomputed locally; the wire field is advisory.
func (n *Node) onGossip(body json.RawMessage, from *transport.Conn) {
	var msg wire.Gossip
	if err := json.Unmarshal(body, &msg); err != nil {
		slog.Warn("bad GOSSIP", "error", err)
		return
	}
	digest := digestOf(msg.Payload)

	n.mlMu.Lock()
	if _, seen := n.ml[digest]; seen {
		n.mlMu.Unlock()
		metrics.GossipDuplicates.Inc()
		return
	}
	n.ml[digest] = struct{}{}
	n.mlMu.Unlock()

	metrics.GossipFirstSeen.Inc()
	n.ev.Event("GOSSIP received (first time): %q from %s", msg.Payload, msg.Origin)

	fwd := msg
	fwd.RelayedBy = n.id
	n.broadcastGossip(fwd, from)
}

// broadcastGossip floods to every neighbor except the excluded sender. A
// link whose send queue overflows cannot keep up and is marked suspect.
func (n *Node) broadcastGossip(msg wire.Gossip, exclude *transport.Conn) {
	type link struct {
		id   identity.NodeID
		conn *transport.Conn
	}
	n.nbrMu.Lock()
	links := make([]link, 0, len(n.neighbors))
	for id, nb := range n.neighbors {
		if nb.conn == exclude {
			continue
		}
		links = append(links, link{id: id, conn: nb.conn})
	}
	n.nbrMu.Unlock()

	for _, l := range links {
		err := l.conn.Send(msg)
		switch {
		case err == nil:
			metrics.GossipForwarded.Inc()
		case errors.Is(err, transport.ErrQueueFull):
			slog.Warn("gossip dropped on full send queue", "peer", l.id)
			go n.startSuspicion(l.id)
		default:
			slog.Debug("gossip send failed", "peer", l.id, "error", err)
		}
	}
}

// MessageCount reports how many distinct payloads this peer has observed.
func (n *Node) MessageCount() int {
	n.mlMu.Lock()
	defer n.mlMu.Unlock()
	return len(n.ml)
}

// HasSeen reports whether the payload's digest is in the message list.
func (n *Node) HasSeen(payload string) bool {
	n.mlMu.Lock()
	defer n.mlMu.Unlock()
	_, ok := n.ml[digestOf(payload)]
	return ok
}

func digestOf(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
