package seed

import (
	"encoding/json"
	"log/slog"
	"time"

	"gossipmesh/internal/identity"
	"gossipmesh/internal/metrics"
	"gossipmesh/internal/transport"
	"gossipmesh/internal/wire"
)

// The seed mesh pairs every two seeds over exactly one TCP connection: the
// lower-port seed dials, the higher-port seed accepts. Both ends read the
// socket, so a proposal sent on a mesh link is answered on the same link.

func (n *Node) dialHigherSeeds() {
	for _, s := range n.seeds {
		if s == n.id || s.Port <= n.id.Port {
			continue
		}
		n.wg.Add(1)
		go n.maintainSeedLink(s)
	}
}

// maintainSeedLink keeps one outbound mesh link alive, reconnecting in the
// background with a growing delay after each loss.
func (n *Node) maintainSeedLink(target identity.NodeID) {
	defer n.wg.Done()
	attempt := 0
	for {
		if n.ctx.Err() != nil {
			return
		}

		nc, err := transport.Dial(n.ctx, target.Addr(),
			n.cfg.Transport.DialAttempts, n.cfg.Transport.DialBackoff, n.cfg.Transport.DialTimeout)
		if err != nil {
			attempt++
			slog.Debug("seed dial failed", "seed", target, "attempt", attempt, "error", err)
			select {
			case <-n.ctx.Done():
				return
			case <-time.After(n.cfg.Transport.DialBackoff * time.Duration(1+attempt)):
			}
			continue
		}
		attempt = 0

		c := transport.NewConn(nc)
		c.Label = target.String()
		if err := c.Send(wire.SeedHello{Type: wire.TypeSeedHello, SeedID: n.id}); err != nil {
			c.Close()
			continue
		}
		n.addMeshLink(target, c)
		slog.Info("seed link up (outbound)", "seed", target)

		err = c.ReadLoop(n.dispatch)
		n.unlink(c, err)
		metrics.SeedLinksUp.Set(float64(n.meshSize()))
		slog.Info("seed link lost, will redial", "seed", target)
	}
}

// onSeedHello registers an inbound mesh link from a lower-port seed.
func (n *Node) onSeedHello(body json.RawMessage, c *transport.Conn) {
	var msg wire.SeedHello
	if err := json.Unmarshal(body, &msg); err != nil {
		slog.Warn("bad SEED_HELLO", "error", err)
		return
	}
	c.Label = msg.SeedID.String()
	n.addMeshLink(msg.SeedID, c)
	slog.Info("seed link up (inbound)", "seed", msg.SeedID)
}

func (n *Node) addMeshLink(id identity.NodeID, c *transport.Conn) {
	n.meshMu.Lock()
	if old, ok := n.mesh[id]; ok && old != c {
		old.Close()
	}
	n.mesh[id] = c
	size := len(n.mesh)
	n.meshMu.Unlock()
	metrics.SeedLinksUp.Set(float64(size))
}

func (n *Node) meshSize() int {
	n.meshMu.Lock()
	defer n.meshMu.Unlock()
	return len(n.mesh)
}
