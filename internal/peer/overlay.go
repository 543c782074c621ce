package peer

import (
	"log/slog"
	"math"
	"math/rand"

	"gossipmesh/internal/identity"
	"gossipmesh/internal/transport"
	"gossipmesh/internal/wire"
)

// Candidate is one entry of the union peer list. Occurrences counts how
// many seed responses contained the peer; it is the degree proxy driving
// preferential attachment, since better-connected peers show up in more
// lists.
type Candidate struct {
	ID          identity.NodeID
	Occurrences int
}

// sampleNeighbors picks the neighbor set: k drawn from a Pareto
// distribution (clamped to [1, |union|]), then k distinct candidates
// sampled without replacement with probability proportional to
// 1 + occurrences.
func (n *Node) sampleNeighbors(union []Candidate) []identity.NodeID {
	n.rngMu.Lock()
	defer n.rngMu.Unlock()
	return SampleNeighbors(n.rng, union, n.cfg.Peer.ParetoAlpha, n.cfg.Peer.ParetoXMin)
}

// SampleNeighbors is the pure sampling routine, factored out so the
// distribution can be tested against a fixed RNG.
func SampleNeighbors(rng *rand.Rand, union []Candidate, alpha, xMin float64) []identity.NodeID {
	if len(union) == 0 {
		return nil
	}

	k := int(math.Ceil(paretoSample(rng, alpha, xMin)))
	if k < 1 {
		k = 1
	}
	if k > len(union) {
		k = len(union)
	}

	weights := make([]float64, len(union))
	remaining := make([]int, len(union))
	total := 0.0
	for i, c := range union {
		weights[i] = 1 + float64(c.Occurrences)
		total += weights[i]
		remaining[i] = i
	}

	chosen := make([]identity.NodeID, 0, k)
	for len(chosen) < k && len(remaining) > 0 {
		r := rng.Float64() * total
		picked := len(remaining) - 1
		cum := 0.0
		for i, idx := range remaining {
			cum += weights[idx]
			if r <= cum {
				picked = i
				break
			}
		}
		idx := remaining[picked]
		chosen = append(chosen, union[idx].ID)
		total -= weights[idx]
		remaining = append(remaining[:picked], remaining[picked+1:]...)
	}
	return chosen
}

// paretoSample draws from Pareto(alpha, xMin).
func paretoSample(rng *rand.Rand, alpha, xMin float64) float64 {
	u := rng.Float64()
	for u == 0 {
		u = rng.Float64()
	}
	return xMin * math.Pow(u, -1/alpha)
}

// connectNeighbor dials a chosen candidate and completes the HELLO
// handshake. A dial failure is treated like a broken link: the candidate
// goes straight into the suspicion pipeline.
func (n *Node) connectNeighbor(target identity.NodeID) {
	defer n.wg.Done()
	if target == n.id || n.isPurged(target) {
		return
	}

	nc, err := transport.Dial(n.ctx, target.Addr(),
		n.cfg.Transport.DialAttempts, n.cfg.Transport.DialBackoff, n.cfg.Transport.DialTimeout)
	if err != nil {
		slog.Warn("neighbor dial failed", "peer", target, "error", err)
		n.suspectUnreachable(target)
		return
	}

	c := transport.NewConn(nc)
	c.Label = target.String()
	if err := c.Send(wire.Hello{Type: wire.TypeHello, From: n.id}); err != nil {
		c.Close()
		n.suspectUnreachable(target)
		return
	}
	n.addNeighbor(target, c, false)
	slog.Info("neighbor connected", "peer", target)

	err = c.ReadLoop(n.dispatch)
	n.onConnLost(c, err)
}

// suspectUnreachable reports a candidate that never answered a dial. With
// no link to break, the suspicion pipeline is entered directly.
func (n *Node) suspectUnreachable(target identity.NodeID) {
	if n.ctx.Err() != nil {
		return
	}
	n.startSuspicion(target)
}

// reattach rebuilds connectivity after purges dropped the neighbor count
// below the minimum: fresh union list, fresh preferential attachment.
func (n *Node) reattach() {
	defer n.wg.Done()

	union := n.requestUnionPL(n.cfg.Seed.ProposalTimeout)

	n.nbrMu.Lock()
	filtered := union[:0]
	for _, c := range union {
		if _, gone := n.purged[c.ID]; gone {
			continue
		}
		if _, have := n.neighbors[c.ID]; have {
			continue
		}
		filtered = append(filtered, c)
	}
	n.nbrMu.Unlock()

	if len(filtered) == 0 {
		slog.Info("reattach: no candidates available")
		return
	}

	chosen := n.sampleNeighbors(filtered)
	slog.Info("reattaching", "count", len(chosen))
	for _, target := range chosen {
		n.wg.Add(1)
		go n.connectNeighbor(target)
	}
}
