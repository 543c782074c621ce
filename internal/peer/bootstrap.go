package peer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"

	"gossipmesh/internal/identity"
	"gossipmesh/internal/transport"
	"gossipmesh/internal/wire"
)

// registerWithSeeds contacts every configured seed: REGISTER_REQUEST, then
// PL_REQUEST, both answered synchronously on the fresh socket before it is
// handed to the background read loop. Returns the union peer list with
// per-peer occurrence counts across all seed responses.
func (n *Node) registerWithSeeds() ([]Candidate, error) {
	// Contact order is shuffled (seeded, so reproducible); the CSV order
	// stays canonical only for protocol tie-breaks.
	order := make([]identity.NodeID, len(n.seeds))
	copy(order, n.seeds)
	n.rngMu.Lock()
	n.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	n.rngMu.Unlock()

	occurrences := make(map[identity.NodeID]int)
	registered := 0

	for _, seedID := range order {
		nc, err := transport.Dial(n.ctx, seedID.Addr(),
			n.cfg.Transport.DialAttempts, n.cfg.Transport.DialBackoff, n.cfg.Transport.DialTimeout)
		if err != nil {
			slog.Warn("seed unreachable", "seed", seedID, "error", err)
			continue
		}

		n.ev.Event("REGISTER_REQUEST to seed %s", seedID)
		pl, err := n.registerOnce(nc, seedID)
		if err != nil {
			nc.Close()
			if err == ErrRegistrationRejected {
				return nil, err
			}
			slog.Warn("registration failed", "seed", seedID, "error", err)
			continue
		}
		registered++

		for _, e := range pl {
			if e.Peer != n.id {
				occurrences[e.Peer]++
			}
		}

		// Hand the socket to the background listener; from here the seed
		// link carries DEAD_CONFIRMED and PL_RESPONSE traffic.
		c := transport.NewConn(nc)
		c.Label = seedID.String()
		n.seedMu.Lock()
		n.seedConns[seedID] = c
		n.seedMu.Unlock()
		n.wg.Add(1)
		go func(c *transport.Conn) {
			defer n.wg.Done()
			err := c.ReadLoop(n.dispatch)
			n.dropSeedConn(c, err)
		}(c)
	}

	if registered == 0 {
		return nil, fmt.Errorf("no seed accepted registration (%d configured)", len(n.seeds))
	}
	slog.Info("registered", "seeds", registered, "union_size", len(occurrences))

	union := make([]Candidate, 0, len(occurrences))
	for id, count := range occurrences {
		union = append(union, Candidate{ID: id, Occurrences: count})
	}
	return union, nil
}

// registerOnce performs the two synchronous request/response exchanges on a
// raw socket. The returned list is the PL_REQUEST answer, the one counted
// into the union.
func (n *Node) registerOnce(nc net.Conn, seedID identity.NodeID) ([]wire.PLEntry, error) {
	deadline := time.Now().Add(n.cfg.Seed.ProposalTimeout + n.cfg.Transport.DialTimeout)
	_ = nc.SetDeadline(deadline)
	defer nc.SetDeadline(time.Time{})

	if err := writeMessage(nc, wire.RegisterRequest{Type: wire.TypeRegisterRequest, Peer: n.id}); err != nil {
		return nil, err
	}

	for {
		payload, err := wire.ReadFrame(nc)
		if err != nil {
			return nil, fmt.Errorf("await register answer from %s: %w", seedID, err)
		}
		msgType, body, err := wire.Decode(payload)
		if err != nil {
			return nil, err
		}
		switch msgType {
		case wire.TypeRegisterAck:
			n.ev.Event("REGISTER_ACK from seed %s", seedID)
			return n.peerListExchange(nc, seedID)
		case wire.TypeRegisterNack:
			var nack wire.RegisterNack
			_ = json.Unmarshal(body, &nack)
			slog.Error("registration rejected", "seed", seedID, "reason", nack.Reason)
			return nil, ErrRegistrationRejected
		default:
			// A broadcast may already be in flight on this socket; skip
			// until the registration answer arrives.
			continue
		}
	}
}

func (n *Node) peerListExchange(nc net.Conn, seedID identity.NodeID) ([]wire.PLEntry, error) {
	if err := writeMessage(nc, wire.PLRequest{Type: wire.TypePLRequest, Requester: n.id}); err != nil {
		return nil, err
	}
	for {
		payload, err := wire.ReadFrame(nc)
		if err != nil {
			return nil, fmt.Errorf("await peer list from %s: %w", seedID, err)
		}
		msgType, body, err := wire.Decode(payload)
		if err != nil {
			return nil, err
		}
		if msgType != wire.TypePLResponse {
			continue
		}
		var resp wire.PLResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}
		return resp.PeerList, nil
	}
}

func writeMessage(nc net.Conn, msg any) error {
	payload, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	return wire.WriteFrame(nc, payload)
}

func (n *Node) dropSeedConn(c *transport.Conn, err error) {
	n.seedMu.Lock()
	for id, sc := range n.seedConns {
		if sc == c {
			delete(n.seedConns, id)
			if n.ctx.Err() == nil {
				slog.Info("seed link closed", "seed", id, "error", err)
			}
		}
	}
	n.seedMu.Unlock()
}

func (n *Node) seedConnList() []*transport.Conn {
	n.seedMu.Lock()
	defer n.seedMu.Unlock()
	out := make([]*transport.Conn, 0, len(n.seedConns))
	for _, c := range n.seedConns {
		out = append(out, c)
	}
	return out
}

// onPLResponse feeds an asynchronous peer-list answer (from a
// re-attachment request) to whoever is waiting for one.
func (n *Node) onPLResponse(body json.RawMessage, _ *transport.Conn) {
	var resp wire.PLResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		slog.Warn("bad PL_RESPONSE", "error", err)
		return
	}
	n.plMu.Lock()
	waiters := n.plWaiters
	n.plMu.Unlock()
	for _, ch := range waiters {
		select {
		case ch <- resp.PeerList:
		default:
		}
	}
}

// requestUnionPL queries every live seed link and unions the answers that
// arrive before the deadline.
func (n *Node) requestUnionPL(wait time.Duration) []Candidate {
	seeds := n.seedConnList()
	if len(seeds) == 0 {
		return nil
	}

	ch := make(chan []wire.PLEntry, len(seeds))
	n.plMu.Lock()
	n.plWaiters = append(n.plWaiters, ch)
	n.plMu.Unlock()
	defer func() {
		n.plMu.Lock()
		for i, w := range n.plWaiters {
			if w == ch {
				n.plWaiters = append(n.plWaiters[:i], n.plWaiters[i+1:]...)
				break
			}
		}
		n.plMu.Unlock()
	}()

	for _, c := range seeds {
		_ = c.Send(wire.PLRequest{Type: wire.TypePLRequest, Requester: n.id})
	}

	occurrences := make(map[identity.NodeID]int)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for received := 0; received < len(seeds); {
		select {
		case pl := <-ch:
			received++
			for _, e := range pl {
				if e.Peer != n.id {
					occurrences[e.Peer]++
				}
			}
		case <-timer.C:
			received = len(seeds)
		case <-n.ctx.Done():
			return nil
		}
	}

	union := make([]Candidate, 0, len(occurrences))
	for id, count := range occurrences {
		union = append(union, Candidate{ID: id, Occurrences: count})
	}
	return union
}
