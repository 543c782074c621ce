package peer

import (
	"encoding/json"
	"log/slog"
	"time"

	"gossipmesh/internal/identity"
	"gossipmesh/internal/metrics"
	"gossipmesh/internal/probe"
	"gossipmesh/internal/transport"
	"gossipmesh/internal/wire"
)

// suspicion tracks one local-suspect neighbor through the peer-level
// consensus round. verdicts maps every participant (the initiator
// included) to its dead/alive observation.
type suspicion struct {
	victim    identity.NodeID
	asked     int
	verdicts  map[identity.NodeID]bool // true = dead
	reported  bool
	confirmed chan struct{}
}

// minRespondents is the floor on participants before a dead verdict can be
// reported; a single opinion, even the initiator's own, is never enough.
const minRespondents = 2

// startSuspicion moves a neighbor to local-suspect, halts pings to it, and
// fans SUSPECT_REQUEST out to every other neighbor.
func (n *Node) startSuspicion(victim identity.NodeID) {
	if n.isPurged(victim) {
		return
	}

	n.nbrMu.Lock()
	if nb, ok := n.neighbors[victim]; ok {
		if nb.state != stateHealthy {
			n.nbrMu.Unlock()
			return
		}
		nb.state = stateSuspect
	}
	n.nbrMu.Unlock()

	n.suspMu.Lock()
	if _, busy := n.suspects[victim]; busy {
		n.suspMu.Unlock()
		return
	}
	s := &suspicion{
		victim:    victim,
		verdicts:  map[identity.NodeID]bool{n.id: true},
		confirmed: make(chan struct{}),
	}
	n.suspects[victim] = s
	n.suspMu.Unlock()

	metrics.SuspicionsTotal.Inc()
	n.ev.Event("SUSPECT_INITIATED %s", victim)

	req := wire.SuspectRequest{Type: wire.TypeSuspectRequest, Suspect: victim, Requester: n.id}
	asked := 0
	n.nbrMu.Lock()
	for id, nb := range n.neighbors {
		if id == victim {
			continue
		}
		if nb.conn.Send(req) == nil {
			asked++
		}
	}
	n.nbrMu.Unlock()

	n.suspMu.Lock()
	s.asked = asked
	n.suspMu.Unlock()

	n.wg.Add(1)
	go n.suspicionDeadline(victim)
}

// suspicionDeadline resolves the round with whatever verdicts arrived by
// the response timeout.
func (n *Node) suspicionDeadline(victim identity.NodeID) {
	defer n.wg.Done()
	select {
	case <-n.ctx.Done():
		return
	case <-time.After(n.cfg.Peer.SuspectTimeout):
	}
	n.resolveSuspicion(victim, true)
}

// onSuspectRequest probes the suspect independently (TCP connect + ICMP)
// and answers with the observation.
func (n *Node) onSuspectRequest(body json.RawMessage, c *transport.Conn) {
	var msg wire.SuspectRequest
	if err := json.Unmarshal(body, &msg); err != nil {
		slog.Warn("bad SUSPECT_REQUEST", "error", err)
		return
	}
	go func() {
		// The TCP connect probe is authoritative: a host can answer ICMP
		// (loopback always does) long after the process died, so an echo
		// reply alone never counts as alive.
		alive := probe.TCPConnect(msg.Suspect.Addr(), n.cfg.Peer.IcmpTimeout)
		icmpOK := probe.ICMP(n.ctx, msg.Suspect.Host, n.cfg.Peer.IcmpTimeout)
		slog.Info("suspect probe", "suspect", msg.Suspect, "alive", alive, "icmp", icmpOK, "requester", msg.Requester)
		_ = c.Send(wire.SuspectResponse{
			Type:      wire.TypeSuspectResponse,
			Suspect:   msg.Suspect,
			Alive:     alive,
			Responder: n.id,
		})
	}()
}

func (n *Node) onSuspectResponse(body json.RawMessage, _ *transport.Conn) {
	var msg wire.SuspectResponse
	if err := json.Unmarshal(body, &msg); err != nil {
		slog.Warn("bad SUSPECT_RESPONSE", "error", err)
		return
	}

	n.suspMu.Lock()
	s, ok := n.suspects[msg.Suspect]
	if !ok || s.reported {
		n.suspMu.Unlock()
		return
	}
	s.verdicts[msg.Responder] = !msg.Alive
	allIn := len(s.verdicts)-1 >= s.asked
	n.suspMu.Unlock()

	// Every response may complete the dead quorum; a full round resolves
	// either way without waiting for the deadline.
	n.resolveSuspicion(msg.Suspect, allIn)
}

// resolveSuspicion applies the peer-level quorum: dead verdicts must reach
// a majority of participants and never fewer than two opinions. final
// forces a verdict with whatever arrived (deadline hit or all asked
// neighbors answered).
func (n *Node) resolveSuspicion(victim identity.NodeID, final bool) {
	n.suspMu.Lock()
	s, ok := n.suspects[victim]
	if !ok || s.reported {
		n.suspMu.Unlock()
		return
	}

	participants := len(s.verdicts)
	dead := 0
	for _, d := range s.verdicts {
		if d {
			dead++
		}
	}
	quorum := participants/2 + 1
	if quorum < minRespondents {
		quorum = minRespondents
	}

	if dead >= quorum && participants >= minRespondents {
		s.reported = true
		n.suspMu.Unlock()
		n.confirmDead(victim, s)
		return
	}
	if !final {
		// Quorum not reached yet; the deadline makes the final call.
		n.suspMu.Unlock()
		return
	}

	delete(n.suspects, victim)
	n.suspMu.Unlock()

	metrics.SuspicionsRefuted.Inc()
	slog.Info("suspicion refuted", "peer", victim, "dead_votes", dead, "participants", participants)

	// Restore pinging; the window restarts clean.
	n.nbrMu.Lock()
	if nb, ok := n.neighbors[victim]; ok && nb.state == stateSuspect {
		nb.state = stateHealthy
		nb.resetWindow()
	}
	n.nbrMu.Unlock()
}

// confirmDead escalates to the seed tier: DEAD_REPORT to every seed, local
// teardown, and a purge fallback if no DEAD_CONFIRMED arrives in time.
func (n *Node) confirmDead(victim identity.NodeID, s *suspicion) {
	n.nbrMu.Lock()
	if nb, ok := n.neighbors[victim]; ok {
		nb.state = stateConfirmedDead
		nb.conn.Close()
	}
	n.nbrMu.Unlock()

	n.sendDeadReport(victim)

	n.wg.Add(1)
	go n.awaitConfirmation(victim, s)
}

func (n *Node) sendDeadReport(victim identity.NodeID) {
	ts := float64(time.Now().UnixMicro()) / 1e6
	n.ev.Event("DEAD_REPORT Dead Node:%s:%d:%f:%s", victim.Host, victim.Port, ts, n.id.Host)
	metrics.DeadReportsSent.Inc()

	msg := wire.DeadReport{
		Type:      wire.TypeDeadReport,
		Victim:    victim,
		Reporter:  n.id,
		Timestamp: ts,
	}
	for _, c := range n.seedConnList() {
		if err := c.Send(msg); err != nil {
			slog.Debug("dead report send failed", "error", err)
		}
	}
}

// awaitConfirmation waits for the seeds' DEAD_CONFIRMED. Past the timeout
// the victim is purged locally anyway and the report is re-sent to
// whichever seeds are reachable until the confirmation lands.
func (n *Node) awaitConfirmation(victim identity.NodeID, s *suspicion) {
	defer n.wg.Done()
	t := time.NewTimer(n.cfg.Peer.ConfirmTimeout)
	defer t.Stop()

	select {
	case <-n.ctx.Done():
		return
	case <-s.confirmed:
		return
	case <-t.C:
	}

	slog.Warn("no DEAD_CONFIRMED from seeds, purging locally", "peer", victim)
	n.purge(victim)

	retry := time.NewTicker(n.cfg.Peer.ConfirmTimeout)
	defer retry.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-s.confirmed:
			return
		case <-retry.C:
			n.sendDeadReport(victim)
		}
	}
}

// onDeadConfirmed purges the victim: terminal for this identity until an
// out-of-band restart re-registers it.
func (n *Node) onDeadConfirmed(body json.RawMessage, _ *transport.Conn) {
	var msg wire.DeadConfirmed
	if err := json.Unmarshal(body, &msg); err != nil {
		slog.Warn("bad DEAD_CONFIRMED", "error", err)
		return
	}
	n.ev.Event("DEAD_CONFIRMED %s", msg.Victim)
	n.purge(msg.Victim)
}

func (n *Node) purge(victim identity.NodeID) {
	n.suspMu.Lock()
	if s, ok := n.suspects[victim]; ok {
		select {
		case <-s.confirmed:
		default:
			close(s.confirmed)
		}
		delete(n.suspects, victim)
	}
	n.suspMu.Unlock()

	n.nbrMu.Lock()
	if _, already := n.purged[victim]; already {
		n.nbrMu.Unlock()
		return
	}
	n.purged[victim] = struct{}{}
	var count int
	if nb, ok := n.neighbors[victim]; ok {
		nb.conn.Close()
		delete(n.byConn, nb.conn)
		delete(n.neighbors, victim)
	}
	count = len(n.neighbors)
	metrics.PeerNeighbors.Set(float64(count))
	n.nbrMu.Unlock()

	slog.Info("peer purged", "peer", victim, "neighbors", count)

	if count < n.cfg.Peer.MinNeighbors && n.ctx.Err() == nil {
		n.wg.Add(1)
		go n.reattach()
	}
}
