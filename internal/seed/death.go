package seed

import (
	"encoding/json"
	"log/slog"
	"time"

	"gossipmesh/internal/identity"
	"gossipmesh/internal/journal"
	"gossipmesh/internal/metrics"
	"gossipmesh/internal/transport"
	"gossipmesh/internal/wire"
)

// onDeadReport buffers a peer's report. A death proposal starts only after
// the configured number of distinct reporters accuse the same victim inside
// the report window.
func (n *Node) onDeadReport(body json.RawMessage, _ *transport.Conn) {
	var msg wire.DeadReport
	if err := json.Unmarshal(body, &msg); err != nil {
		slog.Warn("bad DEAD_REPORT", "error", err)
		return
	}
	n.ev.Event("DEAD_REPORT Dead Node:%s:%d:%f:%s",
		msg.Victim.Host, msg.Victim.Port, msg.Timestamp, msg.Reporter.Host)

	if !n.pl.Contains(msg.Victim) {
		return
	}

	now := time.Now()
	n.deathMu.Lock()
	reports, ok := n.deadReports[msg.Victim]
	if !ok {
		reports = make(map[identity.NodeID]time.Time)
		n.deadReports[msg.Victim] = reports
	}
	reports[msg.Reporter] = now

	cutoff := now.Add(-n.cfg.Seed.ReportWindow)
	fresh := 0
	for _, at := range reports {
		if at.After(cutoff) {
			fresh++
		}
	}
	enough := fresh >= n.cfg.Seed.MinDeadReports
	_, pending := n.deathByVictim[msg.Victim]
	n.deathMu.Unlock()

	if enough && !pending {
		n.proposeDeath(msg.Victim)
	}
}

// proposeDeath starts a death proposal with this seed as proposer. The
// proposer's own yes is counted, matching the registration convention.
func (n *Node) proposeDeath(victim identity.NodeID) {
	n.deathMu.Lock()
	if _, busy := n.deathByVictim[victim]; busy {
		n.deathMu.Unlock()
		return
	}
	reqID := n.nextReqID("rem", victim)
	p := &proposal{
		reqID:    reqID,
		subject:  victim,
		proposer: n.id,
		votes:    map[identity.NodeID]bool{n.id: true},
		deadline: time.Now().Add(n.cfg.Seed.ProposalTimeout),
	}
	n.pendingDeath[reqID] = p
	n.deathByVictim[victim] = reqID
	n.deathMu.Unlock()

	metrics.SeedProposalsTotal.WithLabelValues("death").Inc()
	n.ev.Event("DEAD_PROPOSAL %s req_id=%s (proposing)", victim, reqID)
	n.broadcastToSeeds(wire.DeadProposal{
		Type:     wire.TypeDeadProposal,
		ReqID:    reqID,
		Victim:   victim,
		Proposer: n.id,
	})
	n.checkDeathQuorum(reqID)
}

// onDeadProposal votes on another seed's death proposal. Yes iff the victim
// is still committed here; concurrent proposals for the same victim resolve
// toward the lower-identity proposer.
func (n *Node) onDeadProposal(body json.RawMessage, c *transport.Conn) {
	var msg wire.DeadProposal
	if err := json.Unmarshal(body, &msg); err != nil {
		slog.Warn("bad DEAD_PROPOSAL", "error", err)
		return
	}
	n.ev.Event("DEAD_PROPOSAL %s req_id=%s from=%s", msg.Victim, msg.ReqID, msg.Proposer)

	vote := n.pl.Contains(msg.Victim)
	if vote {
		n.deathMu.Lock()
		if existingID, busy := n.deathByVictim[msg.Victim]; busy {
			existing := n.pendingDeath[existingID]
			switch {
			case existing == nil || existing.decided:
				delete(n.deathByVictim, msg.Victim)
			case msg.Proposer.Less(existing.proposer):
				existing.decided = true
				delete(n.deathByVictim, msg.Victim)
			default:
				vote = false
			}
		}
		if vote {
			p := &proposal{
				reqID:    msg.ReqID,
				subject:  msg.Victim,
				proposer: msg.Proposer,
				deadline: time.Now().Add(n.cfg.Seed.ProposalTimeout),
			}
			n.pendingDeath[msg.ReqID] = p
			n.deathByVictim[msg.Victim] = msg.ReqID
		}
		n.deathMu.Unlock()
	}

	n.ev.Event("DEAD_VOTE %s req_id=%s vote=%t", msg.Victim, msg.ReqID, vote)
	_ = c.Send(wire.DeadVote{
		Type:   wire.TypeDeadVote,
		ReqID:  msg.ReqID,
		Victim: msg.Victim,
		Vote:   vote,
		Voter:  n.id,
	})
}

func (n *Node) onDeadVote(body json.RawMessage, _ *transport.Conn) {
	var msg wire.DeadVote
	if err := json.Unmarshal(body, &msg); err != nil {
		slog.Warn("bad DEAD_VOTE", "error", err)
		return
	}
	n.ev.Event("DEAD_VOTE %s req_id=%s voter=%s vote=%t", msg.Victim, msg.ReqID, msg.Voter, msg.Vote)
	metrics.SeedVotesTotal.WithLabelValues("death", voteLabel(msg.Vote)).Inc()

	n.deathMu.Lock()
	p := n.pendingDeath[msg.ReqID]
	if p == nil || p.decided || p.proposer != n.id {
		n.deathMu.Unlock()
		return
	}
	p.votes[msg.Voter] = msg.Vote
	n.deathMu.Unlock()

	n.checkDeathQuorum(msg.ReqID)
}

func (n *Node) checkDeathQuorum(reqID string) {
	n.deathMu.Lock()
	p := n.pendingDeath[reqID]
	if p == nil || p.decided || p.proposer != n.id {
		n.deathMu.Unlock()
		return
	}
	if p.yesCount() < n.quorum {
		n.deathMu.Unlock()
		return
	}
	p.decided = true
	delete(n.deathByVictim, p.subject)
	delete(n.deadReports, p.subject)
	n.deathMu.Unlock()

	n.commitDeath(p.subject)
}

// commitDeath removes the victim and broadcasts DEAD_CONFIRMED to every
// seed and every reachable peer.
func (n *Node) commitDeath(victim identity.NodeID) {
	if !n.pl.Remove(victim) {
		return
	}
	n.journalCommit(journal.OpDeath, victim)
	n.ev.Event("DEAD_CONFIRMED %s", victim)
	slog.Info("death committed", "victim", victim, "pl_size", n.pl.Len())
	metrics.SeedCommitsTotal.WithLabelValues("death").Inc()

	confirm := wire.DeadConfirmed{Type: wire.TypeDeadConfirmed, Victim: victim}
	n.broadcastToSeeds(confirm)
	n.broadcastToPeers(confirm)
	n.dropPeerConn(victim)
}

// onDeadConfirmed applies a removal committed elsewhere and relays it to
// this seed's own peers, so every registered peer hears it from at least
// one of its seed links.
func (n *Node) onDeadConfirmed(body json.RawMessage, _ *transport.Conn) {
	var msg wire.DeadConfirmed
	if err := json.Unmarshal(body, &msg); err != nil {
		slog.Warn("bad DEAD_CONFIRMED", "error", err)
		return
	}

	n.deathMu.Lock()
	if reqID, ok := n.deathByVictim[msg.Victim]; ok {
		if p := n.pendingDeath[reqID]; p != nil {
			p.decided = true
		}
		delete(n.deathByVictim, msg.Victim)
	}
	delete(n.deadReports, msg.Victim)
	n.deathMu.Unlock()

	if n.pl.Remove(msg.Victim) {
		n.journalCommit(journal.OpDeath, msg.Victim)
		n.ev.Event("DEAD_CONFIRMED %s", msg.Victim)
		slog.Info("death commit applied", "victim", msg.Victim, "pl_size", n.pl.Len())
		n.broadcastToPeers(wire.DeadConfirmed{Type: wire.TypeDeadConfirmed, Victim: msg.Victim})
	}
	n.dropPeerConn(msg.Victim)
}

func (n *Node) dropPeerConn(victim identity.NodeID) {
	n.peersMu.Lock()
	if c, ok := n.peerConns[victim]; ok {
		delete(n.peerConns, victim)
		c.Close()
	}
	n.peersMu.Unlock()
}

// reapDeaths expires death proposals past their deadline.
func (n *Node) reapDeaths(now time.Time) {
	n.deathMu.Lock()
	for reqID, p := range n.pendingDeath {
		if p.decided {
			delete(n.pendingDeath, reqID)
			continue
		}
		if now.Before(p.deadline) {
			continue
		}
		p.decided = true
		delete(n.pendingDeath, reqID)
		if n.deathByVictim[p.subject] == reqID {
			delete(n.deathByVictim, p.subject)
		}
		if p.proposer == n.id {
			metrics.SeedQuorumFailures.WithLabelValues("death").Inc()
			slog.Info("death proposal timed out", "victim", p.subject, "req_id", reqID)
		}
	}
	n.deathMu.Unlock()
}

// pruneDeadReports drops reports older than the window.
func (n *Node) pruneDeadReports(now time.Time) {
	cutoff := now.Add(-n.cfg.Seed.ReportWindow)
	n.deathMu.Lock()
	for victim, reports := range n.deadReports {
		for reporter, at := range reports {
			if at.Before(cutoff) {
				delete(reports, reporter)
			}
		}
		if len(reports) == 0 {
			delete(n.deadReports, victim)
		}
	}
	n.deathMu.Unlock()
}
