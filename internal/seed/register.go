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

// onRegisterRequest starts a registration proposal with this seed as the
// designated proposer. The requesting peer's connection is held so the
// eventual ACK or NACK lands on the same socket.
func (n *Node) onRegisterRequest(body json.RawMessage, c *transport.Conn) {
	var msg wire.RegisterRequest
	if err := json.Unmarshal(body, &msg); err != nil {
		slog.Warn("bad REGISTER_REQUEST", "error", err)
		return
	}
	peer := msg.Peer
	n.ev.Event("REGISTER_REQUEST %s", peer)
	n.trackPeer(peer, c)

	// Re-ACK an already committed peer: the peer restarted its bootstrap
	// before we saw its death.
	if n.pl.Contains(peer) {
		_ = c.Send(wire.RegisterAck{Type: wire.TypeRegisterAck, PeerList: n.pl.Snapshot(peer)})
		return
	}

	n.regMu.Lock()
	if _, busy := n.regByPeer[peer]; busy {
		// A proposal for this peer is already in flight; the pending
		// decision will answer on its own connection. Avoid dueling
		// proposals from the same seed.
		n.regMu.Unlock()
		return
	}
	reqID := n.nextReqID("reg", peer)
	p := &proposal{
		reqID:    reqID,
		subject:  peer,
		proposer: n.id,
		votes:    map[identity.NodeID]bool{n.id: true},
		deadline: time.Now().Add(n.cfg.Seed.ProposalTimeout),
		replyTo:  c,
	}
	n.pendingReg[reqID] = p
	n.regByPeer[peer] = reqID
	n.regMu.Unlock()

	metrics.SeedProposalsTotal.WithLabelValues("register").Inc()
	n.ev.Event("REGISTER_PROPOSAL %s req_id=%s (proposing)", peer, reqID)
	n.broadcastToSeeds(wire.RegisterProposal{
		Type:     wire.TypeRegisterProposal,
		ReqID:    reqID,
		Peer:     peer,
		Proposer: n.id,
	})
	// A single-seed deployment reaches quorum on its own vote.
	n.checkRegisterQuorum(reqID)
}

// onRegisterProposal votes on another seed's registration proposal. Yes
// unless the peer is already committed or a conflicting proposal from a
// lower-identity proposer is pending here.
func (n *Node) onRegisterProposal(body json.RawMessage, c *transport.Conn) {
	var msg wire.RegisterProposal
	if err := json.Unmarshal(body, &msg); err != nil {
		slog.Warn("bad REGISTER_PROPOSAL", "error", err)
		return
	}
	n.ev.Event("REGISTER_PROPOSAL %s req_id=%s from=%s", msg.Peer, msg.ReqID, msg.Proposer)

	vote := true
	if n.pl.Contains(msg.Peer) {
		vote = false
	} else {
		n.regMu.Lock()
		if existingID, busy := n.regByPeer[msg.Peer]; busy {
			existing := n.pendingReg[existingID]
			switch {
			case existing == nil || existing.decided:
				delete(n.regByPeer, msg.Peer)
			case msg.Proposer.Less(existing.proposer):
				// The lower-identity proposer wins; our record (or the
				// record we voted for) withdraws.
				n.withdrawRegistrationLocked(existing)
			default:
				vote = false
			}
		}
		if vote {
			// Remember the remote proposal until its deadline so a
			// concurrent duplicate is voted down.
			p := &proposal{
				reqID:    msg.ReqID,
				subject:  msg.Peer,
				proposer: msg.Proposer,
				deadline: time.Now().Add(n.cfg.Seed.ProposalTimeout),
			}
			n.pendingReg[msg.ReqID] = p
			n.regByPeer[msg.Peer] = msg.ReqID
		}
		n.regMu.Unlock()
	}

	n.ev.Event("REGISTER_VOTE %s req_id=%s vote=%t", msg.Peer, msg.ReqID, vote)
	_ = c.Send(wire.RegisterVote{
		Type:  wire.TypeRegisterVote,
		ReqID: msg.ReqID,
		Peer:  msg.Peer,
		Vote:  vote,
		Voter: n.id,
	})
}

// withdrawRegistrationLocked abandons a pending registration record, whether
// this seed owns it or only voted for it. Caller holds regMu.
func (n *Node) withdrawRegistrationLocked(p *proposal) {
	p.decided = true
	delete(n.regByPeer, p.subject)
	if p.proposer == n.id && p.replyTo != nil {
		// The winning proposer will answer the peer; nothing to send here.
		slog.Info("withdrawing registration proposal", "peer", p.subject, "req_id", p.reqID)
	}
}

// onRegisterVote tallies a vote on a proposal this seed initiated.
func (n *Node) onRegisterVote(body json.RawMessage, _ *transport.Conn) {
	var msg wire.RegisterVote
	if err := json.Unmarshal(body, &msg); err != nil {
		slog.Warn("bad REGISTER_VOTE", "error", err)
		return
	}
	n.ev.Event("REGISTER_VOTE %s req_id=%s voter=%s vote=%t", msg.Peer, msg.ReqID, msg.Voter, msg.Vote)
	metrics.SeedVotesTotal.WithLabelValues("register", voteLabel(msg.Vote)).Inc()

	n.regMu.Lock()
	p := n.pendingReg[msg.ReqID]
	if p == nil || p.decided || p.proposer != n.id {
		n.regMu.Unlock()
		return
	}
	p.votes[msg.Voter] = msg.Vote
	n.regMu.Unlock()

	n.checkRegisterQuorum(msg.ReqID)
}

func (n *Node) checkRegisterQuorum(reqID string) {
	n.regMu.Lock()
	p := n.pendingReg[reqID]
	if p == nil || p.decided || p.proposer != n.id {
		n.regMu.Unlock()
		return
	}
	yes, no := p.yesCount(), p.noCount()
	switch {
	case yes >= n.quorum:
		p.decided = true
		delete(n.regByPeer, p.subject)
		n.regMu.Unlock()
		n.commitRegistration(p, yes)
	case no > len(n.seeds)-n.quorum:
		p.decided = true
		delete(n.regByPeer, p.subject)
		n.regMu.Unlock()
		n.rejectRegistration(p, wire.NackRejected)
	default:
		n.regMu.Unlock()
	}
}

func (n *Node) commitRegistration(p *proposal, yes int) {
	added := n.pl.Add(p.subject)
	if added {
		n.journalCommit(journal.OpRegister, p.subject)
	}
	n.ev.Event("REGISTER_COMMIT %s", p.subject)
	slog.Info("registration committed", "peer", p.subject, "yes", yes, "pl_size", n.pl.Len())
	metrics.SeedCommitsTotal.WithLabelValues("register").Inc()

	n.broadcastToSeeds(wire.RegisterCommit{Type: wire.TypeRegisterCommit, Peer: p.subject})
	if p.replyTo != nil {
		_ = p.replyTo.Send(wire.RegisterAck{
			Type:     wire.TypeRegisterAck,
			PeerList: n.pl.Snapshot(p.subject),
		})
	}
}

func (n *Node) rejectRegistration(p *proposal, reason string) {
	metrics.SeedQuorumFailures.WithLabelValues("register").Inc()
	slog.Info("registration failed", "peer", p.subject, "req_id", p.reqID, "reason", reason)
	if p.replyTo != nil {
		_ = p.replyTo.Send(wire.RegisterNack{Type: wire.TypeRegisterNack, Reason: reason})
	}
}

// onRegisterCommit applies a commit decided by another seed. Idempotent.
func (n *Node) onRegisterCommit(body json.RawMessage, _ *transport.Conn) {
	var msg wire.RegisterCommit
	if err := json.Unmarshal(body, &msg); err != nil {
		slog.Warn("bad REGISTER_COMMIT", "error", err)
		return
	}
	n.regMu.Lock()
	if reqID, ok := n.regByPeer[msg.Peer]; ok {
		if p := n.pendingReg[reqID]; p != nil {
			p.decided = true
		}
		delete(n.regByPeer, msg.Peer)
	}
	n.regMu.Unlock()

	if n.pl.Add(msg.Peer) {
		n.journalCommit(journal.OpRegister, msg.Peer)
		n.ev.Event("REGISTER_COMMIT %s", msg.Peer)
		slog.Info("registration commit applied", "peer", msg.Peer, "pl_size", n.pl.Len())
	}
}

// onPLRequest answers with the full committed list. The requester is not
// excluded here: a freshly registered peer querying every seed must find
// itself in every answer.
func (n *Node) onPLRequest(body json.RawMessage, c *transport.Conn) {
	var msg wire.PLRequest
	if err := json.Unmarshal(body, &msg); err != nil {
		slog.Warn("bad PL_REQUEST", "error", err)
		return
	}
	if !msg.Requester.IsZero() {
		n.trackPeer(msg.Requester, c)
	}
	_ = c.Send(wire.PLResponse{Type: wire.TypePLResponse, PeerList: n.pl.Snapshot(identity.NodeID{})})
}

// reapRegistrations expires proposals past their deadline: a timed-out
// proposal this seed owns NACKs the peer; remote records are dropped.
func (n *Node) reapRegistrations(now time.Time) {
	var timedOut []*proposal
	n.regMu.Lock()
	for reqID, p := range n.pendingReg {
		if p.decided || now.Before(p.deadline) {
			if p.decided {
				delete(n.pendingReg, reqID)
			}
			continue
		}
		p.decided = true
		delete(n.pendingReg, reqID)
		if n.regByPeer[p.subject] == reqID {
			delete(n.regByPeer, p.subject)
		}
		if p.proposer == n.id {
			timedOut = append(timedOut, p)
		}
	}
	n.regMu.Unlock()

	for _, p := range timedOut {
		n.rejectRegistration(p, wire.NackTimeout)
	}
}

func voteLabel(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
