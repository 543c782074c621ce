package seed

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"gossipmesh/internal/configuration"
	"gossipmesh/internal/eventlog"
	"gossipmesh/internal/identity"
	"gossipmesh/internal/wire"

	"github.com/stretchr/testify/require"
)

func testConfig() *configuration.Properties {
	cfg := configuration.Default()
	cfg.Seed.ProposalTimeout = 400 * time.Millisecond
	cfg.Seed.ReportWindow = 2 * time.Second
	cfg.Seed.ReaperInterval = 25 * time.Millisecond
	cfg.Transport.DialAttempts = 5
	cfg.Transport.DialBackoff = 50 * time.Millisecond
	cfg.Transport.DialTimeout = time.Second
	return cfg
}

func allocAddrs(t *testing.T, n int) []identity.NodeID {
	t.Helper()
	ids := make([]identity.NodeID, 0, n)
	for i := 0; i < n; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		port := ln.Addr().(*net.TCPAddr).Port
		require.NoError(t, ln.Close())
		ids = append(ids, identity.New("127.0.0.1", port))
	}
	return ids
}

// startSeeds brings up the first `up` seeds of an n-seed configuration and
// waits for their mesh links to form.
func startSeeds(t *testing.T, all []identity.NodeID, up int) []*Node {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	nodes := make([]*Node, 0, up)
	for i := 0; i < up; i++ {
		n := NewNode(all[i], all, testConfig(), eventlog.Discard("seed", all[i].Port), nil)
		require.NoError(t, n.Start(ctx))
		nodes = append(nodes, n)
		t.Cleanup(n.Stop)
	}

	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if n.meshSize() < up-1 {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond, "seed mesh never formed")

	return nodes
}

// fakePeer drives the peer side of the protocol over a raw socket.
type fakePeer struct {
	t  *testing.T
	id identity.NodeID
	nc net.Conn
}

func dialSeed(t *testing.T, peerID, seedID identity.NodeID) *fakePeer {
	t.Helper()
	nc, err := net.DialTimeout("tcp", seedID.Addr(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { nc.Close() })
	return &fakePeer{t: t, id: peerID, nc: nc}
}

func (p *fakePeer) send(msg any) {
	payload, err := wire.Encode(msg)
	require.NoError(p.t, err)
	require.NoError(p.t, wire.WriteFrame(p.nc, payload))
}

// awaitType reads frames until one of the wanted type arrives.
func (p *fakePeer) awaitType(wantType string, timeout time.Duration) json.RawMessage {
	p.t.Helper()
	require.NoError(p.t, p.nc.SetReadDeadline(time.Now().Add(timeout)))
	defer p.nc.SetReadDeadline(time.Time{})
	for {
		payload, err := wire.ReadFrame(p.nc)
		require.NoError(p.t, err, "waiting for %s", wantType)
		msgType, body, err := wire.Decode(payload)
		require.NoError(p.t, err)
		if msgType == wantType {
			return body
		}
	}
}

func (p *fakePeer) register() wire.RegisterAck {
	p.t.Helper()
	p.send(wire.RegisterRequest{Type: wire.TypeRegisterRequest, Peer: p.id})
	var ack wire.RegisterAck
	require.NoError(p.t, json.Unmarshal(p.awaitType(wire.TypeRegisterAck, 3*time.Second), &ack))
	return ack
}

func plEqual(nodes []*Node, want ...identity.NodeID) bool {
	for _, n := range nodes {
		members := n.PL().Members()
		if len(members) != len(want) {
			return false
		}
		have := make(map[identity.NodeID]bool, len(members))
		for _, m := range members {
			have[m] = true
		}
		for _, w := range want {
			if !have[w] {
				return false
			}
		}
	}
	return true
}

func TestSequentialRegistrationCommitsEverywhere(t *testing.T) {
	addrs := allocAddrs(t, 3)
	nodes := startSeeds(t, addrs, 3)

	peer := identity.New("127.0.0.1", 6001)
	fp := dialSeed(t, peer, addrs[0])
	ack := fp.register()
	require.Empty(t, ack.PeerList, "first registrant sees an empty list")

	require.Eventually(t, func() bool {
		return plEqual(nodes, peer)
	}, 3*time.Second, 20*time.Millisecond, "commit never reached all seeds")
}

func TestConcurrentRegistrationOfDistinctPeers(t *testing.T) {
	addrs := allocAddrs(t, 3)
	nodes := startSeeds(t, addrs, 3)

	p1 := identity.New("127.0.0.1", 6001)
	p2 := identity.New("127.0.0.1", 6002)

	fp1 := dialSeed(t, p1, addrs[0])
	fp2 := dialSeed(t, p2, addrs[1])

	done := make(chan struct{}, 2)
	go func() { fp1.register(); done <- struct{}{} }()
	go func() { fp2.register(); done <- struct{}{} }()
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("registration did not complete")
		}
	}

	require.Eventually(t, func() bool {
		return plEqual(nodes, p1, p2)
	}, 3*time.Second, 20*time.Millisecond)
}

func TestSingleSeedCommitsOnOwnVote(t *testing.T) {
	addrs := allocAddrs(t, 1)
	nodes := startSeeds(t, addrs, 1)
	require.Equal(t, 1, nodes[0].Quorum())

	peer := identity.New("127.0.0.1", 6001)
	fp := dialSeed(t, peer, addrs[0])
	fp.register()

	require.True(t, nodes[0].PL().Contains(peer))
}

func TestRegistrationBelowQuorumNacks(t *testing.T) {
	// 5-seed configuration, only 2 alive: quorum of 3 is unreachable and
	// the proposal times out into a NACK.
	addrs := allocAddrs(t, 5)
	nodes := startSeeds(t, addrs, 2)

	peer := identity.New("127.0.0.1", 6001)
	fp := dialSeed(t, peer, addrs[0])
	fp.send(wire.RegisterRequest{Type: wire.TypeRegisterRequest, Peer: peer})

	var nack wire.RegisterNack
	require.NoError(t, json.Unmarshal(fp.awaitType(wire.TypeRegisterNack, 3*time.Second), &nack))
	require.Equal(t, wire.NackTimeout, nack.Reason)
	require.False(t, nodes[0].PL().Contains(peer))
}

func TestTwoSeedsOfThreeStillReachQuorum(t *testing.T) {
	// n=3 means quorum 2: the proposer's own vote plus one peer seed.
	addrs := allocAddrs(t, 3)
	nodes := startSeeds(t, addrs, 2)

	peer := identity.New("127.0.0.1", 6001)
	fp := dialSeed(t, peer, addrs[0])
	fp.register()

	require.Eventually(t, func() bool {
		return plEqual(nodes, peer)
	}, 3*time.Second, 20*time.Millisecond)
}

func TestReRegistrationIsIdempotent(t *testing.T) {
	addrs := allocAddrs(t, 3)
	nodes := startSeeds(t, addrs, 3)

	peer := identity.New("127.0.0.1", 6001)
	fp := dialSeed(t, peer, addrs[0])
	fp.register()

	require.Eventually(t, func() bool { return plEqual(nodes, peer) },
		3*time.Second, 20*time.Millisecond)

	// A second REGISTER_REQUEST for a committed peer re-ACKs without a
	// new proposal round.
	fp2 := dialSeed(t, peer, addrs[1])
	fp2.register()
	require.Equal(t, 1, nodes[0].PL().Len())
}

// Register-then-query: a registered peer finds itself (and everyone else)
// in the PL answer of every seed.
func TestPLRequestReturnsFullCommittedList(t *testing.T) {
	addrs := allocAddrs(t, 3)
	nodes := startSeeds(t, addrs, 3)

	p1 := identity.New("127.0.0.1", 6001)
	p2 := identity.New("127.0.0.1", 6002)
	fp1 := dialSeed(t, p1, addrs[0])
	fp1.register()
	fp2 := dialSeed(t, p2, addrs[1])
	fp2.register()

	require.Eventually(t, func() bool { return plEqual(nodes, p1, p2) },
		3*time.Second, 20*time.Millisecond)

	fp1.send(wire.PLRequest{Type: wire.TypePLRequest, Requester: p1})
	var resp wire.PLResponse
	require.NoError(t, json.Unmarshal(fp1.awaitType(wire.TypePLResponse, 2*time.Second), &resp))

	require.Len(t, resp.PeerList, 2)
	got := map[identity.NodeID]bool{}
	for _, e := range resp.PeerList {
		got[e.Peer] = true
	}
	require.True(t, got[p1], "requester must appear in its own PL answer")
	require.True(t, got[p2])
}

func TestDeathRequiresTwoDistinctReporters(t *testing.T) {
	addrs := allocAddrs(t, 3)
	nodes := startSeeds(t, addrs, 3)

	victim := identity.New("127.0.0.1", 6003)
	r1 := identity.New("127.0.0.1", 6001)
	r2 := identity.New("127.0.0.1", 6002)

	for _, p := range []struct {
		id   identity.NodeID
		seed identity.NodeID
	}{{victim, addrs[0]}, {r1, addrs[1]}, {r2, addrs[2]}} {
		fp := dialSeed(t, p.id, p.seed)
		fp.register()
	}
	require.Eventually(t, func() bool { return plEqual(nodes, victim, r1, r2) },
		3*time.Second, 20*time.Millisecond)

	reporter1 := dialSeed(t, r1, addrs[0])
	reporter1.send(wire.DeadReport{Type: wire.TypeDeadReport, Victim: victim, Reporter: r1})

	// One reporter is never enough.
	time.Sleep(600 * time.Millisecond)
	require.True(t, nodes[0].PL().Contains(victim), "single report must not start a death commit")

	reporter2 := dialSeed(t, r2, addrs[0])
	reporter2.send(wire.DeadReport{Type: wire.TypeDeadReport, Victim: victim, Reporter: r2})

	require.Eventually(t, func() bool {
		return plEqual(nodes, r1, r2)
	}, 3*time.Second, 20*time.Millisecond, "death never committed on all seeds")
}

func TestDeadConfirmedReachesRegisteredPeers(t *testing.T) {
	addrs := allocAddrs(t, 3)
	nodes := startSeeds(t, addrs, 3)

	victim := identity.New("127.0.0.1", 6003)
	r1 := identity.New("127.0.0.1", 6001)
	r2 := identity.New("127.0.0.1", 6002)

	dialSeed(t, victim, addrs[0]).register()
	fp1 := dialSeed(t, r1, addrs[1])
	fp1.register()
	fp2 := dialSeed(t, r2, addrs[2])
	fp2.register()
	require.Eventually(t, func() bool { return plEqual(nodes, victim, r1, r2) },
		3*time.Second, 20*time.Millisecond)

	// Both reporters accuse via the same seed, which reaches the report
	// threshold and proposes.
	dialSeed(t, r1, addrs[0]).send(wire.DeadReport{Type: wire.TypeDeadReport, Victim: victim, Reporter: r1})
	dialSeed(t, r2, addrs[0]).send(wire.DeadReport{Type: wire.TypeDeadReport, Victim: victim, Reporter: r2})

	// fp1 registered through a different seed; the confirmation must be
	// relayed to its tracked peer connection.
	var confirmed wire.DeadConfirmed
	require.NoError(t, json.Unmarshal(fp1.awaitType(wire.TypeDeadConfirmed, 5*time.Second), &confirmed))
	require.Equal(t, victim, confirmed.Victim)
}

func TestCommitReplayIsIdempotent(t *testing.T) {
	cfg := testConfig()
	self := identity.New("127.0.0.1", 5001)
	n := NewNode(self, []identity.NodeID{self}, cfg, eventlog.Discard("seed", 5001), nil)

	peer := identity.New("127.0.0.1", 6001)
	commit, err := wire.Encode(wire.RegisterCommit{Type: wire.TypeRegisterCommit, Peer: peer})
	require.NoError(t, err)

	n.onRegisterCommit(commit, nil)
	n.onRegisterCommit(commit, nil)
	require.Equal(t, 1, n.PL().Len())

	confirm, err := wire.Encode(wire.DeadConfirmed{Type: wire.TypeDeadConfirmed, Victim: peer})
	require.NoError(t, err)

	n.onDeadConfirmed(confirm, nil)
	n.onDeadConfirmed(confirm, nil)
	require.Equal(t, 0, n.PL().Len())
}

func TestDeadReportForUnknownPeerIgnored(t *testing.T) {
	cfg := testConfig()
	self := identity.New("127.0.0.1", 5001)
	n := NewNode(self, []identity.NodeID{self}, cfg, eventlog.Discard("seed", 5001), nil)

	report, err := wire.Encode(wire.DeadReport{
		Type:     wire.TypeDeadReport,
		Victim:   identity.New("127.0.0.1", 9999),
		Reporter: identity.New("127.0.0.1", 6001),
	})
	require.NoError(t, err)
	n.onDeadReport(report, nil)

	n.deathMu.Lock()
	defer n.deathMu.Unlock()
	require.Empty(t, n.deadReports)
	require.Empty(t, n.pendingDeath)
}

func TestRegistryMutatesOnlyByCommit(t *testing.T) {
	r := NewRegistry()
	p := identity.New("127.0.0.1", 6001)

	require.True(t, r.Add(p))
	require.False(t, r.Add(p), "re-add must be a no-op")
	require.Equal(t, 1, r.Len())

	require.True(t, r.Remove(p))
	require.False(t, r.Remove(p), "re-remove must be a no-op")
	require.Equal(t, 0, r.Len())
}

func TestRegistrySnapshotOrderIsInsertionOrder(t *testing.T) {
	r := NewRegistry()
	ids := make([]identity.NodeID, 0, 5)
	for i := 0; i < 5; i++ {
		id := identity.New("127.0.0.1", 6001+i)
		ids = append(ids, id)
		r.Add(id)
	}
	r.Remove(ids[2])

	snap := r.Snapshot(identity.NodeID{})
	require.Len(t, snap, 4)
	want := []identity.NodeID{ids[0], ids[1], ids[3], ids[4]}
	for i, e := range snap {
		require.Equal(t, want[i], e.Peer, fmt.Sprintf("position %d", i))
	}
}
