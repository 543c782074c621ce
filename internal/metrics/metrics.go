package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SeedPLSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gossipmesh",
		Subsystem: "seed",
		Name:      "pl_size",
		Help:      "Committed peer list size",
	})

	SeedProposalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gossipmesh",
		Subsystem: "seed",
		Name:      "proposals_total",
		Help:      "Membership proposals started",
	}, []string{"kind"})

	SeedVotesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gossipmesh",
		Subsystem: "seed",
		Name:      "votes_total",
		Help:      "Membership votes received",
	}, []string{"kind", "vote"})

	SeedCommitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gossipmesh",
		Subsystem: "seed",
		Name:      "commits_total",
		Help:      "Committed membership changes",
	}, []string{"kind"})

	SeedQuorumFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gossipmesh",
		Subsystem: "seed",
		Name:      "quorum_failures_total",
		Help:      "Proposals dropped without reaching quorum",
	}, []string{"kind"})

	SeedLinksUp = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gossipmesh",
		Subsystem: "seed",
		Name:      "links_up",
		Help:      "Open seed-to-seed links",
	})

	PeerNeighbors = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gossipmesh",
		Subsystem: "peer",
		Name:      "neighbors",
		Help:      "Current overlay neighbors",
	})

	GossipOriginated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gossipmesh",
		Subsystem: "peer",
		Name:      "gossip_originated_total",
		Help:      "Gossip messages originated by this peer",
	})

	GossipFirstSeen = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gossipmesh",
		Subsystem: "peer",
		Name:      "gossip_first_seen_total",
		Help:      "Distinct gossip payloads received",
	})

	GossipDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gossipmesh",
		Subsystem: "peer",
		Name:      "gossip_duplicates_total",
		Help:      "Gossip frames dropped by digest dedup",
	})

	GossipForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gossipmesh",
		Subsystem: "peer",
		Name:      "gossip_forwarded_total",
		Help:      "Gossip frames forwarded to neighbors",
	})

	SuspicionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gossipmesh",
		Subsystem: "peer",
		Name:      "suspicions_total",
		Help:      "Neighbors moved to local-suspect",
	})

	SuspicionsRefuted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gossipmesh",
		Subsystem: "peer",
		Name:      "suspicions_refuted_total",
		Help:      "Suspicions cleared by peer quorum",
	})

	DeadReportsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gossipmesh",
		Subsystem: "peer",
		Name:      "dead_reports_sent_total",
		Help:      "DEAD_REPORT messages sent to seeds",
	})

	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gossipmesh",
		Subsystem: "wire",
		Name:      "frames_total",
		Help:      "Frames moved on any link",
	}, []string{"direction"})

	FrameErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gossipmesh",
		Subsystem: "wire",
		Name:      "frame_errors_total",
		Help:      "Frames dropped as malformed",
	})

	SendQueueDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gossipmesh",
		Subsystem: "wire",
		Name:      "send_queue_drops_total",
		Help:      "Frames dropped on send queue overflow",
	})
)
