package configuration

import "time"

// Properties is the full application configuration. Every protocol timing
// is a property so tests can compress the clock; the defaults are the
// wire-protocol values.
type Properties struct {
	App       AppProperties       `yaml:"app"`
	Transport TransportProperties `yaml:"transport"`
	Seed      SeedProperties      `yaml:"seed"`
	Peer      PeerProperties      `yaml:"peer"`
}

type AppProperties struct {
	LogLevel    string `yaml:"log-level"`
	MetricsAddr string `yaml:"metrics-addr"`
}

type TransportProperties struct {
	DialAttempts int           `yaml:"dial-attempts"`
	DialBackoff  time.Duration `yaml:"dial-backoff"`
	DialTimeout  time.Duration `yaml:"dial-timeout"`
}

type SeedProperties struct {
	ProposalTimeout time.Duration `yaml:"proposal-timeout"`
	ReportWindow    time.Duration `yaml:"report-window"`
	MinDeadReports  int           `yaml:"min-dead-reports"`
	ReaperInterval  time.Duration `yaml:"reaper-interval"`
	JournalDir      string        `yaml:"journal-dir"`
}

type PeerProperties struct {
	GossipInterval  time.Duration `yaml:"gossip-interval"`
	MaxGossip       int           `yaml:"max-gossip"`
	PingInterval    time.Duration `yaml:"ping-interval"`
	PongTimeout     time.Duration `yaml:"pong-timeout"`
	IcmpTimeout     time.Duration `yaml:"icmp-timeout"`
	SuspectTimeout  time.Duration `yaml:"suspect-timeout"`
	ConfirmTimeout  time.Duration `yaml:"confirm-timeout"`
	MinNeighbors    int           `yaml:"min-neighbors"`
	StabilizeDelay  time.Duration `yaml:"stabilize-delay"`
	ParetoAlpha     float64       `yaml:"pareto-alpha"`
	ParetoXMin      float64       `yaml:"pareto-x-min"`
}

func Default() *Properties {
	return &Properties{
		App: AppProperties{
			LogLevel: "info",
		},
		Transport: TransportProperties{
			DialAttempts: 5,
			DialBackoff:  time.Second,
			DialTimeout:  5 * time.Second,
		},
		Seed: SeedProperties{
			ProposalTimeout: 3 * time.Second,
			ReportWindow:    10 * time.Second,
			MinDeadReports:  2,
			ReaperInterval:  500 * time.Millisecond,
		},
		Peer: PeerProperties{
			GossipInterval: 5 * time.Second,
			MaxGossip:      10,
			PingInterval:   13 * time.Second,
			PongTimeout:    4 * time.Second,
			IcmpTimeout:    2 * time.Second,
			SuspectTimeout: 3 * time.Second,
			ConfirmTimeout: 10 * time.Second,
			MinNeighbors:   1,
			StabilizeDelay: 2 * time.Second,
			ParetoAlpha:    1.5,
			ParetoXMin:     2,
		},
	}
}
