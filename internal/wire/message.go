package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"gossipmesh/internal/identity"
)

// Message type tags. The set is closed: receivers dispatch on the tag and
// log-and-ignore anything they do not recognize, keeping the link open.
const (
	TypeSeedHello        = "SEED_HELLO"
	TypeRegisterRequest  = "REGISTER_REQUEST"
	TypeRegisterProposal = "REGISTER_PROPOSAL"
	TypeRegisterVote     = "REGISTER_VOTE"
	TypeRegisterCommit   = "REGISTER_COMMIT"
	TypeRegisterAck      = "REGISTER_ACK"
	TypeRegisterNack     = "REGISTER_NACK"
	TypePLRequest        = "PL_REQUEST"
	TypePLResponse       = "PL_RESPONSE"
	TypeDeadReport       = "DEAD_REPORT"
	TypeDeadProposal     = "DEAD_PROPOSAL"
	TypeDeadVote         = "DEAD_VOTE"
	TypeDeadConfirmed    = "DEAD_CONFIRMED"
	TypeHello            = "HELLO"
	TypeGossip           = "GOSSIP"
	TypePing             = "PING"
	TypePong             = "PONG"
	TypeSuspectRequest   = "SUSPECT_REQUEST"
	TypeSuspectResponse  = "SUSPECT_RESPONSE"
)

// NACK reasons carried by RegisterNack.
const (
	NackRejected = "rejected"
	NackTimeout  = "timeout"
)

var ErrMissingType = errors.New("message has no type field")

type SeedHello struct {
	Type   string          `json:"type"`
	SeedID identity.NodeID `json:"seed_id"`
}

type RegisterRequest struct {
	Type string          `json:"type"`
	Peer identity.NodeID `json:"peer"`
}

type RegisterProposal struct {
	Type     string          `json:"type"`
	ReqID    string          `json:"req_id"`
	Peer     identity.NodeID `json:"peer"`
	Proposer identity.NodeID `json:"proposer"`
}

type RegisterVote struct {
	Type  string          `json:"type"`
	ReqID string          `json:"req_id"`
	Peer  identity.NodeID `json:"peer"`
	Vote  bool            `json:"vote"`
	Voter identity.NodeID `json:"voter"`
}

type RegisterCommit struct {
	Type string          `json:"type"`
	Peer identity.NodeID `json:"peer"`
}

// PLEntry is one peer in a serialized peer list. Seeds do not track
// neighbor counts, so Degree is always sent as zero; receivers use list
// occurrence counts, not this field, as their attachment weight.
type PLEntry struct {
	Peer   identity.NodeID `json:"peer"`
	Degree int             `json:"degree"`
}

type RegisterAck struct {
	Type     string    `json:"type"`
	PeerList []PLEntry `json:"peer_list"`
}

type RegisterNack struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type PLRequest struct {
	Type      string          `json:"type"`
	Requester identity.NodeID `json:"requester"`
}

type PLResponse struct {
	Type     string    `json:"type"`
	PeerList []PLEntry `json:"peer_list"`
}

type DeadReport struct {
	Type      string          `json:"type"`
	Victim    identity.NodeID `json:"victim"`
	Reporter  identity.NodeID `json:"reporter"`
	Timestamp float64         `json:"timestamp"`
}

type DeadProposal struct {
	Type     string          `json:"type"`
	ReqID    string          `json:"req_id"`
	Victim   identity.NodeID `json:"victim"`
	Proposer identity.NodeID `json:"proposer"`
}

type DeadVote struct {
	Type   string          `json:"type"`
	ReqID  string          `json:"req_id"`
	Victim identity.NodeID `json:"victim"`
	Vote   bool            `json:"vote"`
	Voter  identity.NodeID `json:"voter"`
}

type DeadConfirmed struct {
	Type   string          `json:"type"`
	Victim identity.NodeID `json:"victim"`
}

type Hello struct {
	Type string          `json:"type"`
	From identity.NodeID `json:"from"`
}

// Gossip carries the opaque payload string "<ts>:<origin_host>:<seq>".
// Digest is advisory; receivers always recompute it from the payload.
type Gossip struct {
	Type      string          `json:"type"`
	Payload   string          `json:"payload"`
	Digest    string          `json:"digest,omitempty"`
	Origin    identity.NodeID `json:"origin"`
	RelayedBy identity.NodeID `json:"relayed_by,omitempty"`
}

type Ping struct {
	Type string          `json:"type"`
	From identity.NodeID `json:"from"`
}

type Pong struct {
	Type string          `json:"type"`
	From identity.NodeID `json:"from"`
}

type SuspectRequest struct {
	Type      string          `json:"type"`
	Suspect   identity.NodeID `json:"suspect"`
	Requester identity.NodeID `json:"requester"`
}

type SuspectResponse struct {
	Type      string          `json:"type"`
	Suspect   identity.NodeID `json:"suspect"`
	Alive     bool            `json:"alive"`
	Responder identity.NodeID `json:"responder"`
}

// Encode serializes a message struct (whose Type field must be set) into a
// frame payload.
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// Decode splits a frame payload into its type tag and raw body. The body is
// unmarshalled a second time by the handler selected for the tag.
func Decode(payload []byte) (string, json.RawMessage, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", nil, fmt.Errorf("decode message: %w", err)
	}
	if env.Type == "" {
		return "", nil, ErrMissingType
	}
	return env.Type, json.RawMessage(payload), nil
}
