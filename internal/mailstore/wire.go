// Package mailstore defines the client/home-server protocol: the
// fanrelay.v1.Mailstore gRPC service, its JSON codec and its frames.
package mailstore

import (
	json "github.com/goccy/go-json"

	"github.com/and161185/fanrelay/internal/envelope"
	"github.com/and161185/fanrelay/internal/keyring"
	"github.com/and161185/fanrelay/internal/model"
)

// SignupRequest carries a self-identity claim.
type SignupRequest struct {
	Claim string `json:"claim"`
}

// SignupResponse answers a signup. The keys are set for model.SignupOK.
type SignupResponse struct {
	Status    model.SignupStatus `json:"status"`
	ServerKey keyring.PublicKey  `json:"serverKey"`
	SignKey   keyring.PublicKey  `json:"signKey"`
}

// ActionKind names a client action.
type ActionKind string

// Client actions.
const (
	// ActionDeliverTransit relays a person envelope to a server.
	ActionDeliverTransit ActionKind = "deliverTransit"
	// ActionAuthorizeContact accepts envelopes from a contact.
	ActionAuthorizeContact ActionKind = "authorizeContact"
	// ActionAckReplicas marks replica blocks as stored by the client.
	ActionAckReplicas ActionKind = "ackReplicas"
	// ActionFetchReplicas asks for every undelivered replica block.
	ActionFetchReplicas ActionKind = "fetchReplicas"
)

// Transit is the body of deliverTransit.
type Transit struct {
	ServerKey keyring.PublicKey      `json:"serverKey"`
	Envelope  envelope.OuterEnvelope `json:"envelope"`
}

// Contact is the body of authorizeContact.
type Contact struct {
	TellKey   keyring.PublicKey `json:"tellKey"`
	ServerKey keyring.PublicKey `json:"serverKey"`
	ServerURL string            `json:"serverUrl,omitempty"`
}

// Action is one queued client request.
type Action struct {
	Kind     ActionKind `json:"kind"`
	Transit  *Transit   `json:"transit,omitempty"`
	Contact  *Contact   `json:"contact,omitempty"`
	BlockIDs []string   `json:"blockIds,omitempty"`
}

// Encode serializes a for the action queue. The stored bytes are what goes on
// the wire, on every retransmission.
func (a Action) Encode() ([]byte, error) { return json.Marshal(a) }

// DecodeAction parses a queued action.
func DecodeAction(raw []byte) (Action, error) {
	var a Action
	err := json.Unmarshal(raw, &a)
	return a, err
}

// ActionFrame is a client-to-server stream message.
type ActionFrame struct {
	Seq    uint64          `json:"seq"`
	Action json.RawMessage `json:"action"`
}

// FrameType is the kind of a ServerFrame.
type FrameType string

// Server frame kinds.
const (
	FrameAck     FrameType = "ack"
	FrameReply   FrameType = "reply"
	FrameBad     FrameType = "bad"
	FrameReplica FrameType = "replica"
)

// Block is a signed replica block as pushed to clients.
type Block struct {
	ID     string `json:"id"`
	Signed []byte `json:"signed"`
}

// ServerFrame is a server-to-client stream message. Ack, reply and bad
// answer the action with the same Seq; replica pushes a block.
type ServerFrame struct {
	Type   FrameType       `json:"type"`
	Seq    uint64          `json:"seq,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Block  *Block          `json:"block,omitempty"`
}

// UnknownUser is the status message of a stream rejected because the server
// has no account for the presented identity.
const UnknownUser = "unknown-user"
