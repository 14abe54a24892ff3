package envelope

import (
	"bytes"

	json "github.com/goccy/go-json"

	"github.com/and161185/fanrelay/internal/errs"
	"github.com/and161185/fanrelay/internal/keyring"
	"github.com/and161185/fanrelay/internal/model"
)

// Kind is the declared type of an inner envelope.
type Kind string

// Inner envelope kinds.
const (
	KindUser       Kind = "user"
	KindCreateConv Kind = "createconv"
	KindJoinConv   Kind = "joinconv"
	KindJoined     Kind = "joined"
	KindConvAdd    Kind = "convadd"
	KindConvMsg    Kind = "convmsg"
	KindConvMeta   Kind = "convmeta"
	KindInitialFan Kind = "initialfan"
	KindFannedMsg  Kind = "fannedmsg"
)

// Kinds lists every inner envelope kind.
var Kinds = []Kind{
	KindUser, KindCreateConv, KindJoinConv, KindJoined, KindConvAdd,
	KindConvMsg, KindConvMeta, KindInitialFan, KindFannedMsg,
}

// Inner is the closed set of typed protocol messages.
type Inner interface {
	Kind() Kind
	validate() error
}

// UserMsg is a person-to-person message addressed by the recipient's tell key.
type UserMsg struct {
	Name    keyring.PublicKey `json:"name"`
	Payload []byte            `json:"payload"`
}

// AddPayload names one participant of a new conversation.
type AddPayload struct {
	TellKey            keyring.PublicKey `json:"tellKey"`
	EnvelopeKey        keyring.PublicKey `json:"envelopeKey"`
	ServerKey          keyring.PublicKey `json:"serverKey"`
	ServerURL          string            `json:"serverUrl,omitempty"`
	AttestationNonce   keyring.Nonce     `json:"attestationNonce"`
	AttestationPayload []byte            `json:"attestationPayload"`
}

// CreateConvPayload is the body of a createconv envelope.
type CreateConvPayload struct {
	AddPayloads []AddPayload  `json:"addPayloads"`
	MsgNonce    keyring.Nonce `json:"msgNonce"`
	MsgPayload  []byte        `json:"msgPayload"`
}

// CreateConv asks the sender's own server to create a conversation.
type CreateConv struct {
	ConvID  string            `json:"convId"`
	Payload CreateConvPayload `json:"payload"`
}

// JoinPayload is the inviter's pre-built convadd, carried through joinconv and joined.
type JoinPayload struct {
	FanoutServerKey keyring.PublicKey `json:"fanoutServerKey"`
	FanoutServerURL string            `json:"fanoutServerUrl,omitempty"`
	ConvAdd         OuterEnvelope     `json:"convAdd"`
}

// JoinConv asks the invitee's server to accept a conversation from an inviter.
type JoinConv struct {
	Name       keyring.PublicKey `json:"name"`       // invitee tell key
	ServerName keyring.PublicKey `json:"serverName"` // fanout server key
	ConvID     string            `json:"convId"`
	Nonce      keyring.Nonce     `json:"nonce"`
	Payload    []byte            `json:"payload"` // encoded JoinPayload
}

// Joined tells the inviter's server that the invitee accepted.
type Joined struct {
	Name    keyring.PublicKey `json:"name"` // inviter tell key
	Nonce   keyring.Nonce     `json:"nonce"`
	Payload []byte            `json:"payload"` // encoded JoinPayload
}

// ConvAddPayload is the body of a convadd envelope.
type ConvAddPayload struct {
	AttestationNonce   keyring.Nonce     `json:"attestationNonce"`
	AttestationPayload []byte            `json:"attestationPayload"`
	EnvelopeKey        keyring.PublicKey `json:"envelopeKey"`
	InviteProof        []byte            `json:"inviteProof"`
	InviteePayload     []byte            `json:"inviteePayload"`
}

// ConvAdd asks a conversation's fanout authority to admit a new participant.
type ConvAdd struct {
	ConvID     string            `json:"convId"`
	ServerName keyring.PublicKey `json:"serverName"` // invitee server key
	ServerURL  string            `json:"serverUrl,omitempty"`
	Name       keyring.PublicKey `json:"name"` // invitee tell key
	Payload    ConvAddPayload    `json:"payload"`
}

// ConvMsg appends a message to a conversation.
type ConvMsg struct {
	ConvID  string `json:"convId"`
	Payload []byte `json:"payload"`
}

// ConvMeta appends a per-user metadata update (e.g. read watermark) to a conversation.
type ConvMeta struct {
	ConvID  string `json:"convId"`
	Payload []byte `json:"payload"`
}

// InitialFan delivers a welcome backlog to a participant's home server.
type InitialFan struct {
	Name       keyring.PublicKey `json:"name"`      // recipient tell key
	SenderKey  keyring.PublicKey `json:"senderKey"` // inviter or creator tell key
	ConvID     string            `json:"convId"`
	Proof      []byte            `json:"proof"`
	ProofNonce keyring.Nonce     `json:"proofNonce"`
	Nonce      keyring.Nonce     `json:"nonce"`
	Payload    []byte            `json:"payload"` // Welcome boxed to the recipient envelope key
}

// FannedMsg delivers one backlog entry to a participant's home server.
type FannedMsg struct {
	Name    keyring.PublicKey `json:"name"`
	ConvID  string            `json:"convId"`
	Nonce   keyring.Nonce     `json:"nonce"`
	Payload []byte            `json:"payload"` // FanoutMsg boxed to the recipient envelope key
}

// Proof binds a boxed statement to a conversation and a named key.
type Proof struct {
	ConvID string            `json:"convId"`
	Name   keyring.PublicKey `json:"name"`
}

// Welcome is the plaintext of an initialfan payload.
type Welcome struct {
	ConvID           string            `json:"convId"`
	TransitServerKey keyring.PublicKey `json:"transitServerKey"`
	Backlog          []model.FanoutMsg `json:"backlog"`
	Invitation       []byte            `json:"invitation,omitempty"` // convadd inviteePayload
}

func (UserMsg) Kind() Kind    { return KindUser }
func (CreateConv) Kind() Kind { return KindCreateConv }
func (JoinConv) Kind() Kind   { return KindJoinConv }
func (Joined) Kind() Kind     { return KindJoined }
func (ConvAdd) Kind() Kind    { return KindConvAdd }
func (ConvMsg) Kind() Kind    { return KindConvMsg }
func (ConvMeta) Kind() Kind   { return KindConvMeta }
func (InitialFan) Kind() Kind { return KindInitialFan }
func (FannedMsg) Kind() Kind  { return KindFannedMsg }

func (m UserMsg) validate() error {
	if m.Name.IsZero() {
		return errs.Malformed("user: missing name")
	}
	return nil
}

func (m CreateConv) validate() error {
	if m.ConvID == "" {
		return errs.Malformed("createconv: missing convId")
	}
	for i, ap := range m.Payload.AddPayloads {
		if ap.TellKey.IsZero() || ap.EnvelopeKey.IsZero() || ap.ServerKey.IsZero() {
			return errs.Malformed("createconv: addPayloads[%d] incomplete", i)
		}
	}
	return nil
}

func (m JoinConv) validate() error {
	if m.ConvID == "" || m.Name.IsZero() || m.ServerName.IsZero() {
		return errs.Malformed("joinconv: missing convId/name/serverName")
	}
	return nil
}

func (m Joined) validate() error {
	if m.Name.IsZero() {
		return errs.Malformed("joined: missing name")
	}
	return nil
}

func (m ConvAdd) validate() error {
	if m.ConvID == "" || m.Name.IsZero() || m.ServerName.IsZero() || m.Payload.EnvelopeKey.IsZero() {
		return errs.Malformed("convadd: missing convId/name/serverName/envelopeKey")
	}
	return nil
}

func (m ConvMsg) validate() error {
	if m.ConvID == "" {
		return errs.Malformed("convmsg: missing convId")
	}
	return nil
}

func (m ConvMeta) validate() error {
	if m.ConvID == "" {
		return errs.Malformed("convmeta: missing convId")
	}
	return nil
}

func (m InitialFan) validate() error {
	if m.ConvID == "" || m.Name.IsZero() || m.SenderKey.IsZero() || len(m.Proof) == 0 {
		return errs.Malformed("initialfan: missing convId/name/senderKey/proof")
	}
	return nil
}

func (m FannedMsg) validate() error {
	if m.ConvID == "" || m.Name.IsZero() {
		return errs.Malformed("fannedmsg: missing convId/name")
	}
	return nil
}

type typeHeader struct {
	Type Kind `json:"type"`
}

// EncodeInner serializes in with its "type" discriminator.
func EncodeInner(in Inner) ([]byte, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	head, err := json.Marshal(typeHeader{Type: in.Kind()})
	if err != nil {
		return nil, err
	}
	// head is {"type":"..."}; splice the variant's fields after it.
	body = bytes.TrimSpace(body)
	if len(body) <= 2 {
		return head, nil
	}
	out := make([]byte, 0, len(head)+len(body))
	out = append(out, head[:len(head)-1]...)
	out = append(out, ',')
	out = append(out, body[1:]...)
	return out, nil
}

// DecodeInner parses a typed inner envelope. Unknown types and structurally
// invalid envelopes are MalformedPayloadErrors.
func DecodeInner(raw []byte) (Inner, error) {
	var h typeHeader
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, errs.Malformed("inner envelope: %v", err)
	}
	var in Inner
	switch h.Type {
	case KindUser:
		in = decodeAs[UserMsg](raw)
	case KindCreateConv:
		in = decodeAs[CreateConv](raw)
	case KindJoinConv:
		in = decodeAs[JoinConv](raw)
	case KindJoined:
		in = decodeAs[Joined](raw)
	case KindConvAdd:
		in = decodeAs[ConvAdd](raw)
	case KindConvMsg:
		in = decodeAs[ConvMsg](raw)
	case KindConvMeta:
		in = decodeAs[ConvMeta](raw)
	case KindInitialFan:
		in = decodeAs[InitialFan](raw)
	case KindFannedMsg:
		in = decodeAs[FannedMsg](raw)
	default:
		return nil, errs.Malformed("unknown envelope type %q", h.Type)
	}
	if bad, ok := in.(decodeError); ok {
		return nil, bad.err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	return in, nil
}

// decodeError stands in for a variant that failed to unmarshal.
type decodeError struct{ err error }

func (decodeError) Kind() Kind        { return "" }
func (d decodeError) validate() error { return d.err }

func decodeAs[T Inner](raw []byte) Inner {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return decodeError{err: errs.Malformed("%T: %v", v, err)}
	}
	return v
}
