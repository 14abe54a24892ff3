// Package model defines domain entities used by services and repositories.
package model

import (
	"time"

	"github.com/and161185/fanrelay/internal/keyring"
)

// UserAccount is a user hosted by this server.
type UserAccount struct {
	RootKey     keyring.PublicKey // identity (sign) key, PK
	TellKey     keyring.PublicKey // addressing box key, unique
	EnvelopeKey keyring.PublicKey // fanout payloads are boxed to this key
	CreatedAt   time.Time
}

// Participant is one member of a conversation as seen by its fanout authority.
type Participant struct {
	TellKey     keyring.PublicKey
	EnvelopeKey keyring.PublicKey
	ServerKey   keyring.PublicKey // participant's home server
}

// ConversationMeta identifies a conversation.
type ConversationMeta struct {
	ID               string
	TransitServerKey keyring.PublicKey // fanout authority hosting the backlog
	OwnerKey         keyring.PublicKey // creator's tell key
	Participants     []Participant
	CreatedAt        time.Time
}

// FanoutType is the kind of a backlog entry.
type FanoutType string

// Backlog entry kinds.
const (
	FanoutJoin    FanoutType = "join"
	FanoutMessage FanoutType = "message"
	FanoutMeta    FanoutType = "meta"
)

// FanoutMsg is one durable conversation event. Entries are append-only and
// ordered by Seq, the order in which the authority accepted them.
type FanoutMsg struct {
	Seq        int64              `json:"seq,omitempty"`
	Type       FanoutType         `json:"type"`
	SentBy     keyring.PublicKey  `json:"sentBy"`
	Invitee    *keyring.PublicKey `json:"invitee,omitempty"` // join only
	ReceivedAt time.Time          `json:"receivedAt"`
	Nonce      keyring.Nonce      `json:"nonce"`
	Payload    []byte             `json:"payload"`
}

// ConversationData is the full authority view returned by GetAllConversationData.
type ConversationData struct {
	Meta    ConversationMeta
	Backlog []FanoutMsg
}

// ReplicaKind tells the client how to interpret a replica block body.
type ReplicaKind string

// Replica block kinds.
const (
	ReplicaMessage        ReplicaKind = "message"
	ReplicaConvMessage    ReplicaKind = "convmsg"
	ReplicaContactRequest ReplicaKind = "contactreq"
)

// ReplicaBlock is a signed unit of state pushed from a server to a user's clients.
type ReplicaBlock struct {
	ID        string            `json:"id" cbor:"-"`
	UserKey   keyring.PublicKey `json:"user" cbor:"1,keyasint"`
	Kind      ReplicaKind       `json:"kind" cbor:"2,keyasint"`
	ConvID    string            `json:"convId,omitempty" cbor:"3,keyasint,omitempty"`
	SenderKey keyring.PublicKey `json:"sender" cbor:"4,keyasint"`
	Nonce     keyring.Nonce     `json:"nonce" cbor:"5,keyasint"`
	Body      []byte            `json:"body" cbor:"6,keyasint"`
	CreatedAt int64             `json:"createdAt" cbor:"7,keyasint"`
	ServerKey keyring.PublicKey `json:"server" cbor:"8,keyasint"` // server the body arrived from
	Signed    []byte            `json:"signed,omitempty" cbor:"-"`
}

// ServerPeer maps a server key to its maildrop URL.
type ServerPeer struct {
	Key keyring.PublicKey
	URL string
}

// PublishedError is a deduplicated user-visible failure record kept by the client.
type PublishedError struct {
	ErrorID            string    `db:"error_id"`
	ErrorParam         string    `db:"error_param"`
	FirstReported      time.Time `db:"first_reported"`
	LastReported       time.Time `db:"last_reported"`
	ReportedCount      int       `db:"reported_count"`
	UserActionRequired bool      `db:"user_action_required"`
	Permanent          bool      `db:"permanent"`
}

// SignupStatus is the mailstore's answer to a signup request. Anything but
// SignupOK is a challenge the client has to resolve before retrying.
type SignupStatus string

// Signup answers.
const (
	SignupOK              SignupStatus = "ok"
	SignupBadClaim        SignupStatus = "bad-claim"
	SignupRateLimited     SignupStatus = "rate-limited"
	SignupAlreadySignedUp SignupStatus = "already-signed-up"
)
