// Package app is the client's protocol façade: it builds person envelopes,
// queues them for the home server and reads back stored replica blocks.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/fanrelay/internal/client/binding"
	"github.com/and161185/fanrelay/internal/client/identity"
	"github.com/and161185/fanrelay/internal/client/queue"
	"github.com/and161185/fanrelay/internal/envelope"
	"github.com/and161185/fanrelay/internal/keyring"
	"github.com/and161185/fanrelay/internal/mailstore"
	"github.com/and161185/fanrelay/internal/model"
	"github.com/and161185/fanrelay/internal/store"
)

// ErrFetchRejected is returned when the server answers fetchReplicas with bad.
var ErrFetchRejected = errors.New("fetch replicas rejected")

// Contact is what a user shares so others can reach them.
type Contact struct {
	TellKey     keyring.PublicKey `json:"tellKey"`
	EnvelopeKey keyring.PublicKey `json:"envelopeKey"`
	ServerKey   keyring.PublicKey `json:"serverKey"`
	ServerURL   string            `json:"serverUrl,omitempty"`
}

// Conversation locates a conversation's fanout server.
type Conversation struct {
	ID        string            `json:"id"`
	ServerKey keyring.PublicKey `json:"serverKey"`
	ServerURL string            `json:"serverUrl,omitempty"`
}

// Bindings is the home server association.
type Bindings interface {
	Get(ctx context.Context) (binding.Binding, error)
}

// App sends on behalf of one identity.
type App struct {
	id        *identity.Identity
	bindings  Bindings
	queue     *queue.Queue
	replicas  *ReplicaStore
	publicURL string
	log       *zap.Logger
}

// New constructs an App. publicURL is the home server's maildrop URL handed
// out in contact cards; it may be empty.
func New(id *identity.Identity, bindings Bindings, q *queue.Queue, replicas *ReplicaStore, publicURL string, log *zap.Logger) *App {
	return &App{id: id, bindings: bindings, queue: q, replicas: replicas, publicURL: publicURL, log: log}
}

// Card returns the user's own contact card.
func (a *App) Card(ctx context.Context) (Contact, error) {
	home, err := a.bindings.Get(ctx)
	if err != nil {
		return Contact{}, fmt.Errorf("home server: %w", err)
	}
	return Contact{
		TellKey:     a.id.TellKey(),
		EnvelopeKey: a.id.EnvelopeKey(),
		ServerKey:   home.ServerKey,
		ServerURL:   a.publicURL,
	}, nil
}

// AuthorizeContact lets c reach the user directly and through conversations.
func (a *App) AuthorizeContact(ctx context.Context, c Contact) error {
	return a.queue.EnqueuePersistent(ctx, mailstore.Action{
		Kind:    mailstore.ActionAuthorizeContact,
		Contact: &mailstore.Contact{TellKey: c.TellKey, ServerKey: c.ServerKey, ServerURL: c.ServerURL},
	})
}

// directPayload is a message boxed from the sender's tell key to the
// recipient's envelope key.
type directPayload struct {
	Nonce keyring.Nonce `json:"nonce"`
	Box   []byte        `json:"box"`
}

// SendMessage queues a direct message to c.
func (a *App) SendMessage(ctx context.Context, c Contact, text []byte) error {
	tell := a.id.Tell()
	n, err := tell.MakeBoxNonce()
	if err != nil {
		return err
	}
	body, err := envelope.Marshal(directPayload{Nonce: n, Box: tell.Box(text, n, c.EnvelopeKey)})
	if err != nil {
		return err
	}
	return a.transit(ctx, envelope.UserMsg{Name: c.TellKey, Payload: body}, c.ServerKey)
}

// attestation is the root-signed statement naming a participant's keys.
type attestation struct {
	ConvID      string            `json:"convId"`
	TellKey     keyring.PublicKey `json:"tellKey"`
	EnvelopeKey keyring.PublicKey `json:"envelopeKey"`
	ServerKey   keyring.PublicKey `json:"serverKey"`
}

func (a *App) attest(convID string, c Contact) (keyring.Nonce, []byte, error) {
	n, err := a.id.Tell().MakeBoxNonce()
	if err != nil {
		return keyring.Nonce{}, nil, err
	}
	raw, err := envelope.Marshal(attestation{ConvID: convID, TellKey: c.TellKey, EnvelopeKey: c.EnvelopeKey, ServerKey: c.ServerKey})
	if err != nil {
		return keyring.Nonce{}, nil, err
	}
	return n, a.id.Attest(raw), nil
}

func (a *App) addPayload(convID string, c Contact) (envelope.AddPayload, error) {
	n, att, err := a.attest(convID, c)
	if err != nil {
		return envelope.AddPayload{}, err
	}
	return envelope.AddPayload{
		TellKey:            c.TellKey,
		EnvelopeKey:        c.EnvelopeKey,
		ServerKey:          c.ServerKey,
		ServerURL:          c.ServerURL,
		AttestationNonce:   n,
		AttestationPayload: att,
	}, nil
}

// CreateConversation asks the home server to host a new conversation with
// the user and participants, starting with message first.
func (a *App) CreateConversation(ctx context.Context, participants []Contact, first []byte) (Conversation, error) {
	self, err := a.Card(ctx)
	if err != nil {
		return Conversation{}, err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return Conversation{}, err
	}
	conv := Conversation{ID: id.String(), ServerKey: self.ServerKey, ServerURL: a.publicURL}

	adds := make([]envelope.AddPayload, 0, len(participants)+1)
	for _, c := range append([]Contact{self}, participants...) {
		ap, err := a.addPayload(conv.ID, c)
		if err != nil {
			return Conversation{}, err
		}
		adds = append(adds, ap)
	}
	n, err := a.id.Tell().MakeBoxNonce()
	if err != nil {
		return Conversation{}, err
	}
	msg := envelope.CreateConv{ConvID: conv.ID, Payload: envelope.CreateConvPayload{
		AddPayloads: adds, MsgNonce: n, MsgPayload: first,
	}}
	if err := a.transit(ctx, msg, conv.ServerKey); err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

// Invite asks invitee's server to join invitee to conv. The invitee's server
// forwards the pre-built convadd to the fanout server once it accepts.
func (a *App) Invite(ctx context.Context, conv Conversation, invitee Contact, invitation []byte) error {
	tell := a.id.Tell()
	n, att, err := a.attest(conv.ID, invitee)
	if err != nil {
		return err
	}
	proof, err := envelope.Marshal(envelope.Proof{ConvID: conv.ID, Name: invitee.TellKey})
	if err != nil {
		return err
	}
	add, err := envelope.Seal(tell, envelope.ConvAdd{
		ConvID:     conv.ID,
		ServerName: invitee.ServerKey,
		ServerURL:  invitee.ServerURL,
		Name:       invitee.TellKey,
		Payload: envelope.ConvAddPayload{
			AttestationNonce:   n,
			AttestationPayload: att,
			EnvelopeKey:        invitee.EnvelopeKey,
			InviteProof:        tell.Box(proof, n, conv.ServerKey),
			InviteePayload:     invitation,
		},
	}, conv.ServerKey)
	if err != nil {
		return err
	}
	jp, err := envelope.Marshal(envelope.JoinPayload{FanoutServerKey: conv.ServerKey, FanoutServerURL: conv.ServerURL, ConvAdd: add})
	if err != nil {
		return err
	}
	jn, err := tell.MakeBoxNonce()
	if err != nil {
		return err
	}
	return a.transit(ctx, envelope.JoinConv{
		Name: invitee.TellKey, ServerName: conv.ServerKey, ConvID: conv.ID, Nonce: jn, Payload: jp,
	}, invitee.ServerKey)
}

// SendConvMessage appends a message to conv.
func (a *App) SendConvMessage(ctx context.Context, conv Conversation, payload []byte) error {
	return a.transit(ctx, envelope.ConvMsg{ConvID: conv.ID, Payload: payload}, conv.ServerKey)
}

// SendConvMeta appends a metadata update, such as a read watermark, to conv.
func (a *App) SendConvMeta(ctx context.Context, conv Conversation, payload []byte) error {
	return a.transit(ctx, envelope.ConvMeta{ConvID: conv.ID, Payload: payload}, conv.ServerKey)
}

// transit seals inner to serverKey and queues it for delivery through the
// home server.
func (a *App) transit(ctx context.Context, inner envelope.Inner, serverKey keyring.PublicKey) error {
	outer, err := envelope.Seal(a.id.Tell(), inner, serverKey)
	if err != nil {
		return fmt.Errorf("seal %s: %w", inner.Kind(), err)
	}
	err = a.queue.EnqueuePersistent(ctx, mailstore.Action{
		Kind:    mailstore.ActionDeliverTransit,
		Transit: &mailstore.Transit{ServerKey: serverKey, Envelope: outer},
	})
	if err != nil {
		return err
	}
	a.log.Debug("queued", zap.String("kind", string(inner.Kind())), zap.String("envelope", envelope.Digest(outer.InnerEnvelope)))
	return nil
}

// FetchReplicas asks the home server for every undelivered block, stores the
// verified ones and acknowledges them. It needs a running connection.
func (a *App) FetchReplicas(ctx context.Context) (int, error) {
	home, err := a.bindings.Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("home server: %w", err)
	}
	fut, err := a.queue.EnqueueEphemeral(mailstore.Action{Kind: mailstore.ActionFetchReplicas})
	if err != nil {
		return 0, err
	}
	reply, err := fut.Wait(ctx)
	if err != nil {
		return 0, err
	}
	if reply.Bad {
		return 0, fmt.Errorf("%w: %s", ErrFetchRejected, reply.Error)
	}
	var blocks []mailstore.Block
	if err := envelope.Unmarshal(reply.Result, &blocks); err != nil {
		return 0, fmt.Errorf("fetch replicas reply: %w", err)
	}

	var ids []string
	for _, raw := range blocks {
		b, err := store.Decode(raw.Signed, home.SignKey)
		if err != nil || b.ID != raw.ID {
			a.log.Warn("skipping bad replica block", zap.String("id", raw.ID), zap.Error(err))
			continue
		}
		if err := a.replicas.StoreReplica(ctx, b); err != nil {
			return len(ids), err
		}
		ids = append(ids, b.ID)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	err = a.queue.EnqueuePersistent(ctx, mailstore.Action{Kind: mailstore.ActionAckReplicas, BlockIDs: ids})
	return len(ids), err
}

// Message is one stored replica block opened for display.
type Message struct {
	BlockID string
	Kind    model.ReplicaKind
	ConvID  string
	From    keyring.PublicKey
	At      time.Time
	Text    []byte            // direct messages and contact requests
	Welcome *envelope.Welcome // first block of a conversation
	Entry   *model.FanoutMsg  // later conversation entries
}

// Messages opens the stored blocks of convID, or every block when convID is
// empty. Blocks that do not open are skipped. A conversation entry is
// delivered at least once, so entries already seen by Seq are dropped, as is
// a repeated welcome that brings nothing new.
func (a *App) Messages(ctx context.Context, convID string) ([]Message, error) {
	blocks, err := a.replicas.List(ctx, convID)
	if err != nil {
		return nil, err
	}
	seen := newSeenEntries()
	out := make([]Message, 0, len(blocks))
	for _, b := range blocks {
		m, err := a.open(b)
		if err != nil {
			a.log.Warn("unreadable replica block", zap.String("id", b.ID), zap.Error(err))
			continue
		}
		if !seen.keep(&m) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

type entryKey struct {
	convID string
	seq    int64
}

// seenEntries tracks backlog entries by (conversation, Seq). Seq 0 is never
// a duplicate.
type seenEntries struct {
	entries  map[entryKey]bool
	welcomed map[string]bool
}

func newSeenEntries() *seenEntries {
	return &seenEntries{entries: map[entryKey]bool{}, welcomed: map[string]bool{}}
}

func (s *seenEntries) add(convID string, e model.FanoutMsg) bool {
	if e.Seq == 0 {
		return true
	}
	k := entryKey{convID: convID, seq: e.Seq}
	if s.entries[k] {
		return false
	}
	s.entries[k] = true
	return true
}

// keep reports whether m is new, trimming already seen entries from a welcome.
func (s *seenEntries) keep(m *Message) bool {
	switch {
	case m.Entry != nil:
		return s.add(m.ConvID, *m.Entry)
	case m.Welcome != nil:
		again := s.welcomed[m.ConvID]
		s.welcomed[m.ConvID] = true
		w := *m.Welcome
		w.Backlog = nil
		for _, e := range m.Welcome.Backlog {
			if s.add(m.ConvID, e) {
				w.Backlog = append(w.Backlog, e)
			}
		}
		if again && len(w.Backlog) == 0 {
			return false
		}
		m.Welcome = &w
	}
	return true
}

func (a *App) open(b model.ReplicaBlock) (Message, error) {
	m := Message{BlockID: b.ID, Kind: b.Kind, ConvID: b.ConvID, From: b.SenderKey, At: time.UnixMilli(b.CreatedAt)}
	env := a.id.Envelope()

	if b.Kind != model.ReplicaConvMessage {
		var p directPayload
		if err := envelope.Unmarshal(b.Body, &p); err != nil {
			return Message{}, err
		}
		text, err := env.Open(p.Box, p.Nonce, b.SenderKey)
		if err != nil {
			return Message{}, err
		}
		m.Text = text
		return m, nil
	}

	raw, err := env.Open(b.Body, b.Nonce, b.ServerKey)
	if err != nil {
		return Message{}, err
	}
	// the fanout server relays later entries itself
	if b.SenderKey == b.ServerKey {
		var e model.FanoutMsg
		if err := envelope.Unmarshal(raw, &e); err != nil {
			return Message{}, err
		}
		m.Entry = &e
		m.From = e.SentBy
		return m, nil
	}
	var w envelope.Welcome
	if err := envelope.Unmarshal(raw, &w); err != nil {
		return Message{}, err
	}
	m.Welcome = &w
	return m, nil
}
