package app

import (
	"context"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/fanrelay/internal/client/binding"
	"github.com/and161185/fanrelay/internal/client/clientdb"
	"github.com/and161185/fanrelay/internal/client/identity"
	"github.com/and161185/fanrelay/internal/client/queue"
	"github.com/and161185/fanrelay/internal/envelope"
	"github.com/and161185/fanrelay/internal/keyring"
	"github.com/and161185/fanrelay/internal/mailstore"
	"github.com/and161185/fanrelay/internal/model"
	"github.com/and161185/fanrelay/internal/store"
)

type peer struct {
	id     *identity.Identity
	server *keyring.BoxKeyring
	queue  *queue.Queue
	repl   *ReplicaStore
	app    *App
}

func newPeer(t *testing.T) *peer {
	t.Helper()
	ctx := context.Background()
	log := zaptest.NewLogger(t)

	db, err := clientdb.Open(ctx, clientdb.Memory)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	q, err := queue.Open(ctx, db, log)
	require.NoError(t, err)
	server, err := keyring.Generate(nil)
	require.NoError(t, err)
	id, err := identity.Generate()
	require.NoError(t, err)

	bs := binding.New(db)
	require.NoError(t, bs.Set(ctx, binding.Binding{
		Addr: "home:8443", ServerKey: server.BoxPublicKey(), SignKey: server.SignPublicKey(), BoundAt: time.Now(),
	}))
	repl := NewReplicaStore(db)
	return &peer{
		id:     id,
		server: server,
		queue:  q,
		repl:   repl,
		app:    New(id, bs, q, repl, "https://home.example", log),
	}
}

func (p *peer) card(t *testing.T) Contact {
	t.Helper()
	c, err := p.app.Card(context.Background())
	require.NoError(t, err)
	return c
}

// popTransit completes the queue head, which must be a deliverTransit, and
// opens its envelope with kr.
func (p *peer) popTransit(t *testing.T, kr keyring.Keyring) envelope.Inner {
	t.Helper()
	head, ok := p.queue.Head()
	require.True(t, ok)
	a, err := mailstore.DecodeAction(head.Action)
	require.NoError(t, err)
	require.Equal(t, mailstore.ActionDeliverTransit, a.Kind)
	require.Equal(t, kr.BoxPublicKey(), a.Transit.ServerKey)
	require.Equal(t, p.id.TellKey(), a.Transit.Envelope.SenderKey)
	require.NoError(t, p.queue.Complete(context.Background(), head.Seq, queue.Reply{}))

	inner, err := envelope.Open(kr, a.Transit.Envelope)
	require.NoError(t, err)
	return inner
}

func TestCreateConversation(t *testing.T) {
	t.Parallel()
	alice, bob := newPeer(t), newPeer(t)

	conv, err := alice.app.CreateConversation(context.Background(), []Contact{bob.card(t)}, []byte("hello"))
	require.NoError(t, err)
	_, err = uuid.FromString(conv.ID)
	require.NoError(t, err)
	require.Equal(t, alice.server.BoxPublicKey(), conv.ServerKey)

	cc, ok := alice.popTransit(t, alice.server).(envelope.CreateConv)
	require.True(t, ok)
	require.Equal(t, conv.ID, cc.ConvID)
	require.Equal(t, []byte("hello"), cc.Payload.MsgPayload)

	adds := cc.Payload.AddPayloads
	require.Len(t, adds, 2)
	require.Equal(t, alice.id.TellKey(), adds[0].TellKey)
	require.Equal(t, alice.id.EnvelopeKey(), adds[0].EnvelopeKey)
	require.Equal(t, alice.server.BoxPublicKey(), adds[0].ServerKey)
	require.Equal(t, bob.id.TellKey(), adds[1].TellKey)
	require.Equal(t, bob.server.BoxPublicKey(), adds[1].ServerKey)

	raw, ok := keyring.Verify(adds[1].AttestationPayload, alice.id.RootKey())
	require.True(t, ok)
	var att attestation
	require.NoError(t, envelope.Unmarshal(raw, &att))
	require.Equal(t, conv.ID, att.ConvID)
	require.Equal(t, bob.id.EnvelopeKey(), att.EnvelopeKey)
}

func TestInvite(t *testing.T) {
	t.Parallel()
	alice, carl := newPeer(t), newPeer(t)
	conv := Conversation{ID: "c1", ServerKey: alice.server.BoxPublicKey(), ServerURL: "https://home.example"}

	require.NoError(t, alice.app.Invite(context.Background(), conv, carl.card(t), []byte("welcome carl")))

	jc, ok := alice.popTransit(t, carl.server).(envelope.JoinConv)
	require.True(t, ok)
	require.Equal(t, carl.id.TellKey(), jc.Name)
	require.Equal(t, conv.ServerKey, jc.ServerName)
	require.Equal(t, "c1", jc.ConvID)

	var jp envelope.JoinPayload
	require.NoError(t, envelope.Unmarshal(jc.Payload, &jp))
	require.Equal(t, conv.ServerKey, jp.FanoutServerKey)
	require.Equal(t, conv.ServerURL, jp.FanoutServerURL)

	inner, err := envelope.Open(alice.server, jp.ConvAdd)
	require.NoError(t, err)
	add, ok := inner.(envelope.ConvAdd)
	require.True(t, ok)
	require.Equal(t, carl.id.TellKey(), add.Name)
	require.Equal(t, carl.server.BoxPublicKey(), add.ServerName)
	require.Equal(t, carl.id.EnvelopeKey(), add.Payload.EnvelopeKey)
	require.Equal(t, []byte("welcome carl"), add.Payload.InviteePayload)

	// the fanout server can open the proof with the inviter's tell key
	raw, err := alice.server.Open(add.Payload.InviteProof, add.Payload.AttestationNonce, alice.id.TellKey())
	require.NoError(t, err)
	var proof envelope.Proof
	require.NoError(t, envelope.Unmarshal(raw, &proof))
	require.Equal(t, envelope.Proof{ConvID: "c1", Name: carl.id.TellKey()}, proof)
}

func TestConversationActions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	alice := newPeer(t)
	conv := Conversation{ID: "c1", ServerKey: alice.server.BoxPublicKey()}

	require.NoError(t, alice.app.SendConvMessage(ctx, conv, []byte("m1")))
	require.NoError(t, alice.app.SendConvMeta(ctx, conv, []byte("read:1")))
	require.NoError(t, alice.app.AuthorizeContact(ctx, Contact{TellKey: keyring.PublicKey{1}, ServerKey: keyring.PublicKey{2}, ServerURL: "https://b"}))

	msg, ok := alice.popTransit(t, alice.server).(envelope.ConvMsg)
	require.True(t, ok)
	require.Equal(t, envelope.ConvMsg{ConvID: "c1", Payload: []byte("m1")}, msg)

	meta, ok := alice.popTransit(t, alice.server).(envelope.ConvMeta)
	require.True(t, ok)
	require.Equal(t, []byte("read:1"), meta.Payload)

	head, ok := alice.queue.Head()
	require.True(t, ok)
	a, err := mailstore.DecodeAction(head.Action)
	require.NoError(t, err)
	require.Equal(t, mailstore.ActionAuthorizeContact, a.Kind)
	require.Equal(t, &mailstore.Contact{TellKey: keyring.PublicKey{1}, ServerKey: keyring.PublicKey{2}, ServerURL: "https://b"}, a.Contact)
}

func TestDirectMessageRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	alice, bob := newPeer(t), newPeer(t)

	require.NoError(t, bob.app.SendMessage(ctx, alice.card(t), []byte("hi alice")))
	head, ok := bob.queue.Head()
	require.True(t, ok)
	a, err := mailstore.DecodeAction(head.Action)
	require.NoError(t, err)
	um, ok := bob.popTransit(t, alice.server).(envelope.UserMsg)
	require.True(t, ok)
	require.Equal(t, alice.id.TellKey(), um.Name)

	// alice's server stores the payload as a replica block
	b, err := store.Seal(alice.server, model.ReplicaBlock{
		UserKey:   alice.id.RootKey(),
		Kind:      model.ReplicaContactRequest,
		SenderKey: bob.id.TellKey(),
		ServerKey: bob.server.BoxPublicKey(),
		Nonce:     a.Transit.Envelope.Nonce,
		Body:      um.Payload,
		CreatedAt: 1000,
	})
	require.NoError(t, err)
	require.NoError(t, alice.repl.StoreReplica(ctx, b))

	msgs, err := alice.app.Messages(ctx, "")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, []byte("hi alice"), msgs[0].Text)
	require.Equal(t, bob.id.TellKey(), msgs[0].From)
	require.Equal(t, model.ReplicaContactRequest, msgs[0].Kind)
}

func TestConversationBlocks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	alice := newPeer(t)
	fanout, err := keyring.Generate(nil)
	require.NoError(t, err)
	creator := keyring.PublicKey{9}

	boxed := func(v any) (keyring.Nonce, []byte) {
		raw, err := envelope.Marshal(v)
		require.NoError(t, err)
		n, err := fanout.MakeBoxNonce()
		require.NoError(t, err)
		return n, fanout.Box(raw, n, alice.id.EnvelopeKey())
	}
	put := func(sender keyring.PublicKey, convID string, at int64, v any) {
		n, body := boxed(v)
		b, err := store.Seal(alice.server, model.ReplicaBlock{
			Kind: model.ReplicaConvMessage, ConvID: convID, SenderKey: sender,
			ServerKey: fanout.BoxPublicKey(), Nonce: n, Body: body, CreatedAt: at,
		})
		require.NoError(t, err)
		require.NoError(t, alice.repl.StoreReplica(ctx, b))
		// pushed twice, kept once
		require.NoError(t, alice.repl.StoreReplica(ctx, b))
	}

	put(creator, "c1", 1, envelope.Welcome{ConvID: "c1", TransitServerKey: fanout.BoxPublicKey(),
		Backlog: []model.FanoutMsg{{Type: model.FanoutMessage, SentBy: creator, Payload: []byte("hello")}}})
	put(fanout.BoxPublicKey(), "c1", 2, model.FanoutMsg{Seq: 2, Type: model.FanoutMessage, SentBy: creator, Payload: []byte("again")})
	put(fanout.BoxPublicKey(), "c2", 3, model.FanoutMsg{Seq: 1, Type: model.FanoutMessage, SentBy: creator})

	msgs, err := alice.app.Messages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.NotNil(t, msgs[0].Welcome)
	require.Equal(t, []byte("hello"), msgs[0].Welcome.Backlog[0].Payload)
	require.NotNil(t, msgs[1].Entry)
	require.Equal(t, []byte("again"), msgs[1].Entry.Payload)
	require.Equal(t, creator, msgs[1].From)

	all, err := alice.repl.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestConversationBlocks_DropsRepeatedEntries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	alice := newPeer(t)
	fanout, err := keyring.Generate(nil)
	require.NoError(t, err)
	creator := keyring.PublicKey{9}

	at := int64(0)
	put := func(sender keyring.PublicKey, v any) {
		raw, err := envelope.Marshal(v)
		require.NoError(t, err)
		n, err := fanout.MakeBoxNonce()
		require.NoError(t, err)
		at++
		b, err := store.Seal(alice.server, model.ReplicaBlock{
			Kind: model.ReplicaConvMessage, ConvID: "c1", SenderKey: sender,
			ServerKey: fanout.BoxPublicKey(), Nonce: n, Body: fanout.Box(raw, n, alice.id.EnvelopeKey()), CreatedAt: at,
		})
		require.NoError(t, err)
		require.NoError(t, alice.repl.StoreReplica(ctx, b))
	}
	entry := func(seq int64, text string) model.FanoutMsg {
		return model.FanoutMsg{Seq: seq, Type: model.FanoutMessage, SentBy: creator, Payload: []byte(text)}
	}
	welcome := envelope.Welcome{ConvID: "c1", TransitServerKey: fanout.BoxPublicKey(),
		Backlog: []model.FanoutMsg{entry(1, "hello"), entry(2, "raced")}}

	// fanned while the welcome snapshot was taken
	put(fanout.BoxPublicKey(), entry(2, "raced"))
	put(creator, welcome)
	// fanned twice after a retransmit
	put(fanout.BoxPublicKey(), entry(3, "late"))
	put(fanout.BoxPublicKey(), entry(3, "late"))
	// welcomed twice after a retransmit
	put(creator, welcome)

	msgs, err := alice.app.Messages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, int64(2), msgs[0].Entry.Seq)
	require.NotNil(t, msgs[1].Welcome)
	require.Len(t, msgs[1].Welcome.Backlog, 1)
	require.Equal(t, []byte("hello"), msgs[1].Welcome.Backlog[0].Payload)
	require.Equal(t, int64(3), msgs[2].Entry.Seq)

	all, err := alice.repl.List(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, all, 5)
}

func TestFetchReplicas(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	alice := newPeer(t)

	good, err := store.Seal(alice.server, model.ReplicaBlock{Kind: model.ReplicaMessage, SenderKey: keyring.PublicKey{3}, CreatedAt: 5})
	require.NoError(t, err)
	other, err := keyring.Generate(nil)
	require.NoError(t, err)
	forged, err := store.Seal(other, model.ReplicaBlock{Kind: model.ReplicaMessage})
	require.NoError(t, err)

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := alice.app.FetchReplicas(ctx)
		done <- result{n, err}
	}()

	// answer the fetch like a connection would
	var head queue.Entry
	require.Eventually(t, func() bool {
		var ok bool
		head, ok = alice.queue.Head()
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, mailstore.ActionFetchReplicas, head.Kind)
	reply, err := envelope.Marshal([]mailstore.Block{{ID: good.ID, Signed: good.Signed}, {ID: forged.ID, Signed: forged.Signed}})
	require.NoError(t, err)
	require.NoError(t, alice.queue.Complete(ctx, head.Seq, queue.Reply{Result: reply}))

	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, 1, res.n)

	stored, err := alice.repl.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.Equal(t, good.ID, stored[0].ID)

	ack, ok := alice.queue.Head()
	require.True(t, ok)
	a, err := mailstore.DecodeAction(ack.Action)
	require.NoError(t, err)
	require.Equal(t, []string{good.ID}, a.BlockIDs)
}
