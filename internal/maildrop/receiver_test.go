package maildrop

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/and161185/fanrelay/internal/envelope"
	"github.com/and161185/fanrelay/internal/errs"
	"github.com/and161185/fanrelay/internal/model"
)

type world struct {
	net              *network
	a, b, c          *server
	alice, bob, carl *user
}

// newWorld hosts alice on a, bob on b and carl on c. alice and bob are
// mutual contacts; carl knows nobody.
func newWorld(t *testing.T) *world {
	t.Helper()
	w := &world{net: newNetwork()}
	w.a, w.b, w.c = w.net.addServer(t), w.net.addServer(t), w.net.addServer(t)
	w.alice, w.bob, w.carl = w.a.addUser(t), w.b.addUser(t), w.c.addUser(t)
	befriend(t, w.alice, w.bob)
	return w
}

func (w *world) create(t *testing.T, convID string) {
	t.Helper()
	cc := createConv(t, convID, w.alice, w.bob)
	ack, err := w.alice.send(context.Background(), w.alice.seal(t, cc, w.a.key()), w.a.key())
	require.NoError(t, err)
	require.Equal(t, envelope.AckOK, ack)
}

func count(kinds []envelope.Kind, k envelope.Kind) int {
	n := 0
	for _, got := range kinds {
		if got == k {
			n++
		}
	}
	return n
}

func TestCreateConversation_WelcomesEveryParticipant(t *testing.T) {
	t.Parallel()
	w := newWorld(t)
	w.create(t, "c1")

	wa := w.alice.welcome(t, "c1")
	wb := w.bob.welcome(t, "c1")
	require.Equal(t, w.a.key(), wa.TransitServerKey)
	require.Len(t, wa.Backlog, 3)
	require.Equal(t, wa.Backlog, wb.Backlog)

	require.Equal(t, model.FanoutJoin, wa.Backlog[0].Type)
	require.Equal(t, w.alice.tellKey(), *wa.Backlog[0].Invitee)
	require.Equal(t, model.FanoutJoin, wa.Backlog[1].Type)
	require.Equal(t, w.bob.tellKey(), *wa.Backlog[1].Invitee)
	require.Equal(t, model.FanoutMessage, wa.Backlog[2].Type)
	require.Equal(t, []byte("hello"), wa.Backlog[2].Payload)
	for i := 1; i < len(wa.Backlog); i++ {
		require.Greater(t, wa.Backlog[i].Seq, wa.Backlog[i-1].Seq)
	}

	require.Equal(t, 1, count(w.net.sentTo(w.b.key()), envelope.KindInitialFan))
	ctx := context.Background()
	require.NoError(t, w.b.repo.UserAssertServerConversation(ctx, w.bob.root, "c1", w.a.key()))
	require.NoError(t, w.a.repo.UserAssertServerConversation(ctx, w.alice.root, "c1", w.a.key()))
}

func TestCreateConversation_RejectedBeforePersisting(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name  string
		build func(t *testing.T, w *world) envelope.CreateConv
	}{
		{"creator alone", func(t *testing.T, w *world) envelope.CreateConv {
			return createConv(t, "bad", w.alice)
		}},
		{"creator not first", func(t *testing.T, w *world) envelope.CreateConv {
			cc := createConv(t, "bad", w.alice, w.bob)
			ap := cc.Payload.AddPayloads
			ap[0], ap[1] = ap[1], ap[0]
			return cc
		}},
		{"participant listed twice", func(t *testing.T, w *world) envelope.CreateConv {
			return createConv(t, "bad", w.alice, w.bob, w.bob)
		}},
		{"participant is not a contact", func(t *testing.T, w *world) envelope.CreateConv {
			return createConv(t, "bad", w.alice, w.bob, w.carl)
		}},
		{"wrong creator envelope key", func(t *testing.T, w *world) envelope.CreateConv {
			cc := createConv(t, "bad", w.alice, w.bob)
			cc.Payload.AddPayloads[0].EnvelopeKey = w.bob.env.BoxPublicKey()
			return cc
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w := newWorld(t)
			ack, err := w.alice.send(ctx, w.alice.seal(t, tt.build(t, w), w.a.key()), w.a.key())
			require.NoError(t, err)
			require.Equal(t, envelope.AckBad, ack)

			_, err = w.a.repo.GetAllConversationData(ctx, "bad")
			require.ErrorIs(t, err, errs.ErrNotFound)
			require.Empty(t, w.net.sentTo(w.b.key()))
		})
	}
}

func TestCreateConversation_RelayedByPeerIsRejected(t *testing.T) {
	t.Parallel()
	w := newWorld(t)
	cc := createConv(t, "c1", w.bob, w.alice)
	ack, err := w.bob.send(context.Background(), w.bob.seal(t, cc, w.a.key()), w.a.key())
	require.NoError(t, err)
	require.Equal(t, envelope.AckBad, ack)
}

func TestCreateConversation_DuplicateIDFails(t *testing.T) {
	t.Parallel()
	w := newWorld(t)
	w.create(t, "c1")

	cc := createConv(t, "c1", w.alice, w.bob)
	ack, err := w.alice.send(context.Background(), w.alice.seal(t, cc, w.a.key()), w.a.key())
	require.NoError(t, err)
	require.Equal(t, envelope.AckBad, ack)

	w.bob.welcome(t, "c1")
	require.Equal(t, 1, count(w.net.sentTo(w.b.key()), envelope.KindInitialFan))
}

func TestConversationMessage_AppendsOnceAndFansOut(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	w := newWorld(t)
	w.create(t, "c1")

	outer := w.alice.seal(t, envelope.ConvMsg{ConvID: "c1", Payload: []byte("second")}, w.a.key())
	ack, err := w.alice.send(ctx, outer, w.a.key())
	require.NoError(t, err)
	require.Equal(t, envelope.AckOK, ack)

	for _, u := range []*user{w.alice, w.bob} {
		got := u.fanned(t, "c1")
		require.Len(t, got, 1)
		require.Equal(t, model.FanoutMessage, got[0].Type)
		require.Equal(t, w.alice.tellKey(), got[0].SentBy)
		require.Equal(t, outer.Nonce, got[0].Nonce)
		require.Equal(t, []byte("second"), got[0].Payload)
	}
	require.Equal(t, 1, count(w.net.sentTo(w.b.key()), envelope.KindFannedMsg))

	// the same envelope again is fanned again but appended once
	ack, err = w.alice.send(ctx, outer, w.a.key())
	require.NoError(t, err)
	require.Equal(t, envelope.AckOK, ack)
	data, err := w.a.repo.GetAllConversationData(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, data.Backlog, 4)
	again := w.bob.fanned(t, "c1")
	require.Len(t, again, 2)
	require.Equal(t, again[0].Seq, again[1].Seq)

	// bob posts through his own server
	ack, err = w.bob.send(ctx, w.bob.seal(t, envelope.ConvMsg{ConvID: "c1", Payload: []byte("from bob")}, w.a.key()), w.a.key())
	require.NoError(t, err)
	require.Equal(t, envelope.AckOK, ack)
	got := w.alice.fanned(t, "c1")
	require.Len(t, got, 3)
	require.Equal(t, w.bob.tellKey(), got[2].SentBy)
}

func TestConversationMeta_FansOutMetaEntry(t *testing.T) {
	t.Parallel()
	w := newWorld(t)
	w.create(t, "c1")

	ack, err := w.bob.send(context.Background(),
		w.bob.seal(t, envelope.ConvMeta{ConvID: "c1", Payload: []byte("read:3")}, w.a.key()), w.a.key())
	require.NoError(t, err)
	require.Equal(t, envelope.AckOK, ack)

	got := w.alice.fanned(t, "c1")
	require.Len(t, got, 1)
	require.Equal(t, model.FanoutMeta, got[0].Type)
	require.Equal(t, []byte("read:3"), got[0].Payload)
}

func TestConversationMessage_OutsiderIsUnauthorized(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	w := newWorld(t)
	w.create(t, "c1")

	ack, err := w.carl.send(ctx, w.carl.seal(t, envelope.ConvMsg{ConvID: "c1", Payload: []byte("hi")}, w.a.key()), w.a.key())
	require.NoError(t, err)
	require.Equal(t, envelope.AckBad, ack)

	data, err := w.a.repo.GetAllConversationData(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, data.Backlog, 3)
	require.Empty(t, w.bob.fanned(t, "c1"))
}

func invite(t *testing.T, inviter *user, convID string, fanout *server, invitee *user, proofFor *user) envelope.OuterEnvelope {
	t.Helper()
	n, err := inviter.tell.MakeBoxNonce()
	require.NoError(t, err)
	proof, err := envelope.Marshal(envelope.Proof{ConvID: convID, Name: proofFor.tellKey()})
	require.NoError(t, err)

	add := inviter.seal(t, envelope.ConvAdd{
		ConvID:     convID,
		ServerName: invitee.home.key(),
		Name:       invitee.tellKey(),
		Payload: envelope.ConvAddPayload{
			AttestationNonce:   n,
			AttestationPayload: []byte("attest carl"),
			EnvelopeKey:        invitee.env.BoxPublicKey(),
			InviteProof:        inviter.tell.Box(proof, n, fanout.key()),
			InviteePayload:     []byte("welcome carl"),
		},
	}, fanout.key())
	jp, err := envelope.Marshal(envelope.JoinPayload{FanoutServerKey: fanout.key(), ConvAdd: add})
	require.NoError(t, err)
	jn, err := inviter.tell.MakeBoxNonce()
	require.NoError(t, err)
	return inviter.seal(t, envelope.JoinConv{
		Name: invitee.tellKey(), ServerName: fanout.key(), ConvID: convID, Nonce: jn, Payload: jp,
	}, invitee.home.key())
}

func TestJoin_RoundTripWelcomesInviteeAndAnnouncesOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	w := newWorld(t)
	befriend(t, w.alice, w.carl)
	w.create(t, "c1")

	before, err := w.a.repo.GetAllConversationData(ctx, "c1")
	require.NoError(t, err)

	ack, err := w.alice.send(ctx, invite(t, w.alice, "c1", w.a, w.carl, w.carl), w.c.key())
	require.NoError(t, err)
	require.Equal(t, envelope.AckOK, ack)

	wc := w.carl.welcome(t, "c1")
	require.Equal(t, []byte("welcome carl"), wc.Invitation)
	require.Len(t, wc.Backlog, len(before.Backlog))
	for i := range wc.Backlog {
		require.Equal(t, before.Backlog[i].Seq, wc.Backlog[i].Seq)
		require.Equal(t, before.Backlog[i].Nonce, wc.Backlog[i].Nonce)
	}

	for _, u := range []*user{w.alice, w.bob, w.carl} {
		got := u.fanned(t, "c1")
		require.Len(t, got, 1)
		require.Equal(t, model.FanoutJoin, got[0].Type)
		require.Equal(t, w.carl.tellKey(), *got[0].Invitee)
		require.Equal(t, w.alice.tellKey(), got[0].SentBy)
	}

	require.Equal(t, 1, count(w.net.sentTo(w.c.key()), envelope.KindJoinConv))
	require.Equal(t, 1, count(w.net.sentTo(w.a.key()), envelope.KindJoined))

	// carl now participates
	ack, err = w.carl.send(ctx, w.carl.seal(t, envelope.ConvMsg{ConvID: "c1", Payload: []byte("hi all")}, w.a.key()), w.a.key())
	require.NoError(t, err)
	require.Equal(t, envelope.AckOK, ack)
	require.Len(t, w.bob.fanned(t, "c1"), 2)
}

func TestJoin_InviterNotAContactIsUnauthorized(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	w := newWorld(t)
	w.create(t, "c1")

	ack, err := w.alice.send(ctx, invite(t, w.alice, "c1", w.a, w.carl, w.carl), w.c.key())
	require.NoError(t, err)
	require.Equal(t, envelope.AckBad, ack)
	require.ErrorIs(t, w.c.repo.UserAssertServerConversation(ctx, w.carl.root, "c1", w.a.key()), errs.ErrUnauthorized)
	require.Zero(t, count(w.net.sentTo(w.a.key()), envelope.KindJoined))
}

func TestJoin_BadInviteProofIsRejectedByFanoutServer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	w := newWorld(t)
	befriend(t, w.alice, w.carl)
	w.create(t, "c1")

	ack, err := w.alice.send(ctx, invite(t, w.alice, "c1", w.a, w.carl, w.bob), w.c.key())
	require.NoError(t, err)
	require.Equal(t, envelope.AckBad, ack)

	participants, err := w.a.repo.ConvGetParticipants(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, participants, 2)
	require.Empty(t, w.bob.fanned(t, "c1"))
}

func TestUserMessage_ContactOrContactRequest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	w := newWorld(t)

	ack, err := w.alice.send(ctx, w.alice.seal(t, envelope.UserMsg{Name: w.bob.tellKey(), Payload: []byte("hi bob")}, w.b.key()), w.b.key())
	require.NoError(t, err)
	require.Equal(t, envelope.AckOK, ack)

	ack, err = w.carl.send(ctx, w.carl.seal(t, envelope.UserMsg{Name: w.bob.tellKey(), Payload: []byte("add me")}, w.b.key()), w.b.key())
	require.NoError(t, err)
	require.Equal(t, envelope.AckOK, ack)

	blocks := w.bob.replicas(t)
	require.Len(t, blocks, 2)
	kinds := map[model.ReplicaKind]model.ReplicaBlock{}
	for _, b := range blocks {
		kinds[b.Kind] = b
	}
	require.Equal(t, w.alice.tellKey(), kinds[model.ReplicaMessage].SenderKey)
	require.Equal(t, w.a.key(), kinds[model.ReplicaMessage].ServerKey)
	require.Equal(t, w.carl.tellKey(), kinds[model.ReplicaContactRequest].SenderKey)

	// unknown recipient
	ack, err = w.alice.send(ctx, w.alice.seal(t, envelope.UserMsg{Name: w.carl.tellKey(), Payload: []byte("?")}, w.b.key()), w.b.key())
	require.NoError(t, err)
	require.Equal(t, envelope.AckBad, ack)
}

func TestServerEnvelopes_RelayAndAuthorization(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	w := newWorld(t)
	w.create(t, "c1")

	fanned := envelope.FannedMsg{Name: w.bob.tellKey(), ConvID: "c1", Payload: []byte("x")}

	// a server that was never authorized for the conversation
	out, err := envelope.Seal(w.c.kr, fanned, w.b.key())
	require.NoError(t, err)
	ack, err := w.b.recv.Receive(ctx, out, w.c.key())
	require.NoError(t, err)
	require.Equal(t, envelope.AckBad, ack.Type)

	// sealed by a but relayed by c
	out, err = envelope.Seal(w.a.kr, fanned, w.b.key())
	require.NoError(t, err)
	ack, err = w.b.recv.Receive(ctx, out, w.c.key())
	require.NoError(t, err)
	require.Equal(t, envelope.AckBad, ack.Type)

	require.Empty(t, w.bob.fanned(t, "c1"))
}

func TestReceive_MalformedEnvelopes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	w := newWorld(t)

	n, err := w.alice.tell.MakeBoxNonce()
	require.NoError(t, err)
	garbage := envelope.OuterEnvelope{SenderKey: w.alice.tellKey(), Nonce: n, InnerEnvelope: []byte("not a box")}
	ack, err := w.a.recv.Receive(ctx, garbage, w.a.key())
	require.NoError(t, err)
	require.Equal(t, envelope.AckBad, ack.Type)

	unknown := envelope.OuterEnvelope{
		SenderKey:     w.alice.tellKey(),
		Nonce:         n,
		InnerEnvelope: w.alice.tell.Box([]byte(`{"type":"bogus"}`), n, w.a.key()),
	}
	ack, err = w.a.recv.Receive(ctx, unknown, w.a.key())
	require.NoError(t, err)
	require.Equal(t, envelope.AckBad, ack.Type)

	frame := envelope.TransitFrame{ServerKey: w.b.key(), Nonce: n, Frame: []byte("junk")}
	ack, err = w.a.recv.ReceiveFrame(ctx, frame)
	require.NoError(t, err)
	require.Equal(t, envelope.AckBad, ack.Type)
}

func (w *world) setDown(s *server, down bool) {
	w.net.mu.Lock()
	w.net.down[s.key()] = down
	w.net.mu.Unlock()
}

func TestReceive_TransientFailureIsReturned(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	w := newWorld(t)
	w.create(t, "c1")
	w.setDown(w.b, true)

	ack, err := w.a.recv.Receive(ctx,
		w.alice.seal(t, envelope.ConvMsg{ConvID: "c1", Payload: []byte("lost")}, w.a.key()), w.a.key())
	require.Error(t, err)
	require.False(t, errs.IsProtocol(err))
	require.Empty(t, ack.Type)
}

func TestConversationMessage_RetransmitAfterOutageReachesEveryone(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	w := newWorld(t)
	w.create(t, "c1")

	outer := w.alice.seal(t, envelope.ConvMsg{ConvID: "c1", Payload: []byte("late")}, w.a.key())
	w.setDown(w.b, true)
	_, err := w.a.recv.Receive(ctx, outer, w.a.key())
	require.Error(t, err)
	require.Empty(t, w.bob.fanned(t, "c1"))

	w.setDown(w.b, false)
	ack, err := w.a.recv.Receive(ctx, outer, w.a.key())
	require.NoError(t, err)
	require.Equal(t, envelope.AckOK, ack.Type)

	got := w.bob.fanned(t, "c1")
	require.Len(t, got, 1)
	require.Equal(t, []byte("late"), got[0].Payload)
	mine := w.alice.fanned(t, "c1")
	require.Len(t, mine, 2)
	require.Equal(t, got[0].Seq, mine[0].Seq)
	require.Equal(t, got[0].Seq, mine[1].Seq)

	data, err := w.a.repo.GetAllConversationData(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, data.Backlog, 4)
}

func TestCreateConversation_RetransmitAfterOutageWelcomesEveryone(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	w := newWorld(t)

	outer := w.alice.seal(t, createConv(t, "c2", w.alice, w.bob), w.a.key())
	w.setDown(w.b, true)
	_, err := w.a.recv.Receive(ctx, outer, w.a.key())
	require.Error(t, err)
	require.False(t, errs.IsProtocol(err))

	w.setDown(w.b, false)
	ack, err := w.a.recv.Receive(ctx, outer, w.a.key())
	require.NoError(t, err)
	require.Equal(t, envelope.AckOK, ack.Type)

	wb := w.bob.welcome(t, "c2")
	wa, _ := w.alice.convBlocks(t, "c2")
	require.Len(t, wa, 2)
	require.Equal(t, wa[0].Backlog, wb.Backlog)
	require.Equal(t, wa[1].Backlog, wb.Backlog)

	data, err := w.a.repo.GetAllConversationData(ctx, "c2")
	require.NoError(t, err)
	require.Len(t, data.Backlog, 3)
	require.Len(t, data.Meta.Participants, 2)
	require.NoError(t, w.b.repo.UserAssertServerConversation(ctx, w.bob.root, "c2", w.a.key()))
}

func TestJoin_RetransmitAfterOutageAnnouncesToEveryone(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	w := newWorld(t)
	befriend(t, w.alice, w.carl)
	w.create(t, "c1")

	join := invite(t, w.alice, "c1", w.a, w.carl, w.carl)
	w.setDown(w.b, true)
	_, err := w.alice.send(ctx, join, w.c.key())
	require.Error(t, err)
	require.Empty(t, w.bob.fanned(t, "c1"))

	w.setDown(w.b, false)
	ack, err := w.alice.send(ctx, join, w.c.key())
	require.NoError(t, err)
	require.Equal(t, envelope.AckOK, ack)

	got := w.bob.fanned(t, "c1")
	require.Len(t, got, 1)
	require.Equal(t, model.FanoutJoin, got[0].Type)
	require.Equal(t, w.carl.tellKey(), *got[0].Invitee)

	participants, err := w.a.repo.ConvGetParticipants(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, participants, 3)
	data, err := w.a.repo.GetAllConversationData(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, data.Backlog, 4)
}

func TestReceiveFrame_AuthenticatesRelay(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	w := newWorld(t)

	outer := w.alice.seal(t, envelope.UserMsg{Name: w.bob.tellKey(), Payload: []byte("framed")}, w.b.key())
	frame, err := envelope.SealFrame(w.a.kr, outer, w.b.key())
	require.NoError(t, err)
	ack, err := w.b.recv.ReceiveFrame(ctx, frame)
	require.NoError(t, err)
	require.Equal(t, envelope.AckOK, ack.Type)

	blocks := w.bob.replicas(t)
	require.Len(t, blocks, 1)
	require.Equal(t, model.ReplicaMessage, blocks[0].Kind)
}
