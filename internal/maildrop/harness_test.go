package maildrop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/fanrelay/internal/clock"
	"github.com/and161185/fanrelay/internal/envelope"
	"github.com/and161185/fanrelay/internal/fanout"
	"github.com/and161185/fanrelay/internal/keyring"
	"github.com/and161185/fanrelay/internal/model"
	"github.com/and161185/fanrelay/internal/repository/memory"
	"github.com/and161185/fanrelay/internal/sender"
	"github.com/and161185/fanrelay/internal/store"
)

// network routes envelopes between in-process servers by transit key.
type network struct {
	mu      sync.Mutex
	servers map[keyring.PublicKey]*server
	sent    map[keyring.PublicKey][]envelope.Kind // by destination
	down    map[keyring.PublicKey]bool
}

type server struct {
	net   *network
	kr    *keyring.BoxKeyring
	repo  *memory.Store
	store *store.Store
	recv  *Receiver
}

func newNetwork() *network {
	return &network{
		servers: map[keyring.PublicKey]*server{},
		sent:    map[keyring.PublicKey][]envelope.Kind{},
		down:    map[keyring.PublicKey]bool{},
	}
}

func (n *network) addServer(t *testing.T) *server {
	t.Helper()
	kr, err := keyring.Generate(nil)
	require.NoError(t, err)
	log := zaptest.NewLogger(t)
	clk := clock.Fake(time.Unix(1700000000, 0))
	repo := memory.New()

	s := &server{net: n, kr: kr, repo: repo}
	s.store = store.New(repo, kr, store.NewMemoryNotifier(), clk, log)
	s.recv = New(Deps{
		Keyring:   kr,
		Auth:      repo,
		Fanout:    fanout.NewAuthority(repo, repo, clk, log),
		Broadcast: fanout.NewBroadcaster(kr, s, log),
		Sender:    s,
		Store:     s.store,
		Peers:     sender.NewDirectory(repo, nil, log),
	}, 5*time.Second, log)

	n.mu.Lock()
	n.servers[kr.BoxPublicKey()] = s
	n.mu.Unlock()
	return s
}

func (n *network) sentTo(key keyring.PublicKey) []envelope.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]envelope.Kind(nil), n.sent[key]...)
}

func (s *server) key() keyring.PublicKey { return s.kr.BoxPublicKey() }

// deliver hands outer to serverKey as if s relayed it.
func (s *server) deliver(ctx context.Context, outer envelope.OuterEnvelope, serverKey keyring.PublicKey) error {
	s.net.mu.Lock()
	dst, ok := s.net.servers[serverKey]
	down := s.net.down[serverKey]
	s.net.mu.Unlock()
	if !ok {
		return sender.ErrRejected
	}
	if down {
		return errors.New("connection refused")
	}
	if inner, err := envelope.Open(dst.kr, outer); err == nil {
		s.net.mu.Lock()
		s.net.sent[serverKey] = append(s.net.sent[serverKey], inner.Kind())
		s.net.mu.Unlock()
	}
	ack, err := dst.recv.Receive(ctx, outer, s.key())
	if err != nil {
		return err
	}
	if ack.Type != envelope.AckOK {
		return sender.ErrRejected
	}
	return nil
}

func (s *server) SendServerEnvelopeToServer(ctx context.Context, outer envelope.OuterEnvelope, serverKey keyring.PublicKey) error {
	return s.deliver(ctx, outer, serverKey)
}

func (s *server) SendPersonEnvelopeToServer(ctx context.Context, _ keyring.PublicKey, outer envelope.OuterEnvelope, serverKey keyring.PublicKey) error {
	return s.deliver(ctx, outer, serverKey)
}

// user is a client identity hosted on home.
type user struct {
	root keyring.PublicKey
	tell *keyring.BoxKeyring
	env  *keyring.BoxKeyring
	home *server
}

func (s *server) addUser(t *testing.T) *user {
	t.Helper()
	root, err := keyring.Generate(nil)
	require.NoError(t, err)
	tell, err := keyring.Generate(nil)
	require.NoError(t, err)
	env, err := keyring.Generate(nil)
	require.NoError(t, err)
	u := &user{root: root.SignPublicKey(), tell: tell, env: env, home: s}
	require.NoError(t, s.repo.CreateUser(context.Background(), &model.UserAccount{
		RootKey: u.root, TellKey: tell.BoxPublicKey(), EnvelopeKey: env.BoxPublicKey(),
	}))
	return u
}

func (u *user) tellKey() keyring.PublicKey { return u.tell.BoxPublicKey() }

func (u *user) participant() model.Participant {
	return model.Participant{TellKey: u.tellKey(), EnvelopeKey: u.env.BoxPublicKey(), ServerKey: u.home.key()}
}

// befriend records mutual contact authorization between a and b.
func befriend(t *testing.T, a, b *user) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, a.home.repo.UserAuthorizeContact(ctx, a.root, b.tellKey(), b.home.key()))
	require.NoError(t, b.home.repo.UserAuthorizeContact(ctx, b.root, a.tellKey(), a.home.key()))
}

// seal boxes inner from u to serverKey.
func (u *user) seal(t *testing.T, inner envelope.Inner, serverKey keyring.PublicKey) envelope.OuterEnvelope {
	t.Helper()
	outer, err := envelope.Seal(u.tell, inner, serverKey)
	require.NoError(t, err)
	return outer
}

// send submits a person envelope through u's home server, which relays it
// to serverKey.
func (u *user) send(ctx context.Context, outer envelope.OuterEnvelope, serverKey keyring.PublicKey) (envelope.AckType, error) {
	if serverKey == u.home.key() {
		ack, err := u.home.recv.Receive(ctx, outer, serverKey)
		return ack.Type, err
	}
	err := u.home.SendPersonEnvelopeToServer(ctx, u.root, outer, serverKey)
	if errors.Is(err, sender.ErrRejected) {
		return envelope.AckBad, nil
	}
	if err != nil {
		return "", err
	}
	return envelope.AckOK, nil
}

func (u *user) replicas(t *testing.T) []model.ReplicaBlock {
	t.Helper()
	bs, err := u.home.store.Pending(context.Background(), u.root)
	require.NoError(t, err)
	return bs
}

// convBlocks opens u's conversation replicas for convID. Fanned entries are
// relayed by the authority itself, so their sender is the relaying server.
func (u *user) convBlocks(t *testing.T, convID string) (welcomes []envelope.Welcome, fanned []model.FanoutMsg) {
	t.Helper()
	for _, b := range u.replicas(t) {
		if b.Kind != model.ReplicaConvMessage || b.ConvID != convID {
			continue
		}
		raw, err := u.env.Open(b.Body, b.Nonce, b.ServerKey)
		require.NoError(t, err)
		if b.SenderKey == b.ServerKey {
			var m model.FanoutMsg
			require.NoError(t, envelope.Unmarshal(raw, &m))
			fanned = append(fanned, m)
			continue
		}
		var w envelope.Welcome
		require.NoError(t, envelope.Unmarshal(raw, &w))
		welcomes = append(welcomes, w)
	}
	return welcomes, fanned
}

func (u *user) welcome(t *testing.T, convID string) envelope.Welcome {
	t.Helper()
	ws, _ := u.convBlocks(t, convID)
	require.Len(t, ws, 1)
	return ws[0]
}

func (u *user) fanned(t *testing.T, convID string) []model.FanoutMsg {
	t.Helper()
	_, fs := u.convBlocks(t, convID)
	return fs
}

func addPayload(t *testing.T, u *user) envelope.AddPayload {
	t.Helper()
	n, err := u.tell.MakeBoxNonce()
	require.NoError(t, err)
	return envelope.AddPayload{
		TellKey:            u.tellKey(),
		EnvelopeKey:        u.env.BoxPublicKey(),
		ServerKey:          u.home.key(),
		AttestationNonce:   n,
		AttestationPayload: []byte("attest " + u.tellKey().String()),
	}
}

func createConv(t *testing.T, convID string, creator *user, others ...*user) envelope.CreateConv {
	t.Helper()
	adds := []envelope.AddPayload{addPayload(t, creator)}
	for _, o := range others {
		adds = append(adds, addPayload(t, o))
	}
	n, err := creator.tell.MakeBoxNonce()
	require.NoError(t, err)
	return envelope.CreateConv{ConvID: convID, Payload: envelope.CreateConvPayload{
		AddPayloads: adds, MsgNonce: n, MsgPayload: []byte("hello"),
	}}
}
