package sender

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/fanrelay/internal/envelope"
	"github.com/and161185/fanrelay/internal/keyring"
	"github.com/and161185/fanrelay/internal/model"
	"github.com/and161185/fanrelay/internal/repository/memory"
)

type localFunc func(ctx context.Context, outer envelope.OuterEnvelope, other keyring.PublicKey) (envelope.Ack, error)

func (f localFunc) Receive(ctx context.Context, outer envelope.OuterEnvelope, other keyring.PublicKey) (envelope.Ack, error) {
	return f(ctx, outer, other)
}

func newKeyring(t *testing.T) *keyring.BoxKeyring {
	t.Helper()
	kr, err := keyring.Generate(nil)
	require.NoError(t, err)
	return kr
}

// peer answers like a maildrop: it opens the frame and replies with ack,
// after failing the first `failures` requests with 503.
func peer(t *testing.T, kr *keyring.BoxKeyring, failures int32, answer envelope.AckType) (*httptest.Server, *atomic.Int32, chan envelope.OuterEnvelope) {
	t.Helper()
	var calls atomic.Int32
	got := make(chan envelope.OuterEnvelope, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, MaildropPath, r.URL.Path)
		if calls.Add(1) <= failures {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var f envelope.TransitFrame
		require.NoError(t, json.Unmarshal(raw, &f))
		_, outer, err := envelope.OpenFrame(kr, f)
		require.NoError(t, err)
		got <- outer
		_ = json.NewEncoder(w).Encode(envelope.Ack{Type: answer})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls, got
}

func TestDeliver_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	self, remote := newKeyring(t), newKeyring(t)
	srv, calls, got := peer(t, remote, 2, envelope.AckOK)
	dir := NewDirectory(nil, []model.ServerPeer{{Key: remote.BoxPublicKey(), URL: srv.URL + "/"}}, zaptest.NewLogger(t))
	s := New(self, dir, srv.Client(), Config{MaxRetries: 3, BaseDelay: time.Millisecond}, zaptest.NewLogger(t))

	outer := envelope.OuterEnvelope{SenderKey: self.BoxPublicKey(), InnerEnvelope: []byte("x")}
	require.NoError(t, s.SendServerEnvelopeToServer(context.Background(), outer, remote.BoxPublicKey()))
	require.Equal(t, int32(3), calls.Load())
	require.Equal(t, outer, <-got)
}

func TestDeliver_GivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	self, remote := newKeyring(t), newKeyring(t)
	srv, calls, _ := peer(t, remote, 100, envelope.AckOK)
	dir := NewDirectory(nil, []model.ServerPeer{{Key: remote.BoxPublicKey(), URL: srv.URL}}, zaptest.NewLogger(t))
	s := New(self, dir, srv.Client(), Config{MaxRetries: 2, BaseDelay: time.Millisecond}, zaptest.NewLogger(t))

	err := s.SendServerEnvelopeToServer(context.Background(), envelope.OuterEnvelope{}, remote.BoxPublicKey())
	require.ErrorContains(t, err, "maildrop status 503")
	require.NotErrorIs(t, err, ErrRejected)
	require.Equal(t, int32(3), calls.Load())
}

func TestDeliver_BadAckIsRejected(t *testing.T) {
	t.Parallel()

	self, remote := newKeyring(t), newKeyring(t)
	srv, _, _ := peer(t, remote, 0, envelope.AckBad)
	dir := NewDirectory(nil, []model.ServerPeer{{Key: remote.BoxPublicKey(), URL: srv.URL}}, zaptest.NewLogger(t))
	s := New(self, dir, srv.Client(), Config{MaxRetries: 2, BaseDelay: time.Millisecond}, zaptest.NewLogger(t))

	ack, err := s.Deliver(context.Background(), envelope.OuterEnvelope{}, remote.BoxPublicKey())
	require.NoError(t, err)
	require.Equal(t, envelope.AckBad, ack)

	err = s.SendPersonEnvelopeToServer(context.Background(), keyring.PublicKey{1}, envelope.OuterEnvelope{}, remote.BoxPublicKey())
	require.ErrorIs(t, err, ErrRejected)
}

func TestDeliver_UnknownServerIsRejected(t *testing.T) {
	t.Parallel()

	self := newKeyring(t)
	s := New(self, NewDirectory(nil, nil, zaptest.NewLogger(t)), nil, Config{}, zaptest.NewLogger(t))
	err := s.SendServerEnvelopeToServer(context.Background(), envelope.OuterEnvelope{}, keyring.PublicKey{5})
	require.ErrorIs(t, err, ErrRejected)
}

func TestDeliver_Loopback(t *testing.T) {
	t.Parallel()

	self := newKeyring(t)
	s := New(self, NewDirectory(nil, nil, zaptest.NewLogger(t)), nil, Config{}, zaptest.NewLogger(t))
	var other keyring.PublicKey
	s.SetLocal(localFunc(func(_ context.Context, _ envelope.OuterEnvelope, k keyring.PublicKey) (envelope.Ack, error) {
		other = k
		return envelope.Ack{Type: envelope.AckOK}, nil
	}))

	require.NoError(t, s.SendServerEnvelopeToServer(context.Background(), envelope.OuterEnvelope{}, self.BoxPublicKey()))
	require.Equal(t, self.BoxPublicKey(), other)
}

func TestDirectory_LearnPersists(t *testing.T) {
	t.Parallel()

	repo := memory.New()
	ctx := context.Background()
	d := NewDirectory(repo, nil, zaptest.NewLogger(t))
	require.NoError(t, d.Learn(ctx, keyring.PublicKey{1}, "https://a.example"))
	require.NoError(t, d.Learn(ctx, keyring.PublicKey{1}, ""))

	fresh := NewDirectory(repo, []model.ServerPeer{{Key: keyring.PublicKey{2}, URL: "https://b.example"}}, zaptest.NewLogger(t))
	require.NoError(t, fresh.Load(ctx))
	u, ok := fresh.URL(keyring.PublicKey{1})
	require.True(t, ok)
	require.Equal(t, "https://a.example", u)
	u, ok = fresh.URL(keyring.PublicKey{2})
	require.True(t, ok)
	require.Equal(t, "https://b.example", u)
}
