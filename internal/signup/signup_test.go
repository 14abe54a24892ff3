package signup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/fanrelay/internal/claim"
	"github.com/and161185/fanrelay/internal/clock"
	"github.com/and161185/fanrelay/internal/errs"
	"github.com/and161185/fanrelay/internal/keyring"
	"github.com/and161185/fanrelay/internal/limiter"
	"github.com/and161185/fanrelay/internal/model"
	"github.com/and161185/fanrelay/internal/repository"
	"github.com/and161185/fanrelay/internal/repository/memory"
)

type fixture struct {
	svc    *Service
	repo   *memory.Store
	clk    *clock.FakeClock
	server keyring.PublicKey
}

func newFixture(t *testing.T, maxAttempts int) *fixture {
	t.Helper()
	srv, err := keyring.Generate(nil)
	require.NoError(t, err)
	clk := clock.Fake(time.Unix(1700000000, 0))
	repo := memory.New()
	lim := limiter.NewMemory(clk, 15*time.Minute, maxAttempts, 15*time.Minute)
	return &fixture{
		svc:    New(repo, lim, srv.BoxPublicKey(), clk, zaptest.NewLogger(t)),
		repo:   repo,
		clk:    clk,
		server: srv.BoxPublicKey(),
	}
}

func (f *fixture) claim(t *testing.T) (string, *keyring.BoxKeyring, claim.Identity) {
	t.Helper()
	root, err := keyring.Generate(nil)
	require.NoError(t, err)
	tell, err := keyring.Generate(nil)
	require.NoError(t, err)
	env, err := keyring.Generate(nil)
	require.NoError(t, err)
	id := claim.Identity{TellKey: tell.BoxPublicKey(), EnvelopeKey: env.BoxPublicKey()}
	tok, err := claim.Issue(root.SignSecret(), id, f.server, f.clk.Now(), claim.DefaultTTL)
	require.NoError(t, err)
	return tok, root, id
}

func TestSignup_CreatesAccount(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 5)

	tok, root, id := f.claim(t)
	res, err := f.svc.Signup(ctx, Request{Claim: tok, RemoteAddr: "10.0.0.1:5555"})
	require.NoError(t, err)
	require.Equal(t, model.SignupOK, res.Status)
	require.Equal(t, root.SignPublicKey(), res.Account.RootKey)

	u, err := f.repo.ServerGetUserAccountByTellKey(ctx, id.TellKey)
	require.NoError(t, err)
	require.Equal(t, id.EnvelopeKey, u.EnvelopeKey)

	res, err = f.svc.Signup(ctx, Request{Claim: tok, RemoteAddr: "10.0.0.1:5556"})
	require.NoError(t, err)
	require.Equal(t, model.SignupAlreadySignedUp, res.Status)
	require.Nil(t, res.Account)
}

func TestSignup_BadClaimIsAChallenge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 5)

	res, err := f.svc.Signup(ctx, Request{Claim: "garbage", RemoteAddr: "10.0.0.2:1"})
	require.NoError(t, err)
	require.Equal(t, model.SignupBadClaim, res.Status)

	// same key for tell and envelope
	root, err := keyring.Generate(nil)
	require.NoError(t, err)
	k := root.BoxPublicKey()
	tok, err := claim.Issue(root.SignSecret(), claim.Identity{TellKey: k, EnvelopeKey: k}, f.server, f.clk.Now(), time.Minute)
	require.NoError(t, err)
	res, err = f.svc.Signup(ctx, Request{Claim: tok, RemoteAddr: "10.0.0.2:1"})
	require.NoError(t, err)
	require.Equal(t, model.SignupBadClaim, res.Status)

	_, err = f.repo.GetUserByRootKey(ctx, root.SignPublicKey())
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSignup_RateLimitedPerHost(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 2)

	for i := 0; i < 2; i++ {
		res, err := f.svc.Signup(ctx, Request{Claim: "bad", RemoteAddr: "10.0.0.3:1"})
		require.NoError(t, err)
		require.Equal(t, model.SignupBadClaim, res.Status)
	}
	tok, _, _ := f.claim(t)
	res, err := f.svc.Signup(ctx, Request{Claim: tok, RemoteAddr: "10.0.0.3:2"})
	require.NoError(t, err)
	require.Equal(t, model.SignupRateLimited, res.Status)

	// another host is unaffected
	res, err = f.svc.Signup(ctx, Request{Claim: tok, RemoteAddr: "10.0.0.4:2"})
	require.NoError(t, err)
	require.Equal(t, model.SignupOK, res.Status)

	f.clk.Advance(16 * time.Minute)
	tok2, _, _ := f.claim(t)
	res, err = f.svc.Signup(ctx, Request{Claim: tok2, RemoteAddr: "10.0.0.3:3"})
	require.NoError(t, err)
	require.Equal(t, model.SignupOK, res.Status)
}

type failingUsers struct{ repository.AuthRepository }

func (failingUsers) CreateUser(context.Context, *model.UserAccount) error {
	return errors.New("db down")
}

func TestSignup_StorageFailureIsAnError(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 5)
	lim := limiter.NewMemory(f.clk, time.Minute, 5, time.Minute)
	svc := New(failingUsers{f.repo}, lim, f.server, f.clk, zaptest.NewLogger(t))

	tok, _, _ := f.claim(t)
	_, err := svc.Signup(context.Background(), Request{Claim: tok, RemoteAddr: "10.0.0.5:1"})
	require.Error(t, err)
}
