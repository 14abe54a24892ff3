// Package signup creates accounts from self-identity claims.
package signup

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/fanrelay/internal/claim"
	"github.com/and161185/fanrelay/internal/clock"
	"github.com/and161185/fanrelay/internal/errs"
	"github.com/and161185/fanrelay/internal/keyring"
	"github.com/and161185/fanrelay/internal/limiter"
	"github.com/and161185/fanrelay/internal/metrics"
	"github.com/and161185/fanrelay/internal/model"
	"github.com/and161185/fanrelay/internal/repository"
	"github.com/and161185/fanrelay/internal/task"
)

// Request is one signup attempt.
type Request struct {
	Claim      string
	RemoteAddr string
}

// Result is the signup answer. Account is set only for model.SignupOK.
type Result struct {
	Status  model.SignupStatus
	Account *model.UserAccount
}

// Service runs the signup task.
type Service struct {
	users repository.AuthRepository
	lim   limiter.Limiter
	self  keyring.PublicKey
	clk   clock.Clock
	log   *zap.Logger

	validate *task.Task
	signup   *task.Task
}

// New constructs the signup service for the server whose transit key is self.
func New(users repository.AuthRepository, lim limiter.Limiter, self keyring.PublicKey, clk clock.Clock, log *zap.Logger) *Service {
	s := &Service{users: users, lim: lim, self: self, clk: clk, log: log}
	s.validate = task.New("SignupValidationTask", task.SoftFail, log,
		task.Step{Name: "verify-claim", Run: s.verifyClaim},
		task.Step{Name: "check-keys", Run: checkKeys},
	)
	s.signup = task.New("SignupTask", task.Standard, log,
		task.Step{Name: "rate-limit", Run: s.rateLimit},
		task.Step{Name: "validate", Run: s.runValidation},
		task.Step{Name: "create-account", Run: s.createAccount},
	)
	return s
}

type attempt struct {
	req      Request
	addrHash []byte
	identity claim.Identity
}

// Signup answers req with an account or a challenge. Errors are reserved for
// storage failures.
func (s *Service) Signup(ctx context.Context, req Request) (Result, error) {
	out, err := s.signup.Run(ctx, &attempt{req: req, addrHash: limiter.HashAddr(req.RemoteAddr)})
	if err != nil {
		metrics.Signups.WithLabelValues("error").Inc()
		return Result{}, err
	}
	res, _ := out.Value.(Result)
	metrics.Signups.WithLabelValues(string(res.Status)).Inc()
	return res, nil
}

func (s *Service) rateLimit(ctx context.Context, in any) task.Result {
	a := in.(*attempt)
	ok, retry, err := s.lim.Allow(ctx, a.addrHash)
	if err != nil {
		return task.Fail(err)
	}
	if !ok {
		s.log.Info("signup rate limited", zap.Duration("retry_after", retry))
		return task.Return(Result{Status: model.SignupRateLimited})
	}
	blocked, _, err := s.lim.Attempt(ctx, a.addrHash)
	if err != nil {
		return task.Fail(err)
	}
	if blocked {
		return task.Return(Result{Status: model.SignupRateLimited})
	}
	return task.Next(a)
}

func (s *Service) runValidation(ctx context.Context, in any) task.Result {
	out, err := s.validate.Run(ctx, in)
	if err != nil {
		return task.Fail(err)
	}
	if !out.Valid {
		return task.Return(Result{Status: model.SignupBadClaim})
	}
	return task.Next(in)
}

func (s *Service) verifyClaim(_ context.Context, in any) task.Result {
	a := in.(*attempt)
	id, err := claim.Verify(a.req.Claim, s.self, s.clk.Now)
	if err != nil {
		return task.Fail(err)
	}
	a.identity = id
	return task.Next(a)
}

func checkKeys(_ context.Context, in any) task.Result {
	id := in.(*attempt).identity
	switch {
	case id.TellKey.IsZero() || id.EnvelopeKey.IsZero():
		return task.Fail(errs.Malformed("claim lacks tell or envelope key"))
	case id.TellKey == id.EnvelopeKey:
		return task.Fail(errs.Malformed("tell and envelope keys must differ"))
	}
	return task.Next(in)
}

func (s *Service) createAccount(ctx context.Context, in any) task.Result {
	a := in.(*attempt)
	u := &model.UserAccount{
		RootKey:     a.identity.RootKey,
		TellKey:     a.identity.TellKey,
		EnvelopeKey: a.identity.EnvelopeKey,
		CreatedAt:   s.clk.Now().UTC().Truncate(time.Millisecond),
	}
	err := s.users.CreateUser(ctx, u)
	if errors.Is(err, errs.ErrAlreadyExists) {
		return task.Return(Result{Status: model.SignupAlreadySignedUp})
	}
	if err != nil {
		return task.Fail(err)
	}
	s.log.Info("account created", zap.Stringer("root", u.RootKey))
	return task.Next(Result{Status: model.SignupOK, Account: u})
}
