// Package maildrop is the server-side entry point for transit envelopes. It
// opens the outer box, dispatches on the inner envelope's type to exactly one
// task and answers "ack" or "bad".
package maildrop

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/fanrelay/internal/envelope"
	"github.com/and161185/fanrelay/internal/errs"
	"github.com/and161185/fanrelay/internal/fanout"
	"github.com/and161185/fanrelay/internal/keyring"
	"github.com/and161185/fanrelay/internal/metrics"
	"github.com/and161185/fanrelay/internal/model"
	"github.com/and161185/fanrelay/internal/repository"
	"github.com/and161185/fanrelay/internal/store"
	"github.com/and161185/fanrelay/internal/task"
)

// Store receives payloads destined to local users.
type Store interface {
	MessageForUser(ctx context.Context, user *model.UserAccount, in store.Incoming) error
	ConvMessageForUser(ctx context.Context, user *model.UserAccount, in store.Incoming) error
	ContactRequestForUser(ctx context.Context, user *model.UserAccount, in store.Incoming) error
}

// Sender delivers envelopes to other maildrops.
type Sender interface {
	SendServerEnvelopeToServer(ctx context.Context, outer envelope.OuterEnvelope, serverKey keyring.PublicKey) error
	SendPersonEnvelopeToServer(ctx context.Context, userRoot keyring.PublicKey, outer envelope.OuterEnvelope, serverKey keyring.PublicKey) error
}

// Peers learns maildrop URLs announced inside envelopes.
type Peers interface {
	Learn(ctx context.Context, key keyring.PublicKey, url string) error
}

// Deps are the collaborators of a Receiver.
type Deps struct {
	Keyring   keyring.Keyring
	Auth      repository.AuthRepository
	Fanout    *fanout.Authority
	Broadcast *fanout.Broadcaster
	Sender    Sender
	Store     Store
	Peers     Peers
}

// Receiver dispatches inbound envelopes.
type Receiver struct {
	Deps
	timeout time.Duration
	log     *zap.Logger

	userTask       *task.Task
	createTask     *task.Task
	joinTask       *task.Task
	joinedTask     *task.Task
	addTask        *task.Task
	msgTask        *task.Task
	metaTask       *task.Task
	initialFanTask *task.Task
	fannedTask     *task.Task
}

// New constructs a Receiver. A positive timeout bounds every task run.
func New(d Deps, timeout time.Duration, log *zap.Logger) *Receiver {
	r := &Receiver{Deps: d, timeout: timeout, log: log}
	r.userTask = r.newUserMessageTask()
	r.createTask = r.newCreateConversationTask()
	r.joinTask = r.newConversationJoinTask()
	r.joinedTask = r.newConversationJoinedTask()
	r.addTask = r.newConversationAddTask()
	r.msgTask = r.newConversationMessageTask()
	r.metaTask = r.newConversationMetaTask()
	r.initialFanTask = r.newInitialFanoutTask()
	r.fannedTask = r.newFanoutToUserTask()
	return r
}

// request is what every task starts from.
type request struct {
	outer envelope.OuterEnvelope
	other keyring.PublicKey // authenticated relaying server
}

// ReceiveFrame authenticates the relaying server of f and receives its envelope.
func (r *Receiver) ReceiveFrame(ctx context.Context, f envelope.TransitFrame) (envelope.Ack, error) {
	other, outer, err := envelope.OpenFrame(r.Keyring, f)
	if err != nil {
		r.log.Info("transit frame rejected", zap.Stringer("server", f.ServerKey), zap.Error(err))
		metrics.MaildropEnvelopes.WithLabelValues("bad").Inc()
		return envelope.Ack{Type: envelope.AckBad}, nil
	}
	return r.Receive(ctx, outer, other)
}

// Receive opens outer and runs the task its inner type selects. Protocol
// errors become a "bad" ack; any other error is returned so the relaying
// server can retry.
func (r *Receiver) Receive(ctx context.Context, outer envelope.OuterEnvelope, otherServerKey keyring.PublicKey) (envelope.Ack, error) {
	log := r.log.With(
		zap.String("envelope", envelope.Digest(outer.InnerEnvelope)),
		zap.Stringer("sender", outer.SenderKey),
		zap.Stringer("via", otherServerKey))

	err := r.dispatch(ctx, outer, otherServerKey, log)
	switch {
	case err == nil:
		metrics.MaildropEnvelopes.WithLabelValues("ack").Inc()
		return envelope.Ack{Type: envelope.AckOK}, nil
	case errs.IsProtocol(err):
		metrics.MaildropEnvelopes.WithLabelValues("bad").Inc()
		log.Info("envelope rejected", zap.String("kind", errs.Kind(err)), zap.Error(err))
		return envelope.Ack{Type: envelope.AckBad}, nil
	default:
		metrics.MaildropEnvelopes.WithLabelValues("error").Inc()
		log.Warn("envelope failed", zap.Error(err))
		return envelope.Ack{}, err
	}
}

func (r *Receiver) dispatch(ctx context.Context, outer envelope.OuterEnvelope, other keyring.PublicKey, log *zap.Logger) error {
	inner, err := envelope.Open(r.Keyring, outer)
	if err != nil {
		return err
	}
	req := request{outer: outer, other: other}

	var (
		t  *task.Task
		in any
	)
	switch m := inner.(type) {
	case envelope.UserMsg:
		t, in = r.userTask, &userState{request: req, msg: m}
	case envelope.CreateConv:
		t, in = r.createTask, &createState{request: req, msg: m}
	case envelope.JoinConv:
		t, in = r.joinTask, &joinState{request: req, msg: m}
	case envelope.Joined:
		t, in = r.joinedTask, &joinedState{request: req, msg: m}
	case envelope.ConvAdd:
		t, in = r.addTask, &addState{request: req, msg: m}
	case envelope.ConvMsg:
		t, in = r.msgTask, &appendState{request: req, convID: m.ConvID, payload: m.Payload, typ: model.FanoutMessage}
	case envelope.ConvMeta:
		t, in = r.metaTask, &appendState{request: req, convID: m.ConvID, payload: m.Payload, typ: model.FanoutMeta}
	case envelope.InitialFan:
		t, in = r.initialFanTask, &initialFanState{request: req, msg: m}
	case envelope.FannedMsg:
		t, in = r.fannedTask, &fannedState{request: req, msg: m}
	default:
		return errs.Malformed("unhandled envelope type %q", inner.Kind())
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	log.Debug("dispatching envelope", zap.String("task", t.Name))
	_, err = t.Run(ctx, in)
	return err
}

// step adapts a typed state mutation into a task step.
func step[S any](name string, f func(ctx context.Context, s S) error) task.Step {
	return task.Step{Name: name, Run: func(ctx context.Context, in any) task.Result {
		s, ok := in.(S)
		if !ok {
			return task.Fail(errs.Malformed("step %s: unexpected input %T", name, in))
		}
		if err := f(ctx, s); err != nil {
			return task.Fail(err)
		}
		return task.Next(s)
	}}
}

// localUser maps a tell key to an account hosted here.
func (r *Receiver) localUser(ctx context.Context, tell keyring.PublicKey) (*model.UserAccount, error) {
	u, err := r.Auth.ServerGetUserAccountByTellKey(ctx, tell)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, errs.BadName(tell.String())
	}
	return u, err
}

// assertServerEnvelope checks that a server envelope was sealed by the
// server that relayed it.
func assertServerEnvelope(req request) error {
	if req.outer.SenderKey != req.other {
		return &errs.KeyMismatchError{Declared: req.outer.SenderKey.String(), Proven: req.other.String()}
	}
	return nil
}

// unauthorized maps a failed relation assertion onto the protocol error.
func unauthorized(err error, format string, args ...any) error {
	if errors.Is(err, errs.ErrUnauthorized) {
		return errs.Unauthorized(format, args...)
	}
	return err
}

func (r *Receiver) self() keyring.PublicKey { return r.Keyring.BoxPublicKey() }
