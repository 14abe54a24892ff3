package maildrop

import (
	"context"
	"errors"

	"github.com/and161185/fanrelay/internal/envelope"
	"github.com/and161185/fanrelay/internal/errs"
	"github.com/and161185/fanrelay/internal/model"
	"github.com/and161185/fanrelay/internal/store"
	"github.com/and161185/fanrelay/internal/task"
)

type userState struct {
	request
	msg       envelope.UserMsg
	recipient *model.UserAccount
}

// newUserMessageTask delivers a direct message. Senders the recipient has
// not authorized produce a contact request instead.
func (r *Receiver) newUserMessageTask() *task.Task {
	return task.New("UserMessageTask", task.Standard, r.log,
		step("resolve-recipient", func(ctx context.Context, s *userState) (err error) {
			s.recipient, err = r.localUser(ctx, s.msg.Name)
			return err
		}),
		step("store", func(ctx context.Context, s *userState) error {
			in := store.Incoming{
				SenderKey: s.outer.SenderKey,
				ServerKey: s.other,
				Nonce:     s.outer.Nonce,
				Body:      s.msg.Payload,
			}
			err := r.Auth.UserAssertServerUser(ctx, s.recipient.RootKey, s.other, s.outer.SenderKey)
			switch {
			case err == nil:
				return r.Store.MessageForUser(ctx, s.recipient, in)
			case errors.Is(err, errs.ErrUnauthorized):
				return r.Store.ContactRequestForUser(ctx, s.recipient, in)
			}
			return err
		}),
	)
}

type initialFanState struct {
	request
	msg  envelope.InitialFan
	user *model.UserAccount
}

// newInitialFanoutTask accepts a conversation welcome for a local user.
func (r *Receiver) newInitialFanoutTask() *task.Task {
	return task.New("InitialFanoutToUserMessageTask", task.Standard, r.log,
		step("assert-relay", func(_ context.Context, s *initialFanState) error {
			return assertServerEnvelope(s.request)
		}),
		step("resolve-recipient", func(ctx context.Context, s *initialFanState) (err error) {
			s.user, err = r.localUser(ctx, s.msg.Name)
			return err
		}),
		step("verify-proof", func(_ context.Context, s *initialFanState) error {
			return r.verifyProof(s.msg.Proof, s.msg.ProofNonce, s.outer.SenderKey, s.msg.ConvID, s.msg.Name)
		}),
		step("authorize-server", r.authorizeWelcome),
		step("store", func(ctx context.Context, s *initialFanState) error {
			return r.Store.ConvMessageForUser(ctx, s.user, store.Incoming{
				SenderKey: s.msg.SenderKey,
				ServerKey: s.other,
				ConvID:    s.msg.ConvID,
				Nonce:     s.msg.Nonce,
				Body:      s.msg.Payload,
			})
		}),
	)
}

// authorizeWelcome accepts a fanout server that the user's joinconv already
// authorized, the user's own server welcoming its creator, or the server of
// a contact that created the conversation. The server is then authorized for
// the conversation's later fannedmsg traffic.
func (r *Receiver) authorizeWelcome(ctx context.Context, s *initialFanState) error {
	err := r.Auth.UserAssertServerConversation(ctx, s.user.RootKey, s.msg.ConvID, s.other)
	if err == nil {
		return nil
	}
	if !errors.Is(err, errs.ErrUnauthorized) {
		return err
	}
	if !(s.msg.SenderKey == s.user.TellKey && s.other == r.self()) {
		err = r.Auth.UserAssertServerUser(ctx, s.user.RootKey, s.other, s.msg.SenderKey)
		if err != nil {
			return unauthorized(err, "initialfan %s: server %s is not authorized for %s", s.msg.ConvID, s.other, s.msg.Name)
		}
	}
	return r.Auth.UserAuthorizeServerForConversation(ctx, s.user.RootKey, s.msg.ConvID, s.other)
}

type fannedState struct {
	request
	msg  envelope.FannedMsg
	user *model.UserAccount
}

func (r *Receiver) newFanoutToUserTask() *task.Task {
	return task.New("FanoutToUserMessageTask", task.Standard, r.log,
		step("assert-relay", func(_ context.Context, s *fannedState) error {
			return assertServerEnvelope(s.request)
		}),
		step("resolve-recipient", func(ctx context.Context, s *fannedState) (err error) {
			s.user, err = r.localUser(ctx, s.msg.Name)
			return err
		}),
		step("authorize-server", func(ctx context.Context, s *fannedState) error {
			err := r.Auth.UserAssertServerConversation(ctx, s.user.RootKey, s.msg.ConvID, s.other)
			return unauthorized(err, "fannedmsg %s: server %s is not authorized for %s", s.msg.ConvID, s.other, s.msg.Name)
		}),
		step("store", func(ctx context.Context, s *fannedState) error {
			return r.Store.ConvMessageForUser(ctx, s.user, store.Incoming{
				SenderKey: s.other,
				ServerKey: s.other,
				ConvID:    s.msg.ConvID,
				Nonce:     s.msg.Nonce,
				Body:      s.msg.Payload,
			})
		}),
	)
}
