package maildrop

import (
	"context"
	"errors"

	"github.com/and161185/fanrelay/internal/envelope"
	"github.com/and161185/fanrelay/internal/errs"
	"github.com/and161185/fanrelay/internal/model"
	"github.com/and161185/fanrelay/internal/sender"
	"github.com/and161185/fanrelay/internal/task"
)

type joinState struct {
	request
	msg     envelope.JoinConv
	invitee *model.UserAccount
	payload envelope.JoinPayload
}

// newConversationJoinTask runs on the invitee's server: it lets the fanout
// server push the conversation to the invitee and answers joined.
func (r *Receiver) newConversationJoinTask() *task.Task {
	return task.New("ConversationJoinTask", task.Standard, r.log,
		step("resolve-invitee", func(ctx context.Context, s *joinState) (err error) {
			s.invitee, err = r.localUser(ctx, s.msg.Name)
			return err
		}),
		step("authorize-inviter", func(ctx context.Context, s *joinState) error {
			err := r.Auth.UserAssertServerUser(ctx, s.invitee.RootKey, s.other, s.outer.SenderKey)
			return unauthorized(err, "joinconv %s: %s is not a contact of %s", s.msg.ConvID, s.outer.SenderKey, s.msg.Name)
		}),
		step("decode-payload", func(_ context.Context, s *joinState) error {
			if err := envelope.Unmarshal(s.msg.Payload, &s.payload); err != nil {
				return err
			}
			if s.payload.FanoutServerKey != s.msg.ServerName {
				return &errs.KeyMismatchError{
					Declared: s.msg.ServerName.String(),
					Proven:   s.payload.FanoutServerKey.String(),
				}
			}
			return nil
		}),
		step("authorize-fanout-server", func(ctx context.Context, s *joinState) error {
			err := r.Auth.UserAuthorizeServerForConversation(ctx, s.invitee.RootKey, s.msg.ConvID, s.msg.ServerName)
			if err != nil {
				return err
			}
			return r.Peers.Learn(ctx, s.msg.ServerName, s.payload.FanoutServerURL)
		}),
		step("reply-joined", func(ctx context.Context, s *joinState) error {
			joined := envelope.Joined{Name: s.outer.SenderKey, Nonce: s.msg.Nonce, Payload: s.msg.Payload}
			out, err := envelope.Seal(r.Keyring, joined, s.other)
			if err != nil {
				return err
			}
			err = r.Sender.SendServerEnvelopeToServer(ctx, out, s.other)
			if errors.Is(err, sender.ErrRejected) {
				return errs.Unauthorized("joinconv %s: inviter server %s rejected joined", s.msg.ConvID, s.other)
			}
			return err
		}),
	)
}

type joinedState struct {
	request
	msg     envelope.Joined
	inviter *model.UserAccount
	payload envelope.JoinPayload
}

// newConversationJoinedTask runs on the inviter's server: the invitee's
// server agreed, so the inviter's convadd goes on to the fanout server.
func (r *Receiver) newConversationJoinedTask() *task.Task {
	return task.New("ConversationJoinedTask", task.Standard, r.log,
		step("assert-relay", func(_ context.Context, s *joinedState) error {
			return assertServerEnvelope(s.request)
		}),
		step("resolve-inviter", func(ctx context.Context, s *joinedState) (err error) {
			s.inviter, err = r.localUser(ctx, s.msg.Name)
			return err
		}),
		step("decode-payload", func(ctx context.Context, s *joinedState) error {
			if err := envelope.Unmarshal(s.msg.Payload, &s.payload); err != nil {
				return err
			}
			if s.payload.ConvAdd.SenderKey != s.inviter.TellKey {
				return &errs.KeyMismatchError{
					Declared: s.inviter.TellKey.String(),
					Proven:   s.payload.ConvAdd.SenderKey.String(),
				}
			}
			if s.payload.FanoutServerKey.IsZero() {
				return errs.Malformed("joined: missing fanout server")
			}
			return r.Peers.Learn(ctx, s.payload.FanoutServerKey, s.payload.FanoutServerURL)
		}),
		step("resend", func(ctx context.Context, s *joinedState) error {
			err := r.Sender.SendPersonEnvelopeToServer(ctx, s.inviter.RootKey, s.payload.ConvAdd, s.payload.FanoutServerKey)
			if errors.Is(err, sender.ErrRejected) {
				return errs.Unauthorized("fanout server %s rejected the convadd", s.payload.FanoutServerKey)
			}
			return err
		}),
	)
}
