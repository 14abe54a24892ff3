// Package fanout owns conversation backlogs and the per-recipient broadcast
// of backlog entries.
package fanout

import (
	"bytes"
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/and161185/fanrelay/internal/clock"
	"github.com/and161185/fanrelay/internal/errs"
	"github.com/and161185/fanrelay/internal/keyring"
	"github.com/and161185/fanrelay/internal/model"
	"github.com/and161185/fanrelay/internal/repository"
)

// Authority is the sole writer of the conversations hosted by this server.
type Authority struct {
	repo repository.FanoutRepository
	auth repository.AuthRepository
	clk  clock.Clock
	log  *zap.Logger
}

// NewAuthority constructs an Authority.
func NewAuthority(repo repository.FanoutRepository, auth repository.AuthRepository, clk clock.Clock, log *zap.Logger) *Authority {
	return &Authority{repo: repo, auth: auth, clk: clk, log: log}
}

// Create race-creates a conversation with its roster and initial backlog.
// Losing the race yields a MalformedOrReplayPayloadError wrapping
// errs.ErrConversationExists. A repeated create by the same owner with the
// same roster and backlog resumes the first one and returns nil.
func (a *Authority) Create(ctx context.Context, meta model.ConversationMeta, initial []model.FanoutMsg) error {
	now := a.clk.Now()
	for i := range initial {
		initial[i].ReceivedAt = now
	}
	if err := a.repo.CreateConversation(ctx, meta, initial); err != nil {
		switch {
		case errors.Is(err, errs.ErrConversationExists):
			return a.resumeCreate(ctx, meta, initial)
		case errors.Is(err, errs.ErrAlreadyExists):
			return errs.Replay("conversation %s: duplicate initial entry", meta.ID)
		}
		return err
	}
	if err := a.authorizeInitial(ctx, meta); err != nil {
		return err
	}
	a.log.Info("conversation created",
		zap.String("conv", meta.ID), zap.Int("participants", len(meta.Participants)))
	return nil
}

func (a *Authority) authorizeInitial(ctx context.Context, meta model.ConversationMeta) error {
	if err := a.auth.ConvInitialAuthorizeMultipleUsers(ctx, meta.ID, meta.Participants); err != nil {
		if errors.Is(err, errs.ErrAlreadyExists) {
			return errs.Malformed("conversation %s: participant listed twice", meta.ID)
		}
		return err
	}
	return nil
}

// resumeCreate accepts a create whose first delivery was committed but not
// fully fanned out. Anything else is a lost race.
func (a *Authority) resumeCreate(ctx context.Context, meta model.ConversationMeta, initial []model.FanoutMsg) error {
	data, err := a.repo.GetAllConversationData(ctx, meta.ID)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return &raceError{convID: meta.ID}
	case err != nil:
		return err
	}
	if data.Meta.OwnerKey != meta.OwnerKey || len(data.Backlog) != len(initial) {
		return &raceError{convID: meta.ID}
	}
	for i := range initial {
		if !sameEntry(data.Backlog[i], initial[i]) {
			return &raceError{convID: meta.ID}
		}
	}
	switch {
	case len(data.Meta.Participants) == 0:
		// the roster write did not happen the first time
		if err := a.authorizeInitial(ctx, meta); err != nil {
			return err
		}
	case !sameRoster(data.Meta.Participants, meta.Participants):
		return &raceError{convID: meta.ID}
	}
	a.log.Info("conversation create resumed", zap.String("conv", meta.ID))
	return nil
}

// Append stamps and appends one entry. Redelivering an accepted entry
// returns the stored one so its broadcast can run again; reusing a
// (sender, nonce) pair for different content is a MalformedOrReplayPayloadError.
func (a *Authority) Append(ctx context.Context, convID string, msg model.FanoutMsg) (model.FanoutMsg, error) {
	msg.ReceivedAt = a.clk.Now()
	out, err := a.repo.AddMessageToConversation(ctx, convID, msg)
	return a.mapAppendErr(ctx, convID, msg, out, err)
}

// AppendMeta records per-user metadata and appends it.
func (a *Authority) AppendMeta(ctx context.Context, convID string, user keyring.PublicKey, msg model.FanoutMsg) (model.FanoutMsg, error) {
	msg.ReceivedAt = a.clk.Now()
	out, err := a.repo.UpdateConvPerUserMetadata(ctx, convID, user, msg)
	return a.mapAppendErr(ctx, convID, msg, out, err)
}

func (a *Authority) mapAppendErr(ctx context.Context, convID string, msg, out model.FanoutMsg, err error) (model.FanoutMsg, error) {
	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, errs.ErrAlreadyExists):
		return a.accepted(ctx, convID, msg)
	case errors.Is(err, errs.ErrNotFound):
		return model.FanoutMsg{}, errs.Malformed("conversation %s does not exist", convID)
	}
	return model.FanoutMsg{}, err
}

// accepted looks up the stored entry with msg's (sender, nonce).
func (a *Authority) accepted(ctx context.Context, convID string, msg model.FanoutMsg) (model.FanoutMsg, error) {
	data, err := a.repo.GetAllConversationData(ctx, convID)
	if err != nil {
		return model.FanoutMsg{}, err
	}
	for _, e := range data.Backlog {
		if e.SentBy != msg.SentBy || e.Nonce != msg.Nonce {
			continue
		}
		if !sameEntry(e, msg) {
			break
		}
		a.log.Info("entry redelivered", zap.String("conv", convID), zap.Int64("seq", e.Seq))
		return e, nil
	}
	return model.FanoutMsg{}, errs.Replay("conversation %s: nonce already used by %s", convID, msg.SentBy)
}

// sameEntry compares what the sender controls; Seq and ReceivedAt are the
// authority's.
func sameEntry(a, b model.FanoutMsg) bool {
	if a.Type != b.Type || a.SentBy != b.SentBy || a.Nonce != b.Nonce || !bytes.Equal(a.Payload, b.Payload) {
		return false
	}
	if (a.Invitee == nil) != (b.Invitee == nil) {
		return false
	}
	return a.Invitee == nil || *a.Invitee == *b.Invitee
}

func sameRoster(a, b []model.Participant) bool {
	if len(a) != len(b) {
		return false
	}
	want := make(map[model.Participant]bool, len(b))
	for _, p := range b {
		want[p] = true
	}
	for _, p := range a {
		if !want[p] {
			return false
		}
	}
	return true
}

// Snapshot returns the conversation as of now.
func (a *Authority) Snapshot(ctx context.Context, convID string) (*model.ConversationData, error) {
	data, err := a.repo.GetAllConversationData(ctx, convID)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, errs.Malformed("conversation %s does not exist", convID)
	}
	return data, err
}

// Participants returns the current roster.
func (a *Authority) Participants(ctx context.Context, convID string) ([]model.Participant, error) {
	return a.auth.ConvGetParticipants(ctx, convID)
}

// Admit adds one participant to an existing conversation. Admitting the
// same participant again is a no-op.
func (a *Authority) Admit(ctx context.Context, convID string, p model.Participant) error {
	err := a.auth.ConvAuthorizeServerUser(ctx, convID, p)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errs.ErrAlreadyExists):
		return a.admitted(ctx, convID, p)
	case errors.Is(err, errs.ErrNotFound):
		return errs.Malformed("conversation %s does not exist", convID)
	}
	return err
}

// admitted accepts a redelivered admission of the same participant.
func (a *Authority) admitted(ctx context.Context, convID string, p model.Participant) error {
	ps, err := a.auth.ConvGetParticipants(ctx, convID)
	if err != nil {
		return err
	}
	for _, q := range ps {
		if q == p {
			return nil
		}
	}
	return errs.Replay("conversation %s: %s already participates", convID, p.TellKey)
}

// raceError is the typed loss of a create race.
type raceError struct{ convID string }

func (e *raceError) Error() string { return "conversation " + e.convID + " already exists" }

func (e *raceError) Unwrap() []error {
	return []error{errs.ErrConversationExists, &errs.MalformedOrReplayPayloadError{Reason: e.Error()}}
}
