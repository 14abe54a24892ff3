package store

import (
	"context"

	"go.uber.org/zap"

	"github.com/and161185/fanrelay/internal/clock"
	"github.com/and161185/fanrelay/internal/keyring"
	"github.com/and161185/fanrelay/internal/model"
	"github.com/and161185/fanrelay/internal/repository"
)

// Incoming is one payload handed to a user's replica.
type Incoming struct {
	SenderKey keyring.PublicKey
	ServerKey keyring.PublicKey
	ConvID    string
	Nonce     keyring.Nonce
	Body      []byte
}

// Store implements the maildrop's storage collaborator.
type Store struct {
	repo   repository.ReplicaRepository
	signer keyring.Keyring
	notify Notifier
	clk    clock.Clock
	log    *zap.Logger
}

// New constructs a Store that signs blocks with signer.
func New(repo repository.ReplicaRepository, signer keyring.Keyring, notify Notifier, clk clock.Clock, log *zap.Logger) *Store {
	return &Store{repo: repo, signer: signer, notify: notify, clk: clk, log: log}
}

// MessageForUser stores a direct message from an authorized contact.
func (s *Store) MessageForUser(ctx context.Context, user *model.UserAccount, in Incoming) error {
	return s.put(ctx, user, model.ReplicaMessage, in)
}

// ConvMessageForUser stores a conversation fanout payload.
func (s *Store) ConvMessageForUser(ctx context.Context, user *model.UserAccount, in Incoming) error {
	return s.put(ctx, user, model.ReplicaConvMessage, in)
}

// ContactRequestForUser stores a message from a sender the user has not authorized.
func (s *Store) ContactRequestForUser(ctx context.Context, user *model.UserAccount, in Incoming) error {
	return s.put(ctx, user, model.ReplicaContactRequest, in)
}

// Pending returns the user's unacknowledged blocks.
func (s *Store) Pending(ctx context.Context, user keyring.PublicKey) ([]model.ReplicaBlock, error) {
	return s.repo.PendingBlocks(ctx, user)
}

// Ack drops blocks from the pending set.
func (s *Store) Ack(ctx context.Context, user keyring.PublicKey, ids []string) error {
	return s.repo.AckBlocks(ctx, user, ids)
}

// Subscribe forwards live blocks of user.
func (s *Store) Subscribe(ctx context.Context, user keyring.PublicKey) (<-chan model.ReplicaBlock, func(), error) {
	return s.notify.Subscribe(ctx, user)
}

func (s *Store) put(ctx context.Context, user *model.UserAccount, kind model.ReplicaKind, in Incoming) error {
	b, err := Seal(s.signer, model.ReplicaBlock{
		UserKey:   user.RootKey,
		Kind:      kind,
		ConvID:    in.ConvID,
		SenderKey: in.SenderKey,
		Nonce:     in.Nonce,
		Body:      in.Body,
		CreatedAt: s.clk.Now().UnixMilli(),
		ServerKey: in.ServerKey,
	})
	if err != nil {
		return err
	}
	if err := s.repo.PutBlock(ctx, b); err != nil {
		return err
	}
	if err := s.notify.Publish(ctx, b); err != nil {
		// the block is durable; the client fetches it on its next connect
		s.log.Warn("replica notify failed", zap.String("block", b.ID), zap.Error(err))
	}
	s.log.Debug("replica stored",
		zap.String("block", b.ID), zap.String("kind", string(kind)), zap.Stringer("user", user.RootKey))
	return nil
}
