// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/fanrelay/internal/keyring"
	"github.com/and161185/fanrelay/internal/model"
)

// AuthRepository holds accounts and the authorization relations the
// maildrop tasks assert before touching any conversation state.
//
// Assert* methods return errs.ErrUnauthorized when the relation is absent.
type AuthRepository interface {
	// ServerGetUserAccountByTellKey maps a tell key to a local account or errs.ErrNotFound.
	ServerGetUserAccountByTellKey(ctx context.Context, tellKey keyring.PublicKey) (*model.UserAccount, error)
	// GetUserByRootKey loads an account by its identity key or errs.ErrNotFound.
	GetUserByRootKey(ctx context.Context, rootKey keyring.PublicKey) (*model.UserAccount, error)
	// CreateUser inserts an account; duplicates yield errs.ErrAlreadyExists.
	CreateUser(ctx context.Context, u *model.UserAccount) error

	// UserAuthorizeContact records that user accepts envelopes from contactTell relayed by serverKey.
	UserAuthorizeContact(ctx context.Context, userRoot, contactTell, serverKey keyring.PublicKey) error
	// UserAssertServerUser checks the contact relation recorded by UserAuthorizeContact.
	UserAssertServerUser(ctx context.Context, userRoot, serverKey, contactTell keyring.PublicKey) error
	// UserAuthorizeServerForConversation lets serverKey push convID traffic to the user.
	UserAuthorizeServerForConversation(ctx context.Context, userRoot keyring.PublicKey, convID string, serverKey keyring.PublicKey) error
	// UserAssertServerConversation checks the relation recorded by UserAuthorizeServerForConversation.
	UserAssertServerConversation(ctx context.Context, userRoot keyring.PublicKey, convID string, serverKey keyring.PublicKey) error

	// ConvAssertServerUser checks that tellKey, relayed by serverKey, participates in convID.
	ConvAssertServerUser(ctx context.Context, convID string, serverKey, tellKey keyring.PublicKey) error
	// ConvAuthorizeServerUser adds one participant; an existing one yields errs.ErrAlreadyExists.
	ConvAuthorizeServerUser(ctx context.Context, convID string, p model.Participant) error
	// ConvGetParticipants lists participants in admission order.
	ConvGetParticipants(ctx context.Context, convID string) ([]model.Participant, error)
	// ConvInitialAuthorizeMultipleUsers adds the creation roster in one transaction.
	ConvInitialAuthorizeMultipleUsers(ctx context.Context, convID string, ps []model.Participant) error
}
