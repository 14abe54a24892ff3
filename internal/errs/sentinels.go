// Package errs contains sentinel errors and typed protocol errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., root key taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrConversationExists is returned by the race-protected create primitive
	// to every creator but the first one for a conversation id.
	ErrConversationExists = errors.New("conversation already exists")

	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates temporary signup lock due to rate limiting.
	ErrRateLimited = errors.New("rate limited")

	// ErrUnknownUser is the mailstore's claim that it has no account for the connecting identity.
	ErrUnknownUser = errors.New("unknown-user")
)
