package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/fanrelay/internal/errs"
	"github.com/and161185/fanrelay/internal/keyring"
	"github.com/and161185/fanrelay/internal/model"
)

// AuthRepo implements AuthRepository using PostgreSQL.
type AuthRepo struct{ db *DB }

// NewAuthRepo constructs an auth repository.
func NewAuthRepo(db *DB) *AuthRepo { return &AuthRepo{db: db} }

const userCols = `root_key, tell_key, envelope_key, created_at`

func scanUser(row pgx.Row) (*model.UserAccount, error) {
	var root, tell, env []byte
	var u model.UserAccount
	if err := row.Scan(&root, &tell, &env, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	var err error
	if u.RootKey, err = keyFrom(root); err != nil {
		return nil, err
	}
	if u.TellKey, err = keyFrom(tell); err != nil {
		return nil, err
	}
	if u.EnvelopeKey, err = keyFrom(env); err != nil {
		return nil, err
	}
	return &u, nil
}

// ServerGetUserAccountByTellKey selects a user by tell key.
func (r *AuthRepo) ServerGetUserAccountByTellKey(ctx context.Context, tellKey keyring.PublicKey) (*model.UserAccount, error) {
	const q = `SELECT ` + userCols + ` FROM users WHERE tell_key=$1`
	return scanUser(r.db.Pool.QueryRow(ctx, q, tellKey[:]))
}

// GetUserByRootKey selects a user by root key.
func (r *AuthRepo) GetUserByRootKey(ctx context.Context, rootKey keyring.PublicKey) (*model.UserAccount, error) {
	const q = `SELECT ` + userCols + ` FROM users WHERE root_key=$1`
	return scanUser(r.db.Pool.QueryRow(ctx, q, rootKey[:]))
}

// CreateUser inserts a new user row.
func (r *AuthRepo) CreateUser(ctx context.Context, u *model.UserAccount) error {
	const q = `
INSERT INTO users (root_key, tell_key, envelope_key)
VALUES ($1, $2, $3)`
	_, err := r.db.Pool.Exec(ctx, q, u.RootKey[:], u.TellKey[:], u.EnvelopeKey[:])
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// UserAuthorizeContact upserts a contact relation.
func (r *AuthRepo) UserAuthorizeContact(ctx context.Context, userRoot, contactTell, serverKey keyring.PublicKey) error {
	const q = `
INSERT INTO user_contacts (user_root, contact_tell, server_key)
VALUES ($1, $2, $3)
ON CONFLICT DO NOTHING`
	_, err := r.db.Pool.Exec(ctx, q, userRoot[:], contactTell[:], serverKey[:])
	if isForeignKeyViolation(err) {
		return errs.ErrNotFound
	}
	return err
}

// UserAssertServerUser checks a contact relation.
func (r *AuthRepo) UserAssertServerUser(ctx context.Context, userRoot, serverKey, contactTell keyring.PublicKey) error {
	const q = `
SELECT EXISTS (
  SELECT 1 FROM user_contacts
  WHERE user_root=$1 AND server_key=$2 AND contact_tell=$3)`
	return r.assert(ctx, q, userRoot[:], serverKey[:], contactTell[:])
}

// UserAuthorizeServerForConversation upserts a conversation server grant.
func (r *AuthRepo) UserAuthorizeServerForConversation(ctx context.Context, userRoot keyring.PublicKey, convID string, serverKey keyring.PublicKey) error {
	const q = `
INSERT INTO user_conv_servers (user_root, conv_id, server_key)
VALUES ($1, $2, $3)
ON CONFLICT DO NOTHING`
	_, err := r.db.Pool.Exec(ctx, q, userRoot[:], convID, serverKey[:])
	if isForeignKeyViolation(err) {
		return errs.ErrNotFound
	}
	return err
}

// UserAssertServerConversation checks a conversation server grant.
func (r *AuthRepo) UserAssertServerConversation(ctx context.Context, userRoot keyring.PublicKey, convID string, serverKey keyring.PublicKey) error {
	const q = `
SELECT EXISTS (
  SELECT 1 FROM user_conv_servers
  WHERE user_root=$1 AND conv_id=$2 AND server_key=$3)`
	return r.assert(ctx, q, userRoot[:], convID, serverKey[:])
}

// ConvAssertServerUser checks that a participant is relayed by its recorded server.
func (r *AuthRepo) ConvAssertServerUser(ctx context.Context, convID string, serverKey, tellKey keyring.PublicKey) error {
	const q = `
SELECT EXISTS (
  SELECT 1 FROM conv_participants
  WHERE conv_id=$1 AND server_key=$2 AND tell_key=$3)`
	return r.assert(ctx, q, convID, serverKey[:], tellKey[:])
}

// ConvAuthorizeServerUser adds a participant.
func (r *AuthRepo) ConvAuthorizeServerUser(ctx context.Context, convID string, p model.Participant) error {
	const q = `
INSERT INTO conv_participants (conv_id, tell_key, envelope_key, server_key)
VALUES ($1, $2, $3, $4)`
	_, err := r.db.Pool.Exec(ctx, q, convID, p.TellKey[:], p.EnvelopeKey[:], p.ServerKey[:])
	switch {
	case isUniqueViolation(err):
		return errs.ErrAlreadyExists
	case isForeignKeyViolation(err):
		return errs.ErrNotFound
	}
	return err
}

// ConvGetParticipants lists participants in admission order.
func (r *AuthRepo) ConvGetParticipants(ctx context.Context, convID string) ([]model.Participant, error) {
	return participants(ctx, r.db.Pool, convID)
}

// ConvInitialAuthorizeMultipleUsers adds the creation roster atomically.
func (r *AuthRepo) ConvInitialAuthorizeMultipleUsers(ctx context.Context, convID string, ps []model.Participant) error {
	const q = `
INSERT INTO conv_participants (conv_id, tell_key, envelope_key, server_key)
VALUES ($1, $2, $3, $4)`
	return r.db.inTx(ctx, func(tx pgx.Tx) error {
		for _, p := range ps {
			if _, err := tx.Exec(ctx, q, convID, p.TellKey[:], p.EnvelopeKey[:], p.ServerKey[:]); err != nil {
				if isUniqueViolation(err) {
					return errs.ErrAlreadyExists
				}
				return err
			}
		}
		return nil
	})
}

func (r *AuthRepo) assert(ctx context.Context, q string, args ...any) error {
	var ok bool
	if err := r.db.Pool.QueryRow(ctx, q, args...).Scan(&ok); err != nil {
		return err
	}
	if !ok {
		return errs.ErrUnauthorized
	}
	return nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func participants(ctx context.Context, q querier, convID string) ([]model.Participant, error) {
	const sel = `
SELECT tell_key, envelope_key, server_key
FROM conv_participants
WHERE conv_id=$1
ORDER BY pos`
	rows, err := q.Query(ctx, sel, convID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Participant
	for rows.Next() {
		var tell, env, srv []byte
		if err := rows.Scan(&tell, &env, &srv); err != nil {
			return nil, err
		}
		var p model.Participant
		if p.TellKey, err = keyFrom(tell); err != nil {
			return nil, err
		}
		if p.EnvelopeKey, err = keyFrom(env); err != nil {
			return nil, err
		}
		if p.ServerKey, err = keyFrom(srv); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
