package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/fanrelay/internal/errs"
	"github.com/and161185/fanrelay/internal/keyring"
	"github.com/and161185/fanrelay/internal/model"
)

// FanoutRepo implements FanoutRepository using PostgreSQL.
type FanoutRepo struct{ db *DB }

// NewFanoutRepo constructs a fanout repository.
func NewFanoutRepo(db *DB) *FanoutRepo { return &FanoutRepo{db: db} }

const (
	probeConv = `
INSERT INTO conv_probe (conv_id, n)
VALUES ($1, 1)
ON CONFLICT (conv_id) DO UPDATE SET n = conv_probe.n + 1
RETURNING n`
	insertConv = `
INSERT INTO conversations (conv_id, transit_server_key, owner_key)
VALUES ($1, $2, $3)`
	insertBacklog = `
INSERT INTO conv_backlog (conv_id, type, sent_by, invitee, received_at, nonce, payload)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING seq`
)

func backlogArgs(convID string, m model.FanoutMsg) []any {
	var invitee []byte
	if m.Invitee != nil {
		invitee = m.Invitee[:]
	}
	return []any{convID, string(m.Type), m.SentBy[:], invitee, m.ReceivedAt, m.Nonce[:], m.Payload}
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func appendBacklog(ctx context.Context, q rowQuerier, convID string, m model.FanoutMsg) (model.FanoutMsg, error) {
	if err := q.QueryRow(ctx, insertBacklog, backlogArgs(convID, m)...).Scan(&m.Seq); err != nil {
		switch {
		case isUniqueViolation(err):
			return model.FanoutMsg{}, errs.ErrAlreadyExists
		case isForeignKeyViolation(err):
			return model.FanoutMsg{}, errs.ErrNotFound
		}
		return model.FanoutMsg{}, err
	}
	return m, nil
}

// CreateConversation increments the probe cell for convID and proceeds only
// when this transaction is the first writer.
func (r *FanoutRepo) CreateConversation(ctx context.Context, meta model.ConversationMeta, initial []model.FanoutMsg) error {
	return r.db.inTx(ctx, func(tx pgx.Tx) error {
		var n int
		if err := tx.QueryRow(ctx, probeConv, meta.ID).Scan(&n); err != nil {
			return err
		}
		if n != 1 {
			return errs.ErrConversationExists
		}
		if _, err := tx.Exec(ctx, insertConv, meta.ID, meta.TransitServerKey[:], meta.OwnerKey[:]); err != nil {
			if isUniqueViolation(err) {
				return errs.ErrConversationExists
			}
			return err
		}
		for i, m := range initial {
			if _, err := appendBacklog(ctx, tx, meta.ID, m); err != nil {
				return fmt.Errorf("backlog[%d]: %w", i, err)
			}
		}
		return nil
	})
}

// AddMessageToConversation appends one entry.
func (r *FanoutRepo) AddMessageToConversation(ctx context.Context, convID string, msg model.FanoutMsg) (model.FanoutMsg, error) {
	return appendBacklog(ctx, r.db.Pool, convID, msg)
}

// UpdateConvPerUserMetadata appends msg and records it as the user's metadata.
func (r *FanoutRepo) UpdateConvPerUserMetadata(
	ctx context.Context, convID string, userKey keyring.PublicKey, msg model.FanoutMsg,
) (out model.FanoutMsg, err error) {
	const upsert = `
INSERT INTO conv_user_meta (conv_id, user_key, seq, payload, updated_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (conv_id, user_key)
DO UPDATE SET seq=EXCLUDED.seq, payload=EXCLUDED.payload, updated_at=now()`
	err = r.db.inTx(ctx, func(tx pgx.Tx) error {
		if out, err = appendBacklog(ctx, tx, convID, msg); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, upsert, convID, userKey[:], out.Seq, msg.Payload)
		return err
	})
	if err != nil {
		return model.FanoutMsg{}, err
	}
	return out, nil
}

// GetAllConversationData loads meta, roster and backlog.
func (r *FanoutRepo) GetAllConversationData(ctx context.Context, convID string) (*model.ConversationData, error) {
	const selConv = `
SELECT transit_server_key, owner_key, created_at
FROM conversations WHERE conv_id=$1`
	var transit, owner []byte
	data := &model.ConversationData{Meta: model.ConversationMeta{ID: convID}}
	if err := r.db.Pool.QueryRow(ctx, selConv, convID).Scan(&transit, &owner, &data.Meta.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	var err error
	if data.Meta.TransitServerKey, err = keyFrom(transit); err != nil {
		return nil, err
	}
	if data.Meta.OwnerKey, err = keyFrom(owner); err != nil {
		return nil, err
	}
	if data.Meta.Participants, err = participants(ctx, r.db.Pool, convID); err != nil {
		return nil, err
	}
	if data.Backlog, err = r.backlog(ctx, convID); err != nil {
		return nil, err
	}
	return data, nil
}

func (r *FanoutRepo) backlog(ctx context.Context, convID string) ([]model.FanoutMsg, error) {
	const q = `
SELECT seq, type, sent_by, invitee, received_at, nonce, payload
FROM conv_backlog
WHERE conv_id=$1
ORDER BY seq ASC`
	rows, err := r.db.Pool.Query(ctx, q, convID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.FanoutMsg
	for rows.Next() {
		var (
			m                     model.FanoutMsg
			typ                   string
			sentBy, invitee, nonc []byte
		)
		if err := rows.Scan(&m.Seq, &typ, &sentBy, &invitee, &m.ReceivedAt, &nonc, &m.Payload); err != nil {
			return nil, err
		}
		m.Type = model.FanoutType(typ)
		if m.SentBy, err = keyFrom(sentBy); err != nil {
			return nil, err
		}
		if invitee != nil {
			k, err := keyFrom(invitee)
			if err != nil {
				return nil, err
			}
			m.Invitee = &k
		}
		if m.Nonce, err = nonceFrom(nonc); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
