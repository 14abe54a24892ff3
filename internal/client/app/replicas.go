package app

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/and161185/fanrelay/internal/keyring"
	"github.com/and161185/fanrelay/internal/model"
)

// ReplicaStore keeps verified replica blocks in the client database.
type ReplicaStore struct {
	db *sqlx.DB
}

// NewReplicaStore constructs a ReplicaStore.
func NewReplicaStore(db *sqlx.DB) *ReplicaStore { return &ReplicaStore{db: db} }

type replicaRow struct {
	ID        string `db:"id"`
	Kind      string `db:"kind"`
	ConvID    string `db:"conv_id"`
	SenderKey string `db:"sender_key"`
	ServerKey string `db:"server_key"`
	Nonce     []byte `db:"nonce"`
	Body      []byte `db:"body"`
	CreatedAt int64  `db:"created_at"`
}

// StoreReplica saves b. A block the server pushes twice is stored once.
func (s *ReplicaStore) StoreReplica(ctx context.Context, b model.ReplicaBlock) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO replicas (id, kind, conv_id, sender_key, server_key, nonce, body, created_at)
		VALUES (:id, :kind, :conv_id, :sender_key, :server_key, :nonce, :body, :created_at)
		ON CONFLICT (id) DO NOTHING`,
		replicaRow{
			ID:        b.ID,
			Kind:      string(b.Kind),
			ConvID:    b.ConvID,
			SenderKey: b.SenderKey.String(),
			ServerKey: b.ServerKey.String(),
			Nonce:     b.Nonce[:],
			Body:      b.Body,
			CreatedAt: b.CreatedAt,
		})
	if err != nil {
		return fmt.Errorf("store replica %s: %w", b.ID, err)
	}
	return nil
}

// List returns stored blocks in arrival order, only those of convID unless it is empty.
func (s *ReplicaStore) List(ctx context.Context, convID string) ([]model.ReplicaBlock, error) {
	q := `SELECT id, kind, conv_id, sender_key, server_key, nonce, body, created_at FROM replicas`
	var args []any
	if convID != "" {
		q += ` WHERE conv_id = ?`
		args = append(args, convID)
	}
	q += ` ORDER BY created_at, rowid`

	var rows []replicaRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("list replicas: %w", err)
	}
	out := make([]model.ReplicaBlock, 0, len(rows))
	for _, r := range rows {
		b := model.ReplicaBlock{
			ID:        r.ID,
			Kind:      model.ReplicaKind(r.Kind),
			ConvID:    r.ConvID,
			Body:      r.Body,
			CreatedAt: r.CreatedAt,
		}
		var err error
		if b.SenderKey, err = keyring.ParsePublicKey(r.SenderKey); err != nil {
			return nil, fmt.Errorf("replica %s sender: %w", r.ID, err)
		}
		if b.ServerKey, err = keyring.ParsePublicKey(r.ServerKey); err != nil {
			return nil, fmt.Errorf("replica %s server: %w", r.ID, err)
		}
		copy(b.Nonce[:], r.Nonce)
		out = append(out, b)
	}
	return out, nil
}
