package postgres

import (
	"context"

	"github.com/and161185/fanrelay/internal/keyring"
	"github.com/and161185/fanrelay/internal/model"
)

// ReplicaRepo implements ReplicaRepository using PostgreSQL.
type ReplicaRepo struct{ db *DB }

// NewReplicaRepo constructs a replica repository.
func NewReplicaRepo(db *DB) *ReplicaRepo { return &ReplicaRepo{db: db} }

// PutBlock stores a signed block once.
func (r *ReplicaRepo) PutBlock(ctx context.Context, b model.ReplicaBlock) error {
	const q = `
INSERT INTO replica_blocks (id, user_root, kind, signed, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO NOTHING`
	_, err := r.db.Pool.Exec(ctx, q, b.ID, b.UserKey[:], string(b.Kind), b.Signed, b.CreatedAt)
	return err
}

// PendingBlocks returns undelivered blocks, oldest first.
func (r *ReplicaRepo) PendingBlocks(ctx context.Context, userRoot keyring.PublicKey) ([]model.ReplicaBlock, error) {
	const q = `
SELECT id, kind, signed, created_at
FROM replica_blocks
WHERE user_root=$1 AND NOT delivered
ORDER BY created_at ASC, id ASC`
	rows, err := r.db.Pool.Query(ctx, q, userRoot[:])
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ReplicaBlock
	for rows.Next() {
		b := model.ReplicaBlock{UserKey: userRoot}
		var kind string
		if err := rows.Scan(&b.ID, &kind, &b.Signed, &b.CreatedAt); err != nil {
			return nil, err
		}
		b.Kind = model.ReplicaKind(kind)
		out = append(out, b)
	}
	return out, rows.Err()
}

// AckBlocks marks blocks as delivered.
func (r *ReplicaRepo) AckBlocks(ctx context.Context, userRoot keyring.PublicKey, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	const q = `UPDATE replica_blocks SET delivered=true WHERE user_root=$1 AND id = ANY($2)`
	_, err := r.db.Pool.Exec(ctx, q, userRoot[:], ids)
	return err
}

// PeerRepo implements PeerRepository using PostgreSQL.
type PeerRepo struct{ db *DB }

// NewPeerRepo constructs a peer repository.
func NewPeerRepo(db *DB) *PeerRepo { return &PeerRepo{db: db} }

// UpsertPeer records or replaces a peer URL.
func (r *PeerRepo) UpsertPeer(ctx context.Context, p model.ServerPeer) error {
	const q = `
INSERT INTO peers (server_key, url, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (server_key) DO UPDATE SET url=EXCLUDED.url, updated_at=now()`
	_, err := r.db.Pool.Exec(ctx, q, p.Key[:], p.URL)
	return err
}

// ListPeers returns every known peer.
func (r *PeerRepo) ListPeers(ctx context.Context) ([]model.ServerPeer, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT server_key, url FROM peers ORDER BY url`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ServerPeer
	for rows.Next() {
		var key []byte
		var p model.ServerPeer
		if err := rows.Scan(&key, &p.URL); err != nil {
			return nil, err
		}
		if p.Key, err = keyFrom(key); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
