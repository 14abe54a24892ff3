package limiter

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PG is a PostgreSQL-backed limiter implementation with sliding window and lockout.
type PG struct {
	pool        pgxQuerier
	window      time.Duration
	maxAttempts int
	blockFor    time.Duration
	now         func() time.Time
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed limiter over any pgx pool or mock.
func NewPG(q pgxQuerier, window time.Duration, maxAttempts int, blockFor time.Duration) *PG {
	return &PG{pool: q, window: window, maxAttempts: maxAttempts, blockFor: blockFor, now: time.Now}
}

// Allow reports whether signup is currently allowed and a retry-after duration.
func (l *PG) Allow(ctx context.Context, addrHash []byte) (bool, time.Duration, error) {
	const q = `SELECT blocked_until FROM signup_limiter WHERE addr_hash=$1`
	var blockedUntil time.Time
	err := l.pool.QueryRow(ctx, q, addrHash).Scan(&blockedUntil)
	switch {
	case err == nil:
		if now := l.now(); blockedUntil.After(now) {
			return false, blockedUntil.Sub(now), nil
		}
		return true, 0, nil
	case errors.Is(err, pgx.ErrNoRows):
		return true, 0, nil
	default:
		return false, 0, err
	}
}

// Attempt records an attempt; may set a block until a future time.
func (l *PG) Attempt(ctx context.Context, addrHash []byte) (bool, time.Duration, error) {
	const q = `
INSERT INTO signup_limiter (addr_hash, attempts, blocked_until, updated_at)
VALUES ($1,1,'epoch',now())
ON CONFLICT (addr_hash) DO UPDATE
SET
  attempts = CASE WHEN EXCLUDED.updated_at - signup_limiter.updated_at > $2::interval THEN 1 ELSE signup_limiter.attempts + 1 END,
  updated_at = now()
RETURNING attempts`
	var attempts int
	if err := l.pool.QueryRow(ctx, q, addrHash, l.window).Scan(&attempts); err != nil {
		return false, 0, err
	}
	if attempts > l.maxAttempts {
		blockUntil := l.now().Add(l.blockFor)
		const upd = `UPDATE signup_limiter SET blocked_until=$2 WHERE addr_hash=$1`
		if _, err := l.pool.Exec(ctx, upd, addrHash, blockUntil); err != nil {
			return false, 0, err
		}
		return true, l.blockFor, nil
	}
	return false, 0, nil
}
