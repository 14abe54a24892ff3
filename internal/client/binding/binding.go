// Package binding caches the client's association with its home server.
package binding

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"

	"github.com/and161185/fanrelay/internal/errs"
	"github.com/and161185/fanrelay/internal/keyring"
)

const homeKey = "home_server"

// Binding is the home server a signed-up identity belongs to.
type Binding struct {
	Addr      string            `json:"addr"`
	ServerKey keyring.PublicKey `json:"serverKey"` // transit key, claim audience
	SignKey   keyring.PublicKey `json:"signKey"`   // verifies replica blocks
	BoundAt   time.Time         `json:"boundAt"`
}

// Store keeps the binding in the metadata table.
type Store struct {
	db *sqlx.DB
}

// New constructs a Store.
func New(db *sqlx.DB) *Store { return &Store{db: db} }

// Get returns the binding, or errs.ErrNotFound.
func (s *Store) Get(ctx context.Context) (Binding, error) {
	var raw []byte
	err := s.db.GetContext(ctx, &raw, `SELECT value FROM metadata WHERE key = ?`, homeKey)
	if errors.Is(err, sql.ErrNoRows) {
		return Binding{}, errs.ErrNotFound
	}
	if err != nil {
		return Binding{}, fmt.Errorf("get binding: %w", err)
	}
	var b Binding
	if err := json.Unmarshal(raw, &b); err != nil {
		return Binding{}, fmt.Errorf("decode binding: %w", err)
	}
	return b, nil
}

// Set replaces the binding.
func (s *Store) Set(ctx context.Context, b Binding) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, homeKey, raw)
	if err != nil {
		return fmt.Errorf("set binding: %w", err)
	}
	return nil
}

// Drop forgets the binding. The identity has to sign up again.
func (s *Store) Drop(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM metadata WHERE key = ?`, homeKey); err != nil {
		return fmt.Errorf("drop binding: %w", err)
	}
	return nil
}
