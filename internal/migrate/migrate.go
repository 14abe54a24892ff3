// Package migrate applies embedded SQL migrations on startup.
package migrate

import (
	"context"
	"database/sql"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/and161185/fanrelay/migrations"
)

// goose keeps its base FS and dialect in package state.
var mu sync.Mutex

// Up runs all pending server migrations against the PostgreSQL dsn.
func Up(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	return apply(ctx, db, "postgres", "postgres")
}

// UpSQLite runs all pending client migrations on an open SQLite database.
func UpSQLite(ctx context.Context, db *sql.DB) error {
	return apply(ctx, db, "sqlite3", "sqlite")
}

func apply(ctx context.Context, db *sql.DB, dialect, dir string) error {
	mu.Lock()
	defer mu.Unlock()

	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(dialect); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, dir)
}
