package postgres

import (
	"context"
	"testing"

	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/fanrelay/internal/model"
)

func TestReplicaRepo_PutPendingAck(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewReplicaRepo(db)
	ctx := context.Background()
	user := key(1)
	b := model.ReplicaBlock{ID: "b1", UserKey: user, Kind: model.ReplicaMessage, Signed: []byte("sig"), CreatedAt: 42}

	mock.ExpectExec(`INSERT INTO replica_blocks .* ON CONFLICT \(id\) DO NOTHING`).
		WithArgs("b1", user[:], "message", []byte("sig"), int64(42)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, r.PutBlock(ctx, b))

	mock.ExpectQuery(`FROM replica_blocks WHERE user_root=\$1 AND NOT delivered`).
		WithArgs(user[:]).
		WillReturnRows(pgxmock.NewRows([]string{"id", "kind", "signed", "created_at"}).
			AddRow("b1", "message", []byte("sig"), int64(42)))
	got, err := r.PendingBlocks(ctx, user)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, user, got[0].UserKey)
	require.Equal(t, model.ReplicaMessage, got[0].Kind)

	mock.ExpectExec(`UPDATE replica_blocks SET delivered=true`).
		WithArgs(user[:], []string{"b1"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, r.AckBlocks(ctx, user, []string{"b1"}))

	// empty ack does not touch the database
	require.NoError(t, r.AckBlocks(ctx, user, nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPeerRepo_UpsertAndList(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewPeerRepo(db)
	ctx := context.Background()
	p := model.ServerPeer{Key: key(9), URL: "https://b.example"}

	mock.ExpectExec(`INSERT INTO peers`).
		WithArgs(p.Key[:], p.URL).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, r.UpsertPeer(ctx, p))

	mock.ExpectQuery(`SELECT server_key, url FROM peers`).
		WillReturnRows(pgxmock.NewRows([]string{"server_key", "url"}).AddRow(kb(9), p.URL))
	peers, err := r.ListPeers(ctx)
	require.NoError(t, err)
	require.Equal(t, []model.ServerPeer{p}, peers)
}
