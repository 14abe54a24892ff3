package repository

import (
	"context"

	"github.com/and161185/fanrelay/internal/keyring"
	"github.com/and161185/fanrelay/internal/model"
)

// ReplicaRepository keeps signed replica blocks until a client acknowledges them.
type ReplicaRepository interface {
	// PutBlock stores b; storing the same id twice is a no-op.
	PutBlock(ctx context.Context, b model.ReplicaBlock) error
	// PendingBlocks returns unacknowledged blocks of userRoot, oldest first.
	PendingBlocks(ctx context.Context, userRoot keyring.PublicKey) ([]model.ReplicaBlock, error)
	// AckBlocks marks ids as delivered.
	AckBlocks(ctx context.Context, userRoot keyring.PublicKey, ids []string) error
}

// PeerRepository persists the server key to maildrop URL directory.
type PeerRepository interface {
	UpsertPeer(ctx context.Context, p model.ServerPeer) error
	ListPeers(ctx context.Context) ([]model.ServerPeer, error)
}
