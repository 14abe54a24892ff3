package repository

import (
	"context"

	"github.com/and161185/fanrelay/internal/keyring"
	"github.com/and161185/fanrelay/internal/model"
)

// FanoutRepository persists conversation backlogs. Appends are never updated
// or deleted; Seq reflects acceptance order.
type FanoutRepository interface {
	// CreateConversation race-creates convID. A second create for the same id
	// returns errs.ErrConversationExists and leaves no trace.
	CreateConversation(ctx context.Context, meta model.ConversationMeta, initial []model.FanoutMsg) error
	// AddMessageToConversation appends msg and returns it with Seq set. A
	// duplicate (sender, nonce) pair yields errs.ErrAlreadyExists.
	AddMessageToConversation(ctx context.Context, convID string, msg model.FanoutMsg) (model.FanoutMsg, error)
	// UpdateConvPerUserMetadata stores msg as userKey's latest metadata and
	// appends it, atomically.
	UpdateConvPerUserMetadata(ctx context.Context, convID string, userKey keyring.PublicKey, msg model.FanoutMsg) (model.FanoutMsg, error)
	// GetAllConversationData returns meta, roster and the ordered backlog.
	GetAllConversationData(ctx context.Context, convID string) (*model.ConversationData, error)
}
