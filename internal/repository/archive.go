// Package repository declares storage contracts used by the daemon.
package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/chatsync/internal/model"
)

// ArchivedMessage is one transcript entry at rest. Content is ciphertext.
type ArchivedMessage struct {
	ID             uuid.UUID
	Kind           model.ChannelKind
	ConversationID string
	Sender         string
	SentAt         time.Time
	ContentEnc     []byte
}

// Key returns the conversation the entry belongs to.
func (m ArchivedMessage) Key() model.ConversationKey {
	return model.ConversationKey{Kind: m.Kind, ID: m.ConversationID}
}

// ArchiveRepository persists the transcript of the local client.
type ArchiveRepository interface {
	// Save stores a message; saving an id twice is a no-op.
	Save(ctx context.Context, m ArchivedMessage) error

	// SaveBatch stores several messages in one transaction with Save semantics.
	SaveBatch(ctx context.Context, ms []ArchivedMessage) error

	// ListConversation returns up to limit most recent entries of key, oldest first.
	ListConversation(ctx context.Context, key model.ConversationKey, limit int) ([]ArchivedMessage, error)

	// Count returns the number of archived entries.
	Count(ctx context.Context) (int64, error)
}
