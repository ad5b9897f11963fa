package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/chatsync/internal/errs"
	"github.com/and161185/chatsync/internal/model"
	"github.com/and161185/chatsync/internal/repository"
)

// DefaultListLimit applies when ListConversation gets a non-positive limit.
const DefaultListLimit = 100

const (
	insertMessage = `INSERT INTO messages (id, kind, conversation_id, sender, sent_at, content_enc) VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT (id) DO NOTHING`
	listMessages  = `
SELECT id, kind, conversation_id, sender, sent_at, content_enc
FROM messages
WHERE kind=$1 AND conversation_id=$2
ORDER BY sent_at DESC
LIMIT $3`
	countMessages = `SELECT COUNT(*) FROM messages`
)

// ArchiveRepo implements repository.ArchiveRepository.
type ArchiveRepo struct{ db *DB }

var _ repository.ArchiveRepository = (*ArchiveRepo)(nil)

// NewArchiveRepo constructs an archive repository.
func NewArchiveRepo(db *DB) *ArchiveRepo { return &ArchiveRepo{db: db} }

func validate(m repository.ArchivedMessage) error {
	if m.ID == uuid.Nil {
		return fmt.Errorf("archive message id: %w", errs.ErrInvalidArgument)
	}
	if m.Kind != model.Public && m.ConversationID == "" {
		return fmt.Errorf("archive conversation id: %w", errs.ErrInvalidArgument)
	}
	return nil
}

func args(m repository.ArchivedMessage) []any {
	return []any{m.ID, int16(m.Kind), m.ConversationID, m.Sender, m.SentAt.UTC(), m.ContentEnc}
}

// Save inserts m unless its id is already archived.
func (r *ArchiveRepo) Save(ctx context.Context, m repository.ArchivedMessage) error {
	if err := validate(m); err != nil {
		return err
	}
	if _, err := r.db.Pool.Exec(ctx, insertMessage, args(m)...); err != nil {
		return fmt.Errorf("archive save: %w", err)
	}
	return nil
}

// SaveBatch inserts ms atomically; already archived ids are skipped.
func (r *ArchiveRepo) SaveBatch(ctx context.Context, ms []repository.ArchivedMessage) (err error) {
	if len(ms) == 0 {
		return nil
	}
	for i, m := range ms {
		if err := validate(m); err != nil {
			return fmt.Errorf("message[%d]: %w", i, err)
		}
	}

	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	for i, m := range ms {
		if _, err = tx.Exec(ctx, insertMessage, args(m)...); err != nil {
			return fmt.Errorf("message[%d]: %w", i, err)
		}
	}
	return nil
}

// ListConversation returns the newest limit entries of key in chronological order.
func (r *ArchiveRepo) ListConversation(ctx context.Context, key model.ConversationKey, limit int) ([]repository.ArchivedMessage, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := r.db.Pool.Query(ctx, listMessages, int16(key.Kind), key.ID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []repository.ArchivedMessage
	for rows.Next() {
		var (
			m    repository.ArchivedMessage
			kind int16
			ts   time.Time
		)
		if err = rows.Scan(&m.ID, &kind, &m.ConversationID, &m.Sender, &ts, &m.ContentEnc); err != nil {
			return nil, err
		}
		m.Kind = model.ChannelKind(kind)
		m.SentAt = ts
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Count returns the number of archived messages.
func (r *ArchiveRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.Pool.QueryRow(ctx, countMessages).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
