package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/goinbox/internal/store"
)

// PGMessageStore implements store.MessageStore backed by Postgres.
type PGMessageStore struct {
	db *sql.DB
}

func NewPGMessageStore(db *sql.DB) *PGMessageStore {
	return &PGMessageStore{db: db}
}

const msgSelectCols = `id, conversation_id, username, content, sender, created_at`

func (s *PGMessageStore) Insert(ctx context.Context, m *store.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO messages (conversation_id, username, content, sender, created_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		m.ConversationID, m.Username, m.Content, m.Sender, m.CreatedAt,
	).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *PGMessageStore) ExistsSince(ctx context.Context, conversationID int64, sender, content string, since time.Time) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM messages
			WHERE conversation_id = $1 AND sender = $2 AND content = $3 AND created_at >= $4
		)`,
		conversationID, sender, content, since,
	).Scan(&exists)
	return exists, err
}

func (s *PGMessageStore) ListByConversation(ctx context.Context, conversationID int64, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+msgSelectCols+` FROM messages WHERE conversation_id = $1
		 ORDER BY created_at ASC, id ASC LIMIT $2`,
		conversationID, limit)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func (s *PGMessageStore) ListRecent(ctx context.Context, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT * FROM (
			SELECT `+msgSelectCols+` FROM messages ORDER BY created_at DESC, id DESC LIMIT $1
		) recent ORDER BY created_at ASC, id ASC`,
		limit)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]store.Message, error) {
	defer rows.Close()
	var out []store.Message
	for rows.Next() {
		var (
			m      store.Message
			convID sql.NullInt64
		)
		if err := rows.Scan(&m.ID, &convID, &m.Username, &m.Content, &m.Sender, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.ConversationID = nullInt64Ptr(convID)
		out = append(out, m)
	}
	return out, rows.Err()
}
