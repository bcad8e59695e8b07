package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/goinbox/internal/store"
)

// MessageStore implements store.MessageStore on SQLite.
type MessageStore struct {
	db *sql.DB
}

const msgSelectCols = `id, conversation_id, username, content, sender, created_at`

func (s *MessageStore) Insert(ctx context.Context, m *store.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, username, content, sender, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.ConversationID, m.Username, m.Content, m.Sender, toNanos(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	m.ID, err = res.LastInsertId()
	return err
}

func (s *MessageStore) ExistsSince(ctx context.Context, conversationID int64, sender, content string, since time.Time) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM messages
		 WHERE conversation_id = ? AND sender = ? AND content = ? AND created_at >= ?`,
		conversationID, sender, content, toNanos(since),
	).Scan(&n)
	return n > 0, err
}

func (s *MessageStore) ListByConversation(ctx context.Context, conversationID int64, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+msgSelectCols+` FROM messages WHERE conversation_id = ?
		 ORDER BY created_at ASC, id ASC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func (s *MessageStore) ListRecent(ctx context.Context, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT * FROM (
			SELECT `+msgSelectCols+` FROM messages ORDER BY created_at DESC, id DESC LIMIT ?
		) ORDER BY created_at ASC, id ASC`, limit)
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
			m       store.Message
			convID  sql.NullInt64
			created int64
		)
		if err := rows.Scan(&m.ID, &convID, &m.Username, &m.Content, &m.Sender, &created); err != nil {
			return nil, err
		}
		m.ConversationID = nullInt(convID)
		m.CreatedAt = fromNanos(created)
		out = append(out, m)
	}
	return out, rows.Err()
}
