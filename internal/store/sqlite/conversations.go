package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/goinbox/internal/store"
)

// ConversationStore implements store.ConversationStore on SQLite.
type ConversationStore struct {
	db *sql.DB
}

const convSelectCols = `conv.id, conv.customer_name, conv.status, conv.assigned_agent_id, conv.channel_id,
	COALESCE(ch.name, 'web'), COALESCE(conv.customer_external_id, ''), conv.customer_contact_id,
	conv.created_at, conv.last_activity_at, COALESCE(conv.last_sender, '')`

const convFrom = ` FROM conversations conv LEFT JOIN channels ch ON ch.id = conv.channel_id`

func scanConversation(row rowScanner) (*store.Conversation, error) {
	var (
		c         store.Conversation
		agentID   sql.NullInt64
		channelID sql.NullInt64
		contactID sql.NullString
		created   int64
		lastAct   sql.NullInt64
	)
	err := row.Scan(&c.ID, &c.CustomerName, &c.Status, &agentID, &channelID,
		&c.ChannelName, &c.CustomerExternalID, &contactID,
		&created, &lastAct, &c.LastSender)
	if err != nil {
		return nil, err
	}
	c.AssignedAgentID = nullInt(agentID)
	c.ChannelID = nullInt(channelID)
	c.CustomerContactID = nullStr(contactID)
	c.CreatedAt = fromNanos(created)
	c.LastActivityAt = nullNanos(lastAct)
	return &c, nil
}

func scanConversations(rows *sql.Rows) ([]store.Conversation, error) {
	defer rows.Close()
	var out []store.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *ConversationStore) FindOpen(ctx context.Context, channelID int64, externalID string) (*store.Conversation, error) {
	c, err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+convSelectCols+convFrom+`
		 WHERE conv.channel_id = ? AND conv.customer_external_id = ? AND conv.status = 'open'
		 ORDER BY conv.created_at DESC, conv.id DESC LIMIT 1`,
		channelID, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find open conversation: %w", err)
	}
	return c, nil
}

func (s *ConversationStore) CreateOpen(ctx context.Context, p store.CreateConversationParams) (*store.Conversation, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO conversations
			(customer_name, status, assigned_agent_id, channel_id, customer_external_id, customer_contact_id, created_at)
		 VALUES (?, 'open', ?, ?, ?, ?, ?)
		 ON CONFLICT (channel_id, customer_external_id) WHERE status = 'open' DO NOTHING
		 RETURNING id`,
		p.CustomerName, p.AssignedAgentID, p.ChannelID, p.ExternalID, nilStr(p.ContactID), toNanos(p.CreatedAt),
	).Scan(&id)
	switch {
	case err == nil:
		c, err := s.Get(ctx, id)
		return c, err == nil, err
	case errors.Is(err, sql.ErrNoRows):
		existing, err := s.FindOpen(ctx, p.ChannelID, p.ExternalID)
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, fmt.Errorf("create conversation: open row vanished during insert")
		}
		return existing, false, nil
	default:
		return nil, false, fmt.Errorf("create conversation: %w", err)
	}
}

func (s *ConversationStore) TouchActivity(ctx context.Context, id int64, lastSender string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET last_activity_at = ?, last_sender = ? WHERE id = ?`,
		toNanos(at), lastSender, id)
	return err
}

func (s *ConversationStore) BackfillContactID(ctx context.Context, id int64, contactID string) (bool, error) {
	if contactID == "" {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET customer_contact_id = ? WHERE id = ? AND customer_contact_id IS NULL`,
		contactID, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *ConversationStore) Get(ctx context.Context, id int64) (*store.Conversation, error) {
	c, err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+convSelectCols+convFrom+` WHERE conv.id = ?`, id))
	if err != nil {
		return nil, mapErr(err)
	}
	return c, nil
}

func (s *ConversationStore) List(ctx context.Context, opts store.ListConversationsOpts) ([]store.Conversation, error) {
	var (
		where []string
		args  []any
	)
	if opts.Status != "" {
		where = append(where, "conv.status = ?")
		args = append(args, opts.Status)
	}
	if opts.Unassigned {
		where = append(where, "conv.assigned_agent_id IS NULL")
	}
	if opts.AssignedTo != nil {
		where = append(where, "conv.assigned_agent_id = ?")
		args = append(args, *opts.AssignedTo)
	}
	q := `SELECT ` + convSelectCols + convFrom
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY conv.last_activity_at DESC NULLS LAST, conv.id DESC"
	if opts.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return scanConversations(rows)
}

func (s *ConversationStore) Assign(ctx context.Context, id, agentID int64) (*store.Conversation, error) {
	return s.updateAndGet(ctx, id, `UPDATE conversations SET assigned_agent_id = ? WHERE id = ?`, agentID, id)
}

func (s *ConversationStore) SetStatus(ctx context.Context, id int64, status string) (*store.Conversation, error) {
	return s.updateAndGet(ctx, id, `UPDATE conversations SET status = ? WHERE id = ?`, status, id)
}

func (s *ConversationStore) updateAndGet(ctx context.Context, id int64, q string, args ...any) (*store.Conversation, error) {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, store.ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *ConversationStore) AssignBacklog(ctx context.Context, agentID int64, limit int) ([]store.Conversation, error) {
	if limit <= 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM conversations
		 WHERE status = 'open' AND assigned_agent_id IS NULL
		 ORDER BY created_at ASC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("assign backlog: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, agentID)
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET assigned_agent_id = ?
		 WHERE assigned_agent_id IS NULL AND id IN (`+placeholders+`)`, args...); err != nil {
		return nil, fmt.Errorf("assign backlog: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	out, err := s.db.QueryContext(ctx,
		`SELECT `+convSelectCols+convFrom+`
		 WHERE conv.assigned_agent_id = ? AND conv.id IN (`+placeholders+`)
		 ORDER BY conv.created_at ASC, conv.id ASC`, args...)
	if err != nil {
		return nil, err
	}
	return scanConversations(out)
}

func (s *ConversationStore) ListOpenAssigned(ctx context.Context, agentID int64) ([]store.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+convSelectCols+convFrom+`
		 WHERE conv.assigned_agent_id = ? AND conv.status = 'open'
		 ORDER BY conv.created_at ASC, conv.id ASC`, agentID)
	if err != nil {
		return nil, err
	}
	return scanConversations(rows)
}

func (s *ConversationStore) FindOpenByExternal(ctx context.Context, channelName, externalID string) (*store.Conversation, error) {
	c, err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+convSelectCols+convFrom+`
		 WHERE ch.name = ? AND conv.customer_external_id = ? AND conv.status = 'open'
		 ORDER BY conv.created_at DESC, conv.id DESC LIMIT 1`,
		channelName, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *ConversationStore) CloseIdle(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = 'closed'
		 WHERE status = 'open' AND COALESCE(last_activity_at, created_at) < ?`,
		toNanos(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *ConversationStore) Summary(ctx context.Context, since time.Time) (*store.InboxSummary, error) {
	var sum store.InboxSummary
	err := s.db.QueryRowContext(ctx,
		`SELECT
			(SELECT COUNT(*) FROM conversations WHERE status = 'open'),
			(SELECT COUNT(*) FROM conversations WHERE status = 'open' AND assigned_agent_id IS NULL),
			(SELECT COUNT(*) FROM conversations WHERE status = 'pending'),
			(SELECT COUNT(*) FROM conversations WHERE status = 'closed'),
			(SELECT COUNT(*) FROM agents WHERE online = 1 AND socket_id IS NOT NULL),
			(SELECT COUNT(*) FROM messages WHERE created_at >= ?)`,
		toNanos(since),
	).Scan(&sum.TotalOpen, &sum.UnassignedOpen, &sum.Pending, &sum.Closed, &sum.OnlineAgents, &sum.Messages24h)
	if err != nil {
		return nil, fmt.Errorf("inbox summary: %w", err)
	}
	return &sum, nil
}
