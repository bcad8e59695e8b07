package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/goinbox/internal/store"
)

// PGConversationStore implements store.ConversationStore backed by Postgres.
type PGConversationStore struct {
	db *sql.DB
}

func NewPGConversationStore(db *sql.DB) *PGConversationStore {
	return &PGConversationStore{db: db}
}

const convSelectCols = `conv.id, conv.customer_name, conv.status, conv.assigned_agent_id, conv.channel_id,
	COALESCE(ch.name, 'web'), COALESCE(conv.customer_external_id, ''), conv.customer_contact_id,
	conv.created_at, conv.last_activity_at, COALESCE(conv.last_sender, '')`

const convJoin = `LEFT JOIN channels ch ON ch.id = conv.channel_id`

func scanConversation(row rowScanner) (*store.Conversation, error) {
	var (
		c         store.Conversation
		agentID   sql.NullInt64
		channelID sql.NullInt64
		contactID sql.NullString
		lastAct   sql.NullTime
	)
	err := row.Scan(&c.ID, &c.CustomerName, &c.Status, &agentID, &channelID,
		&c.ChannelName, &c.CustomerExternalID, &contactID,
		&c.CreatedAt, &lastAct, &c.LastSender)
	if err != nil {
		return nil, err
	}
	c.AssignedAgentID = nullInt64Ptr(agentID)
	c.ChannelID = nullInt64Ptr(channelID)
	c.CustomerContactID = nullStrPtr(contactID)
	c.LastActivityAt = nullTimePtr(lastAct)
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

func (s *PGConversationStore) FindOpen(ctx context.Context, channelID int64, externalID string) (*store.Conversation, error) {
	c, err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+convSelectCols+` FROM conversations conv `+convJoin+`
		 WHERE conv.channel_id = $1 AND conv.customer_external_id = $2 AND conv.status = 'open'
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

func (s *PGConversationStore) CreateOpen(ctx context.Context, p store.CreateConversationParams) (*store.Conversation, bool, error) {
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	// The partial unique index keeps concurrent creators from both winning;
	// the loser reads back the winner's row.
	for attempt := 0; attempt < 2; attempt++ {
		c, err := scanConversation(s.db.QueryRowContext(ctx,
			`WITH conv AS (
				INSERT INTO conversations
					(customer_name, status, assigned_agent_id, channel_id, customer_external_id, customer_contact_id, created_at)
				VALUES ($1, 'open', $2, $3, $4, $5, $6)
				ON CONFLICT (channel_id, customer_external_id) WHERE status = 'open' DO NOTHING
				RETURNING *
			)
			SELECT `+convSelectCols+` FROM conv `+convJoin,
			p.CustomerName, p.AssignedAgentID, p.ChannelID, p.ExternalID, nilStr(p.ContactID), createdAt))
		if err == nil {
			return c, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("create conversation: %w", err)
		}
		existing, err := s.FindOpen(ctx, p.ChannelID, p.ExternalID)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
	}
	return nil, false, fmt.Errorf("create conversation: open row vanished during insert")
}

func (s *PGConversationStore) TouchActivity(ctx context.Context, id int64, lastSender string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET last_activity_at = $2, last_sender = $3 WHERE id = $1`,
		id, at, lastSender)
	return err
}

func (s *PGConversationStore) BackfillContactID(ctx context.Context, id int64, contactID string) (bool, error) {
	if contactID == "" {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET customer_contact_id = $2 WHERE id = $1 AND customer_contact_id IS NULL`,
		id, contactID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PGConversationStore) Get(ctx context.Context, id int64) (*store.Conversation, error) {
	c, err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+convSelectCols+` FROM conversations conv `+convJoin+` WHERE conv.id = $1`, id))
	if err != nil {
		return nil, mapErr(err)
	}
	return c, nil
}

func (s *PGConversationStore) List(ctx context.Context, opts store.ListConversationsOpts) ([]store.Conversation, error) {
	var (
		where []string
		args  []any
	)
	if opts.Status != "" {
		args = append(args, opts.Status)
		where = append(where, fmt.Sprintf("conv.status = $%d", len(args)))
	}
	if opts.Unassigned {
		where = append(where, "conv.assigned_agent_id IS NULL")
	}
	if opts.AssignedTo != nil {
		args = append(args, *opts.AssignedTo)
		where = append(where, fmt.Sprintf("conv.assigned_agent_id = $%d", len(args)))
	}
	q := `SELECT ` + convSelectCols + ` FROM conversations conv ` + convJoin
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY conv.last_activity_at DESC NULLS LAST, conv.id DESC"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return scanConversations(rows)
}

func (s *PGConversationStore) Assign(ctx context.Context, id, agentID int64) (*store.Conversation, error) {
	c, err := scanConversation(s.db.QueryRowContext(ctx,
		`WITH conv AS (
			UPDATE conversations SET assigned_agent_id = $2 WHERE id = $1 RETURNING *
		)
		SELECT `+convSelectCols+` FROM conv `+convJoin,
		id, agentID))
	if err != nil {
		return nil, mapErr(err)
	}
	return c, nil
}

func (s *PGConversationStore) SetStatus(ctx context.Context, id int64, status string) (*store.Conversation, error) {
	c, err := scanConversation(s.db.QueryRowContext(ctx,
		`WITH conv AS (
			UPDATE conversations SET status = $2 WHERE id = $1 RETURNING *
		)
		SELECT `+convSelectCols+` FROM conv `+convJoin,
		id, status))
	if err != nil {
		return nil, mapErr(err)
	}
	return c, nil
}

func (s *PGConversationStore) AssignBacklog(ctx context.Context, agentID int64, limit int) ([]store.Conversation, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`WITH picked AS (
			SELECT id FROM conversations
			WHERE status = 'open' AND assigned_agent_id IS NULL
			ORDER BY created_at ASC, id ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		), conv AS (
			UPDATE conversations c SET assigned_agent_id = $1
			FROM picked
			WHERE c.id = picked.id AND c.assigned_agent_id IS NULL
			RETURNING c.*
		)
		SELECT `+convSelectCols+` FROM conv `+convJoin+`
		ORDER BY conv.created_at ASC, conv.id ASC`,
		agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("assign backlog: %w", err)
	}
	return scanConversations(rows)
}

func (s *PGConversationStore) ListOpenAssigned(ctx context.Context, agentID int64) ([]store.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+convSelectCols+` FROM conversations conv `+convJoin+`
		 WHERE conv.assigned_agent_id = $1 AND conv.status = 'open'
		 ORDER BY conv.created_at ASC, conv.id ASC`,
		agentID)
	if err != nil {
		return nil, err
	}
	return scanConversations(rows)
}

func (s *PGConversationStore) FindOpenByExternal(ctx context.Context, channelName, externalID string) (*store.Conversation, error) {
	c, err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+convSelectCols+` FROM conversations conv `+convJoin+`
		 WHERE ch.name = $1 AND conv.customer_external_id = $2 AND conv.status = 'open'
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

func (s *PGConversationStore) CloseIdle(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = 'closed'
		 WHERE status = 'open' AND COALESCE(last_activity_at, created_at) < $1`,
		before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PGConversationStore) Summary(ctx context.Context, since time.Time) (*store.InboxSummary, error) {
	var sum store.InboxSummary
	err := s.db.QueryRowContext(ctx,
		`SELECT
			(SELECT COUNT(*) FROM conversations WHERE status = 'open'),
			(SELECT COUNT(*) FROM conversations WHERE status = 'open' AND assigned_agent_id IS NULL),
			(SELECT COUNT(*) FROM conversations WHERE status = 'pending'),
			(SELECT COUNT(*) FROM conversations WHERE status = 'closed'),
			(SELECT COUNT(*) FROM agents WHERE online AND socket_id IS NOT NULL),
			(SELECT COUNT(*) FROM messages WHERE created_at >= $1)`,
		since,
	).Scan(&sum.TotalOpen, &sum.UnassignedOpen, &sum.Pending, &sum.Closed, &sum.OnlineAgents, &sum.Messages24h)
	if err != nil {
		return nil, fmt.Errorf("inbox summary: %w", err)
	}
	return &sum, nil
}
