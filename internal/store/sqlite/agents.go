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

// AgentStore implements store.AgentStore on SQLite.
type AgentStore struct {
	db *sql.DB
}

const agentSelectCols = `a.id, a.name, a.online, a.socket_id, a.created_at`

func scanAgent(row rowScanner) (*store.Agent, error) {
	var (
		a       store.Agent
		online  int64
		socket  sql.NullString
		created int64
	)
	if err := row.Scan(&a.ID, &a.Name, &online, &socket, &created); err != nil {
		return nil, err
	}
	a.Online = online != 0
	a.SocketID = nullStr(socket)
	a.CreatedAt = fromNanos(created)
	return &a, nil
}

func (s *AgentStore) MarkOnline(ctx context.Context, name, socketID string) (*store.Agent, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (name, online, socket_id, created_at) VALUES (?, 1, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET online = 1, socket_id = excluded.socket_id`,
		name, socketID, toNanos(time.Now())); err != nil {
		return nil, fmt.Errorf("mark agent online: %w", err)
	}
	return s.GetByName(ctx, name)
}

func (s *AgentStore) MarkOffline(ctx context.Context, agentID int64, socketID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET online = 0, socket_id = NULL WHERE id = ? AND socket_id = ?`,
		agentID, socketID)
	return err
}

func (s *AgentStore) Get(ctx context.Context, id int64) (*store.Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentSelectCols+` FROM agents a WHERE a.id = ?`, id))
	if err != nil {
		return nil, mapErr(err)
	}
	return a, nil
}

func (s *AgentStore) GetByName(ctx context.Context, name string) (*store.Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentSelectCols+` FROM agents a WHERE a.name = ?`, name))
	if err != nil {
		return nil, mapErr(err)
	}
	return a, nil
}

func (s *AgentStore) PickLeastLoaded(ctx context.Context) (*store.Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentSelectCols+` FROM agents a
		 LEFT JOIN conversations c ON c.assigned_agent_id = a.id AND c.status = 'open'
		 WHERE a.online = 1 AND a.socket_id IS NOT NULL
		 GROUP BY a.id
		 ORDER BY COUNT(c.id) ASC, a.id ASC
		 LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pick agent: %w", err)
	}
	return a, nil
}

func (s *AgentStore) ClearStalePresence(ctx context.Context, live []string) (int64, error) {
	q := `UPDATE agents SET online = 0, socket_id = NULL WHERE online = 1`
	args := make([]any, 0, len(live))
	if len(live) > 0 {
		q += ` AND (socket_id IS NULL OR socket_id NOT IN (` +
			strings.TrimSuffix(strings.Repeat("?,", len(live)), ",") + `))`
		for _, id := range live {
			args = append(args, id)
		}
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
