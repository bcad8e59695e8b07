package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nextlevelbuilder/goinbox/internal/store"
)

// PGAgentStore implements store.AgentStore backed by Postgres.
type PGAgentStore struct {
	db *sql.DB
}

func NewPGAgentStore(db *sql.DB) *PGAgentStore {
	return &PGAgentStore{db: db}
}

const agentSelectCols = `a.id, a.name, a.online, a.socket_id, a.created_at`

func scanAgent(row rowScanner) (*store.Agent, error) {
	var (
		a      store.Agent
		socket sql.NullString
	)
	if err := row.Scan(&a.ID, &a.Name, &a.Online, &socket, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.SocketID = nullStrPtr(socket)
	return &a, nil
}

func (s *PGAgentStore) MarkOnline(ctx context.Context, name, socketID string) (*store.Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx,
		`INSERT INTO agents AS a (name, online, socket_id) VALUES ($1, TRUE, $2)
		 ON CONFLICT (name) DO UPDATE SET online = TRUE, socket_id = EXCLUDED.socket_id
		 RETURNING `+agentSelectCols,
		name, socketID))
	if err != nil {
		return nil, fmt.Errorf("mark agent online: %w", err)
	}
	return a, nil
}

func (s *PGAgentStore) MarkOffline(ctx context.Context, agentID int64, socketID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET online = FALSE, socket_id = NULL WHERE id = $1 AND socket_id = $2`,
		agentID, socketID)
	return err
}

func (s *PGAgentStore) Get(ctx context.Context, id int64) (*store.Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentSelectCols+` FROM agents a WHERE a.id = $1`, id))
	if err != nil {
		return nil, mapErr(err)
	}
	return a, nil
}

func (s *PGAgentStore) GetByName(ctx context.Context, name string) (*store.Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentSelectCols+` FROM agents a WHERE a.name = $1`, name))
	if err != nil {
		return nil, mapErr(err)
	}
	return a, nil
}

func (s *PGAgentStore) PickLeastLoaded(ctx context.Context) (*store.Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentSelectCols+` FROM agents a
		 LEFT JOIN conversations c ON c.assigned_agent_id = a.id AND c.status = 'open'
		 WHERE a.online AND a.socket_id IS NOT NULL
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

func (s *PGAgentStore) ClearStalePresence(ctx context.Context, live []string) (int64, error) {
	if live == nil {
		live = []string{}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET online = FALSE, socket_id = NULL
		 WHERE online AND (socket_id IS NULL OR NOT (socket_id = ANY($1)))`,
		live)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
