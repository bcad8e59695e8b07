package pg

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nextlevelbuilder/goinbox/internal/store"
)

// PGChannelStore implements store.ChannelStore backed by Postgres.
type PGChannelStore struct {
	db *sql.DB
}

func NewPGChannelStore(db *sql.DB) *PGChannelStore {
	return &PGChannelStore{db: db}
}

func (s *PGChannelStore) GetOrCreate(ctx context.Context, name, typ string) (*store.Channel, error) {
	var ch store.Channel
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO channels (name, type) VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET type = EXCLUDED.type
		 RETURNING id, name, type, created_at`,
		name, typ,
	).Scan(&ch.ID, &ch.Name, &ch.Type, &ch.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert channel %s: %w", name, err)
	}
	return &ch, nil
}

func (s *PGChannelStore) List(ctx context.Context) ([]store.Channel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, type, created_at FROM channels ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Channel
	for rows.Next() {
		var ch store.Channel
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.Type, &ch.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}
