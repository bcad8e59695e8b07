package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/goinbox/internal/store"
)

// ChannelStore implements store.ChannelStore on SQLite.
type ChannelStore struct {
	db *sql.DB
}

func (s *ChannelStore) GetOrCreate(ctx context.Context, name, typ string) (*store.Channel, error) {
	var (
		ch      store.Channel
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO channels (name, type, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET type = excluded.type
		 RETURNING id, name, type, created_at`,
		name, typ, toNanos(time.Now()),
	).Scan(&ch.ID, &ch.Name, &ch.Type, &created)
	if err != nil {
		return nil, fmt.Errorf("upsert channel %s: %w", name, err)
	}
	ch.CreatedAt = fromNanos(created)
	return &ch, nil
}

func (s *ChannelStore) List(ctx context.Context) ([]store.Channel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, type, created_at FROM channels ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Channel
	for rows.Next() {
		var (
			ch      store.Channel
			created int64
		)
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.Type, &created); err != nil {
			return nil, err
		}
		ch.CreatedAt = fromNanos(created)
		out = append(out, ch)
	}
	return out, rows.Err()
}
