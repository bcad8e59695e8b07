package upgrade

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// DataHookFunc seeds or backfills rows inside tx once the SQL migration for
// its schema version is in place.
type DataHookFunc func(ctx context.Context, tx *sql.Tx) error

type dataHook struct {
	version uint
	name    string
	fn      DataHookFunc
}

var registry []dataHook

// RegisterDataHook adds a hook. The name is the idempotency key recorded in
// data_migrations and must be unique. Hooks run in schema version order.
func RegisterDataHook(schemaVersion uint, name string, fn DataHookFunc) {
	registry = append(registry, dataHook{version: schemaVersion, name: name, fn: fn})
	sort.SliceStable(registry, func(i, j int) bool { return registry[i].version < registry[j].version })
}

const createDataMigrations = `CREATE TABLE IF NOT EXISTS data_migrations (
	name       VARCHAR(255) PRIMARY KEY,
	version    INT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// pending lists registered hooks not yet recorded as applied.
func pending(ctx context.Context, db *sql.DB) ([]dataHook, error) {
	if _, err := db.ExecContext(ctx, createDataMigrations); err != nil {
		return nil, fmt.Errorf("ensure data_migrations: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT name FROM data_migrations")
	if err != nil {
		return nil, fmt.Errorf("query data_migrations: %w", err)
	}
	defer rows.Close()

	done := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		done[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []dataHook
	for _, h := range registry {
		if _, ok := done[h.name]; !ok {
			out = append(out, h)
		}
	}
	return out, nil
}

// PendingHooks returns the names of hooks that have not run yet.
func PendingHooks(ctx context.Context, db *sql.DB) ([]string, error) {
	hooks, err := pending(ctx, db)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(hooks))
	for i, h := range hooks {
		names[i] = h.name
	}
	return names, nil
}

// RunPendingHooks runs each pending hook whose schema version is already
// migrated. A hook and its data_migrations row commit together; the first
// failure stops the run.
func RunPendingHooks(ctx context.Context, db *sql.DB) (int, error) {
	hooks, err := pending(ctx, db)
	if err != nil {
		return 0, err
	}
	status, err := CheckSchema(db)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, h := range hooks {
		if h.version > status.CurrentVersion {
			slog.Debug("upgrade.hook_deferred", "name", h.name, "needs", h.version, "schema", status.CurrentVersion)
			continue
		}
		start := time.Now()
		if err := runHook(ctx, db, h); err != nil {
			return applied, err
		}
		slog.Info("upgrade.hook_done", "name", h.name, "took", time.Since(start))
		applied++
	}
	return applied, nil
}

func runHook(ctx context.Context, db *sql.DB, h dataHook) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("data hook %q: begin: %w", h.name, err)
	}
	defer tx.Rollback()

	if err := h.fn(ctx, tx); err != nil {
		return fmt.Errorf("data hook %q: %w", h.name, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO data_migrations (name, version) VALUES ($1, $2)", h.name, h.version,
	); err != nil {
		return fmt.Errorf("data hook %q: record: %w", h.name, err)
	}
	return tx.Commit()
}
