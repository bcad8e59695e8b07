package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goinbox/internal/config"
	"github.com/nextlevelbuilder/goinbox/internal/upgrade"
)

var migrationsDir string

// resolveMigrationsDir: --migrations-dir, then GOINBOX_MIGRATIONS_DIR, then
// ./migrations next to the binary.
func resolveMigrationsDir() string {
	if migrationsDir != "" {
		return migrationsDir
	}
	if v := os.Getenv("GOINBOX_MIGRATIONS_DIR"); v != "" {
		return v
	}
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

func newMigrator(dsn string) (*migrate.Migrate, error) {
	m, err := migrate.New("file://"+resolveMigrationsDir(), dsn)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

func resolveDSN() (string, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	if cfg.Database.IsSQLite() {
		return "", errors.New("sqlite mode applies its schema on open; migrations target postgres only")
	}
	if cfg.Database.PostgresDSN == "" {
		return "", errors.New("GOINBOX_POSTGRES_DSN environment variable is not set")
	}
	return cfg.Database.PostgresDSN, nil
}

// withMigrator resolves the DSN, opens a migrator and hands it to fn.
func withMigrator(fn func(dsn string, m *migrate.Migrate) error) error {
	dsn, err := resolveDSN()
	if err != nil {
		return err
	}
	m, err := newMigrator(dsn)
	if err != nil {
		return err
	}
	defer m.Close()
	return fn(dsn, m)
}

// ignoreNoChange treats "already there" as success.
func ignoreNoChange(err error) error {
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}

func logVersion(event string, m *migrate.Migrate) {
	v, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		slog.Warn(event, "error", err)
		return
	}
	slog.Info(event, "version", v, "dirty", dirty)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema",
	}
	cmd.PersistentFlags().StringVar(&migrationsDir, "migrations-dir", "", "path to migrations directory (default: ./migrations)")

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations (default: 1 step)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(_ string, m *migrate.Migrate) error {
				if steps <= 0 {
					steps = 1
				}
				if err := ignoreNoChange(m.Steps(-steps)); err != nil {
					return fmt.Errorf("migrate down: %w", err)
				}
				logVersion("migrate.down_done", m)
				return nil
			})
		},
	}
	down.Flags().IntVarP(&steps, "steps", "n", 1, "number of steps to roll back")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations, then data hooks",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrator(migrateUp)
			},
		},
		down,
		&cobra.Command{
			Use:   "version",
			Short: "Show current migration version",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrator(func(_ string, m *migrate.Migrate) error {
					v, dirty, err := m.Version()
					if err != nil {
						return fmt.Errorf("get version: %w", err)
					}
					fmt.Printf("version: %d, dirty: %v (binary requires %d)\n", v, dirty, upgrade.RequiredSchemaVersion)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "force <version>",
			Short: "Set the recorded version without running migrations",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				version, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version: %w", err)
				}
				return withMigrator(func(_ string, m *migrate.Migrate) error {
					if err := m.Force(version); err != nil {
						return fmt.Errorf("force version: %w", err)
					}
					logVersion("migrate.forced", m)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "goto <version>",
			Short: "Migrate up or down to a specific version",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				version, err := strconv.ParseUint(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid version: %w", err)
				}
				return withMigrator(func(_ string, m *migrate.Migrate) error {
					if err := ignoreNoChange(m.Migrate(uint(version))); err != nil {
						return fmt.Errorf("migrate goto: %w", err)
					}
					logVersion("migrate.goto_done", m)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "drop",
			Short: "Drop every table in the database (DANGEROUS)",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrator(func(_ string, m *migrate.Migrate) error {
					if err := m.Drop(); err != nil {
						return fmt.Errorf("drop: %w", err)
					}
					slog.Info("migrate.dropped")
					return nil
				})
			},
		},
	)
	return cmd
}

// migrateUp applies SQL migrations and then any pending data hooks. Hook
// failures are logged; the schema change already succeeded.
func migrateUp(dsn string, m *migrate.Migrate) error {
	if err := ignoreNoChange(m.Up()); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	logVersion("migrate.up_done", m)

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		slog.Warn("migrate.hooks_connect_failed", "error", err)
		return nil
	}
	defer db.Close()

	count, err := upgrade.RunPendingHooks(context.Background(), db)
	switch {
	case err != nil:
		slog.Warn("migrate.hooks_failed", "error", err)
	case count > 0:
		slog.Info("migrate.hooks_applied", "count", count)
	}
	return nil
}
