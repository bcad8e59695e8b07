package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goinbox/internal/config"
	"github.com/nextlevelbuilder/goinbox/internal/upgrade"
	"github.com/nextlevelbuilder/goinbox/pkg/protocol"
)

// ErrUpgradeFailed is returned when upgrade cannot proceed.
var ErrUpgradeFailed = errors.New("upgrade cannot proceed")

func upgradeCmd() *cobra.Command {
	var dryRun, status bool

	cmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Upgrade database schema and run data hooks",
		Long:  "Applies pending SQL migrations and Go data hooks. Safe to run repeatedly.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Database.IsSQLite() || cfg.Database.PostgresDSN == "" {
				fmt.Println("  Mode:            sqlite (schema applied on open, nothing to upgrade)")
				return nil
			}

			db, err := sql.Open("pgx", cfg.Database.PostgresDSN)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer db.Close()

			s, err := upgrade.CheckSchema(db)
			if err != nil {
				return fmt.Errorf("check schema: %w", err)
			}
			printSchemaStatus(s)

			switch {
			case status:
				printPendingHooks(db, "  Pending data hooks:")
				return nil
			case s.Dirty || s.CurrentVersion > s.RequiredVersion:
				fmt.Print(upgrade.FormatError(s))
				return ErrUpgradeFailed
			case dryRun:
				if s.NeedsMigration {
					fmt.Printf("  Would apply SQL migrations: v%d -> v%d\n", s.CurrentVersion, s.RequiredVersion)
				} else {
					fmt.Println("  SQL schema is up to date.")
				}
				printPendingHooks(db, "  Would run data hooks:")
				return nil
			}

			if err := applyUpgrade(cfg.Database.PostgresDSN, db, s); err != nil {
				return err
			}
			fmt.Println("  Upgrade complete.")
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without applying changes")
	cmd.Flags().BoolVar(&status, "status", false, "show current upgrade status")
	return cmd
}

func printSchemaStatus(s *upgrade.SchemaStatus) {
	fmt.Printf("  App version:     %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  Schema current:  %d\n", s.CurrentVersion)
	fmt.Printf("  Schema required: %d\n", s.RequiredVersion)
	switch {
	case s.Dirty:
		fmt.Println("  Status:          DIRTY (failed migration)")
	case s.Compatible:
		fmt.Println("  Status:          UP TO DATE")
	case s.CurrentVersion > s.RequiredVersion:
		fmt.Println("  Status:          BINARY TOO OLD")
	default:
		fmt.Printf("  Status:          UPGRADE NEEDED (%d -> %d)\n", s.CurrentVersion, s.RequiredVersion)
	}
	fmt.Println()
}

func printPendingHooks(db *sql.DB, header string) {
	pending, err := upgrade.PendingHooks(context.Background(), db)
	if err != nil {
		slog.Debug("upgrade.pending_hooks_failed", "error", err)
		return
	}
	if len(pending) == 0 {
		fmt.Println("  No pending data hooks.")
		return
	}
	fmt.Println(header)
	for _, name := range pending {
		fmt.Printf("    - %s\n", name)
	}
}

// applyUpgrade runs SQL migrations when needed, then the data hooks.
func applyUpgrade(dsn string, db *sql.DB, s *upgrade.SchemaStatus) error {
	if s.NeedsMigration {
		m, err := newMigrator(dsn)
		if err != nil {
			return err
		}
		defer m.Close()

		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migrate up: %w", err)
		}
		v, _, _ := m.Version()
		slog.Info("upgrade.migrations_applied", "from", s.CurrentVersion, "to", v)
	}

	count, err := upgrade.RunPendingHooks(context.Background(), db)
	if err != nil {
		return fmt.Errorf("data hooks: %w", err)
	}
	if count > 0 {
		slog.Info("upgrade.hooks_applied", "count", count)
	}
	return nil
}

// checkSchemaOrAutoUpgrade gates gateway startup on schema compatibility.
// With GOINBOX_AUTO_UPGRADE=true an outdated schema is upgraded in place.
func checkSchemaOrAutoUpgrade(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("schema check: connect: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("schema check: ping: %w", err)
	}

	s, err := upgrade.CheckSchema(db)
	if err != nil {
		return fmt.Errorf("schema check: %w", err)
	}
	if s.Compatible {
		slog.Info("schema check passed", "current", s.CurrentVersion, "required", s.RequiredVersion)
		return nil
	}

	if errors.Is(s.Err(), upgrade.ErrSchemaOutdated) && os.Getenv("GOINBOX_AUTO_UPGRADE") == "true" {
		slog.Info("auto-upgrade: applying migrations", "from", s.CurrentVersion, "to", s.RequiredVersion)
		if err := applyUpgrade(dsn, db, s); err != nil {
			return fmt.Errorf("auto-upgrade: %w", err)
		}
		return nil
	}
	return errors.New(upgrade.FormatError(s))
}
