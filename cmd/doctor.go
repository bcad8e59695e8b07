package cmd

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goinbox/internal/config"
	"github.com/nextlevelbuilder/goinbox/internal/store/sqlite"
	"github.com/nextlevelbuilder/goinbox/internal/upgrade"
	"github.com/nextlevelbuilder/goinbox/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	var showConfig bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, database and provider credentials",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor(showConfig)
		},
	}
	cmd.Flags().BoolVar(&showConfig, "show-config", false, "print the effective config with secrets masked")
	return cmd
}

func runDoctor(showConfig bool) {
	fmt.Println("goinbox doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults + env)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Database:")
	if cfg.Database.IsSQLite() {
		checkSQLite(config.ExpandHome(cfg.Database.SQLitePath))
	} else {
		checkPostgres(cfg.Database.PostgresDSN)
	}

	ch := cfg.Channels
	fmt.Println()
	fmt.Println("  Channels:")
	checkChannel("Telegram", ch.Telegram.Token != "", ch.Telegram.WebhookSecret != "")
	checkChannel("WhatsApp", ch.WhatsApp.AccountSID != "" && ch.WhatsApp.AuthToken != "" && ch.WhatsApp.From != "", ch.WhatsApp.WebhookStrict)
	checkChannel("Meta", ch.Meta.PageAccessToken != "" || ch.Meta.InstagramAccessToken != "", ch.Meta.SignatureStrict)
	checkChannel("SendPulse", ch.SendPulse.ClientID != "" && ch.SendPulse.ClientSecret != "", false)
	checkChannel("Relay", ch.Relay.URL != "" || ch.Relay.InstagramURL != "", ch.Relay.Key != "")
	checkChannel("Outlook", ch.Outlook.Configured(), ch.Outlook.ClientState != "")

	n := cfg.Notify
	fmt.Println()
	fmt.Println("  Notifications:")
	checkSink("Slack", n.SlackWebhookURL != "")
	checkSink("Discord", n.DiscordWebhookURL != "")
	checkSink("Email", n.EmailTo != "" && ch.Outlook.Configured())
	checkSink("AMQP", n.AMQP.URL != "")
	checkSink("Kafka", len(n.Kafka.Brokers) > 0)

	fmt.Println()
	fmt.Printf("  Gateway:  %s:%d (auth: %v, simulator: %v)\n", cfg.Gateway.Host, cfg.Gateway.Port, cfg.Gateway.Token != "", cfg.Inbox.Simulator)
	if cfg.Cache.RedisAddr != "" {
		fmt.Printf("  Cache:    redis %s\n", cfg.Cache.RedisAddr)
	} else {
		fmt.Println("  Cache:    in-process")
	}

	if showConfig {
		fmt.Println()
		data, _ := json.MarshalIndent(cfg.MaskedCopy(), "", "  ")
		fmt.Println(string(data))
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkSQLite(path string) {
	fmt.Printf("    %-12s sqlite\n", "Mode:")
	fmt.Printf("    %-12s %s\n", "Path:", path)
	db, err := sqlite.OpenDB(path)
	if err != nil {
		fmt.Printf("    %-12s OPEN FAILED (%s)\n", "Status:", err)
		return
	}
	defer db.Close()
	printChannelRows(db)
}

func checkPostgres(dsn string) {
	fmt.Printf("    %-12s postgres\n", "Mode:")
	if dsn == "" {
		fmt.Printf("    %-12s GOINBOX_POSTGRES_DSN not set\n", "Status:")
		return
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}

	s, err := upgrade.CheckSchema(db)
	switch {
	case err != nil:
		fmt.Printf("    %-12s CHECK FAILED (%s)\n", "Schema:", err)
	case s.Dirty:
		fmt.Printf("    %-12s v%d (DIRTY, see: goinbox upgrade --status)\n", "Schema:", s.CurrentVersion)
	case s.Compatible:
		fmt.Printf("    %-12s v%d (up to date)\n", "Schema:", s.CurrentVersion)
	case s.CurrentVersion > s.RequiredVersion:
		fmt.Printf("    %-12s v%d (binary too old, requires v%d)\n", "Schema:", s.CurrentVersion, s.RequiredVersion)
	default:
		fmt.Printf("    %-12s v%d (upgrade needed, run: goinbox upgrade)\n", "Schema:", s.CurrentVersion)
	}

	if pending, err := upgrade.PendingHooks(ctx, db); err == nil {
		if len(pending) > 0 {
			fmt.Printf("    %-12s %d pending\n", "Data hooks:", len(pending))
		} else {
			fmt.Printf("    %-12s all applied\n", "Data hooks:")
		}
	}
	if s != nil && s.Compatible {
		printChannelRows(db)
	}
}

func printChannelRows(db *sql.DB) {
	rows, err := db.QueryContext(context.Background(), "SELECT name, type FROM channels ORDER BY id")
	if err != nil {
		fmt.Printf("    (could not query channels: %s)\n", err)
		return
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			continue
		}
		if name != typ {
			name += "/" + typ
		}
		names = append(names, name)
	}
	fmt.Printf("    %-12s %v\n", "Channels:", names)
}

func checkChannel(name string, configured, hardened bool) {
	status := "not configured"
	if configured {
		status = "configured"
		if hardened {
			status += " (verified)"
		}
	}
	fmt.Printf("    %-12s %s\n", name+":", status)
}

func checkSink(name string, on bool) {
	status := "off"
	if on {
		status = "on"
	}
	fmt.Printf("    %-12s %s\n", name+":", status)
}
