package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/goinbox/internal/bus"
	"github.com/nextlevelbuilder/goinbox/internal/cache"
	"github.com/nextlevelbuilder/goinbox/internal/channels/outlook"
	"github.com/nextlevelbuilder/goinbox/internal/config"
	"github.com/nextlevelbuilder/goinbox/internal/gateway"
	httpapi "github.com/nextlevelbuilder/goinbox/internal/http"
	"github.com/nextlevelbuilder/goinbox/internal/inbox"
	"github.com/nextlevelbuilder/goinbox/internal/presence"
	"github.com/nextlevelbuilder/goinbox/internal/store"
	"github.com/nextlevelbuilder/goinbox/internal/store/pg"
	"github.com/nextlevelbuilder/goinbox/internal/store/sqlite"
	"github.com/nextlevelbuilder/goinbox/internal/tracing"
	"github.com/nextlevelbuilder/goinbox/pkg/protocol"
)

func runGateway() {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Warn("telemetry disabled", "error", err)
	} else {
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			if err := shutdownTracing(sctx); err != nil {
				slog.Warn("telemetry shutdown", "error", err)
			}
		}()
	}

	stores, err := openStores(cfg)
	if err != nil {
		slog.Error("failed to open storage", "error", err)
		os.Exit(1)
	}
	defer stores.Close()

	msgBus := bus.New()
	conns := presence.NewRegistry()

	shared, closeCache := openCache(ctx, cfg.Cache)
	defer closeCache()

	mail, err := outlook.NewClient(ctx, cfg.Channels.Outlook, nil)
	if err != nil {
		slog.Error("failed to init outlook client", "error", err)
		os.Exit(1)
	}
	defer mail.Close()

	dispatcher, err := buildDispatcher(cfg, stores.Conversations, shared, mail)
	if err != nil {
		slog.Error("failed to build outbound dispatcher", "error", err)
		os.Exit(1)
	}

	notifier, closeSinks := buildNotifier(cfg.Notify, mail)
	defer closeSinks()

	svc := inbox.NewService(stores, msgBus, conns,
		inbox.WithDispatcher(dispatcher),
		inbox.WithNotifier(notifier),
		inbox.WithConfig(inbox.Config{
			DedupWindow: cfg.Inbox.DedupWindowDuration(),
			BacklogCap:  cfg.Inbox.BacklogCap,
		}),
	)

	api := httpapi.NewAPIHandler(svc, cfg.Gateway.Token, cfg.Gateway.RateLimitRPM, cfg.Inbox.Simulator)
	hooks := httpapi.NewWebhooksHandler(svc, cfg, mail)
	server := gateway.NewServer(cfg, msgBus, svc, api, hooks)

	sched, err := buildScheduler(cfg.Maintenance, svc)
	if err != nil {
		slog.Error("invalid maintenance schedule", "error", err)
		os.Exit(1)
	}
	go sched.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)
		cancel()
	}()

	dbMode := "postgres"
	if cfg.Database.IsSQLite() {
		dbMode = "sqlite"
	}
	slog.Info("goinbox gateway starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"db", dbMode,
		"outbound", dispatcherSummary(dispatcher),
		"notify", notifier.Sinks(),
		"jobs", sched.Len(),
	)

	// Build the mux first so the Tailscale listener serves the same routes.
	mux := server.BuildMux()
	tsCleanup := initTailscale(ctx, cfg, mux)
	if tsCleanup != nil {
		defer tsCleanup()
	}

	if cfg.Tailscale.Hostname != "" && cfg.Gateway.Host == "0.0.0.0" {
		slog.Info("Tailscale enabled. Consider setting GOINBOX_HOST=127.0.0.1 for localhost-only + Tailscale access")
	}

	if err := server.Start(ctx); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
	sched.Wait()
}

// openStores picks the backend from database.mode. Postgres is gated on the
// schema version and may auto-upgrade.
func openStores(cfg *config.Config) (*store.Stores, error) {
	if cfg.Database.IsSQLite() {
		path := config.ExpandHome(cfg.Database.SQLitePath)
		slog.Info("using embedded sqlite store", "path", path)
		return sqlite.NewSQLiteStores(store.StoreConfig{SQLitePath: path})
	}

	dsn := cfg.Database.PostgresDSN
	if dsn == "" {
		return nil, errors.New("GOINBOX_POSTGRES_DSN is not set (or set GOINBOX_DB_MODE=sqlite)")
	}
	if err := checkSchemaOrAutoUpgrade(dsn); err != nil {
		return nil, err
	}
	return pg.NewPGStores(store.StoreConfig{PostgresDSN: dsn})
}

// openCache returns the shared cache for resolver hits. Redis is used when
// configured and reachable; otherwise an in-process cache.
func openCache(ctx context.Context, cfg config.CacheConfig) (cache.Cache, func()) {
	if cfg.RedisAddr == "" {
		return cache.NewMemory(0), func() {}
	}
	r, err := cache.NewRedis(ctx, cache.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Prefix:   cfg.Prefix,
	})
	if err != nil {
		slog.Warn("redis cache unavailable, using in-process cache", "error", err)
		return cache.NewMemory(0), func() {}
	}
	slog.Info("redis cache connected", "addr", cfg.RedisAddr)
	return r, func() {
		if err := r.Close(); err != nil {
			slog.Debug("redis close", "error", err)
		}
	}
}
