//go:build !tsnet

package cmd

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/nextlevelbuilder/goinbox/internal/config"
)

func initTailscale(_ context.Context, cfg *config.Config, _ http.Handler) func() {
	if cfg.Tailscale.Hostname != "" {
		slog.Warn("tailscale hostname set but binary built without -tags tsnet", "hostname", cfg.Tailscale.Hostname)
	}
	return nil
}
