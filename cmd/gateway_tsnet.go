//go:build tsnet

package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"tailscale.com/tsnet"

	"github.com/nextlevelbuilder/goinbox/internal/config"
)

// initTailscale serves mux on the tailnet in addition to the main listener.
// It returns nil when no hostname is configured.
func initTailscale(ctx context.Context, cfg *config.Config, mux http.Handler) func() {
	ts := cfg.Tailscale
	if ts.Hostname == "" {
		return nil
	}

	srv := &tsnet.Server{
		Hostname:  ts.Hostname,
		Dir:       config.ExpandHome(ts.StateDir),
		AuthKey:   ts.AuthKey,
		Ephemeral: ts.Ephemeral,
		Logf:      func(string, ...any) {},
	}

	var (
		ln  net.Listener
		err error
	)
	if ts.EnableTLS {
		ln, err = srv.ListenTLS("tcp", ":443")
	} else {
		ln, err = srv.Listen("tcp", ":80")
	}
	if err != nil {
		slog.Error("tailscale listen failed", "hostname", ts.Hostname, "error", err)
		srv.Close()
		return nil
	}

	httpSrv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		slog.Info("tailscale listener started", "hostname", ts.Hostname, "tls", ts.EnableTLS)
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("tailscale listener stopped", "error", err)
		}
	}()

	return func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(sctx)
		srv.Close()
	}
}
