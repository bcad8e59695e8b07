package cmd

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/nextlevelbuilder/goinbox/internal/cache"
	"github.com/nextlevelbuilder/goinbox/internal/channels"
	"github.com/nextlevelbuilder/goinbox/internal/channels/meta"
	"github.com/nextlevelbuilder/goinbox/internal/channels/outlook"
	"github.com/nextlevelbuilder/goinbox/internal/channels/relay"
	"github.com/nextlevelbuilder/goinbox/internal/channels/sendpulse"
	"github.com/nextlevelbuilder/goinbox/internal/channels/telegram"
	"github.com/nextlevelbuilder/goinbox/internal/channels/web"
	"github.com/nextlevelbuilder/goinbox/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/goinbox/internal/config"
	"github.com/nextlevelbuilder/goinbox/internal/outbound"
	"github.com/nextlevelbuilder/goinbox/internal/resolver"
	"github.com/nextlevelbuilder/goinbox/internal/tokencache"
)

// outboundChannels lists every channel name that can carry a reply.
var outboundChannels = []string{
	channels.Instagram,
	channels.Facebook,
	channels.WhatsApp,
	channels.Telegram,
	channels.Outlook,
	channels.Web,
	channels.WhatsAppMock,
}

// buildDispatcher wires one strategy chain per channel.
func buildDispatcher(cfg *config.Config, convs outbound.ConversationReader, shared cache.Cache, mail *outlook.Client) (*outbound.Dispatcher, error) {
	hc := &http.Client{Timeout: cfg.Outbound.TimeoutDuration()}

	sp := cfg.Channels.SendPulse
	tokens := tokencache.New(tokencache.Config{
		ClientID:     sp.ClientID,
		ClientSecret: sp.ClientSecret,
		Bases:        sp.Bases(),
		HTTPClient:   hc,
	})

	// Interfaces stay nil when SendPulse is unconfigured so each consumer
	// sees "not configured" rather than a typed nil.
	var (
		spTokens sendpulse.Tokens
		contacts outbound.ContactResolver
	)
	if tokens.Configured() {
		spTokens = tokens
		contacts = resolver.New(tokens, shared, resolver.Config{
			TTL:        cfg.Resolver.TTLDuration(),
			HTTPClient: hc,
		})
	} else {
		slog.Debug("sendpulse credentials absent, resolver disabled")
	}

	tg, err := telegram.NewSender(cfg.Channels.Telegram)
	if err != nil {
		return nil, fmt.Errorf("telegram sender: %w", err)
	}

	d := outbound.NewDispatcher(convs, contacts, outbound.Options{
		Strict:   cfg.Outbound.Strict,
		Disabled: cfg.Outbound.Disabled,
		Timeout:  cfg.Outbound.TimeoutDuration(),
	})

	social := []outbound.Strategy{
		relay.NewSender(cfg.Channels.Relay, hc),
		meta.NewGraphSender(cfg.Channels.Meta, hc),
		sendpulse.NewSender(spTokens, hc),
	}
	d.Register(channels.Instagram, social...)
	d.Register(channels.Facebook, social...)
	d.Register(channels.WhatsApp, whatsapp.NewSender(cfg.Channels.WhatsApp, hc))
	d.Register(channels.Telegram, tg)
	d.Register(channels.Outlook, outlook.NewSender(mail))
	d.Register(channels.Web, web.Live{})
	d.Register(channels.WhatsAppMock, web.Live{})
	return d, nil
}

func dispatcherSummary(d *outbound.Dispatcher) []string {
	var out []string
	for _, ch := range outboundChannels {
		if chain := d.Chain(ch); len(chain) > 0 {
			out = append(out, fmt.Sprintf("%s=%v", ch, chain))
		}
	}
	return out
}
