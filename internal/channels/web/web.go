// Package web covers the built-in chat widget. Customers talk over the live
// transport, so there is no provider to call on the way out.
package web

import (
	"context"

	"github.com/nextlevelbuilder/goinbox/internal/channels"
	"github.com/nextlevelbuilder/goinbox/internal/outbound"
)

// Start builds the inbound event for customer:start. The connection id is the
// customer's external id.
func Start(connID, name string) (channels.Inbound, error) {
	return channels.Finalize(channels.Inbound{
		Channel:     channels.Web,
		ExternalID:  connID,
		DisplayName: name,
		Text:        "",
	})
}

// Live is the "live" strategy: agent replies already reached the customer's
// room when they were broadcast.
type Live struct{}

func (Live) Name() string { return "live" }

func (Live) Send(context.Context, outbound.Target, string) error { return nil }
