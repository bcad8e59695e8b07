// Package outbound delivers agent replies to the customer's provider through
// an ordered chain of send strategies per channel.
package outbound

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned by a strategy whose credentials or endpoint are absent.
// The dispatcher treats it as "skip this stage".
var ErrNotConfigured = errors.New("outbound: strategy not configured")

// Target addresses one customer on one channel.
type Target struct {
	ConversationID int64
	Channel        string
	ExternalID     string
	// ContactID is the provider contact id; for instagram it falls back to ExternalID
	// when neither storage nor the resolver knows better.
	ContactID    string
	CustomerName string
}

// Strategy is one way of delivering text to a Target.
type Strategy interface {
	Name() string
	Send(ctx context.Context, t Target, text string) error
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc struct {
	StrategyName string
	Fn           func(ctx context.Context, t Target, text string) error
}

func (f StrategyFunc) Name() string { return f.StrategyName }

func (f StrategyFunc) Send(ctx context.Context, t Target, text string) error {
	return f.Fn(ctx, t, text)
}
