// Package notify fans a "new customer message" event out to side channels:
// Slack and Discord webhooks, an email through Outlook, and AMQP/Kafka sinks.
// Delivery is best effort; failures are logged and never reach the caller.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/goinbox/internal/channels"
)

// Event describes one ingested customer message.
type Event struct {
	ConversationID int64     `json:"conversationId"`
	Channel        string    `json:"channel"`
	ExternalID     string    `json:"chatId"`
	CustomerName   string    `json:"name"`
	Text           string    `json:"text"`
	Created        bool      `json:"created"` // conversation opened by this message
	At             time.Time `json:"at"`
}

// Sink delivers an event somewhere.
type Sink interface {
	Name() string
	Send(ctx context.Context, ev Event) error
}

// Format renders the human-readable parts shared by chat and mail sinks.
type Format struct {
	BaseURL      string
	PreviewChars int
}

func (f Format) Title(ev Event) string { return "New " + ev.Channel + " message" }

func (f Format) Preview(ev Event) string {
	n := f.PreviewChars
	if n <= 0 {
		n = 400
	}
	return channels.Clip(ev.Text, n)
}

// Link points at the dashboard view of the conversation, or "" without a base URL.
func (f Format) Link(ev Event) string {
	if f.BaseURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/dashboard?conv=%d", strings.TrimRight(f.BaseURL, "/"), ev.ConversationID)
}

// Notifier runs every sink concurrently.
type Notifier struct {
	sinks   []Sink
	timeout time.Duration
}

func New(timeout time.Duration, sinks ...Sink) *Notifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{sinks: sinks, timeout: timeout}
}

// Sinks returns the configured sink names.
func (n *Notifier) Sinks() []string {
	if n == nil {
		return nil
	}
	out := make([]string, 0, len(n.sinks))
	for _, s := range n.sinks {
		out = append(out, s.Name())
	}
	return out
}

// Notify delivers ev to all sinks in the background.
func (n *Notifier) Notify(ev Event) {
	if n == nil || len(n.sinks) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		_ = n.Deliver(ctx, ev)
	}()
}

// Deliver sends ev to every sink and waits. The returned error is the first
// sink failure; every failure is logged.
func (n *Notifier) Deliver(ctx context.Context, ev Event) error {
	var g errgroup.Group
	for _, s := range n.sinks {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%s: panic: %v", s.Name(), r)
				}
				if err != nil {
					slog.Warn("notify.sink_failed", "sink", s.Name(), "conversation_id", ev.ConversationID, "error", err)
				}
			}()
			return s.Send(ctx, ev)
		})
	}
	return g.Wait()
}
