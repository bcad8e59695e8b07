package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nextlevelbuilder/goinbox/internal/channels"
	"github.com/nextlevelbuilder/goinbox/internal/resolver"
	"github.com/nextlevelbuilder/goinbox/internal/store"
)

// ConversationReader is the slice of the conversation store the dispatcher needs.
type ConversationReader interface {
	Get(ctx context.Context, id int64) (*store.Conversation, error)
}

// ContactResolver maps an external chat id to a provider contact id.
type ContactResolver interface {
	Resolve(ctx context.Context, externalChatID string) (*resolver.Resolution, error)
}

// Result reports what happened to one dispatch. Sent=false is not an error;
// Warning carries the reason for diagnostic UIs.
type Result struct {
	Sent       bool   `json:"sent"`
	Method     string `json:"method,omitempty"`
	Channel    string `json:"channel,omitempty"`
	ContactID  string `json:"contactId,omitempty"`
	ExternalID string `json:"externalId,omitempty"`
	Warning    string `json:"-"`
}

// Options configure a Dispatcher.
type Options struct {
	// Strict stops every chain after its first stage.
	Strict bool
	// Disabled lists strategy names that are skipped.
	Disabled []string
	// Timeout bounds each stage (0 = 15s).
	Timeout time.Duration
}

// Dispatcher selects a strategy chain by channel name and runs it in order
// until one stage succeeds.
type Dispatcher struct {
	convs    ConversationReader
	resolver ContactResolver
	opts     Options
	disabled map[string]bool

	mu     sync.RWMutex
	chains map[string][]Strategy
}

func NewDispatcher(convs ConversationReader, res ContactResolver, opts Options) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	disabled := make(map[string]bool, len(opts.Disabled))
	for _, n := range opts.Disabled {
		disabled[strings.TrimSpace(n)] = true
	}
	return &Dispatcher{
		convs:    convs,
		resolver: res,
		opts:     opts,
		disabled: disabled,
		chains:   make(map[string][]Strategy),
	}
}

// Register sets the ordered chain for channel, replacing any previous one.
func (d *Dispatcher) Register(channel string, chain ...Strategy) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.chains[channel] = chain
}

// Chain returns the strategy names registered for channel.
func (d *Dispatcher) Chain(channel string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.chains[channel]))
	for _, s := range d.chains[channel] {
		names = append(names, s.Name())
	}
	return names
}

// Dispatch sends content to the customer of conversationID. It never returns an error:
// failures are logged and reported through Result.
func (d *Dispatcher) Dispatch(ctx context.Context, conversationID int64, content string) Result {
	ctx, span := otel.Tracer("goinbox/outbound").Start(ctx, "outbound.dispatch")
	defer span.End()
	span.SetAttributes(attribute.Int64("conversation.id", conversationID))

	conv, err := d.convs.Get(ctx, conversationID)
	if err != nil {
		slog.Warn("outbound.conversation_lookup_failed", "conversation_id", conversationID, "error", err)
		return Result{Warning: fmt.Sprintf("conversation lookup failed: %v", err)}
	}

	t := Target{
		ConversationID: conv.ID,
		Channel:        conv.ChannelName,
		ExternalID:     conv.CustomerExternalID,
		ContactID:      conv.ContactID(),
		CustomerName:   conv.CustomerName,
	}
	if t.Channel == channels.Instagram && t.ContactID == "" {
		t.ContactID = d.resolveContact(ctx, t.ExternalID)
	}

	res := Result{Channel: t.Channel, ContactID: t.ContactID, ExternalID: t.ExternalID}
	span.SetAttributes(attribute.String("channel", t.Channel))

	d.mu.RLock()
	chain := d.chains[t.Channel]
	d.mu.RUnlock()
	if len(chain) == 0 {
		res.Warning = "no outbound strategy for channel " + t.Channel
		slog.Info("outbound.no_strategy", "conversation_id", conversationID, "channel", t.Channel)
		return res
	}

	var failures []string
	for i, s := range chain {
		if i > 0 && d.opts.Strict {
			slog.Info("outbound.strict_stop", "conversation_id", conversationID, "after", chain[0].Name())
			break
		}
		if d.disabled[s.Name()] {
			failures = append(failures, s.Name()+": disabled")
			continue
		}

		err := d.attempt(ctx, s, t, content)
		if err == nil {
			res.Sent = true
			res.Method = s.Name()
			span.SetAttributes(attribute.String("outbound.method", s.Name()))
			slog.Info("outbound.sent", "conversation_id", conversationID, "channel", t.Channel, "method", s.Name())
			return res
		}
		if errors.Is(err, ErrNotConfigured) {
			slog.Debug("outbound.stage_not_configured", "channel", t.Channel, "method", s.Name())
			failures = append(failures, s.Name()+": not configured")
		} else {
			slog.Warn("outbound.stage_failed", "conversation_id", conversationID, "channel", t.Channel, "method", s.Name(), "error", err)
			failures = append(failures, fmt.Sprintf("%s: %v", s.Name(), err))
		}
	}

	res.Warning = "outbound not sent (" + strings.Join(failures, "; ") + ")"
	span.SetStatus(codes.Error, "outbound exhausted")
	slog.Warn("outbound.exhausted", "conversation_id", conversationID, "channel", t.Channel, "attempts", strings.Join(failures, "; "))
	return res
}

func (d *Dispatcher) attempt(ctx context.Context, s Strategy, t Target, content string) (err error) {
	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", s.Name(), r)
		}
	}()
	return s.Send(ctx, t, content)
}

func (d *Dispatcher) resolveContact(ctx context.Context, externalID string) string {
	if d.resolver != nil && externalID != "" {
		res, err := d.resolver.Resolve(ctx, externalID)
		if err != nil {
			slog.Warn("outbound.resolve_failed", "external_id", externalID, "error", err)
		}
		if res != nil && res.ContactID != "" {
			return res.ContactID
		}
	}
	return externalID
}
