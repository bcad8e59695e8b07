// Package inbox is the message ingestion pipeline and the conversation
// operations every transport funnels through: inbound webhooks, the live
// socket, and the REST API all end up here.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nextlevelbuilder/goinbox/internal/bus"
	"github.com/nextlevelbuilder/goinbox/internal/channels"
	"github.com/nextlevelbuilder/goinbox/internal/notify"
	"github.com/nextlevelbuilder/goinbox/internal/outbound"
	"github.com/nextlevelbuilder/goinbox/internal/presence"
	"github.com/nextlevelbuilder/goinbox/internal/store"
	"github.com/nextlevelbuilder/goinbox/pkg/protocol"
)

const (
	DefaultDedupWindow = 5 * time.Second
	DefaultBacklogCap  = 10
)

var tracer = otel.Tracer("goinbox/inbox")

// Dispatcher sends agent replies to the customer's provider.
type Dispatcher interface {
	Dispatch(ctx context.Context, conversationID int64, content string) outbound.Result
}

// Notifier receives a copy of every ingested customer message.
type Notifier interface {
	Notify(ev notify.Event)
}

// Config tunes the pipeline.
type Config struct {
	DedupWindow time.Duration
	BacklogCap  int
}

// Option configures a Service.
type Option func(*Service)

func WithDispatcher(d Dispatcher) Option { return func(s *Service) { s.dispatcher = d } }
func WithNotifier(n Notifier) Option     { return func(s *Service) { s.notifier = n } }
func WithConfig(c Config) Option         { return func(s *Service) { s.cfg = c } }

// WithClock replaces time.Now; the dedup window and activity stamps follow it.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// Service owns conversation state transitions.
type Service struct {
	stores     *store.Stores
	events     bus.EventPublisher
	conns      presence.Tracker
	dispatcher Dispatcher
	notifier   Notifier
	cfg        Config
	now        func() time.Time
}

func NewService(stores *store.Stores, events bus.EventPublisher, conns presence.Tracker, opts ...Option) *Service {
	s := &Service{
		stores: stores,
		events: events,
		conns:  conns,
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.cfg.DedupWindow <= 0 {
		s.cfg.DedupWindow = DefaultDedupWindow
	}
	if s.cfg.BacklogCap <= 0 {
		s.cfg.BacklogCap = DefaultBacklogCap
	}
	return s
}

// Stores exposes the read side to HTTP handlers.
func (s *Service) Stores() *store.Stores { return s.stores }

// Presence exposes the connection registry.
func (s *Service) Presence() presence.Tracker { return s.conns }

// IngestResult describes the outcome of one inbound event.
type IngestResult struct {
	Conversation  *store.Conversation `json:"conversation"`
	Message       *store.Message      `json:"message,omitempty"`
	AssignedAgent *store.Agent        `json:"assignedAgent"`
	Created       bool                `json:"-"`
	Duplicate     bool                `json:"-"`
}

// Ingest runs one normalized inbound message through the pipeline. channelName
// defaults to in.Channel.
func (s *Service) Ingest(ctx context.Context, channelName string, in channels.Inbound) (res *IngestResult, err error) {
	if channelName == "" {
		channelName = in.Channel
	}
	ctx, span := tracer.Start(ctx, "inbox.ingest")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	span.SetAttributes(attribute.String("channel", channelName))

	in.Channel = channelName
	in, err = channels.Finalize(in)
	if err != nil {
		return nil, err
	}

	ch, err := s.stores.Channels.GetOrCreate(ctx, channelName, channels.TypeFor(channelName))
	if err != nil {
		return nil, fmt.Errorf("channel %s: %w", channelName, err)
	}

	conv, agent, created, err := s.findOrCreate(ctx, ch.ID, in)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int64("conversation.id", conv.ID), attribute.Bool("conversation.created", created))
	res = &IngestResult{Conversation: conv, AssignedAgent: agent, Created: created}

	if in.ContactID != "" && conv.CustomerContactID == nil {
		ok, err := s.stores.Conversations.BackfillContactID(ctx, conv.ID, in.ContactID)
		if err != nil {
			return nil, fmt.Errorf("backfill contact id: %w", err)
		}
		if ok {
			cid := in.ContactID
			conv.CustomerContactID = &cid
		}
	}

	dup, err := s.IsRecentDuplicate(ctx, conv.ID, store.SenderCustomer, in.Text)
	if err != nil {
		return nil, err
	}
	if dup {
		slog.Debug("inbox.duplicate", "conversation_id", conv.ID, "text", channels.Truncate(in.Text, 60))
		span.SetAttributes(attribute.Bool("inbox.duplicate", true))
		res.Duplicate = true
		return res, nil
	}

	now := s.now()
	convID := conv.ID
	msg := &store.Message{
		ConversationID: &convID,
		Username:       in.DisplayName,
		Content:        in.Text,
		Sender:         store.SenderCustomer,
		CreatedAt:      now,
	}
	if err := s.stores.Messages.Insert(ctx, msg); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	res.Message = msg

	if err := s.stores.Conversations.TouchActivity(ctx, conv.ID, store.SenderCustomer, now); err != nil {
		return nil, fmt.Errorf("touch activity: %w", err)
	}
	conv.LastActivityAt = &now
	conv.LastSender = store.SenderCustomer

	s.broadcastMessage(msg)
	if created && agent != nil {
		s.emitToAgent(agent.ID, protocol.EventConversationAssigned, conv)
	}

	if s.notifier != nil {
		s.notifier.Notify(notify.Event{
			ConversationID: conv.ID,
			Channel:        channelName,
			ExternalID:     in.ExternalID,
			CustomerName:   in.DisplayName,
			Text:           in.Text,
			Created:        created,
			At:             now,
		})
	}

	slog.Info("inbox.ingest", "channel", channelName, "conversation_id", conv.ID, "created", created, "message_id", msg.ID)
	return res, nil
}

// findOrCreate returns the open conversation for the customer, creating it
// (with a least-loaded agent) when none exists. agent is non-nil only when this
// call created the row and assigned it.
func (s *Service) findOrCreate(ctx context.Context, channelID int64, in channels.Inbound) (*store.Conversation, *store.Agent, bool, error) {
	conv, err := s.stores.Conversations.FindOpen(ctx, channelID, in.ExternalID)
	if err != nil {
		return nil, nil, false, fmt.Errorf("find open conversation: %w", err)
	}
	if conv != nil {
		return conv, nil, false, nil
	}

	agent, err := s.stores.Agents.PickLeastLoaded(ctx)
	if err != nil {
		return nil, nil, false, err
	}
	p := store.CreateConversationParams{
		ChannelID:    channelID,
		ExternalID:   in.ExternalID,
		ContactID:    in.ContactID,
		CustomerName: in.DisplayName,
		CreatedAt:    s.now(),
	}
	if agent != nil {
		p.AssignedAgentID = &agent.ID
	}
	conv, created, err := s.stores.Conversations.CreateOpen(ctx, p)
	if err != nil {
		return nil, nil, false, fmt.Errorf("create conversation: %w", err)
	}
	if !created {
		slog.Debug("inbox.create_race_lost", "conversation_id", conv.ID)
		return conv, nil, false, nil
	}
	return conv, agent, true, nil
}

// IsRecentDuplicate reports whether the same (conversation, sender, content)
// was stored within the dedup window.
func (s *Service) IsRecentDuplicate(ctx context.Context, conversationID int64, sender, content string) (bool, error) {
	since := s.now().Add(-s.cfg.DedupWindow)
	ok, err := s.stores.Messages.ExistsSince(ctx, conversationID, sender, content, since)
	if err != nil {
		return false, fmt.Errorf("dedup check: %w", err)
	}
	return ok, nil
}

func (s *Service) broadcastMessage(msg *store.Message) {
	s.events.Broadcast(bus.Event{
		Name:    protocol.EventConversationMessage,
		Payload: msg,
		Room:    protocol.RoomForConversation(*msg.ConversationID),
	})
	s.events.Broadcast(bus.Event{
		Name:    protocol.EventInboxUpdate,
		Payload: protocol.InboxUpdatePayload{ConversationID: *msg.ConversationID, LastSender: msg.Sender},
	})
}

// emitToAgent targets the agent's live connection, if any.
func (s *Service) emitToAgent(agentID int64, name string, payload any) {
	connID, ok := s.conns.ConnFor(agentID)
	if !ok {
		return
	}
	s.events.Broadcast(bus.Event{Name: name, Payload: payload, Target: connID})
}

func (s *Service) emitAgentAttached(convID int64, a *store.Agent) {
	s.events.Broadcast(bus.Event{
		Name:    protocol.EventConversationAgent,
		Payload: protocol.ConversationAgentPayload{ConversationID: convID, Agent: protocol.AgentRef{ID: a.ID, Name: a.Name}},
		Room:    protocol.RoomForConversation(convID),
	})
}

// IsNotFound reports whether err means a missing row.
func IsNotFound(err error) bool { return errors.Is(err, store.ErrNotFound) }
