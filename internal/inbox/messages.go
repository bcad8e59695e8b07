package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/goinbox/internal/bus"
	"github.com/nextlevelbuilder/goinbox/internal/channels"
	"github.com/nextlevelbuilder/goinbox/internal/outbound"
	"github.com/nextlevelbuilder/goinbox/internal/store"
	"github.com/nextlevelbuilder/goinbox/pkg/protocol"
)

var (
	// ErrEmptyContent rejects messages that are blank after trimming.
	ErrEmptyContent = errors.New("empty message content")
	// ErrInvalidStatus rejects unknown conversation statuses.
	ErrInvalidStatus = errors.New("invalid status")
)

// PostParams is a message written by an agent or a web customer.
type PostParams struct {
	ConversationID int64
	Sender         string
	Username       string
	Content        string
}

// PostResult carries the stored message and, for agent messages, the
// outbound attempt.
type PostResult struct {
	Message  *store.Message
	Outbound *outbound.Result
}

// PostMessage persists and broadcasts a conversation message. Agent messages
// are then dispatched to the customer's provider; a failed dispatch does not
// undo the stored message.
func (s *Service) PostMessage(ctx context.Context, p PostParams) (*PostResult, error) {
	sender := store.SenderCustomer
	if p.Sender == store.SenderAgent {
		sender = store.SenderAgent
	}
	username := p.Username
	if strings.TrimSpace(username) == "" {
		username = "Customer"
		if sender == store.SenderAgent {
			username = "Agent"
		}
	}
	username = channels.Clip(username, channels.MaxNameLen)
	content := strings.TrimSpace(channels.Clip(p.Content, channels.MaxTextLen))
	if content == "" {
		return nil, ErrEmptyContent
	}

	if _, err := s.stores.Conversations.Get(ctx, p.ConversationID); err != nil {
		return nil, fmt.Errorf("conversation %d: %w", p.ConversationID, err)
	}

	now := s.now()
	convID := p.ConversationID
	msg := &store.Message{
		ConversationID: &convID,
		Username:       username,
		Content:        content,
		Sender:         sender,
		CreatedAt:      now,
	}
	if err := s.stores.Messages.Insert(ctx, msg); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if err := s.stores.Conversations.TouchActivity(ctx, convID, sender, now); err != nil {
		return nil, fmt.Errorf("touch activity: %w", err)
	}
	s.broadcastMessage(msg)

	res := &PostResult{Message: msg}
	if sender == store.SenderAgent && s.dispatcher != nil {
		out := s.dispatcher.Dispatch(ctx, convID, content)
		res.Outbound = &out
		if !out.Sent {
			slog.Warn("inbox.outbound_not_sent", "conversation_id", convID, "channel", out.Channel, "warning", out.Warning)
		}
	}
	return res, nil
}

// SetStatus transitions a conversation. Reopening a closed conversation whose
// customer already has another open one fails with store.ErrConflict.
func (s *Service) SetStatus(ctx context.Context, convID int64, status string) (*store.Conversation, error) {
	status = strings.TrimSpace(status)
	if !store.ValidStatus(status) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	conv, err := s.stores.Conversations.SetStatus(ctx, convID, status)
	if err != nil {
		return nil, fmt.Errorf("conversation %d: %w", convID, err)
	}
	s.events.Broadcast(bus.Event{
		Name:    protocol.EventInboxUpdate,
		Payload: protocol.InboxUpdatePayload{ConversationID: conv.ID, Status: conv.Status},
	})
	return conv, nil
}

// StartWebConversation opens a widget conversation for connID and assigns it to
// the least-loaded agent. join, when set, subscribes connID to the
// conversation room before any room event is published.
func (s *Service) StartWebConversation(ctx context.Context, name, connID string, join func(room string)) (*IngestResult, error) {
	name = strings.TrimSpace(channels.Clip(name, channels.MaxNameLen))
	if name == "" {
		name = channels.PlaceholderName(channels.Web)
	}
	ch, err := s.stores.Channels.GetOrCreate(ctx, channels.Web, channels.TypeFor(channels.Web))
	if err != nil {
		return nil, err
	}
	conv, agent, created, err := s.findOrCreate(ctx, ch.ID, channels.Inbound{
		Channel:     channels.Web,
		ExternalID:  connID,
		DisplayName: name,
	})
	if err != nil {
		return nil, err
	}
	if conv.ChannelName == "" {
		conv.ChannelName = channels.Web
	}
	if join != nil {
		join(protocol.RoomForConversation(conv.ID))
	}

	started := protocol.CustomerStartedPayload{Conversation: conv}
	if agent != nil {
		started.AssignedAgent = &protocol.AgentRef{ID: agent.ID, Name: agent.Name}
	}
	s.events.Broadcast(bus.Event{Name: protocol.EventCustomerStarted, Payload: started, Target: connID})
	if created && agent != nil {
		s.emitToAgent(agent.ID, protocol.EventConversationAssigned, conv)
		s.emitAgentAttached(conv.ID, agent)
	}
	s.events.Broadcast(bus.Event{
		Name:    protocol.EventInboxUpdate,
		Payload: protocol.InboxUpdatePayload{ConversationID: conv.ID, Status: conv.Status},
	})
	return &IngestResult{Conversation: conv, AssignedAgent: agent, Created: created}, nil
}

// CloseIdle closes open conversations with no activity for idleAfter.
func (s *Service) CloseIdle(ctx context.Context, idleAfter time.Duration) (int64, error) {
	n, err := s.stores.Conversations.CloseIdle(ctx, s.now().Add(-idleAfter))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("inbox.idle_closed", "count", n)
		s.events.Broadcast(bus.Event{Name: protocol.EventInboxUpdate, Payload: protocol.InboxUpdatePayload{Status: store.StatusClosed}})
	}
	return n, nil
}

// ProviderStatus relays a delivery status to the conversation room of the
// customer it was sent to. It reports whether a conversation matched.
func (s *Service) ProviderStatus(ctx context.Context, channelName, externalID string, p protocol.ProviderStatusPayload) (bool, error) {
	conv, err := s.stores.Conversations.FindOpenByExternal(ctx, channelName, externalID)
	if err != nil {
		return false, err
	}
	if conv == nil {
		return false, nil
	}
	p.ConversationID = conv.ID
	s.events.Broadcast(bus.Event{Name: protocol.EventProviderStatus, Payload: p, Room: protocol.RoomForConversation(conv.ID)})
	return true, nil
}
