package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/goinbox/internal/inbox"
	"github.com/nextlevelbuilder/goinbox/internal/store"
	"github.com/nextlevelbuilder/goinbox/pkg/protocol"
)

// dispatchTimeout bounds a single agent reply including the provider call.
const dispatchTimeout = 30 * time.Second

func (c *Client) handleFrame(ctx context.Context, f protocol.InboundFrame) {
	switch f.Event {
	case protocol.ClientAgentRegister:
		var p protocol.AgentRegisterPayload
		if !c.decode(f, &p) {
			return
		}
		if _, err := c.server.inbox.RegisterAgent(ctx, p.Name, c.id); err != nil {
			slog.Error("gateway.agent_register_failed", "id", c.id, "error", err)
			c.sendError(f.Event, "registration failed")
		}

	case protocol.ClientConversationJoin:
		var p protocol.ConversationJoinPayload
		if !c.decode(f, &p) {
			return
		}
		if p.ConversationID <= 0 {
			c.sendError(f.Event, "conversationId required")
			return
		}
		c.Join(protocol.RoomForConversation(p.ConversationID))
		c.SendEvent(*protocol.NewEvent(protocol.EventConversationJoined, protocol.ConversationJoinedPayload{ConversationID: p.ConversationID}))

	case protocol.ClientConversationMessage:
		var p protocol.ConversationMessagePayload
		if !c.decode(f, &p) {
			return
		}
		// Provider calls can be slow; keep the read loop responsive.
		select {
		case c.posts <- p:
		default:
			slog.Warn("gateway.post_queue_full", "id", c.id, "conversation", p.ConversationID)
			c.sendError(f.Event, "too many pending messages")
		}

	case protocol.ClientCustomerStart:
		var p protocol.CustomerStartPayload
		if !c.decode(f, &p) {
			return
		}
		if _, err := c.server.inbox.StartWebConversation(ctx, p.Name, c.id, c.Join); err != nil {
			slog.Error("gateway.customer_start_failed", "id", c.id, "error", err)
			c.sendError(f.Event, "could not start conversation")
		}

	default:
		c.sendError(f.Event, "unknown event")
	}
}

func (c *Client) postMessage(p protocol.ConversationMessagePayload) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	_, err := c.server.inbox.PostMessage(ctx, inbox.PostParams{
		ConversationID: p.ConversationID,
		Sender:         p.Sender,
		Username:       p.Username,
		Content:        p.Content,
	})
	switch {
	case err == nil:
	case errors.Is(err, inbox.ErrEmptyContent):
		c.sendError(protocol.ClientConversationMessage, "content required")
	case errors.Is(err, store.ErrNotFound):
		c.sendError(protocol.ClientConversationMessage, "conversation not found")
	default:
		slog.Error("gateway.post_failed", "id", c.id, "conversation", p.ConversationID, "error", err)
		c.sendError(protocol.ClientConversationMessage, "message not stored")
	}
}

func (c *Client) decode(f protocol.InboundFrame, v any) bool {
	if len(f.Payload) == 0 {
		return true
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		c.sendError(f.Event, "invalid payload")
		return false
	}
	return true
}
