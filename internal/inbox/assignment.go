package inbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/goinbox/internal/bus"
	"github.com/nextlevelbuilder/goinbox/internal/channels"
	"github.com/nextlevelbuilder/goinbox/internal/store"
	"github.com/nextlevelbuilder/goinbox/pkg/protocol"
)

const maxAgentNameLen = 50

// AutoAssignBacklog claims up to limit of the oldest unassigned open
// conversations for agentID and announces each assignment.
func (s *Service) AutoAssignBacklog(ctx context.Context, agentID int64, limit int) ([]store.Conversation, error) {
	if limit <= 0 {
		limit = s.cfg.BacklogCap
	}
	agent, err := s.stores.Agents.Get(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("agent %d: %w", agentID, err)
	}
	assigned, err := s.stores.Conversations.AssignBacklog(ctx, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("assign backlog: %w", err)
	}
	for i := range assigned {
		c := &assigned[i]
		s.emitAgentAttached(c.ID, agent)
		s.emitToAgent(agentID, protocol.EventConversationAssigned, c)
	}
	if len(assigned) > 0 {
		slog.Info("inbox.backlog_assigned", "agent", agent.Name, "count", len(assigned))
	}
	return assigned, nil
}

// RegisterAgent marks the agent online on connID, drains backlog to it and
// sends the initial snapshot to the connection.
func (s *Service) RegisterAgent(ctx context.Context, name, connID string) (*store.Agent, error) {
	name = strings.TrimSpace(channels.Clip(name, maxAgentNameLen))
	if name == "" {
		name = "Agent"
	}
	agent, err := s.stores.Agents.MarkOnline(ctx, name, connID)
	if err != nil {
		return nil, err
	}
	s.conns.Register(agent.ID, connID)

	target := func(ev string, payload any) {
		s.events.Broadcast(bus.Event{Name: ev, Payload: payload, Target: connID})
	}
	target(protocol.EventAgentRegistered, protocol.AgentRegisteredPayload{Agent: protocol.AgentRef{ID: agent.ID, Name: agent.Name}})

	if _, err := s.AutoAssignBacklog(ctx, agent.ID, s.cfg.BacklogCap); err != nil {
		slog.Warn("inbox.backlog_failed", "agent", agent.Name, "error", err)
	}

	open, err := s.stores.Conversations.ListOpenAssigned(ctx, agent.ID)
	if err != nil {
		return agent, fmt.Errorf("list assigned: %w", err)
	}
	if open == nil {
		open = []store.Conversation{}
	}
	target(protocol.EventAgentConversations, open)

	slog.Info("inbox.agent_online", "agent", agent.Name, "agent_id", agent.ID, "open", len(open))
	return agent, nil
}

// AgentDisconnected clears presence for the agent behind connID. A stale
// connection (the agent already reconnected elsewhere) is ignored by the store.
func (s *Service) AgentDisconnected(ctx context.Context, connID string) error {
	agentID, ok := s.conns.Unregister(connID)
	if !ok {
		return nil
	}
	if err := s.stores.Agents.MarkOffline(ctx, agentID, connID); err != nil {
		return fmt.Errorf("mark offline: %w", err)
	}
	slog.Info("inbox.agent_offline", "agent_id", agentID)
	return nil
}

// Claim assigns the conversation to the named agent.
func (s *Service) Claim(ctx context.Context, convID int64, agentName string) (*store.Conversation, error) {
	agent, err := s.stores.Agents.GetByName(ctx, strings.TrimSpace(agentName))
	if err != nil {
		return nil, fmt.Errorf("agent %q: %w", agentName, err)
	}
	conv, err := s.stores.Conversations.Assign(ctx, convID, agent.ID)
	if err != nil {
		return nil, fmt.Errorf("conversation %d: %w", convID, err)
	}
	s.emitAgentAttached(conv.ID, agent)
	s.events.Broadcast(bus.Event{
		Name:    protocol.EventInboxUpdate,
		Payload: protocol.InboxUpdatePayload{ConversationID: conv.ID, Status: conv.Status},
	})
	return conv, nil
}

// SweepPresence marks offline every agent whose socket is no longer live.
func (s *Service) SweepPresence(ctx context.Context) (int64, error) {
	n, err := s.stores.Agents.ClearStalePresence(ctx, s.conns.LiveConnections())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("inbox.presence_swept", "cleared", n)
	}
	return n, nil
}
