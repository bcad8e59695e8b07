package protocol

import "encoding/json"

// EventFrame is a server→client frame.
type EventFrame struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

// NewEvent builds an EventFrame.
func NewEvent(name string, payload interface{}) *EventFrame {
	return &EventFrame{Event: name, Payload: payload}
}

// InboundFrame is a client→server frame. Payload is decoded per event.
type InboundFrame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AgentRegisterPayload is the payload of agent:register.
type AgentRegisterPayload struct {
	Name string `json:"name"`
}

// ConversationJoinPayload is the payload of conversation:join.
type ConversationJoinPayload struct {
	ConversationID int64 `json:"conversationId"`
}

// ConversationMessagePayload is the payload of conversation:message (client side).
type ConversationMessagePayload struct {
	ConversationID int64  `json:"conversationId"`
	Sender         string `json:"sender"`
	Username       string `json:"username"`
	Content        string `json:"content"`
}

// CustomerStartPayload is the payload of customer:start.
type CustomerStartPayload struct {
	Name string `json:"name"`
}

// InboxUpdatePayload is broadcast to every client whenever a conversation changes.
type InboxUpdatePayload struct {
	ConversationID int64  `json:"conversationId"`
	LastSender     string `json:"last_sender,omitempty"`
	Status         string `json:"status,omitempty"`
}

// AgentRef identifies an agent inside event payloads.
type AgentRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// ConversationAgentPayload tells a conversation room which agent is attached.
type ConversationAgentPayload struct {
	ConversationID int64    `json:"conversationId"`
	Agent          AgentRef `json:"agent"`
}

// ProviderStatusPayload carries a provider delivery status update.
type ProviderStatusPayload struct {
	Provider       string `json:"provider"`
	Channel        string `json:"channel"`
	ConversationID int64  `json:"conversationId"`
	MessageSid     string `json:"messageSid"`
	Status         string `json:"status"`
	To             string `json:"to,omitempty"`
}

// ErrorPayload reports a rejected client frame.
type ErrorPayload struct {
	Event   string `json:"event,omitempty"`
	Message string `json:"message"`
}

// AgentRegisteredPayload confirms agent:register.
type AgentRegisteredPayload struct {
	Agent AgentRef `json:"agent"`
}

// CustomerStartedPayload confirms customer:start. Conversation is the stored row.
type CustomerStartedPayload struct {
	Conversation  interface{} `json:"conversation"`
	AssignedAgent *AgentRef   `json:"assignedAgent"`
}

// ConversationJoinedPayload acknowledges conversation:join.
type ConversationJoinedPayload struct {
	ConversationID int64 `json:"conversationId"`
}
