package protocol

import "strconv"

// ProtocolVersion is bumped whenever a frame or payload shape changes incompatibly.
const ProtocolVersion = 1

// Event names pushed from server to client.
const (
	EventAgentRegistered      = "agent:registered"
	EventAgentConversations   = "agent:conversations"
	EventConversationAssigned = "conversation:assigned"
	EventConversationMessage  = "conversation:message"
	EventConversationAgent    = "conversation:agent"
	EventConversationJoined   = "conversation:joined"
	EventInboxUpdate          = "inbox:update"

	// Web widget: confirms the conversation created by customer:start.
	EventCustomerStarted = "customer:started"

	// Delivery status reported by a provider callback (Twilio).
	EventProviderStatus = "provider:status"

	EventError    = "error"
	EventShutdown = "shutdown"
)

// Event names sent from client to server.
const (
	ClientAgentRegister       = "agent:register"
	ClientConversationJoin    = "conversation:join"
	ClientConversationMessage = "conversation:message"
	ClientCustomerStart       = "customer:start"
)

// RoomForConversation returns the broadcast room a conversation's viewers join.
func RoomForConversation(id int64) string {
	return "conv:" + strconv.FormatInt(id, 10)
}
