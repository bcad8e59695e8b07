package store

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a row addressed by id or name does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write would violate the one-open-conversation rule.
	ErrConflict = errors.New("conflict")
)

// Conversation statuses.
const (
	StatusOpen    = "open"
	StatusPending = "pending"
	StatusClosed  = "closed"
)

// Message senders.
const (
	SenderCustomer = "customer"
	SenderAgent    = "agent"
)

// ValidStatus reports whether s is a known conversation status.
func ValidStatus(s string) bool {
	return s == StatusOpen || s == StatusPending || s == StatusClosed
}

// Channel is a messaging provider integration, created lazily per name.
type Channel struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation is one customer dialogue on one channel.
// ChannelName is filled by reads that join channels ("web" when unset).
type Conversation struct {
	ID                 int64      `json:"id"`
	CustomerName       string     `json:"customer_name"`
	Status             string     `json:"status"`
	AssignedAgentID    *int64     `json:"assigned_agent_id"`
	ChannelID          *int64     `json:"channel_id"`
	ChannelName        string     `json:"channel_name,omitempty"`
	CustomerExternalID string     `json:"customer_external_id,omitempty"`
	CustomerContactID  *string    `json:"customer_contact_id"`
	CreatedAt          time.Time  `json:"created_at"`
	LastActivityAt     *time.Time `json:"last_activity_at"`
	LastSender         string     `json:"last_sender,omitempty"`
}

// ContactID returns the stored contact id or "".
func (c *Conversation) ContactID() string {
	if c.CustomerContactID == nil {
		return ""
	}
	return *c.CustomerContactID
}

// Message is an append-only chat line. ConversationID is nil only for legacy chat.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID *int64    `json:"conversation_id"`
	Username       string    `json:"username"`
	Content        string    `json:"content"`
	Sender         string    `json:"sender"`
	CreatedAt      time.Time `json:"created_at"`
}

// Agent is a support agent. Online + non-nil SocketID is the presence signal.
type Agent struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Online    bool      `json:"online"`
	SocketID  *string   `json:"socket_id"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateConversationParams are the inputs of ConversationStore.CreateOpen.
type CreateConversationParams struct {
	ChannelID       int64
	ExternalID      string
	ContactID       string // "" = unknown
	CustomerName    string
	AssignedAgentID *int64
	CreatedAt       time.Time
}

// ListConversationsOpts filters ConversationStore.List.
type ListConversationsOpts struct {
	Status     string // "" = any
	Unassigned bool   // assigned_agent_id IS NULL
	AssignedTo *int64 // exact agent
	Limit      int
}

// InboxSummary aggregates dashboard counters.
type InboxSummary struct {
	TotalOpen           int64 `json:"totalOpen"`
	UnassignedOpen      int64 `json:"unassignedOpen"`
	Pending             int64 `json:"pending"`
	Closed              int64 `json:"closed"`
	OnlineAgents        int64 `json:"onlineAgents"`
	Messages24h         int64 `json:"messages24h"`
	NotificationsUnread int64 `json:"notificationsUnread"`
}
