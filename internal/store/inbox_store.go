package store

import (
	"context"
	"time"
)

// ChannelStore persists Channel rows.
type ChannelStore interface {
	// GetOrCreate upserts by unique name; an existing row gets its type overwritten.
	GetOrCreate(ctx context.Context, name, typ string) (*Channel, error)
	List(ctx context.Context) ([]Channel, error)
}

// ConversationStore persists Conversation rows.
type ConversationStore interface {
	// FindOpen returns the most recently created open conversation for the pair, or nil.
	FindOpen(ctx context.Context, channelID int64, externalID string) (*Conversation, error)
	// CreateOpen inserts an open conversation. If another open row already exists for the
	// same (channel, external id) it is returned instead with created=false.
	CreateOpen(ctx context.Context, p CreateConversationParams) (conv *Conversation, created bool, err error)
	TouchActivity(ctx context.Context, id int64, lastSender string, at time.Time) error
	// BackfillContactID sets customer_contact_id only while it is NULL.
	BackfillContactID(ctx context.Context, id int64, contactID string) (bool, error)

	Get(ctx context.Context, id int64) (*Conversation, error)
	List(ctx context.Context, opts ListConversationsOpts) ([]Conversation, error)
	Assign(ctx context.Context, id, agentID int64) (*Conversation, error)
	SetStatus(ctx context.Context, id int64, status string) (*Conversation, error)
	// AssignBacklog claims up to limit oldest unassigned open conversations for agentID.
	AssignBacklog(ctx context.Context, agentID int64, limit int) ([]Conversation, error)
	ListOpenAssigned(ctx context.Context, agentID int64) ([]Conversation, error)
	FindOpenByExternal(ctx context.Context, channelName, externalID string) (*Conversation, error)
	// CloseIdle closes open conversations whose last activity is older than before.
	CloseIdle(ctx context.Context, before time.Time) (int64, error)
	Summary(ctx context.Context, since time.Time) (*InboxSummary, error)
}

// MessageStore persists Message rows.
type MessageStore interface {
	// Insert stores m and fills ID (and CreatedAt when zero).
	Insert(ctx context.Context, m *Message) error
	// ExistsSince reports whether an identical (conversation, sender, content) message
	// was stored at or after since.
	ExistsSince(ctx context.Context, conversationID int64, sender, content string, since time.Time) (bool, error)
	ListByConversation(ctx context.Context, conversationID int64, limit int) ([]Message, error)
	ListRecent(ctx context.Context, limit int) ([]Message, error)
}

// AgentStore persists Agent rows and presence.
type AgentStore interface {
	// MarkOnline upserts the agent by name and records its live socket.
	MarkOnline(ctx context.Context, name, socketID string) (*Agent, error)
	// MarkOffline clears presence only if socketID is still the agent's current socket.
	MarkOffline(ctx context.Context, agentID int64, socketID string) error
	Get(ctx context.Context, id int64) (*Agent, error)
	GetByName(ctx context.Context, name string) (*Agent, error)
	// PickLeastLoaded returns the online agent with the fewest open assigned
	// conversations (ties: lowest id), or nil when nobody is online.
	PickLeastLoaded(ctx context.Context) (*Agent, error)
	// ClearStalePresence marks offline every online agent whose socket is not in live.
	ClearStalePresence(ctx context.Context, live []string) (int64, error)
}
