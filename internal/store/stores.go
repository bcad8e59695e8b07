package store

import "io"

// Stores is the top-level container for all storage backends.
type Stores struct {
	Channels      ChannelStore
	Conversations ConversationStore
	Messages      MessageStore
	Agents        AgentStore

	// Closer releases the underlying database handle.
	Closer io.Closer
}

// StoreConfig selects and configures a backend.
type StoreConfig struct {
	PostgresDSN string
	SQLitePath  string
}

// Close releases the underlying database.
func (s *Stores) Close() error {
	if s == nil || s.Closer == nil {
		return nil
	}
	return s.Closer.Close()
}
