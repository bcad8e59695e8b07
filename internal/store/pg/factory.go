package pg

import (
	"fmt"

	"github.com/nextlevelbuilder/goinbox/internal/store"
)

// NewPGStores creates all stores backed by Postgres.
func NewPGStores(cfg store.StoreConfig) (*store.Stores, error) {
	db, err := OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	return &store.Stores{
		Channels:      NewPGChannelStore(db),
		Conversations: NewPGConversationStore(db),
		Messages:      NewPGMessageStore(db),
		Agents:        NewPGAgentStore(db),
		Closer:        db,
	}, nil
}
