package upgrade

import (
	"context"
	"database/sql"

	"github.com/nextlevelbuilder/goinbox/internal/channels"
)

// seededChannels are created up front so dashboards list every integration
// before its first inbound message.
var seededChannels = []string{
	channels.Instagram,
	channels.Facebook,
	channels.WhatsApp,
	channels.Telegram,
	channels.Outlook,
	channels.Web,
}

func init() {
	RegisterDataHook(1, "001_seed_channels", seedChannels)
}

func seedChannels(ctx context.Context, tx *sql.Tx) error {
	for _, name := range seededChannels {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO channels (name, type) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING",
			name, channels.TypeFor(name),
		); err != nil {
			return err
		}
	}
	return nil
}
