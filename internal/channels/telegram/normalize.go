// Package telegram adapts Telegram Bot API webhooks and replies.
package telegram

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/nextlevelbuilder/goinbox/internal/channels"
)

// SecretHeader carries the secret_token registered with setWebhook.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

type user struct {
	ID        channels.FlexibleID `json:"id"`
	IsBot     bool                `json:"is_bot"`
	FirstName string              `json:"first_name"`
	LastName  string              `json:"last_name"`
	Username  string              `json:"username"`
}

type message struct {
	Chat *struct {
		ID channels.FlexibleID `json:"id"`
	} `json:"chat"`
	From    *user  `json:"from"`
	Text    string `json:"text"`
	Caption string `json:"caption"`
}

// update also carries the bare-message fields so one decode covers both shapes.
type update struct {
	message
	Message       *message `json:"message"`
	EditedMessage *message `json:"edited_message"`
}

// Normalizer parses Telegram updates. A body may be a full update
// ({"update_id":..,"message":{..}}) or a bare message object.
type Normalizer struct{}

func (Normalizer) Normalize(raw []byte) ([]channels.Inbound, error) {
	var u update
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, fmt.Errorf("telegram: decode update: %w", err)
	}

	msg := u.Message
	if msg == nil {
		msg = u.EditedMessage
	}
	if msg == nil && u.Chat != nil {
		msg = &u.message
	}
	if msg == nil || msg.Chat == nil {
		return nil, channels.ErrRejected
	}
	if msg.From != nil && msg.From.IsBot {
		// Our own bot's messages come back through some relays.
		return nil, channels.ErrRejected
	}

	text := msg.Text
	if strings.TrimSpace(text) == "" {
		text = msg.Caption
	}
	in, err := channels.Finalize(channels.Inbound{
		Channel:     channels.Telegram,
		ExternalID:  string(msg.Chat.ID),
		DisplayName: displayName(msg.From),
		Text:        text,
	})
	if err != nil {
		return nil, err
	}
	return []channels.Inbound{in}, nil
}

func displayName(u *user) string {
	if u == nil {
		return ""
	}
	name := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
	if name != "" {
		return name
	}
	return u.Username
}

// VerifySecret checks the webhook secret header. An empty secret disables the check.
func VerifySecret(r *http.Request, secret string) bool {
	if secret == "" {
		return true
	}
	got := r.Header.Get(SecretHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(secret)) == 1
}
