// Package relay forwards agent replies to a custom chatbot relay endpoint.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/goinbox/internal/channels"
	"github.com/nextlevelbuilder/goinbox/internal/config"
	"github.com/nextlevelbuilder/goinbox/internal/outbound"
)

// KeyHeader authenticates us to the relay.
const KeyHeader = "X-Chatbot-Key"

type Sender struct {
	cfg    config.RelayConfig
	client *http.Client
}

func NewSender(cfg config.RelayConfig, client *http.Client) *Sender {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Sender{cfg: cfg, client: client}
}

func (s *Sender) Name() string { return "relay" }

func (s *Sender) urlFor(channel string) string {
	if channel == channels.Instagram && s.cfg.InstagramURL != "" {
		return s.cfg.InstagramURL
	}
	return s.cfg.URL
}

type request struct {
	Platform       string `json:"platform"`
	ChatID         string `json:"chat_id"`
	Text           string `json:"text"`
	ConversationID int64  `json:"conversation_id,omitempty"`
	ContactID      string `json:"contact_id,omitempty"`
}

// Send posts the reply. A 2xx answer counts as delivered unless the body is
// JSON carrying "ok": false.
func (s *Sender) Send(ctx context.Context, t outbound.Target, text string) error {
	u := s.urlFor(t.Channel)
	if u == "" {
		return outbound.ErrNotConfigured
	}
	body, err := json.Marshal(request{
		Platform:       t.Channel,
		ChatID:         t.ExternalID,
		Text:           text,
		ConversationID: t.ConversationID,
		ContactID:      t.ContactID,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.Key != "" {
		req.Header.Set(KeyHeader, s.cfg.Key)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("relay: status %d: %s", resp.StatusCode, channels.Truncate(string(data), 300))
	}

	var ack struct {
		OK *bool `json:"ok"`
	}
	if json.Unmarshal(data, &ack) == nil && ack.OK != nil && !*ack.OK {
		return fmt.Errorf("relay: rejected: %s", channels.Truncate(string(data), 300))
	}
	return nil
}
