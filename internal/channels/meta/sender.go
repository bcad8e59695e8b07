package meta

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nextlevelbuilder/goinbox/internal/channels"
	"github.com/nextlevelbuilder/goinbox/internal/config"
	"github.com/nextlevelbuilder/goinbox/internal/outbound"
)

// GraphSender posts replies through the Graph Send API (me/messages).
type GraphSender struct {
	cfg    config.MetaConfig
	client *http.Client
}

func NewGraphSender(cfg config.MetaConfig, client *http.Client) *GraphSender {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.GraphBase == "" {
		cfg.GraphBase = "https://graph.facebook.com"
	}
	if cfg.GraphVersion == "" {
		cfg.GraphVersion = "v23.0"
	}
	return &GraphSender{cfg: cfg, client: client}
}

func (s *GraphSender) Name() string { return "meta-graph" }

// token prefers the Instagram token for instagram, falling back to the page token.
func (s *GraphSender) token(platform string) string {
	if platform == channels.Instagram && s.cfg.InstagramAccessToken != "" {
		return s.cfg.InstagramAccessToken
	}
	return s.cfg.PageAccessToken
}

type sendRequest struct {
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Message struct {
		Text string `json:"text"`
	} `json:"message"`
	MessagingType    string `json:"messaging_type"`
	MessagingProduct string `json:"messaging_product,omitempty"`
}

func (s *GraphSender) Send(ctx context.Context, t outbound.Target, text string) error {
	token := s.token(t.Channel)
	if token == "" {
		return outbound.ErrNotConfigured
	}
	if t.ExternalID == "" {
		return fmt.Errorf("meta: empty recipient")
	}

	var body sendRequest
	body.Recipient.ID = t.ExternalID
	body.Message.Text = text
	body.MessagingType = "RESPONSE"
	if t.Channel == channels.Instagram {
		body.MessagingProduct = "instagram"
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	u := fmt.Sprintf("%s/%s/me/messages?access_token=%s",
		strings.TrimRight(s.cfg.GraphBase, "/"), s.cfg.GraphVersion, url.QueryEscape(token))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("meta send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("meta send: status %d: %s", resp.StatusCode, channels.Truncate(string(msg), 300))
	}
	return nil
}
