// Package sendpulse adapts the SendPulse Instagram bridge: its inbound webhook
// and its chats/messages send API.
package sendpulse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/goinbox/internal/channels"
	"github.com/nextlevelbuilder/goinbox/internal/outbound"
	"github.com/nextlevelbuilder/goinbox/internal/tokencache"
)

type contact struct {
	ID        channels.FlexibleID `json:"id"`
	Username  string              `json:"username"`
	Name      string              `json:"name"`
	Variables struct {
		InstagramID string `json:"instagram_id"`
		FirstName   string `json:"first_name"`
	} `json:"variables"`
}

// event is one element of the array form.
type event struct {
	Contact *contact `json:"contact"`
	Info    struct {
		Message struct {
			ChannelData struct {
				Message struct {
					Text   string `json:"text"`
					Mid    string `json:"mid"`
					IsEcho bool   `json:"is_echo"`
				} `json:"message"`
			} `json:"channel_data"`
		} `json:"message"`
	} `json:"info"`
}

// simple is the flat object form used by test deliveries.
type simple struct {
	Contact     *contact            `json:"contact"`
	ContactID   channels.FlexibleID `json:"contact_id"`
	InstagramID string              `json:"instagram_id"`
	Text        string              `json:"text"`
	Message     json.RawMessage     `json:"message"`
}

// Normalizer parses SendPulse webhook bodies (an array of events or a single object).
type Normalizer struct{}

func (Normalizer) Normalize(raw []byte) ([]channels.Inbound, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, channels.ErrRejected
	}
	if raw[0] == '[' {
		var events []event
		if err := json.Unmarshal(raw, &events); err != nil {
			return nil, fmt.Errorf("sendpulse: decode events: %w", err)
		}
		var out []channels.Inbound
		for _, ev := range events {
			in, err := fromEvent(ev)
			if err != nil {
				continue
			}
			out = append(out, in)
		}
		return out, nil
	}

	var s simple
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("sendpulse: decode: %w", err)
	}
	in, err := fromSimple(s)
	if err != nil {
		return nil, err
	}
	return []channels.Inbound{in}, nil
}

func fromEvent(ev event) (channels.Inbound, error) {
	if ev.Contact == nil {
		return channels.Inbound{}, channels.ErrRejected
	}
	msg := ev.Info.Message.ChannelData.Message
	if msg.IsEcho {
		return channels.Inbound{}, channels.ErrRejected
	}
	externalID := ev.Contact.Username
	if externalID == "" {
		externalID = ev.Contact.ID.String()
	}
	return channels.Finalize(channels.Inbound{
		Channel:     channels.Instagram,
		ExternalID:  externalID,
		ContactID:   ev.Contact.ID.String(),
		DisplayName: ev.Contact.Name,
		Text:        msg.Text,
	})
}

func fromSimple(s simple) (channels.Inbound, error) {
	contactID := s.ContactID.String()
	name := ""
	externalID := s.InstagramID
	if s.Contact != nil {
		if s.Contact.ID != "" {
			contactID = s.Contact.ID.String()
		}
		if s.Contact.Variables.InstagramID != "" {
			externalID = s.Contact.Variables.InstagramID
		}
		name = s.Contact.Name
		if name == "" {
			name = s.Contact.Variables.FirstName
		}
	}
	if externalID == "" {
		externalID = contactID
	}

	text := s.Text
	if len(s.Message) > 0 {
		var m struct {
			Text string `json:"text"`
		}
		if json.Unmarshal(s.Message, &m) == nil && m.Text != "" {
			text = m.Text
		} else {
			var str string
			if json.Unmarshal(s.Message, &str) == nil && str != "" {
				text = str
			}
		}
	}
	return channels.Finalize(channels.Inbound{
		Channel:     channels.Instagram,
		ExternalID:  externalID,
		ContactID:   contactID,
		DisplayName: name,
		Text:        text,
	})
}

// Tokens issues SendPulse bearer tokens.
type Tokens interface {
	Get(ctx context.Context, forceRefresh bool, preferredBase string) (tokencache.Token, error)
}

// Sender posts replies through {base}/instagram/chats/messages (or the messenger
// equivalent for facebook).
type Sender struct {
	tokens Tokens
	client *http.Client
}

func NewSender(tokens Tokens, client *http.Client) *Sender {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Sender{tokens: tokens, client: client}
}

func (s *Sender) Name() string { return "sendpulse" }

func pathFor(channel string) string {
	if channel == channels.Facebook {
		return "/messenger/chats/messages"
	}
	return "/instagram/chats/messages"
}

type sendBody struct {
	ChatID    string `json:"chat_id"`
	ContactID string `json:"contact_id"`
	Text      string `json:"text"`
}

func (s *Sender) Send(ctx context.Context, t outbound.Target, text string) error {
	if s.tokens == nil {
		return outbound.ErrNotConfigured
	}
	contactID := t.ContactID
	if contactID == "" {
		contactID = t.ExternalID
	}
	if contactID == "" {
		return fmt.Errorf("sendpulse: no contact id")
	}

	tok, err := s.tokens.Get(ctx, false, "")
	if errors.Is(err, tokencache.ErrNoCredentials) {
		return outbound.ErrNotConfigured
	}
	if err != nil {
		return fmt.Errorf("sendpulse token: %w", err)
	}

	body, _ := json.Marshal(sendBody{ChatID: contactID, ContactID: contactID, Text: text})
	status, err := s.post(ctx, tok, pathFor(t.Channel), body)
	if err == nil {
		return nil
	}
	if status != http.StatusUnauthorized {
		return err
	}

	// Stale token: refresh once against the same base.
	tok, terr := s.tokens.Get(ctx, true, tok.Base)
	if terr != nil {
		return fmt.Errorf("sendpulse token refresh: %w", terr)
	}
	_, err = s.post(ctx, tok, pathFor(t.Channel), body)
	return err
}

func (s *Sender) post(ctx context.Context, tok tokencache.Token, path string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tok.Base+path, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok.Value)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("sendpulse send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return resp.StatusCode, fmt.Errorf("sendpulse send: status %d: %s", resp.StatusCode, channels.Truncate(string(msg), 300))
	}
	return resp.StatusCode, nil
}
