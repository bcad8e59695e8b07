// Package meta adapts Messenger and Instagram Graph webhooks and the Send API.
package meta

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/goinbox/internal/channels"
)

type party struct {
	ID channels.FlexibleID `json:"id"`
}

type messageBody struct {
	Text    string `json:"text"`
	Caption string `json:"caption"`
	IsEcho  bool   `json:"is_echo"`
}

type messagingEvent struct {
	Sender           *party       `json:"sender"`
	From             *party       `json:"from"`
	Message          *messageBody `json:"message"`
	MessagingProduct string       `json:"messaging_product"`
}

type changeValue struct {
	From             *party              `json:"from"`
	SenderID         channels.FlexibleID `json:"sender_id"`
	Message          *messageBody        `json:"message"`
	Text             string              `json:"text"`
	MessagingProduct string              `json:"messaging_product"`
}

type payload struct {
	Object string `json:"object"`
	Entry  []struct {
		Messaging []messagingEvent `json:"messaging"`
		Changes   []struct {
			Field string      `json:"field"`
			Value changeValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// Normalizer parses Graph webhook deliveries. With ForceInstagram set every event
// is attributed to instagram (the dedicated /webhooks/instagram endpoint).
type Normalizer struct {
	ForceInstagram bool
}

func (n Normalizer) Normalize(raw []byte) ([]channels.Inbound, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("meta: decode webhook: %w", err)
	}

	var out []channels.Inbound
	for _, entry := range p.Entry {
		for _, m := range entry.Messaging {
			if m.Message == nil {
				// delivery/read receipts
				continue
			}
			if m.Message.IsEcho {
				continue
			}
			platform := channels.Facebook
			if n.ForceInstagram || strings.EqualFold(m.MessagingProduct, "instagram") || strings.EqualFold(p.Object, "instagram") {
				platform = channels.Instagram
			}
			in, err := channels.Finalize(channels.Inbound{
				Channel:    platform,
				ExternalID: partyID(m.Sender, m.From),
				Text:       firstNonEmpty(m.Message.Text, m.Message.Caption),
			})
			if err != nil {
				slog.Debug("meta.event_skipped", "reason", err)
				continue
			}
			out = append(out, in)
		}

		for _, ch := range entry.Changes {
			v := ch.Value
			if !n.ForceInstagram && !strings.EqualFold(v.MessagingProduct, "instagram") {
				continue
			}
			if v.Message != nil && v.Message.IsEcho {
				continue
			}
			sender := partyID(v.From)
			if sender == "" {
				sender = v.SenderID.String()
			}
			var text string
			if v.Message != nil {
				text = firstNonEmpty(v.Message.Text, v.Text, v.Message.Caption)
			} else {
				text = v.Text
			}
			in, err := channels.Finalize(channels.Inbound{
				Channel:    channels.Instagram,
				ExternalID: sender,
				Text:       text,
			})
			if err != nil {
				continue
			}
			out = append(out, in)
		}
	}
	return out, nil
}

func partyID(ps ...*party) string {
	for _, p := range ps {
		if p != nil && p.ID != "" {
			return p.ID.String()
		}
	}
	return ""
}

func firstNonEmpty(ss ...string) string {
	for _, s := range ss {
		if strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

// VerifySignature checks X-Hub-Signature-256 ("sha256=<hex>") or the legacy
// X-Hub-Signature ("sha1=<hex>") against body. Without an app secret the result is
// !strict, so non-strict deployments accept unsigned deliveries.
func VerifySignature(appSecret, header string, body []byte, strict bool) bool {
	if appSecret == "" {
		return !strict
	}
	header = strings.TrimSpace(header)
	switch {
	case strings.HasPrefix(header, "sha256="):
		mac := hmac.New(sha256.New, []byte(appSecret))
		mac.Write(body)
		return hmacEqual(header[len("sha256="):], mac.Sum(nil))
	case strings.HasPrefix(header, "sha1="):
		mac := hmac.New(sha1.New, []byte(appSecret))
		mac.Write(body)
		return hmacEqual(header[len("sha1="):], mac.Sum(nil))
	}
	return false
}

func hmacEqual(hexSig string, sum []byte) bool {
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}
	return hmac.Equal(got, sum)
}

// VerifyChallenge answers the GET subscription handshake. It returns the challenge
// to echo and true when mode and token match.
func VerifyChallenge(mode, token, challenge, verifyToken string) (string, bool) {
	if mode != "subscribe" || verifyToken == "" || token != verifyToken {
		return "", false
	}
	return challenge, true
}
