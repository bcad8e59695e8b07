// Package outlook ingests Microsoft Graph mail notifications and sends replies
// through Graph sendMail, in application (client credentials) or delegated
// (refresh token file) mode.
package outlook

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/goinbox/internal/channels"
)

// IngestKeyHeader authenticates POST /ingest/outlook.
const IngestKeyHeader = "X-Ingest-Key"

// Notification is one entry of a Graph change notification.
type Notification struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
	ResourceData   struct {
		ID string `json:"id"`
	} `json:"resourceData"`
}

// ParseNotifications decodes {"value":[...]} and returns the message ids to
// fetch. Entries whose clientState does not match expected are skipped; an
// empty expected state accepts everything.
func ParseNotifications(raw []byte, expected string) ([]string, error) {
	var body struct {
		Value []Notification `json:"value"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("outlook: decode notification: %w", err)
	}
	var ids []string
	for _, n := range body.Value {
		if expected != "" && n.ClientState != "" && n.ClientState != expected {
			continue
		}
		if n.ResourceData.ID == "" {
			continue
		}
		ids = append(ids, n.ResourceData.ID)
	}
	return ids, nil
}

// Message is the subset of a Graph message the inbox reads.
type Message struct {
	ID          string `json:"id"`
	Subject     string `json:"subject"`
	BodyPreview string `json:"bodyPreview"`
	Body        struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	From struct {
		EmailAddress struct {
			Name    string `json:"name"`
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"from"`
	ConversationID string `json:"conversationId"`
}

// Text returns the preview, or the HTML body reduced to plain text.
func (m *Message) Text() string {
	if t := strings.TrimSpace(m.BodyPreview); t != "" {
		return t
	}
	return StripHTML(m.Body.Content)
}

var (
	tagRe   = regexp.MustCompile(`<[^>]+>`)
	spaceRe = regexp.MustCompile(`\s+`)
)

// StripHTML drops tags and collapses whitespace.
func StripHTML(html string) string {
	s := tagRe.ReplaceAllString(html, " ")
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

// Bridge is a message relayed by the SendPulse email bridge.
type Bridge struct {
	Platform string // facebook or instagram
	ChatID   string
	Name     string
	Text     string
}

const bridgeScan = 1500

var bridgeLine = regexp.MustCompile(`^([a-zA-Z0-9_.\-]+)=(.*)$`)

// ParseBridge recognizes a "[SP]" block followed by key=value lines
// (platform, chat_id or contact_id, name, text).
func ParseBridge(raw string) (*Bridge, bool) {
	start := strings.Index(raw, "[SP]")
	if start < 0 {
		return nil, false
	}
	block := raw[start:]
	if len(block) > bridgeScan {
		block = block[:bridgeScan]
	}
	var lines []string
	for _, l := range strings.Split(strings.ReplaceAll(block, "\r\n", "\n"), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) == 0 || lines[0] != "[SP]" {
		return nil, false
	}
	kv := map[string]string{}
	for _, l := range lines[1:] {
		if m := bridgeLine.FindStringSubmatch(l); m != nil {
			kv[strings.ToLower(m[1])] = strings.TrimSpace(m[2])
		}
	}
	b := &Bridge{
		Platform: strings.ToLower(kv["platform"]),
		ChatID:   kv["chat_id"],
		Name:     kv["name"],
		Text:     kv["text"],
	}
	if b.ChatID == "" {
		b.ChatID = kv["contact_id"]
	}
	if b.Name == "" {
		b.Name = "User"
	}
	if b.Platform != channels.Facebook && b.Platform != channels.Instagram {
		return nil, false
	}
	if b.ChatID == "" || b.Text == "" {
		return nil, false
	}
	return b, true
}

// FromEmail builds the inbound event for a mail from address, rerouting
// SendPulse bridge mails to their social channel.
func FromEmail(address, name, text string) (channels.Inbound, error) {
	text = strings.TrimSpace(text)
	if b, ok := ParseBridge(text); ok {
		return channels.Finalize(channels.Inbound{
			Channel:     b.Platform,
			ExternalID:  b.ChatID,
			DisplayName: b.Name,
			Text:        b.Text,
		})
	}
	address = strings.TrimSpace(address)
	if address == "" || text == "" {
		return channels.Inbound{}, channels.ErrRejected
	}
	if strings.TrimSpace(name) == "" {
		name = address
	}
	return channels.Finalize(channels.Inbound{
		Channel:     channels.Outlook,
		ExternalID:  address,
		DisplayName: name,
		Text:        text,
	})
}

// FromMessage normalizes a fetched Graph message. Mail sent by mailbox itself
// is an echo.
func FromMessage(m *Message, mailbox string) (channels.Inbound, error) {
	from := m.From.EmailAddress.Address
	if mailbox != "" && strings.EqualFold(from, mailbox) {
		return channels.Inbound{}, channels.ErrRejected
	}
	if from == "" {
		from = "unknown@example.com"
	}
	return FromEmail(from, m.From.EmailAddress.Name, m.Text())
}

// IngestPayload is the body of POST /ingest/outlook.
type IngestPayload struct {
	FromEmail string `json:"fromEmail"`
	Name      string `json:"name,omitempty"`
	Text      string `json:"text"`
}
