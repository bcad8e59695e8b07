// Package channels holds the inbound contract shared by every provider adapter.
// Each adapter turns a provider webhook body into zero or more Inbound events;
// the inbox pipeline does the rest.
package channels

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// Channel names as stored in the channels table.
const (
	Instagram = "instagram"
	Facebook  = "facebook"
	WhatsApp  = "whatsapp"
	Telegram  = "telegram"
	Outlook   = "outlook"
	Web       = "web"

	// WhatsAppMock is the simulator channel; it stores as type whatsapp.
	WhatsAppMock = "whatsapp-mock"
)

const (
	// MaxNameLen bounds customer display names.
	MaxNameLen = 80
	// MaxTextLen bounds message content.
	MaxTextLen = 2000
	// NonTextPlaceholder replaces empty bodies (stickers, attachments, reactions).
	NonTextPlaceholder = "[non-text message]"
)

// ErrRejected marks an event that is acknowledged to the provider but not ingested
// (echoes, missing sender, unsupported event kinds).
var ErrRejected = errors.New("inbound event rejected")

// Inbound is one normalized customer message.
type Inbound struct {
	Channel     string // channel name, e.g. "instagram"
	ExternalID  string // customer id as seen on the wire
	ContactID   string // provider contact id when the payload carries one
	DisplayName string
	Text        string
}

// Normalizer converts a raw provider payload into inbound events.
// An empty slice with a nil error means the payload had nothing to ingest.
type Normalizer interface {
	Normalize(raw []byte) ([]Inbound, error)
}

// TypeFor maps a channel name to the stored channel type.
func TypeFor(name string) string {
	switch name {
	case Outlook:
		return "email"
	case WhatsAppMock:
		return WhatsApp
	}
	return name
}

// PlaceholderName is the customer name used when the provider sent none.
func PlaceholderName(channel string) string {
	switch channel {
	case Instagram:
		return "Instagram User"
	case Facebook:
		return "Facebook User"
	case WhatsApp, WhatsAppMock:
		return "WhatsApp User"
	case Telegram:
		return "Telegram User"
	case Outlook:
		return "Email User"
	case Web:
		return "Customer"
	}
	return "Customer"
}

// Finalize trims and bounds the fields of in. It rejects events without an
// external id and substitutes placeholders for missing text and names.
func Finalize(in Inbound) (Inbound, error) {
	in.ExternalID = strings.TrimSpace(in.ExternalID)
	if in.ExternalID == "" {
		return Inbound{}, ErrRejected
	}
	in.ContactID = strings.TrimSpace(in.ContactID)

	in.Text = strings.TrimSpace(in.Text)
	if in.Text == "" {
		in.Text = NonTextPlaceholder
	}
	in.Text = Clip(in.Text, MaxTextLen)

	in.DisplayName = strings.TrimSpace(in.DisplayName)
	if in.DisplayName == "" {
		in.DisplayName = PlaceholderName(in.Channel)
	}
	in.DisplayName = Clip(in.DisplayName, MaxNameLen)
	return in, nil
}

// Clip cuts s to at most n runes.
func Clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

// Truncate shortens s for log lines, appending "..." when cut.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen] + "..."
}
