// Package whatsapp adapts Twilio's WhatsApp webhooks, status callbacks and
// Messages API.
package whatsapp

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/nextlevelbuilder/goinbox/internal/channels"
	"github.com/nextlevelbuilder/goinbox/internal/config"
	"github.com/nextlevelbuilder/goinbox/internal/outbound"
)

const (
	// SignatureHeader carries Twilio's request signature.
	SignatureHeader = "X-Twilio-Signature"
	// DefaultAutoReply is the TwiML acknowledgement sent back to the customer.
	DefaultAutoReply = "Thanks! An agent will be with you shortly."

	prefix = "whatsapp:"
)

// StripPrefix removes the "whatsapp:" address prefix.
func StripPrefix(addr string) string {
	return strings.TrimPrefix(strings.TrimSpace(addr), prefix)
}

// Normalizer parses Twilio's form-encoded inbound webhook.
type Normalizer struct {
	// Channel overrides the channel name (the simulator uses "whatsapp-mock").
	Channel string
}

func (n Normalizer) Normalize(raw []byte) ([]channels.Inbound, error) {
	form, err := url.ParseQuery(string(raw))
	if err != nil {
		return nil, fmt.Errorf("whatsapp: parse form: %w", err)
	}
	return n.FromForm(form)
}

// FromForm normalizes an already-parsed form.
func (n Normalizer) FromForm(form url.Values) ([]channels.Inbound, error) {
	number := StripPrefix(form.Get("From"))
	waID := strings.TrimSpace(form.Get("WaId"))
	name := strings.TrimSpace(form.Get("ProfileName"))
	if name == "" && number != "" {
		id := waID
		if id == "" {
			id = number
		}
		name = "WhatsApp " + id
	}
	ch := n.Channel
	if ch == "" {
		ch = channels.WhatsApp
	}
	in, err := channels.Finalize(channels.Inbound{
		Channel:     ch,
		ExternalID:  number,
		DisplayName: name,
		Text:        form.Get("Body"),
	})
	if err != nil {
		return nil, err
	}
	return []channels.Inbound{in}, nil
}

// ValidateSignature checks X-Twilio-Signature: base64(HMAC-SHA1(authToken,
// fullURL + each POST param name and value, sorted by name)).
func ValidateSignature(authToken, signature, fullURL string, params url.Values) bool {
	if authToken == "" || signature == "" {
		return false
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		vals := append([]string(nil), params[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			b.WriteString(k)
			b.WriteString(v)
		}
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Message string   `xml:"Message,omitempty"`
}

// TwiML renders a messaging response. An empty text yields an empty <Response/>.
func TwiML(text string) []byte {
	out, _ := xml.Marshal(twimlResponse{Message: text})
	return append([]byte(xml.Header), out...)
}

// Status is a delivery status callback.
type Status struct {
	MessageSid string
	Status     string
	To         string // E.164, prefix stripped
}

// ParseStatus reads a status callback form.
func ParseStatus(form url.Values) Status {
	return Status{
		MessageSid: form.Get("MessageSid"),
		Status:     form.Get("MessageStatus"),
		To:         StripPrefix(form.Get("To")),
	}
}

// Sender sends through POST /2010-04-01/Accounts/{sid}/Messages.json.
type Sender struct {
	cfg    config.WhatsAppConfig
	client *http.Client
}

// NewSender validates credentials up front; an account SID that does not start
// with "AC" leaves the sender disabled.
func NewSender(cfg config.WhatsAppConfig, client *http.Client) *Sender {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.twilio.com"
	}
	s := &Sender{cfg: cfg, client: client}
	if cfg.AccountSID != "" && !s.Configured() {
		slog.Warn("whatsapp.twilio_disabled", "reason", "account SID must start with AC")
	}
	return s
}

func (s *Sender) Configured() bool {
	return strings.HasPrefix(s.cfg.AccountSID, "AC") && s.cfg.AuthToken != "" && s.cfg.From != ""
}

func (s *Sender) Name() string { return "twilio" }

func (s *Sender) Send(ctx context.Context, t outbound.Target, text string) error {
	if !s.Configured() {
		slog.Error("whatsapp.not_configured", "conversation_id", t.ConversationID)
		return outbound.ErrNotConfigured
	}
	to := StripPrefix(t.ExternalID)
	if to == "" {
		return fmt.Errorf("twilio: empty recipient")
	}

	form := url.Values{}
	form.Set("From", prefix+StripPrefix(s.cfg.From))
	form.Set("To", prefix+to)
	form.Set("Body", text)

	u := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", strings.TrimRight(s.cfg.APIBase, "/"), url.PathEscape(s.cfg.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(s.cfg.AccountSID, s.cfg.AuthToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("twilio: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("twilio: status %d: %d %s", resp.StatusCode, apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("twilio: status %d", resp.StatusCode)
	}
	var created struct {
		Sid string `json:"sid"`
	}
	_ = json.Unmarshal(body, &created)
	slog.Debug("whatsapp.sent", "sid", created.Sid, "to", to)
	return nil
}
