package outlook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/nextlevelbuilder/goinbox/internal/config"
	"github.com/nextlevelbuilder/goinbox/internal/outbound"
)

const (
	appScope = "https://graph.microsoft.com/.default"
	// delegated mode authenticates personal accounts against the consumers tenant
	delegatedTenant = "consumers"
)

var delegatedScopes = []string{
	"https://graph.microsoft.com/Mail.Read",
	"https://graph.microsoft.com/Mail.ReadWrite",
	"https://graph.microsoft.com/Mail.Send",
	"offline_access",
}

// Client talks to Microsoft Graph mail endpoints.
type Client struct {
	cfg    config.OutlookConfig
	http   *http.Client
	ts     oauth2.TokenSource
	closer io.Closer
}

// NewClient builds a Graph client for cfg.Mode. An unconfigured client is
// returned without error; its calls fail with outbound.ErrNotConfigured.
func NewClient(ctx context.Context, cfg config.OutlookConfig, hc *http.Client) (*Client, error) {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.GraphBase == "" {
		cfg.GraphBase = "https://graph.microsoft.com/v1.0"
	}
	if cfg.AuthorityURL == "" {
		cfg.AuthorityURL = "https://login.microsoftonline.com"
	}
	c := &Client{cfg: cfg, http: hc}
	if !cfg.Configured() {
		return c, nil
	}

	tokenCtx := context.WithValue(ctx, oauth2.HTTPClient, hc)
	authority := strings.TrimRight(cfg.AuthorityURL, "/")
	if c.Delegated() {
		conf := &oauth2.Config{
			ClientID: cfg.ClientID,
			Endpoint: oauth2.Endpoint{
				TokenURL:  authority + "/" + delegatedTenant + "/oauth2/v2.0/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
			Scopes: delegatedScopes,
		}
		fts, err := newFileTokenSource(tokenCtx, cfg.TokenFile, conf)
		if err != nil {
			return nil, err
		}
		c.ts = fts
		c.closer = fts
		return c, nil
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     authority + "/" + url.PathEscape(cfg.TenantID) + "/oauth2/v2.0/token",
		Scopes:       []string{appScope},
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	c.ts = oauth2.ReuseTokenSource(nil, cc.TokenSource(tokenCtx))
	return c, nil
}

// Configured reports whether the client can obtain tokens.
func (c *Client) Configured() bool { return c != nil && c.ts != nil }

// Delegated reports whether the client acts as the signed-in user (/me).
func (c *Client) Delegated() bool { return c.cfg.Mode == "delegated" }

// Mailbox is the address whose own mail is treated as an echo.
func (c *Client) Mailbox() string { return c.cfg.Mailbox }

// Close stops the token file watcher, if any.
func (c *Client) Close() error {
	if c == nil || c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

func (c *Client) userPath() string {
	if c.Delegated() {
		return "/me"
	}
	return "/users/" + url.PathEscape(c.cfg.Mailbox)
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	if !c.Configured() {
		return outbound.ErrNotConfigured
	}
	tok, err := c.ts.Token()
	if err != nil {
		return fmt.Errorf("outlook: token: %w", err)
	}

	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.GraphBase, "/")+path, rdr)
	if err != nil {
		return err
	}
	tok.SetAuthHeader(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("outlook: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<10))
		return fmt.Errorf("outlook: %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// FetchMessage reads one message by id.
func (c *Client) FetchMessage(ctx context.Context, id string) (*Message, error) {
	q := url.Values{"$select": {"subject,from,bodyPreview,body,conversationId,receivedDateTime"}}
	var m Message
	path := c.userPath() + "/messages/" + url.PathEscape(id) + "?" + q.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

type recipient struct {
	EmailAddress struct {
		Address string `json:"address"`
	} `json:"emailAddress"`
}

// SendMail sends a plain-text mail and saves it to Sent Items.
func (c *Client) SendMail(ctx context.Context, to, subject, text string) error {
	if subject == "" {
		subject = "Re: Support conversation"
	}
	var rcpt recipient
	rcpt.EmailAddress.Address = to
	payload := map[string]any{
		"message": map[string]any{
			"subject":      subject,
			"body":         map[string]string{"contentType": "Text", "content": text},
			"toRecipients": []recipient{rcpt},
		},
		"saveToSentItems": true,
	}
	return c.do(ctx, http.MethodPost, c.userPath()+"/sendMail", payload, nil)
}

// Sender is the "outlook-mail" outbound strategy.
type Sender struct {
	client *Client
}

func NewSender(c *Client) *Sender { return &Sender{client: c} }

func (s *Sender) Name() string { return "outlook-mail" }

func (s *Sender) Send(ctx context.Context, t outbound.Target, text string) error {
	if !s.client.Configured() {
		return outbound.ErrNotConfigured
	}
	if t.ExternalID == "" {
		return fmt.Errorf("outlook: conversation %d has no address", t.ConversationID)
	}
	subject := fmt.Sprintf("Re: Conversation #%d", t.ConversationID)
	if err := s.client.SendMail(ctx, t.ExternalID, subject, text); err != nil {
		return err
	}
	slog.Debug("outlook.sent", "conversation_id", t.ConversationID, "delegated", s.client.Delegated())
	return nil
}
