package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// Slack posts {"text": ...} to an incoming webhook.
type Slack struct {
	URL    string
	Format Format
	Client *http.Client
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Text(ev Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\nFrom: %s\nPreview: %s", s.Format.Title(ev), ev.CustomerName, s.Format.Preview(ev))
	if link := s.Format.Link(ev); link != "" {
		fmt.Fprintf(&b, "\nConversation: %s", link)
	}
	fmt.Fprintf(&b, "\nChat ID: %s", ev.ExternalID)
	return b.String()
}

func (s *Slack) Send(ctx context.Context, ev Event) error {
	body, err := json.Marshal(map[string]string{"text": s.Text(ev)})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("slack: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("slack: status %d", resp.StatusCode)
	}
	return nil
}

// Discord executes a channel webhook through discordgo.
type Discord struct {
	session *discordgo.Session
	id      string
	token   string
	Format  Format
}

// NewDiscord parses a webhook URL of the form .../webhooks/{id}/{token}.
func NewDiscord(webhookURL string, f Format) (*Discord, error) {
	u, err := url.Parse(webhookURL)
	if err != nil {
		return nil, fmt.Errorf("discord webhook url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 3 || parts[len(parts)-3] != "webhooks" {
		return nil, fmt.Errorf("discord webhook url: unexpected path %q", u.Path)
	}
	session, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	return &Discord{
		session: session,
		id:      parts[len(parts)-2],
		token:   parts[len(parts)-1],
		Format:  f,
	}, nil
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Content(ev Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📥 %s\n**From:** %s\n**Preview:** %s", d.Format.Title(ev), ev.CustomerName, d.Format.Preview(ev))
	if link := d.Format.Link(ev); link != "" {
		fmt.Fprintf(&b, "\n**Conversation:** %s", link)
	}
	fmt.Fprintf(&b, "\n**Chat ID:** %s", ev.ExternalID)
	return b.String()
}

func (d *Discord) Send(ctx context.Context, ev Event) error {
	_, err := d.session.WebhookExecute(d.id, d.token, false, &discordgo.WebhookParams{
		Content: d.Content(ev),
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	return nil
}

// Mailer is satisfied by the Outlook Graph client.
type Mailer interface {
	Configured() bool
	SendMail(ctx context.Context, to, subject, text string) error
}

// Email sends the notification through a Mailer.
type Email struct {
	To     string
	Mailer Mailer
	Format Format
}

func (e *Email) Name() string { return "email" }

func (e *Email) Subject(ev Event) string {
	return e.Format.Title(ev) + " - " + ev.CustomerName
}

func (e *Email) Body(ev Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\nFrom: %s\nPlatform: %s\nChat ID: %s\nPreview: %s",
		e.Format.Title(ev), ev.CustomerName, ev.Channel, ev.ExternalID, e.Format.Preview(ev))
	if link := e.Format.Link(ev); link != "" {
		fmt.Fprintf(&b, "\nConversation: %s", link)
	}
	return b.String()
}

func (e *Email) Send(ctx context.Context, ev Event) error {
	if e.Mailer == nil || !e.Mailer.Configured() {
		return nil
	}
	return e.Mailer.SendMail(ctx, e.To, e.Subject(ev), e.Body(ev))
}
