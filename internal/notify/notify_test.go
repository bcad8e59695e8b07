package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
)

var sample = Event{ConversationID: 7, Channel: "instagram", ExternalID: "u123", CustomerName: "Ada", Text: "hello there"}

func TestSlackText(t *testing.T) {
	s := &Slack{Format: Format{BaseURL: "https://inbox.example.com/"}}
	want := "New instagram message\nFrom: Ada\nPreview: hello there\nConversation: https://inbox.example.com/dashboard?conv=7\nChat ID: u123"
	if got := s.Text(sample); got != want {
		t.Errorf("got %q want %q", got, want)
	}

	s.Format.BaseURL = ""
	if strings.Contains(s.Text(sample), "Conversation:") {
		t.Error("link rendered without base URL")
	}
}

func TestPreviewClipped(t *testing.T) {
	ev := sample
	ev.Text = strings.Repeat("é", 500)
	if got := (Format{}).Preview(ev); len([]rune(got)) != 400 {
		t.Errorf("preview runes = %d", len([]rune(got)))
	}
}

func TestSlackSend(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	s := &Slack{URL: srv.URL, Client: srv.Client()}
	if err := s.Send(context.Background(), sample); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(got["text"], "New instagram message") {
		t.Errorf("text = %q", got["text"])
	}
}

func TestDiscordContent(t *testing.T) {
	d, err := NewDiscord("https://discord.com/api/webhooks/123/abc", Format{})
	if err != nil {
		t.Fatal(err)
	}
	if d.id != "123" || d.token != "abc" {
		t.Errorf("id=%s token=%s", d.id, d.token)
	}
	if !strings.Contains(d.Content(sample), "**From:** Ada") {
		t.Errorf("content = %q", d.Content(sample))
	}
	if _, err := NewDiscord("https://discord.com/api/channels/1", Format{}); err == nil {
		t.Error("expected error for non-webhook url")
	}
}

type fakeMailer struct {
	mu                sync.Mutex
	to, subject, body string
}

func (f *fakeMailer) Configured() bool { return true }

func (f *fakeMailer) SendMail(_ context.Context, to, subject, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.to, f.subject, f.body = to, subject, text
	return nil
}

func TestEmail(t *testing.T) {
	m := &fakeMailer{}
	e := &Email{To: "ops@example.com", Mailer: m}
	if err := e.Send(context.Background(), sample); err != nil {
		t.Fatal(err)
	}
	if m.to != "ops@example.com" || m.subject != "New instagram message - Ada" || !strings.Contains(m.body, "Platform: instagram") {
		t.Errorf("got to=%q subject=%q body=%q", m.to, m.subject, m.body)
	}
}

func TestKafkaSink(t *testing.T) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	p := mocks.NewSyncProducer(t, cfg)
	p.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var env Envelope
		if err := json.Unmarshal(val, &env); err != nil {
			return err
		}
		if env.Meta.Type != EventType || env.Data.ConversationID != 7 || env.Meta.ID == "" {
			return errors.New("unexpected envelope")
		}
		return nil
	})
	k := NewKafkaFromProducer(p, "events")
	if err := k.Send(context.Background(), sample); err != nil {
		t.Fatal(err)
	}
	if err := k.Close(); err != nil {
		t.Fatal(err)
	}
}

type failingSink struct{}

func (failingSink) Name() string                      { return "broken" }
func (failingSink) Send(context.Context, Event) error { return errors.New("boom") }

type panicSink struct{}

func (panicSink) Name() string                      { return "panics" }
func (panicSink) Send(context.Context, Event) error { panic("bad sink") }

func TestDeliverIsolatesFailures(t *testing.T) {
	m := &fakeMailer{}
	n := New(0, failingSink{}, panicSink{}, &Email{To: "a@b", Mailer: m})
	if err := n.Deliver(context.Background(), sample); err == nil {
		t.Error("expected the first sink failure")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.to != "a@b" {
		t.Error("healthy sink skipped after a failure")
	}
}
