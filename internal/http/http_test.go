package http

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/goinbox/internal/bus"
	"github.com/nextlevelbuilder/goinbox/internal/channels/outlook"
	"github.com/nextlevelbuilder/goinbox/internal/config"
	"github.com/nextlevelbuilder/goinbox/internal/inbox"
	"github.com/nextlevelbuilder/goinbox/internal/outbound"
	"github.com/nextlevelbuilder/goinbox/internal/presence"
	"github.com/nextlevelbuilder/goinbox/internal/store"
	"github.com/nextlevelbuilder/goinbox/internal/store/sqlite"
	"github.com/nextlevelbuilder/goinbox/pkg/protocol"
)

type recorder struct {
	mu  sync.Mutex
	evs []bus.Event
}

func (r *recorder) add(ev bus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
}

func (r *recorder) named(name string) []bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bus.Event
	for _, ev := range r.evs {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

type okDispatcher struct{}

func (okDispatcher) Dispatch(_ context.Context, id int64, _ string) outbound.Result {
	return outbound.Result{Sent: true, Method: "telegram", Channel: "telegram", ExternalID: "42"}
}

type fakeMail struct {
	msgs map[string]*outlook.Message
}

func (f *fakeMail) Configured() bool { return true }
func (f *fakeMail) Mailbox() string  { return "support@example.com" }
func (f *fakeMail) FetchMessage(_ context.Context, id string) (*outlook.Message, error) {
	return f.msgs[id], nil
}

type env struct {
	srv    *httptest.Server
	mux    *http.ServeMux
	svc    *inbox.Service
	cfg    *config.Config
	events *recorder
}

func newEnv(t *testing.T, mutate func(*config.Config), mail MailFetcher) *env {
	t.Helper()
	st, err := sqlite.NewSQLiteStores(store.StoreConfig{SQLitePath: filepath.Join(t.TempDir(), "http.db")})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	cfg.Inbox.Simulator = true
	if mutate != nil {
		mutate(cfg)
	}
	b := bus.New()
	rec := &recorder{}
	b.Subscribe("test", rec.add)
	svc := inbox.NewService(st, b, presence.NewRegistry(), inbox.WithDispatcher(okDispatcher{}))

	mux := http.NewServeMux()
	NewAPIHandler(svc, cfg.Gateway.Token, cfg.Gateway.RateLimitRPM, cfg.Inbox.Simulator).RegisterRoutes(mux)
	NewWebhooksHandler(svc, cfg, mail).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &env{srv: srv, mux: mux, svc: svc, cfg: cfg, events: rec}
}

func (e *env) do(t *testing.T, method, path, contentType, body string, hdr map[string]string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(raw)
}

func (e *env) conversations(t *testing.T, query string) []store.Conversation {
	t.Helper()
	code, body := e.do(t, http.MethodGet, "/conversations"+query, "", "", nil)
	if code != http.StatusOK {
		t.Fatalf("GET /conversations = %d %s", code, body)
	}
	var out []store.Conversation
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestTelegramWebhookAndConversationAPI(t *testing.T) {
	e := newEnv(t, nil, nil)
	code, _ := e.do(t, http.MethodPost, "/webhooks/telegram", "application/json",
		`{"message":{"chat":{"id":42},"from":{"first_name":"Ann"},"text":"Hi"}}`, nil)
	if code != http.StatusOK {
		t.Fatalf("telegram webhook = %d", code)
	}

	convs := e.conversations(t, "?status=open&assignedTo=null")
	if len(convs) != 1 || convs[0].CustomerName != "Ann" || convs[0].ChannelName != "telegram" {
		t.Fatalf("conversations = %+v", convs)
	}
	id := convs[0].ID

	cases := []struct {
		name string
		path string
		body string
		want int
	}{
		{"status missing", "/conversations/%d/status", `{}`, http.StatusBadRequest},
		{"status invalid", "/conversations/%d/status", `{"status":"archived"}`, http.StatusBadRequest},
		{"status pending", "/conversations/%d/status", `{"status":"pending"}`, http.StatusOK},
		{"claim no agent name", "/conversations/%d/claim", `{}`, http.StatusBadRequest},
		{"claim unknown agent", "/conversations/%d/claim", `{"agentName":"ghost"}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := strings.Replace(tc.path, "%d", jsonInt(id), 1)
			if code, body := e.do(t, http.MethodPost, path, "application/json", tc.body, nil); code != tc.want {
				t.Errorf("%s = %d %s, want %d", path, code, body, tc.want)
			}
		})
	}

	if code, _ := e.do(t, http.MethodPost, "/conversations/999/status", "application/json", `{"status":"closed"}`, nil); code != http.StatusNotFound {
		t.Errorf("missing conversation status = %d, want 404", code)
	}

	code, body := e.do(t, http.MethodGet, "/messages?conversationId="+jsonInt(id), "", "", nil)
	if code != http.StatusOK || !strings.Contains(body, `"content":"Hi"`) {
		t.Errorf("GET /messages = %d %s", code, body)
	}

	code, body = e.do(t, http.MethodGet, "/analytics/summary", "", "", nil)
	var sum store.InboxSummary
	if code != http.StatusOK || json.Unmarshal([]byte(body), &sum) != nil || sum.Pending != 1 {
		t.Errorf("summary = %d %s", code, body)
	}
}

func TestWebhookIngestOutlivesDroppedRequest(t *testing.T) {
	e := newEnv(t, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/telegram",
		strings.NewReader(`{"message":{"chat":{"id":77},"from":{"first_name":"Bo"},"text":"still here"}}`)).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("telegram webhook = %d", rec.Code)
	}

	convs := e.conversations(t, "")
	if len(convs) != 1 || convs[0].CustomerName != "Bo" {
		t.Fatalf("conversations = %+v", convs)
	}
	code, body := e.do(t, http.MethodGet, "/messages?conversationId="+jsonInt(convs[0].ID), "", "", nil)
	if code != http.StatusOK || !strings.Contains(body, `"content":"still here"`) {
		t.Errorf("GET /messages = %d %s", code, body)
	}
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestReopenConflict(t *testing.T) {
	e := newEnv(t, nil, nil)
	tg := `{"message":{"chat":{"id":7},"from":{"first_name":"Bo"},"text":"%s"}}`
	e.do(t, http.MethodPost, "/webhooks/telegram", "application/json", strings.Replace(tg, "%s", "one", 1), nil)
	first := e.conversations(t, "")[0].ID
	e.do(t, http.MethodPost, "/conversations/"+jsonInt(first)+"/status", "application/json", `{"status":"closed"}`, nil)
	e.do(t, http.MethodPost, "/webhooks/telegram", "application/json", strings.Replace(tg, "%s", "two", 1), nil)

	if code, _ := e.do(t, http.MethodPost, "/conversations/"+jsonInt(first)+"/status", "application/json", `{"status":"open"}`, nil); code != http.StatusConflict {
		t.Errorf("reopen = %d, want 409", code)
	}
}

func TestBearerToken(t *testing.T) {
	e := newEnv(t, func(c *config.Config) { c.Gateway.Token = "tok" }, nil)
	if code, _ := e.do(t, http.MethodGet, "/conversations", "", "", nil); code != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", code)
	}
	if code, _ := e.do(t, http.MethodGet, "/conversations", "", "", map[string]string{"Authorization": "Bearer tok"}); code != http.StatusOK {
		t.Errorf("with token = %d, want 200", code)
	}
	// Webhooks are authenticated by their providers, not the gateway token.
	if code, _ := e.do(t, http.MethodPost, "/webhooks/telegram", "application/json", `{}`, nil); code != http.StatusOK {
		t.Errorf("webhook = %d, want 200", code)
	}
}

func TestManualResponse(t *testing.T) {
	e := newEnv(t, nil, nil)
	e.do(t, http.MethodPost, "/webhooks/telegram", "application/json", `{"message":{"chat":{"id":42},"from":{"first_name":"Ann"},"text":"Hi"}}`, nil)
	id := e.conversations(t, "")[0].ID

	code, body := e.do(t, http.MethodPost, "/api/send-manual-response", "application/json",
		`{"conversationId":"`+jsonInt(id)+`","message":"  Hello Ann  "}`, nil)
	if code != http.StatusOK {
		t.Fatalf("manual response = %d %s", code, body)
	}
	var res struct {
		Success   bool            `json:"success"`
		MessageID int64           `json:"messageId"`
		Outbound  outbound.Result `json:"outbound"`
	}
	if err := json.Unmarshal([]byte(body), &res); err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.MessageID == 0 || !res.Outbound.Sent || res.Outbound.Method != "telegram" {
		t.Errorf("response = %+v", res)
	}

	for _, tc := range []struct {
		body string
		want int
	}{
		{`{"message":"x"}`, http.StatusBadRequest},
		{`{"conversationId":"abc","message":"x"}`, http.StatusBadRequest},
		{`{"conversationId":999,"message":"x"}`, http.StatusNotFound},
		{`{"conversationId":` + jsonInt(id) + `,"message":"   "}`, http.StatusBadRequest},
	} {
		if code, body := e.do(t, http.MethodPost, "/api/send-manual-response", "application/json", tc.body, nil); code != tc.want {
			t.Errorf("%s = %d %s, want %d", tc.body, code, body, tc.want)
		}
	}
}

func TestMockWhatsApp(t *testing.T) {
	e := newEnv(t, nil, nil)
	if code, _ := e.do(t, http.MethodGet, "/mock/whatsapp/get?customerExternalId=+15550001", "", "", nil); code != http.StatusNotFound {
		t.Errorf("get before send = %d, want 404", code)
	}
	code, body := e.do(t, http.MethodPost, "/mock/whatsapp/send", "application/json",
		`{"customerExternalId":"15550001","customerName":"Sim","content":"hello"}`, nil)
	if code != http.StatusOK || !strings.Contains(body, `"conversation"`) {
		t.Fatalf("mock send = %d %s", code, body)
	}
	if code, _ := e.do(t, http.MethodGet, "/mock/whatsapp/get?customerExternalId=15550001", "", "", nil); code != http.StatusOK {
		t.Errorf("get after send = %d, want 200", code)
	}
	if code, _ := e.do(t, http.MethodPost, "/mock/whatsapp/send", "application/json", `{"content":"x"}`, nil); code != http.StatusBadRequest {
		t.Errorf("missing id = %d, want 400", code)
	}
}

func TestMetaWebhook(t *testing.T) {
	e := newEnv(t, func(c *config.Config) {
		c.Channels.Meta.VerifyToken = "verify-me"
		c.Channels.Meta.AppSecret = "app-secret"
		c.Channels.Meta.SignatureStrict = true
	}, nil)

	code, body := e.do(t, http.MethodGet, "/webhooks/meta?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=1234", "", "", nil)
	if code != http.StatusOK || body != "1234" {
		t.Errorf("verify = %d %q", code, body)
	}
	if code, _ := e.do(t, http.MethodGet, "/webhooks/instagram?hub.mode=subscribe&hub.verify_token=nope&hub.challenge=1", "", "", nil); code != http.StatusForbidden {
		t.Errorf("bad verify token = %d, want 403", code)
	}

	payload := `{"object":"instagram","entry":[{"messaging":[{"sender":{"id":"ig-1"},"message":{"mid":"m1","text":"hey"}}]}]}`
	if code, _ := e.do(t, http.MethodPost, "/webhooks/meta", "application/json", payload, map[string]string{"X-Hub-Signature-256": "sha256=00"}); code != http.StatusUnauthorized {
		t.Errorf("bad signature = %d, want 401", code)
	}
	mac := hmac.New(sha256.New, []byte("app-secret"))
	mac.Write([]byte(payload))
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if code, _ := e.do(t, http.MethodPost, "/webhooks/meta", "application/json", payload, map[string]string{"X-Hub-Signature-256": sig}); code != http.StatusOK {
		t.Fatalf("signed = %d", code)
	}
	convs := e.conversations(t, "")
	if len(convs) != 1 || convs[0].ChannelName != "instagram" || convs[0].CustomerExternalID != "ig-1" {
		t.Errorf("conversations = %+v", convs)
	}
}

func TestWhatsAppWebhookAndStatus(t *testing.T) {
	e := newEnv(t, func(c *config.Config) {
		c.Channels.WhatsApp.AuthToken = "twilio-token"
		c.Gateway.PublicURL = "https://inbox.example.com"
	}, nil)

	form := url.Values{"From": {"whatsapp:+15550002"}, "WaId": {"15550002"}, "Body": {"hola"}, "ProfileName": {"Luz"}}
	code, body := e.do(t, http.MethodPost, "/webhooks/whatsapp", "application/x-www-form-urlencoded", form.Encode(), nil)
	if code != http.StatusOK || !strings.Contains(body, "<Message>Thanks! An agent will be with you shortly.</Message>") {
		t.Fatalf("whatsapp = %d %s", code, body)
	}
	convs := e.conversations(t, "")
	if len(convs) != 1 || convs[0].CustomerExternalID != "+15550002" || convs[0].CustomerName != "Luz" {
		t.Fatalf("conversations = %+v", convs)
	}

	status := url.Values{"MessageSid": {"SM1"}, "MessageStatus": {"delivered"}, "To": {"whatsapp:+15550002"}}
	e.do(t, http.MethodPost, "/webhooks/twilio/status", "application/x-www-form-urlencoded", status.Encode(), nil)
	got := e.events.named(protocol.EventProviderStatus)
	if len(got) != 1 {
		t.Fatalf("provider:status events = %d", len(got))
	}
	p := got[0].Payload.(protocol.ProviderStatusPayload)
	if p.ConversationID != convs[0].ID || p.Status != "delivered" || got[0].Room != protocol.RoomForConversation(convs[0].ID) {
		t.Errorf("status event = %+v", got[0])
	}
}

func TestWhatsAppStrictSignature(t *testing.T) {
	e := newEnv(t, func(c *config.Config) {
		c.Channels.WhatsApp.AuthToken = "twilio-token"
		c.Channels.WhatsApp.WebhookStrict = true
		c.Gateway.PublicURL = "https://inbox.example.com"
	}, nil)
	form := url.Values{"From": {"whatsapp:+1"}, "Body": {"x"}}
	if code, _ := e.do(t, http.MethodPost, "/webhooks/whatsapp", "application/x-www-form-urlencoded", form.Encode(), nil); code != http.StatusForbidden {
		t.Errorf("unsigned = %d, want 403", code)
	}

	mac := hmac.New(sha1.New, []byte("twilio-token"))
	mac.Write([]byte("https://inbox.example.com/webhooks/whatsappBodyxFromwhatsapp:+1"))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if code, _ := e.do(t, http.MethodPost, "/webhooks/whatsapp", "application/x-www-form-urlencoded", form.Encode(), map[string]string{"X-Twilio-Signature": sig}); code != http.StatusOK {
		t.Errorf("signed = %d, want 200", code)
	}
}

func TestOutlookEndpoints(t *testing.T) {
	mail := &fakeMail{msgs: map[string]*outlook.Message{}}
	mail.msgs["m1"] = &outlook.Message{BodyPreview: "Where is my order?"}
	mail.msgs["m1"].From.EmailAddress.Address = "buyer@example.com"
	mail.msgs["m1"].From.EmailAddress.Name = "Buyer"
	mail.msgs["echo"] = &outlook.Message{BodyPreview: "our reply"}
	mail.msgs["echo"].From.EmailAddress.Address = "Support@example.com"

	e := newEnv(t, func(c *config.Config) {
		c.Channels.Outlook.IngestKey = "ingest-key"
		c.Channels.Outlook.ClientState = "state"
	}, mail)

	if code, body := e.do(t, http.MethodGet, "/webhooks/outlook?validationToken=abc", "", "", nil); code != http.StatusOK || body != "abc" {
		t.Errorf("GET validation = %d %q", code, body)
	}
	if code, body := e.do(t, http.MethodPost, "/webhooks/outlook?validationToken=xyz", "", "", nil); code != http.StatusOK || body != "xyz" {
		t.Errorf("POST validation = %d %q", code, body)
	}
	if code, _ := e.do(t, http.MethodGet, "/webhooks/outlook", "", "", nil); code != http.StatusBadRequest {
		t.Errorf("GET without token = %d, want 400", code)
	}

	notif := `{"value":[
		{"clientState":"state","resourceData":{"id":"m1"}},
		{"clientState":"state","resourceData":{"id":"echo"}},
		{"clientState":"wrong","resourceData":{"id":"m1"}}
	]}`
	if code, _ := e.do(t, http.MethodPost, "/webhooks/outlook", "application/json", notif, nil); code != http.StatusAccepted {
		t.Fatalf("notification = %d, want 202", code)
	}
	convs := e.conversations(t, "")
	if len(convs) != 1 || convs[0].ChannelName != "outlook" || convs[0].CustomerExternalID != "buyer@example.com" {
		t.Fatalf("conversations = %+v", convs)
	}

	for _, tc := range []struct {
		name string
		key  string
		body string
		want int
	}{
		{"bad key", "nope", `{"fromEmail":"a@b.c","text":"x"}`, http.StatusForbidden},
		{"missing text", "ingest-key", `{"fromEmail":"a@b.c"}`, http.StatusBadRequest},
		{"bridge", "ingest-key", `{"fromEmail":"bridge@sendpulse.com","text":"[SP]\nplatform=facebook\nchat_id=fb-9\nname=Kim\ntext=need help"}`, http.StatusOK},
	} {
		t.Run(tc.name, func(t *testing.T) {
			code, body := e.do(t, http.MethodPost, "/ingest/outlook", "application/json", tc.body, map[string]string{outlook.IngestKeyHeader: tc.key})
			if code != tc.want {
				t.Errorf("ingest = %d %s, want %d", code, body, tc.want)
			}
		})
	}
	convs = e.conversations(t, "")
	if len(convs) != 2 || convs[0].ChannelName != "facebook" || convs[0].CustomerName != "Kim" {
		t.Errorf("after bridge = %+v", convs)
	}
}

func TestWebhookRateLimitStillAcks(t *testing.T) {
	e := newEnv(t, nil, nil)
	hdr := map[string]string{"X-Forwarded-For": "203.0.113.9"}
	// Burst is a quarter of the default 120/min budget.
	for i := 0; i < 40; i++ {
		body := `{"message":{"chat":{"id":5},"from":{"first_name":"R"},"text":"m` + jsonInt(int64(i)) + `"}}`
		if code, _ := e.do(t, http.MethodPost, "/webhooks/telegram", "application/json", body, hdr); code != http.StatusOK {
			t.Fatalf("request %d = %d, want 200", i, code)
		}
	}
	convs := e.conversations(t, "")
	if len(convs) != 1 {
		t.Fatalf("conversations = %d", len(convs))
	}
	msgs, err := e.svc.Stores().Messages.ListByConversation(context.Background(), convs[0].ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) >= 40 || len(msgs) < 30 {
		t.Errorf("stored %d messages, want the burst only", len(msgs))
	}
}
