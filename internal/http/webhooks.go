package http

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/goinbox/internal/channels"
	"github.com/nextlevelbuilder/goinbox/internal/channels/meta"
	"github.com/nextlevelbuilder/goinbox/internal/channels/outlook"
	"github.com/nextlevelbuilder/goinbox/internal/channels/sendpulse"
	"github.com/nextlevelbuilder/goinbox/internal/channels/telegram"
	"github.com/nextlevelbuilder/goinbox/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/goinbox/internal/config"
	"github.com/nextlevelbuilder/goinbox/internal/inbox"
	"github.com/nextlevelbuilder/goinbox/pkg/protocol"
)

// MailFetcher loads a mailbox message referenced by a Graph notification.
type MailFetcher interface {
	Configured() bool
	Mailbox() string
	FetchMessage(ctx context.Context, id string) (*outlook.Message, error)
}

// WebhooksHandler receives provider callbacks. Providers retry on non-2xx, so
// processing failures are logged and still acknowledged.
type WebhooksHandler struct {
	svc     *inbox.Service
	cfg     *config.Config
	mail    MailFetcher
	limiter *channels.WebhookRateLimiter
}

// NewWebhooksHandler creates the webhook handler. mail may be nil when Outlook
// is not configured.
func NewWebhooksHandler(svc *inbox.Service, cfg *config.Config, mail MailFetcher) *WebhooksHandler {
	return &WebhooksHandler{
		svc:     svc,
		cfg:     cfg,
		mail:    mail,
		limiter: channels.NewWebhookRateLimiter(0),
	}
}

// RegisterRoutes registers all webhook routes on the given mux.
func (h *WebhooksHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /webhooks/meta", h.limit(h.handleMetaVerify))
	mux.HandleFunc("POST /webhooks/meta", h.limit(h.handleMeta(false)))
	mux.HandleFunc("GET /webhooks/instagram", h.limit(h.handleMetaVerify))
	mux.HandleFunc("POST /webhooks/instagram", h.limit(h.handleMeta(true)))
	mux.HandleFunc("POST /webhooks/sendpulse/instagram", h.limit(h.handleSendPulse))
	mux.HandleFunc("POST /webhooks/telegram", h.limit(h.handleTelegram))
	mux.HandleFunc("POST /webhooks/whatsapp", h.limit(h.handleWhatsApp))
	mux.HandleFunc("POST /webhooks/twilio/status", h.limit(h.handleTwilioStatus))
	mux.HandleFunc("GET /webhooks/outlook", h.limit(h.handleOutlookValidate))
	mux.HandleFunc("POST /webhooks/outlook", h.limit(h.handleOutlook))
	mux.HandleFunc("POST /ingest/outlook", h.limit(h.handleIngestOutlook))
}

// limit drops over-budget callers with a 200 so providers do not retry-storm.
func (h *WebhooksHandler) limit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.limiter.Allow(clientIP(r)) {
			slog.Warn("security.webhook_rate_limited", "path", r.URL.Path, "ip", clientIP(r))
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

// ingestTimeout bounds pipeline work for one webhook delivery.
const ingestTimeout = 30 * time.Second

// pipelineContext detaches processing from the provider's connection so a
// dropped request does not stop the pipeline halfway.
func pipelineContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), ingestTimeout)
}

// ingestAll runs each event through the pipeline; failures are logged only.
func (h *WebhooksHandler) ingestAll(ctx context.Context, source string, events []channels.Inbound) {
	for _, in := range events {
		if _, err := h.svc.Ingest(ctx, in.Channel, in); err != nil {
			if errors.Is(err, channels.ErrRejected) {
				slog.Debug("webhook.event_rejected", "source", source, "error", err)
				continue
			}
			slog.Error("webhook.ingest_failed", "source", source, "channel", in.Channel, "error", err)
		}
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
}

func (h *WebhooksHandler) handleMetaVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	challenge, ok := meta.VerifyChallenge(q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"), h.cfg.Channels.Meta.VerifyToken)
	if !ok {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, challenge)
}

func (h *WebhooksHandler) handleMeta(forceInstagram bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := readBody(w, r)
		if err != nil {
			w.WriteHeader(http.StatusOK)
			return
		}
		mc := h.cfg.Channels.Meta
		sig := r.Header.Get("X-Hub-Signature-256")
		if sig == "" {
			sig = r.Header.Get("X-Hub-Signature")
		}
		if !meta.VerifySignature(mc.AppSecret, sig, body, mc.SignatureStrict) {
			slog.Warn("security.webhook_signature_invalid", "provider", "meta", "strict", mc.SignatureStrict)
			if mc.SignatureStrict {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
		}
		events, err := meta.Normalizer{ForceInstagram: forceInstagram}.Normalize(body)
		if err != nil {
			slog.Warn("webhook.decode_failed", "provider", "meta", "error", err)
		}
		ctx, cancel := pipelineContext(r)
		defer cancel()
		h.ingestAll(ctx, "meta", events)
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "EVENT_RECEIVED")
	}
}

func (h *WebhooksHandler) handleSendPulse(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err == nil {
		events, nerr := sendpulse.Normalizer{}.Normalize(body)
		if nerr != nil {
			slog.Warn("webhook.decode_failed", "provider", "sendpulse", "error", nerr)
		}
		ctx, cancel := pipelineContext(r)
		defer cancel()
		h.ingestAll(ctx, "sendpulse", events)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *WebhooksHandler) handleTelegram(w http.ResponseWriter, r *http.Request) {
	if !telegram.VerifySecret(r, h.cfg.Channels.Telegram.WebhookSecret) {
		slog.Warn("security.webhook_signature_invalid", "provider", "telegram")
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	body, err := readBody(w, r)
	if err == nil {
		events, nerr := telegram.Normalizer{}.Normalize(body)
		if nerr != nil {
			slog.Warn("webhook.decode_failed", "provider", "telegram", "error", nerr)
		}
		ctx, cancel := pipelineContext(r)
		defer cancel()
		h.ingestAll(ctx, "telegram", events)
	}
	w.WriteHeader(http.StatusOK)
}

// publicURL rebuilds the URL the provider signed. Behind a proxy set
// gateway.public_url, since Host and scheme are rewritten on the way in.
func (h *WebhooksHandler) publicURL(r *http.Request) string {
	if base := strings.TrimRight(h.cfg.Gateway.PublicURL, "/"); base != "" {
		return base + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// twilioForm parses the form and checks X-Twilio-Signature. It writes the 403
// and returns false only in strict mode.
func (h *WebhooksHandler) twilioForm(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		slog.Warn("webhook.decode_failed", "provider", "twilio", "error", err)
	}
	wc := h.cfg.Channels.WhatsApp
	if whatsapp.ValidateSignature(wc.AuthToken, r.Header.Get(whatsapp.SignatureHeader), h.publicURL(r), r.PostForm) {
		return true
	}
	if wc.WebhookStrict {
		slog.Warn("security.webhook_signature_invalid", "provider", "twilio")
		w.WriteHeader(http.StatusForbidden)
		return false
	}
	slog.Debug("twilio.signature_unverified", "path", r.URL.Path)
	return true
}

func (h *WebhooksHandler) handleWhatsApp(w http.ResponseWriter, r *http.Request) {
	if !h.twilioForm(w, r) {
		return
	}
	events, err := whatsapp.Normalizer{}.FromForm(r.PostForm)
	if err != nil || len(events) == 0 {
		w.WriteHeader(http.StatusOK)
		return
	}
	ctx, cancel := pipelineContext(r)
	defer cancel()
	h.ingestAll(ctx, "whatsapp", events)

	reply := h.cfg.Channels.WhatsApp.AutoReply
	switch reply {
	case "":
		reply = whatsapp.DefaultAutoReply
	case "-":
		reply = ""
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	w.Write(whatsapp.TwiML(reply))
}

func (h *WebhooksHandler) handleTwilioStatus(w http.ResponseWriter, r *http.Request) {
	if !h.twilioForm(w, r) {
		return
	}
	st := whatsapp.ParseStatus(r.PostForm)
	if st.To != "" {
		ctx, cancel := pipelineContext(r)
		defer cancel()
		_, err := h.svc.ProviderStatus(ctx, channels.WhatsApp, st.To, protocol.ProviderStatusPayload{
			Provider:   "twilio",
			Channel:    channels.WhatsApp,
			MessageSid: st.MessageSid,
			Status:     st.Status,
			To:         st.To,
		})
		if err != nil {
			slog.Error("twilio.status_failed", "sid", st.MessageSid, "error", err)
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (h *WebhooksHandler) handleOutlookValidate(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("validationToken")
	if token == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, token)
}

func (h *WebhooksHandler) handleOutlook(w http.ResponseWriter, r *http.Request) {
	// Graph validates new subscriptions with a POST carrying the token.
	if r.URL.Query().Get("validationToken") != "" {
		h.handleOutlookValidate(w, r)
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	ids, err := outlook.ParseNotifications(body, h.cfg.Channels.Outlook.ClientState)
	if err != nil {
		slog.Warn("webhook.decode_failed", "provider", "outlook", "error", err)
	}
	if len(ids) > 0 && (h.mail == nil || !h.mail.Configured()) {
		slog.Warn("outlook.not_configured", "notifications", len(ids))
		ids = nil
	}
	ctx, cancel := pipelineContext(r)
	defer cancel()
	for _, id := range ids {
		m, err := h.mail.FetchMessage(ctx, id)
		if err != nil {
			slog.Error("outlook.fetch_failed", "id", id, "error", err)
			continue
		}
		in, err := outlook.FromMessage(m, h.mail.Mailbox())
		if err != nil {
			slog.Debug("outlook.message_skipped", "id", id, "error", err)
			continue
		}
		h.ingestAll(ctx, "outlook", []channels.Inbound{in})
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *WebhooksHandler) handleIngestOutlook(w http.ResponseWriter, r *http.Request) {
	key := h.cfg.Channels.Outlook.IngestKey
	if key == "" || subtle.ConstantTimeCompare([]byte(r.Header.Get(outlook.IngestKeyHeader)), []byte(key)) != 1 {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	var p outlook.IngestPayload
	if err := decodeJSON(w, r, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	in, err := outlook.FromEmail(p.FromEmail, p.Name, p.Text)
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing fromEmail or text")
		return
	}
	ctx, cancel := pipelineContext(r)
	defer cancel()
	if _, err := h.svc.Ingest(ctx, in.Channel, in); err != nil {
		slog.Error("ingest.outlook_failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to ingest")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
