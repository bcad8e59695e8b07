package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/goinbox/internal/channels"
	"github.com/nextlevelbuilder/goinbox/internal/inbox"
	"github.com/nextlevelbuilder/goinbox/internal/outbound"
	"github.com/nextlevelbuilder/goinbox/internal/store"
)

const (
	defaultListLimit   = 50
	maxListLimit       = 200
	maxThreadMessages  = 200
	recentMessageLimit = 100
)

// APIHandler serves the dashboard REST API.
type APIHandler struct {
	svc       *inbox.Service
	token     string
	limiter   *channels.WebhookRateLimiter // nil = unlimited
	simulator bool
}

// NewAPIHandler creates the REST handler. rpm <= 0 disables per-IP limiting.
func NewAPIHandler(svc *inbox.Service, token string, rpm int, simulator bool) *APIHandler {
	h := &APIHandler{svc: svc, token: token, simulator: simulator}
	if rpm > 0 {
		h.limiter = channels.NewWebhookRateLimiter(rpm)
	}
	return h
}

// RegisterRoutes registers all REST routes on the given mux.
func (h *APIHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /conversations", h.wrap(h.handleListConversations))
	mux.HandleFunc("POST /conversations/{id}/claim", h.wrap(h.handleClaim))
	mux.HandleFunc("POST /conversations/{id}/status", h.wrap(h.handleStatus))
	mux.HandleFunc("GET /messages", h.wrap(h.handleMessages))
	mux.HandleFunc("POST /api/send-manual-response", h.wrap(h.handleManualResponse))
	mux.HandleFunc("GET /analytics/summary", h.wrap(h.handleSummary))
	if h.simulator {
		mux.HandleFunc("POST /mock/whatsapp/send", h.wrap(h.handleMockSend))
		mux.HandleFunc("GET /mock/whatsapp/get", h.wrap(h.handleMockGet))
	}
}

func (h *APIHandler) wrap(next http.HandlerFunc) http.HandlerFunc {
	return rateLimited(h.limiter, requireToken(h.token, next))
}

func (h *APIHandler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := store.ListConversationsOpts{Status: q.Get("status"), Limit: defaultListLimit}
	switch assigned := q.Get("assignedTo"); assigned {
	case "":
	case "null":
		opts.Unassigned = true
	default:
		id, err := strconv.ParseInt(assigned, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid assignedTo")
			return
		}
		opts.AssignedTo = &id
	}
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			opts.Limit = n
		}
	}
	if opts.Limit > maxListLimit {
		opts.Limit = maxListLimit
	}

	convs, err := h.svc.Stores().Conversations.List(r.Context(), opts)
	if err != nil {
		slog.Error("api.list_conversations", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if convs == nil {
		convs = []store.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	return id, err == nil && id > 0
}

func (h *APIHandler) handleClaim(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentName string `json:"agentName"`
	}
	id, ok := pathID(r)
	if err := decodeJSON(w, r, &body); err != nil || !ok || strings.TrimSpace(body.AgentName) == "" {
		writeError(w, http.StatusBadRequest, "missing id or agentName")
		return
	}
	conv, err := h.svc.Claim(r.Context(), id, body.AgentName)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, conv)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		slog.Error("api.claim", "conversation", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to claim")
	}
}

func (h *APIHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
	}
	id, ok := pathID(r)
	if err := decodeJSON(w, r, &body); err != nil || !ok || body.Status == "" {
		writeError(w, http.StatusBadRequest, "missing id or status")
		return
	}
	conv, err := h.svc.SetStatus(r.Context(), id, body.Status)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, conv)
	case errors.Is(err, inbox.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, "invalid status")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, "customer already has an open conversation")
	default:
		slog.Error("api.set_status", "conversation", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update status")
	}
}

func (h *APIHandler) handleMessages(w http.ResponseWriter, r *http.Request) {
	var (
		msgs []store.Message
		err  error
	)
	if raw := r.URL.Query().Get("conversationId"); raw != "" {
		id, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "invalid conversationId")
			return
		}
		msgs, err = h.svc.Stores().Messages.ListByConversation(r.Context(), id, maxThreadMessages)
	} else {
		msgs, err = h.svc.Stores().Messages.ListRecent(r.Context(), recentMessageLimit)
	}
	if err != nil {
		slog.Error("api.list_messages", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch messages")
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

type manualResponseRequest struct {
	ConversationID channels.FlexibleID `json:"conversationId"`
	Message        string              `json:"message"`
	Sender         string              `json:"sender"`
	Username       string              `json:"username"`
}

type manualResponse struct {
	Success   bool             `json:"success"`
	MessageID int64            `json:"messageId,omitempty"`
	Outbound  *outbound.Result `json:"outbound,omitempty"`
	Warning   string           `json:"warning,omitempty"`
	Error     string           `json:"error,omitempty"`
}

func (h *APIHandler) handleManualResponse(w http.ResponseWriter, r *http.Request) {
	var req manualResponseRequest
	if err := decodeJSON(w, r, &req); err != nil || req.ConversationID == "" || req.Message == "" {
		writeJSON(w, http.StatusBadRequest, manualResponse{Error: "missing conversationId or message"})
		return
	}
	id, err := strconv.ParseInt(req.ConversationID.String(), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, manualResponse{Error: "invalid conversationId"})
		return
	}
	if req.Sender == "" {
		req.Sender = store.SenderAgent
	}
	if req.Username == "" {
		req.Username = "Manual Agent"
	}

	res, err := h.svc.PostMessage(r.Context(), inbox.PostParams{
		ConversationID: id,
		Sender:         req.Sender,
		Username:       req.Username,
		Content:        req.Message,
	})
	switch {
	case err == nil:
	case errors.Is(err, inbox.ErrEmptyContent):
		writeJSON(w, http.StatusBadRequest, manualResponse{Error: "empty message content"})
		return
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, manualResponse{Error: "conversation not found"})
		return
	default:
		slog.Error("api.manual_response", "conversation", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, manualResponse{Error: "failed to send response"})
		return
	}

	out := manualResponse{Success: true, MessageID: res.Message.ID, Outbound: res.Outbound}
	if res.Outbound != nil && !res.Outbound.Sent && res.Outbound.Warning != "" {
		out.Warning = "message saved but outbound delivery failed: " + res.Outbound.Warning
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *APIHandler) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.svc.Stores().Conversations.Summary(r.Context(), time.Now().Add(-24*time.Hour))
	if err != nil {
		slog.Error("api.summary", "error", err)
		writeError(w, http.StatusInternalServerError, "failed")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *APIHandler) handleMockSend(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CustomerExternalID string `json:"customerExternalId"`
		CustomerName       string `json:"customerName"`
		Content            string `json:"content"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	extID := strings.TrimSpace(channels.Clip(body.CustomerExternalID, 64))
	text := strings.TrimSpace(body.Content)
	if extID == "" || text == "" {
		writeError(w, http.StatusBadRequest, "missing customerExternalId or content")
		return
	}
	res, err := h.svc.Ingest(r.Context(), channels.WhatsAppMock, channels.Inbound{
		ExternalID:  extID,
		DisplayName: body.CustomerName,
		Text:        text,
	})
	if err != nil {
		slog.Error("api.mock_send", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to process mock message")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *APIHandler) handleMockGet(w http.ResponseWriter, r *http.Request) {
	extID := strings.TrimSpace(channels.Clip(r.URL.Query().Get("customerExternalId"), 64))
	if extID == "" {
		writeError(w, http.StatusBadRequest, "missing customerExternalId")
		return
	}
	conv, err := h.svc.Stores().Conversations.FindOpenByExternal(r.Context(), channels.WhatsAppMock, extID)
	if err != nil {
		slog.Error("api.mock_get", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to lookup conversation")
		return
	}
	if conv == nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}
