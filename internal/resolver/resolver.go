// Package resolver maps an Instagram chat id as seen on the wire to the
// provider's contact id, caching hits and collapsing concurrent lookups.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/nextlevelbuilder/goinbox/internal/cache"
	"github.com/nextlevelbuilder/goinbox/internal/tokencache"
)

const DefaultTTL = 15 * time.Minute

// lookupTimeout bounds one collapsed lookup across every base and endpoint.
const lookupTimeout = 30 * time.Second

// TokenSource issues bearer tokens per API base.
type TokenSource interface {
	Get(ctx context.Context, forceRefresh bool, preferredBase string) (tokencache.Token, error)
	Bases(preferred string) []string
}

// Resolution is a resolved contact id and the base that answered.
type Resolution struct {
	ContactID string `json:"contactId"`
	Base      string `json:"base"`
}

// Config configures a Resolver.
type Config struct {
	TTL        time.Duration
	HTTPClient *http.Client
}

type Resolver struct {
	tokens TokenSource
	cache  cache.Cache
	ttl    time.Duration
	client *http.Client
	group  singleflight.Group
}

func New(tokens TokenSource, c cache.Cache, cfg Config) *Resolver {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if c == nil {
		c = cache.NewMemory(0)
	}
	return &Resolver{tokens: tokens, cache: c, ttl: cfg.TTL, client: cfg.HTTPClient}
}

func cacheKey(id string) string { return "resolver:instagram:" + id }

// Resolve returns the contact id for externalChatID, or nil when no base and
// endpoint produced one. A nil result is not an error; callers fall back to the
// external id. Only misses are retried; hits are cached for the TTL.
func (r *Resolver) Resolve(ctx context.Context, externalChatID string) (*Resolution, error) {
	if externalChatID == "" || r.tokens == nil {
		return nil, nil
	}

	var hit Resolution
	if ok, err := r.cache.Get(ctx, cacheKey(externalChatID), &hit); err != nil {
		slog.Warn("resolver.cache_get_failed", "error", err)
	} else if ok && hit.ContactID != "" {
		return &hit, nil
	}

	// The shared lookup outlives any single caller; each caller only stops waiting.
	ch := r.group.DoChan(externalChatID, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()
		return r.lookup(lctx, externalChatID)
	})
	var flight singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case flight = <-ch:
	}
	if flight.Err != nil {
		return nil, flight.Err
	}
	res, _ := flight.Val.(*Resolution)
	if res == nil {
		return nil, nil
	}
	if err := r.cache.Set(ctx, cacheKey(externalChatID), res, r.ttl); err != nil {
		slog.Warn("resolver.cache_set_failed", "error", err)
	}
	out := *res
	return &out, nil
}

type endpoint struct {
	name string
	path func(id string) string
}

// endpoints are tried in order for each base.
var endpoints = []endpoint{
	{"chat", func(id string) string { return "/instagram/chats/" + url.PathEscape(id) }},
	{"messages", func(id string) string {
		return "/instagram/chats/messages?chat_id=" + url.QueryEscape(id) + "&limit=1"
	}},
	{"contact", func(id string) string { return "/instagram/contacts/" + url.PathEscape(id) }},
}

func (r *Resolver) lookup(ctx context.Context, id string) (*Resolution, error) {
	ctx, span := otel.Tracer("goinbox/resolver").Start(ctx, "resolver.lookup", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	for _, base := range r.tokens.Bases("") {
		tok, err := r.tokens.Get(ctx, false, base)
		if err != nil {
			slog.Debug("resolver.token_failed", "base", base, "error", err)
			continue
		}
		for _, ep := range endpoints {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			contactID, err := r.query(ctx, base+ep.path(id), tok.Value, ep.name == "contact")
			if err != nil {
				slog.Debug("resolver.endpoint_failed", "base", base, "endpoint", ep.name, "error", err)
				continue
			}
			if contactID != "" {
				span.SetAttributes(attribute.String("resolver.base", base), attribute.String("resolver.endpoint", ep.name))
				slog.Info("resolver.resolved", "chat_id", id, "contact_id", contactID, "base", base, "endpoint", ep.name)
				return &Resolution{ContactID: contactID, Base: base}, nil
			}
		}
	}
	slog.Info("resolver.unresolved", "chat_id", id)
	return nil, nil
}

func (r *Resolver) query(ctx context.Context, u, token string, isContact bool) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	if id := FindContactID(doc); id != "" {
		return id, nil
	}
	if isContact {
		return dataID(doc), nil
	}
	return "", nil
}

// FindContactID searches a decoded JSON document depth-first for a
// "contact_id" value or a "contact" object's "id".
func FindContactID(v any) string {
	switch t := v.(type) {
	case map[string]any:
		if s := scalar(t["contact_id"]); s != "" {
			return s
		}
		if c, ok := t["contact"].(map[string]any); ok {
			if s := scalar(c["id"]); s != "" {
				return s
			}
		}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if s := FindContactID(t[k]); s != "" {
				return s
			}
		}
	case []any:
		for _, child := range t {
			if s := FindContactID(child); s != "" {
				return s
			}
		}
	}
	return ""
}

// dataID reads {"data":{"id":...}} or {"id":...}.
func dataID(v any) string {
	m, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	if d, ok := m["data"].(map[string]any); ok {
		return scalar(d["id"])
	}
	return scalar(m["id"])
}

func scalar(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%.0f", t)
	case json.Number:
		return t.String()
	}
	return ""
}
