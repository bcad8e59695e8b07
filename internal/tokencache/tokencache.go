// Package tokencache keeps a client-credentials access token per API base
// and hands out the first one that can be obtained.
package tokencache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// ErrNoCredentials is returned when no client id/secret is configured.
var ErrNoCredentials = errors.New("tokencache: client credentials not configured")

// refreshSkew is how long before expiry a cached token stops being handed out.
const refreshSkew = 60 * time.Second

// Token is an access token and the API base it was issued by.
type Token struct {
	Value  string
	Base   string
	Expiry time.Time
}

// Config configures a Cache.
type Config struct {
	ClientID     string
	ClientSecret string
	Bases        []string // tried in order after the preferred base
	TokenPath    string   // default "/oauth/access_token"
	HTTPClient   *http.Client
}

// Cache is safe for concurrent use.
type Cache struct {
	cfg Config
	now func() time.Time

	mu     sync.Mutex
	tokens map[string]Token
}

func New(cfg Config) *Cache {
	if cfg.TokenPath == "" {
		cfg.TokenPath = "/oauth/access_token"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Cache{cfg: cfg, now: time.Now, tokens: make(map[string]Token)}
}

// Configured reports whether credentials are present.
func (c *Cache) Configured() bool {
	return c != nil && c.cfg.ClientID != "" && c.cfg.ClientSecret != ""
}

// Bases returns the configured bases in try order for preferred.
func (c *Cache) Bases(preferred string) []string {
	out := make([]string, 0, len(c.cfg.Bases)+1)
	seen := make(map[string]bool)
	add := func(b string) {
		b = strings.TrimRight(strings.TrimSpace(b), "/")
		if b == "" || seen[b] {
			return
		}
		seen[b] = true
		out = append(out, b)
	}
	add(preferred)
	for _, b := range c.cfg.Bases {
		add(b)
	}
	return out
}

// Get returns a valid token, trying preferredBase first. A cached token is reused
// until refreshSkew before its expiry unless forceRefresh is set.
func (c *Cache) Get(ctx context.Context, forceRefresh bool, preferredBase string) (Token, error) {
	if !c.Configured() {
		return Token{}, ErrNoCredentials
	}

	var errs []error
	for _, base := range c.Bases(preferredBase) {
		if !forceRefresh {
			if tok, ok := c.cached(base); ok {
				return tok, nil
			}
		}
		tok, err := c.fetch(ctx, base)
		if err != nil {
			slog.Debug("tokencache.fetch_failed", "base", base, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", base, err))
			continue
		}
		c.mu.Lock()
		c.tokens[base] = tok
		c.mu.Unlock()
		return tok, nil
	}
	return Token{}, fmt.Errorf("tokencache: no base issued a token: %w", errors.Join(errs...))
}

// Invalidate drops the cached token for base.
func (c *Cache) Invalidate(base string) {
	c.mu.Lock()
	delete(c.tokens, strings.TrimRight(base, "/"))
	c.mu.Unlock()
}

func (c *Cache) cached(base string) (Token, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok, ok := c.tokens[base]
	if !ok || tok.Value == "" {
		return Token{}, false
	}
	if !tok.Expiry.IsZero() && !c.now().Before(tok.Expiry.Add(-refreshSkew)) {
		return Token{}, false
	}
	return tok, true
}

func (c *Cache) fetch(ctx context.Context, base string) (Token, error) {
	cc := clientcredentials.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		TokenURL:     base + c.cfg.TokenPath,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.cfg.HTTPClient)
	t, err := cc.Token(ctx)
	if err != nil {
		return Token{}, err
	}
	return Token{Value: t.AccessToken, Base: base, Expiry: t.Expiry}, nil
}
