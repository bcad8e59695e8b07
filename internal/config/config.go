package config

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the goinbox gateway.
type Config struct {
	Gateway     GatewayConfig     `json:"gateway"`
	Database    DatabaseConfig    `json:"database,omitempty"`
	Inbox       InboxConfig       `json:"inbox"`
	Channels    ChannelsConfig    `json:"channels"`
	Outbound    OutboundConfig    `json:"outbound"`
	Resolver    ResolverConfig    `json:"resolver"`
	Cache       CacheConfig       `json:"cache,omitempty"`
	Notify      NotifyConfig      `json:"notify,omitempty"`
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
	Telemetry   TelemetryConfig   `json:"telemetry,omitempty"`
	Tailscale   TailscaleConfig   `json:"tailscale,omitempty"`
	mu          sync.RWMutex
}

// GatewayConfig controls the HTTP + WebSocket listener.
type GatewayConfig struct {
	Host           string              `json:"host"`
	Port           int                 `json:"port"`
	Token          string              `json:"token,omitempty"`           // bearer token for REST + /ws (empty = open)
	AllowedOrigins FlexibleStringSlice `json:"allowed_origins,omitempty"` // WebSocket origin whitelist (empty = allow all)
	RateLimitRPM   int                 `json:"rate_limit_rpm,omitempty"`  // per-IP REST limit, 0 = disabled
	PublicURL      string              `json:"public_url,omitempty"`      // external base URL, used to rebuild signed webhook URLs
}

// DatabaseConfig selects the storage backend.
// PostgresDSN is never read from config.json, only from env GOINBOX_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`                     // from env GOINBOX_POSTGRES_DSN only
	Mode        string `json:"mode,omitempty"`        // "postgres" (default) or "sqlite"
	SQLitePath  string `json:"sqlite_path,omitempty"` // default ~/.goinbox/inbox.db
}

// IsSQLite reports whether the embedded SQLite backend is selected.
func (d DatabaseConfig) IsSQLite() bool { return d.Mode == "sqlite" }

// InboxConfig tunes the ingestion pipeline and assignment policy.
type InboxConfig struct {
	DedupWindow string `json:"dedup_window,omitempty"` // Go duration (default "5s")
	BacklogCap  int    `json:"backlog_cap,omitempty"`  // conversations claimed on agent login (default 10)
	Simulator   bool   `json:"simulator,omitempty"`    // enable /mock/whatsapp endpoints
}

// DedupWindowDuration returns the parsed dedup window.
func (c InboxConfig) DedupWindowDuration() time.Duration {
	return durationOr(c.DedupWindow, 5*time.Second)
}

// OutboundConfig controls the outbound strategy chains.
type OutboundConfig struct {
	Strict   bool                `json:"strict,omitempty"`   // stop facebook/instagram chains after the relay
	Disabled FlexibleStringSlice `json:"disabled,omitempty"` // strategy names to skip (e.g. ["meta-graph"])
	Timeout  string              `json:"timeout,omitempty"`  // per-stage HTTP timeout (default "15s")
}

// TimeoutDuration returns the parsed per-stage timeout.
func (c OutboundConfig) TimeoutDuration() time.Duration {
	return durationOr(c.Timeout, 15*time.Second)
}

// IsDisabled reports whether a strategy name is listed in Disabled.
func (c OutboundConfig) IsDisabled(name string) bool {
	for _, d := range c.Disabled {
		if d == name {
			return true
		}
	}
	return false
}

// ResolverConfig configures the contact identifier resolver.
type ResolverConfig struct {
	TTL string `json:"ttl,omitempty"` // positive cache TTL (default "15m")
}

// TTLDuration returns the parsed cache TTL.
func (c ResolverConfig) TTLDuration() time.Duration {
	return durationOr(c.TTL, 15*time.Minute)
}

// CacheConfig selects a shared Redis cache. Empty RedisAddr = in-process cache.
type CacheConfig struct {
	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"-"` // from env GOINBOX_REDIS_PASSWORD only
	RedisDB       int    `json:"redis_db,omitempty"`
	Prefix        string `json:"prefix,omitempty"` // key prefix (default "goinbox:")
}

// NotifyConfig configures side-channel notifications for new customer messages.
type NotifyConfig struct {
	SlackWebhookURL   string      `json:"slack_webhook_url,omitempty"`
	DiscordWebhookURL string      `json:"discord_webhook_url,omitempty"`
	EmailTo           string      `json:"email_to,omitempty"` // sent through the Outlook mailer
	BaseURL           string      `json:"base_url,omitempty"` // dashboard link base
	PreviewChars      int         `json:"preview_chars,omitempty"`
	AMQP              AMQPConfig  `json:"amqp,omitempty"`
	Kafka             KafkaConfig `json:"kafka,omitempty"`
}

// AMQPConfig publishes inbox events to a RabbitMQ topic exchange.
type AMQPConfig struct {
	URL        string `json:"-"` // from env GOINBOX_AMQP_URL only (carries credentials)
	Exchange   string `json:"exchange,omitempty"`
	RoutingKey string `json:"routing_key,omitempty"`
}

// KafkaConfig publishes inbox events to a Kafka topic.
type KafkaConfig struct {
	Brokers FlexibleStringSlice `json:"brokers,omitempty"`
	Topic   string              `json:"topic,omitempty"`
}

// MaintenanceConfig schedules background jobs with cron expressions.
type MaintenanceConfig struct {
	PresenceSweep string `json:"presence_sweep,omitempty"` // cron expr (default "*/5 * * * *", "off" disables)
	IdleClose     string `json:"idle_close,omitempty"`     // cron expr, empty = disabled
	IdleAfter     string `json:"idle_after,omitempty"`     // Go duration (default "72h")
}

// IdleAfterDuration returns the parsed idle threshold.
func (c MaintenanceConfig) IdleAfterDuration() time.Duration {
	return durationOr(c.IdleAfter, 72*time.Hour)
}

// TelemetryConfig configures OpenTelemetry export for traces and spans.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`      // enable OTLP export (default false)
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // plaintext connection (local dev)
	ServiceName string            `json:"service_name,omitempty"` // default "goinbox"
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (e.g. auth tokens for cloud backends)
}

// TailscaleConfig configures the optional Tailscale tsnet listener.
// Requires building with -tags tsnet. Auth key from env only (never persisted).
type TailscaleConfig struct {
	Hostname  string `json:"hostname"`             // Tailscale machine name (e.g. "goinbox")
	StateDir  string `json:"state_dir,omitempty"`  // persistent state directory
	AuthKey   string `json:"-"`                    // from env GOINBOX_TSNET_AUTH_KEY only
	Ephemeral bool   `json:"ephemeral,omitempty"`  // remove node on exit
	EnableTLS bool   `json:"enable_tls,omitempty"` // use ListenTLS for auto HTTPS certs
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gateway = src.Gateway
	c.Database = src.Database
	c.Inbox = src.Inbox
	c.Channels = src.Channels
	c.Outbound = src.Outbound
	c.Resolver = src.Resolver
	c.Cache = src.Cache
	c.Notify = src.Notify
	c.Maintenance = src.Maintenance
	c.Telemetry = src.Telemetry
	c.Tailscale = src.Tailscale
}

func durationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
