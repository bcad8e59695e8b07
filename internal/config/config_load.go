package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 3000,
		},
		Database: DatabaseConfig{
			Mode:       "postgres",
			SQLitePath: "~/.goinbox/inbox.db",
		},
		Inbox: InboxConfig{
			DedupWindow: "5s",
			BacklogCap:  10,
		},
		Channels: ChannelsConfig{
			Meta: MetaConfig{
				GraphBase:    "https://graph.facebook.com",
				GraphVersion: "v23.0",
			},
			SendPulse: SendPulseConfig{
				APIBase:        "https://api.sendpulse.com",
				AlternateBases: FlexibleStringSlice{"https://api.eu.sendpulse.com"},
			},
			WhatsApp: WhatsAppConfig{
				APIBase: "https://api.twilio.com",
			},
			Outlook: OutlookConfig{
				Mode:         "application",
				GraphBase:    "https://graph.microsoft.com/v1.0",
				AuthorityURL: "https://login.microsoftonline.com",
			},
		},
		Outbound: OutboundConfig{
			Timeout: "15s",
		},
		Resolver: ResolverConfig{
			TTL: "15m",
		},
		Cache: CacheConfig{
			Prefix: "goinbox:",
		},
		Notify: NotifyConfig{
			PreviewChars: 400,
			AMQP: AMQPConfig{
				Exchange:   "goinbox.events",
				RoutingKey: "inbox.message.received",
			},
			Kafka: KafkaConfig{
				Topic: "goinbox.events",
			},
		},
		Maintenance: MaintenanceConfig{
			PresenceSweep: "*/5 * * * *",
			IdleAfter:     "72h",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults + env are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// LoadDotEnv reads KEY=VALUE pairs from path into the process environment.
// Variables already set win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envList := func(key string, dst *FlexibleStringSlice) {
		if v := os.Getenv(key); v != "" {
			var out FlexibleStringSlice
			for _, p := range strings.Split(v, ",") {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			*dst = out
		}
	}

	// Gateway
	envStr("GOINBOX_HOST", &c.Gateway.Host)
	if v := os.Getenv("GOINBOX_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}
	envStr("GOINBOX_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("GOINBOX_PUBLIC_URL", &c.Gateway.PublicURL)
	envList("GOINBOX_ALLOWED_ORIGINS", &c.Gateway.AllowedOrigins)

	// Database
	envStr("GOINBOX_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("GOINBOX_DB_MODE", &c.Database.Mode)
	envStr("GOINBOX_SQLITE_PATH", &c.Database.SQLitePath)

	// Inbox
	envStr("GOINBOX_DEDUP_WINDOW", &c.Inbox.DedupWindow)
	envInt("GOINBOX_BACKLOG_CAP", &c.Inbox.BacklogCap)
	envBool("GOINBOX_SIMULATOR", &c.Inbox.Simulator)

	// Telegram
	envStr("GOINBOX_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("GOINBOX_TELEGRAM_WEBHOOK_SECRET", &c.Channels.Telegram.WebhookSecret)

	// Twilio WhatsApp
	envStr("GOINBOX_TWILIO_ACCOUNT_SID", &c.Channels.WhatsApp.AccountSID)
	envStr("GOINBOX_TWILIO_AUTH_TOKEN", &c.Channels.WhatsApp.AuthToken)
	envStr("GOINBOX_TWILIO_WHATSAPP_FROM", &c.Channels.WhatsApp.From)
	envBool("GOINBOX_TWILIO_WEBHOOK_STRICT", &c.Channels.WhatsApp.WebhookStrict)

	// Meta
	envStr("GOINBOX_META_VERIFY_TOKEN", &c.Channels.Meta.VerifyToken)
	envStr("GOINBOX_META_APP_SECRET", &c.Channels.Meta.AppSecret)
	envStr("GOINBOX_META_PAGE_ACCESS_TOKEN", &c.Channels.Meta.PageAccessToken)
	envStr("GOINBOX_META_INSTAGRAM_ACCESS_TOKEN", &c.Channels.Meta.InstagramAccessToken)
	envBool("GOINBOX_META_SIGNATURE_STRICT", &c.Channels.Meta.SignatureStrict)

	// SendPulse
	envStr("GOINBOX_SENDPULSE_CLIENT_ID", &c.Channels.SendPulse.ClientID)
	envStr("GOINBOX_SENDPULSE_CLIENT_SECRET", &c.Channels.SendPulse.ClientSecret)
	envStr("GOINBOX_SENDPULSE_API_BASE", &c.Channels.SendPulse.APIBase)

	// Relay
	envStr("GOINBOX_RELAY_URL", &c.Channels.Relay.URL)
	envStr("GOINBOX_RELAY_INSTAGRAM_URL", &c.Channels.Relay.InstagramURL)
	envStr("GOINBOX_RELAY_KEY", &c.Channels.Relay.Key)

	// Outlook
	envStr("GOINBOX_OUTLOOK_MODE", &c.Channels.Outlook.Mode)
	envStr("GOINBOX_OUTLOOK_TENANT_ID", &c.Channels.Outlook.TenantID)
	envStr("GOINBOX_OUTLOOK_CLIENT_ID", &c.Channels.Outlook.ClientID)
	envStr("GOINBOX_OUTLOOK_CLIENT_SECRET", &c.Channels.Outlook.ClientSecret)
	envStr("GOINBOX_OUTLOOK_MAILBOX", &c.Channels.Outlook.Mailbox)
	envStr("GOINBOX_OUTLOOK_TOKEN_FILE", &c.Channels.Outlook.TokenFile)
	envStr("GOINBOX_OUTLOOK_CLIENT_STATE", &c.Channels.Outlook.ClientState)
	envStr("GOINBOX_OUTLOOK_INGEST_KEY", &c.Channels.Outlook.IngestKey)

	// Outbound
	envBool("GOINBOX_OUTBOUND_STRICT", &c.Outbound.Strict)
	envList("GOINBOX_OUTBOUND_DISABLED", &c.Outbound.Disabled)

	// Resolver + cache
	envStr("GOINBOX_RESOLVER_TTL", &c.Resolver.TTL)
	envStr("GOINBOX_REDIS_ADDR", &c.Cache.RedisAddr)
	envStr("GOINBOX_REDIS_PASSWORD", &c.Cache.RedisPassword)

	// Notifications
	envStr("GOINBOX_NOTIFY_SLACK_WEBHOOK_URL", &c.Notify.SlackWebhookURL)
	envStr("GOINBOX_NOTIFY_DISCORD_WEBHOOK_URL", &c.Notify.DiscordWebhookURL)
	envStr("GOINBOX_NOTIFY_EMAIL_TO", &c.Notify.EmailTo)
	envStr("GOINBOX_NOTIFY_BASE_URL", &c.Notify.BaseURL)
	envStr("GOINBOX_AMQP_URL", &c.Notify.AMQP.URL)
	envList("GOINBOX_KAFKA_BROKERS", &c.Notify.Kafka.Brokers)

	// Telemetry
	envStr("GOINBOX_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("GOINBOX_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("GOINBOX_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("GOINBOX_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envBool("GOINBOX_TELEMETRY_INSECURE", &c.Telemetry.Insecure)

	// Tailscale (tsnet)
	envStr("GOINBOX_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("GOINBOX_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("GOINBOX_TSNET_DIR", &c.Tailscale.StateDir)
}

// Save writes the config to a JSON file. Secrets are stripped first.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	data, err := json.MarshalIndent(cfg.strippedCopy(), "", "  ")
	cfg.mu.RUnlock()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Hash returns a SHA-256 hash of the config for change detection.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

const secretMask = "***"

// MaskedCopy returns a deep copy of the config with all secret fields masked.
// Used by the doctor command to print effective settings.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cp := c.copyLocked()
	for _, s := range cp.secretFields() {
		maskNonEmpty(s)
	}
	return cp
}

// StripSecrets zeros out all secret fields in the config.
func (c *Config) StripSecrets() {
	for _, s := range c.secretFields() {
		*s = ""
	}
}

func (c *Config) strippedCopy() *Config {
	cp := c.copyLocked()
	cp.StripSecrets()
	return cp
}

// copyLocked deep-copies via JSON round-trip. Env-only fields are carried by hand.
func (c *Config) copyLocked() *Config {
	data, err := json.Marshal(c)
	if err != nil {
		return Default()
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return Default()
	}
	cp.Database.PostgresDSN = c.Database.PostgresDSN
	cp.Cache.RedisPassword = c.Cache.RedisPassword
	cp.Notify.AMQP.URL = c.Notify.AMQP.URL
	cp.Tailscale.AuthKey = c.Tailscale.AuthKey
	return cp
}

func (c *Config) secretFields() []*string {
	return []*string{
		&c.Gateway.Token,
		&c.Database.PostgresDSN,
		&c.Channels.Telegram.Token,
		&c.Channels.Telegram.WebhookSecret,
		&c.Channels.WhatsApp.AuthToken,
		&c.Channels.Meta.AppSecret,
		&c.Channels.Meta.VerifyToken,
		&c.Channels.Meta.PageAccessToken,
		&c.Channels.Meta.InstagramAccessToken,
		&c.Channels.SendPulse.ClientSecret,
		&c.Channels.Relay.Key,
		&c.Channels.Outlook.ClientSecret,
		&c.Channels.Outlook.ClientState,
		&c.Channels.Outlook.IngestKey,
		&c.Cache.RedisPassword,
		&c.Notify.SlackWebhookURL,
		&c.Notify.DiscordWebhookURL,
		&c.Notify.AMQP.URL,
		&c.Tailscale.AuthKey,
	}
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
