package config

// ChannelsConfig contains per-provider configuration.
type ChannelsConfig struct {
	Telegram  TelegramConfig  `json:"telegram"`
	WhatsApp  WhatsAppConfig  `json:"whatsapp"`
	Meta      MetaConfig      `json:"meta"`
	SendPulse SendPulseConfig `json:"sendpulse"`
	Relay     RelayConfig     `json:"relay"`
	Outlook   OutlookConfig   `json:"outlook"`
}

type TelegramConfig struct {
	Token         string `json:"token"`
	Proxy         string `json:"proxy,omitempty"`
	WebhookSecret string `json:"webhook_secret,omitempty"` // expected X-Telegram-Bot-Api-Secret-Token
	APIServer     string `json:"api_server,omitempty"`     // Bot API base override (self-hosted server)
}

// WhatsAppConfig configures the Twilio WhatsApp integration.
type WhatsAppConfig struct {
	AccountSID    string `json:"account_sid,omitempty"`
	AuthToken     string `json:"auth_token,omitempty"`
	From          string `json:"from,omitempty"`           // sender number, with or without "whatsapp:" prefix
	APIBase       string `json:"api_base,omitempty"`       // default https://api.twilio.com
	WebhookStrict bool   `json:"webhook_strict,omitempty"` // reject requests with a bad X-Twilio-Signature
	AutoReply     string `json:"auto_reply,omitempty"`     // TwiML auto-ack text ("" = default, "-" = none)
}

// MetaConfig configures Facebook Messenger + Instagram via the Graph API.
type MetaConfig struct {
	VerifyToken          string `json:"verify_token,omitempty"`
	AppSecret            string `json:"app_secret,omitempty"`
	PageAccessToken      string `json:"page_access_token,omitempty"`
	InstagramAccessToken string `json:"instagram_access_token,omitempty"` // falls back to PageAccessToken
	GraphBase            string `json:"graph_base,omitempty"`             // default https://graph.facebook.com
	GraphVersion         string `json:"graph_version,omitempty"`          // default v23.0
	SignatureStrict      bool   `json:"signature_strict,omitempty"`       // reject bad X-Hub-Signature-256
}

// SendPulseConfig configures the SendPulse messaging bridge (Instagram/Messenger).
type SendPulseConfig struct {
	ClientID       string              `json:"client_id,omitempty"`
	ClientSecret   string              `json:"client_secret,omitempty"`
	APIBase        string              `json:"api_base,omitempty"`        // primary base, default https://api.sendpulse.com
	AlternateBases FlexibleStringSlice `json:"alternate_bases,omitempty"` // regional fallbacks
}

// Bases returns the primary base followed by the alternates, deduplicated.
func (c SendPulseConfig) Bases() []string {
	primary := c.APIBase
	if primary == "" {
		primary = "https://api.sendpulse.com"
	}
	seen := map[string]bool{}
	var out []string
	for _, b := range append([]string{primary}, c.AlternateBases...) {
		if b == "" || seen[b] {
			continue
		}
		seen[b] = true
		out = append(out, b)
	}
	return out
}

// RelayConfig configures the custom chatbot relay transport.
type RelayConfig struct {
	URL          string `json:"url,omitempty"`
	InstagramURL string `json:"instagram_url,omitempty"` // overrides URL for instagram
	Key          string `json:"key,omitempty"`           // sent as X-Chatbot-Key
}

// OutlookConfig configures Microsoft Graph mail (inbound notifications + outbound send).
type OutlookConfig struct {
	Mode         string `json:"mode,omitempty"` // "application" (default) or "delegated"
	TenantID     string `json:"tenant_id,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	Mailbox      string `json:"mailbox,omitempty"`       // application mode: mailbox user id / UPN
	TokenFile    string `json:"token_file,omitempty"`    // delegated mode: JSON file with refresh_token
	ClientState  string `json:"client_state,omitempty"`  // expected clientState on notifications
	IngestKey    string `json:"ingest_key,omitempty"`    // X-Ingest-Key for /ingest/outlook
	GraphBase    string `json:"graph_base,omitempty"`    // default https://graph.microsoft.com/v1.0
	AuthorityURL string `json:"authority_url,omitempty"` // default https://login.microsoftonline.com
}

// Configured reports whether enough credentials exist to send mail.
func (c OutlookConfig) Configured() bool {
	if c.ClientID == "" {
		return false
	}
	if c.Mode == "delegated" {
		return c.TokenFile != ""
	}
	return c.TenantID != "" && c.ClientSecret != "" && c.Mailbox != ""
}
