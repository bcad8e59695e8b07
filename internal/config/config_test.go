package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadJSON5WithEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{
		// comments are allowed
		gateway: { port: 8080, allowed_origins: ["https://app.example.com"] },
		inbox: { dedup_window: "3s", backlog_cap: 4 },
		outbound: { strict: true, disabled: ["meta-graph"] },
	}`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("GOINBOX_PORT", "9090")
	t.Setenv("GOINBOX_POSTGRES_DSN", "postgres://x")
	t.Setenv("GOINBOX_SIMULATOR", "1")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 9090 {
		t.Errorf("port = %d, want 9090 (env wins)", cfg.Gateway.Port)
	}
	if cfg.Database.PostgresDSN != "postgres://x" {
		t.Errorf("dsn = %q", cfg.Database.PostgresDSN)
	}
	if !cfg.Inbox.Simulator {
		t.Errorf("simulator not enabled from env")
	}
	if got := cfg.Inbox.DedupWindowDuration(); got != 3*time.Second {
		t.Errorf("dedup window = %v, want 3s", got)
	}
	if !cfg.Outbound.Strict || !cfg.Outbound.IsDisabled("meta-graph") {
		t.Errorf("outbound = %+v", cfg.Outbound)
	}
	if cfg.Resolver.TTLDuration() != 15*time.Minute {
		t.Errorf("resolver ttl default = %v", cfg.Resolver.TTLDuration())
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Inbox.BacklogCap != 10 {
		t.Errorf("backlog cap = %d, want 10", cfg.Inbox.BacklogCap)
	}
}

func TestDurationFallbacks(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 5 * time.Second},
		{"garbage", 5 * time.Second},
		{"-1s", 5 * time.Second},
		{"750ms", 750 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := (InboxConfig{DedupWindow: tt.in}).DedupWindowDuration(); got != tt.want {
			t.Errorf("DedupWindowDuration(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestMaskedCopyAndSave(t *testing.T) {
	cfg := Default()
	cfg.Channels.Telegram.Token = "123:abc"
	cfg.Database.PostgresDSN = "postgres://secret"

	masked := cfg.MaskedCopy()
	if masked.Channels.Telegram.Token != secretMask || masked.Database.PostgresDSN != secretMask {
		t.Errorf("secrets not masked: %+v", masked.Channels.Telegram)
	}
	if cfg.Channels.Telegram.Token != "123:abc" {
		t.Errorf("MaskedCopy mutated the original")
	}

	path := filepath.Join(t.TempDir(), "out", "config.json")
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	back, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if back.Channels.Telegram.Token != "" {
		t.Errorf("saved config leaked token %q", back.Channels.Telegram.Token)
	}
}

func TestSendPulseBasesDedup(t *testing.T) {
	c := SendPulseConfig{APIBase: "https://a", AlternateBases: FlexibleStringSlice{"https://b", "https://a", ""}}
	got := c.Bases()
	if len(got) != 2 || got[0] != "https://a" || got[1] != "https://b" {
		t.Errorf("Bases() = %v", got)
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("GOINBOX_RELAY_KEY=from-file\nGOINBOX_PUBLIC_URL=https://file.example\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GOINBOX_PUBLIC_URL", "https://env.example")
	// t.Setenv restores on cleanup; register the file-only key too.
	t.Setenv("GOINBOX_RELAY_KEY", "")
	os.Unsetenv("GOINBOX_RELAY_KEY")

	if err := LoadDotEnv(path); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(filepath.Join(t.TempDir(), "none.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Channels.Relay.Key != "from-file" {
		t.Errorf("relay key = %q", cfg.Channels.Relay.Key)
	}
	if cfg.Gateway.PublicURL != "https://env.example" {
		t.Errorf("public url = %q, want the existing env value", cfg.Gateway.PublicURL)
	}
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("missing file: %v", err)
	}
}
