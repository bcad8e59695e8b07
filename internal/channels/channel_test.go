package channels

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestFinalize(t *testing.T) {
	tests := []struct {
		name     string
		in       Inbound
		wantName string
		wantText string
		wantErr  error
	}{
		{"placeholder text", Inbound{Channel: Telegram, ExternalID: "1", DisplayName: "Ann"}, "Ann", NonTextPlaceholder, nil},
		{"placeholder name", Inbound{Channel: Instagram, ExternalID: "u1", Text: " hi "}, "Instagram User", "hi", nil},
		{"missing id", Inbound{Channel: Telegram, ExternalID: "  ", Text: "hi"}, "", "", ErrRejected},
		{"long", Inbound{Channel: Web, ExternalID: "x", DisplayName: strings.Repeat("n", 100), Text: strings.Repeat("é", 2500)}, strings.Repeat("n", 80), strings.Repeat("é", 2000), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Finalize(tt.in)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if got.DisplayName != tt.wantName {
				t.Errorf("name = %q, want %q", got.DisplayName, tt.wantName)
			}
			if got.Text != tt.wantText {
				t.Errorf("text = %q, want %q", Truncate(got.Text, 20), Truncate(tt.wantText, 20))
			}
		})
	}
}

func TestTypeFor(t *testing.T) {
	if got := TypeFor(Outlook); got != "email" {
		t.Errorf("TypeFor(outlook) = %q", got)
	}
	if got := TypeFor(Instagram); got != Instagram {
		t.Errorf("TypeFor(instagram) = %q", got)
	}
}

func TestWebhookRateLimiter(t *testing.T) {
	rl := NewWebhookRateLimiter(60) // burst 15
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	allowed := 0
	for i := 0; i < 20; i++ {
		if rl.Allow("1.2.3.4") {
			allowed++
		}
	}
	if allowed != 15 {
		t.Errorf("allowed = %d, want 15", allowed)
	}
	if !rl.Allow("5.6.7.8") {
		t.Error("independent key was limited")
	}

	now = now.Add(2 * time.Second)
	if !rl.Allow("1.2.3.4") {
		t.Error("bucket did not refill")
	}
}

func TestWebhookRateLimiterBounded(t *testing.T) {
	rl := NewWebhookRateLimiter(0)
	for i := 0; i < maxTrackedKeys+100; i++ {
		rl.Allow(time.Duration(i).String())
	}
	if n := len(rl.entries); n > maxTrackedKeys {
		t.Errorf("tracked keys = %d, want <= %d", n, maxTrackedKeys)
	}
}
