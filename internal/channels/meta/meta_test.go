package meta

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nextlevelbuilder/goinbox/internal/channels"
	"github.com/nextlevelbuilder/goinbox/internal/config"
	"github.com/nextlevelbuilder/goinbox/internal/outbound"
)

func TestNormalizeMessagingAndChanges(t *testing.T) {
	body := `{
		"object": "page",
		"entry": [{
			"messaging": [
				{"sender": {"id": "111"}, "message": {"mid": "m1", "text": "hello"}},
				{"sender": {"id": "999"}, "message": {"mid": "m2", "text": "echo", "is_echo": true}},
				{"sender": {"id": "222"}, "messaging_product": "instagram", "message": {"attachments": [{}]}},
				{"sender": {"id": "333"}, "read": {"watermark": 1}}
			],
			"changes": [
				{"field": "messages", "value": {"messaging_product": "instagram", "from": {"id": 444}, "message": {"text": "from changes"}}},
				{"field": "feed", "value": {"from": {"id": "555"}, "text": "ignored"}}
			]
		}]
	}`
	got, err := Normalizer{}.Normalize([]byte(body))
	if err != nil {
		t.Fatal(err)
	}
	want := []channels.Inbound{
		{Channel: "facebook", ExternalID: "111", DisplayName: "Facebook User", Text: "hello"},
		{Channel: "instagram", ExternalID: "222", DisplayName: "Instagram User", Text: channels.NonTextPlaceholder},
		{Channel: "instagram", ExternalID: "444", DisplayName: "Instagram User", Text: "from changes"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d events: %+v", len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestNormalizeForceInstagram(t *testing.T) {
	got, err := Normalizer{ForceInstagram: true}.Normalize([]byte(`{"object":"page","entry":[{"messaging":[{"sender":{"id":"1"},"message":{"text":"x"}}]}]}`))
	if err != nil || len(got) != 1 || got[0].Channel != channels.Instagram {
		t.Errorf("got %+v, %v", got, err)
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"object":"page"}`)
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write(body)
	good := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	tests := []struct {
		name   string
		secret string
		header string
		strict bool
		want   bool
	}{
		{"valid", "secret", good, true, true},
		{"tampered", "secret", "sha256=00", true, false},
		{"missing header", "secret", "", false, false},
		{"no secret lenient", "", "", false, true},
		{"no secret strict", "", "", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifySignature(tt.secret, tt.header, body, tt.strict); got != tt.want {
				t.Errorf("got %v want %v", got, tt.want)
			}
		})
	}
}

func TestVerifyChallenge(t *testing.T) {
	if c, ok := VerifyChallenge("subscribe", "tok", "abc", "tok"); !ok || c != "abc" {
		t.Errorf("got %q %v", c, ok)
	}
	if _, ok := VerifyChallenge("subscribe", "bad", "abc", "tok"); ok {
		t.Error("wrong token accepted")
	}
}

func TestGraphSender(t *testing.T) {
	var (
		gotPath  string
		gotToken string
		gotBody  map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotToken = r.URL.Query().Get("access_token")
		b, _ := io.ReadAll(r.Body)
		json.Unmarshal(b, &gotBody)
		w.Write([]byte(`{"recipient_id":"1","message_id":"m"}`))
	}))
	defer srv.Close()

	s := NewGraphSender(config.MetaConfig{GraphBase: srv.URL, GraphVersion: "v23.0", PageAccessToken: "page", InstagramAccessToken: "ig"}, nil)
	if err := s.Send(context.Background(), outbound.Target{Channel: "instagram", ExternalID: "42"}, "hi"); err != nil {
		t.Fatal(err)
	}
	if gotPath != "/v23.0/me/messages" || gotToken != "ig" {
		t.Errorf("path=%s token=%s", gotPath, gotToken)
	}
	if gotBody["messaging_product"] != "instagram" || gotBody["messaging_type"] != "RESPONSE" {
		t.Errorf("body = %v", gotBody)
	}

	empty := NewGraphSender(config.MetaConfig{}, nil)
	if err := empty.Send(context.Background(), outbound.Target{Channel: "facebook", ExternalID: "1"}, "x"); !errors.Is(err, outbound.ErrNotConfigured) {
		t.Errorf("err = %v", err)
	}
}
