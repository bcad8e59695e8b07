package whatsapp

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/goinbox/internal/config"
	"github.com/nextlevelbuilder/goinbox/internal/outbound"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantID   string
		wantName string
	}{
		{"profile name", "From=whatsapp%3A%2B2348000000&WaId=2348000000&Body=hi&ProfileName=Ada", "+2348000000", "Ada"},
		{"waid fallback", "From=whatsapp%3A%2B2348000000&WaId=2348000000&Body=hi", "+2348000000", "WhatsApp 2348000000"},
		{"number fallback", "From=whatsapp%3A%2B15550001&Body=hi", "+15550001", "WhatsApp +15550001"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalizer{}.Normalize([]byte(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			if got[0].ExternalID != tt.wantID || got[0].DisplayName != tt.wantName || got[0].Channel != "whatsapp" {
				t.Errorf("got %+v", got[0])
			}
		})
	}
}

func TestValidateSignature(t *testing.T) {
	params := url.Values{"Body": {"hi"}, "From": {"whatsapp:+1"}}
	full := "https://example.com/webhooks/whatsapp"
	mac := hmac.New(sha1.New, []byte("token"))
	mac.Write([]byte(full + "Bodyhi" + "Fromwhatsapp:+1"))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if !ValidateSignature("token", sig, full, params) {
		t.Error("valid signature rejected")
	}
	if ValidateSignature("token", sig, full+"?x=1", params) {
		t.Error("signature for a different URL accepted")
	}
	if ValidateSignature("", sig, full, params) {
		t.Error("signature accepted without auth token")
	}
}

func TestTwiML(t *testing.T) {
	got := string(TwiML(DefaultAutoReply))
	if !strings.Contains(got, "<Response><Message>Thanks! An agent will be with you shortly.</Message></Response>") {
		t.Errorf("TwiML = %s", got)
	}
}

func TestSender(t *testing.T) {
	var form url.Values
	var user string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2010-04-01/Accounts/AC123/Messages.json" {
			http.NotFound(w, r)
			return
		}
		user, _, _ = r.BasicAuth()
		r.ParseForm()
		form = r.PostForm
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sid":"SM1"}`))
	}))
	defer srv.Close()

	s := NewSender(config.WhatsAppConfig{AccountSID: "AC123", AuthToken: "tok", From: "+1999", APIBase: srv.URL}, nil)
	if err := s.Send(context.Background(), outbound.Target{ExternalID: "+1555"}, "hello"); err != nil {
		t.Fatal(err)
	}
	if user != "AC123" || form.Get("To") != "whatsapp:+1555" || form.Get("From") != "whatsapp:+1999" || form.Get("Body") != "hello" {
		t.Errorf("user=%s form=%v", user, form)
	}

	disabled := NewSender(config.WhatsAppConfig{AccountSID: "bogus", AuthToken: "tok", From: "+1"}, nil)
	if err := disabled.Send(context.Background(), outbound.Target{ExternalID: "+1"}, "x"); !errors.Is(err, outbound.ErrNotConfigured) {
		t.Errorf("err = %v", err)
	}
}
