package tokencache

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func tokenServer(t *testing.T, status int, token string, calls *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		if r.URL.Path != "/oauth/access_token" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseForm(); err != nil || r.Form.Get("grant_type") != "client_credentials" || r.Form.Get("client_id") != "id" {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		if status != http.StatusOK {
			http.Error(w, `{"error":"nope"}`, status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"` + token + `","token_type":"Bearer","expires_in":3600}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGetReusesUntilSkew(t *testing.T) {
	var calls int32
	srv := tokenServer(t, http.StatusOK, "tok-1", &calls)
	c := New(Config{ClientID: "id", ClientSecret: "secret", Bases: []string{srv.URL}})

	tok, err := c.Get(context.Background(), false, "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tok.Value != "tok-1" || tok.Base != srv.URL {
		t.Errorf("token = %+v", tok)
	}
	if _, err := c.Get(context.Background(), false, ""); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("calls = %d, want 1 (cached)", n)
	}

	// Inside the refresh window the cached token is no longer handed out.
	c.now = func() time.Time { return tok.Expiry.Add(-30 * time.Second) }
	if _, err := c.Get(context.Background(), false, ""); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("calls = %d, want 2", n)
	}

	if _, err := c.Get(context.Background(), true, ""); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("calls = %d, want 3 (forced)", n)
	}
}

func TestGetFallsBackAcrossBases(t *testing.T) {
	var badCalls, goodCalls int32
	bad := tokenServer(t, http.StatusUnauthorized, "", &badCalls)
	good := tokenServer(t, http.StatusOK, "tok-eu", &goodCalls)
	c := New(Config{ClientID: "id", ClientSecret: "secret", Bases: []string{bad.URL, good.URL}})

	tok, err := c.Get(context.Background(), false, "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tok.Base != good.URL {
		t.Errorf("base = %s, want %s", tok.Base, good.URL)
	}

	// Preferred base goes first.
	tok, err = c.Get(context.Background(), true, good.URL)
	if err != nil {
		t.Fatal(err)
	}
	if tok.Base != good.URL || atomic.LoadInt32(&badCalls) != 1 {
		t.Errorf("base = %s badCalls = %d", tok.Base, badCalls)
	}
}

func TestGetWithoutCredentials(t *testing.T) {
	c := New(Config{Bases: []string{"http://unused"}})
	if _, err := c.Get(context.Background(), false, ""); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("err = %v, want ErrNoCredentials", err)
	}
}
