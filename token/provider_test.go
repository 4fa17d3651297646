package token

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func newTokenServer(t *testing.T, accessToken string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":%q,"token_type":"bearer","expires_in":3600}`, accessToken)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTokenFetchesAndCachesPerEnvironment(t *testing.T) {
	srv := newTokenServer(t, "token-abc")
	p := NewClientCredentialsProvider(map[string]EnvironmentConfig{
		"prod": {TokenURI: srv.URL, ClientID: "id", ClientSecret: "secret"},
	})

	tok, err := p.Token(context.Background(), "prod")
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "token-abc" {
		t.Errorf("Token = %q, want token-abc", tok)
	}
}

func TestTokenUnknownEnvironmentErrors(t *testing.T) {
	p := NewClientCredentialsProvider(map[string]EnvironmentConfig{})
	if _, err := p.Token(context.Background(), "missing"); err == nil {
		t.Fatal("expected an error for an environment with no oauth2 configuration")
	}
}

func TestTokenReusesConfigAcrossCalls(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"tok","token_type":"bearer","expires_in":3600}`)
	}))
	defer srv.Close()

	p := NewClientCredentialsProvider(map[string]EnvironmentConfig{
		"prod": {TokenURI: srv.URL, ClientID: "id", ClientSecret: "secret"},
	})

	if _, err := p.Token(context.Background(), "prod"); err != nil {
		t.Fatalf("Token: %v", err)
	}
	if _, err := p.Token(context.Background(), "prod"); err != nil {
		t.Fatalf("Token: %v", err)
	}
	// oauth2's TokenSource caches internally until expiry, so a second call
	// within the token's lifetime should not hit the token endpoint again.
	if got := atomic.LoadInt32(&requests); got != 1 {
		t.Errorf("token endpoint hit %d times, want 1 (oauth2 should cache the unexpired token)", got)
	}
}

func TestRefreshAllFetchesEveryConfiguredEnvironment(t *testing.T) {
	srvA := newTokenServer(t, "tok-a")
	srvB := newTokenServer(t, "tok-b")
	p := NewClientCredentialsProvider(map[string]EnvironmentConfig{
		"a": {TokenURI: srvA.URL, ClientID: "id", ClientSecret: "secret"},
		"b": {TokenURI: srvB.URL, ClientID: "id", ClientSecret: "secret"},
	})

	p.RefreshAll(context.Background())

	tokA, err := p.Token(context.Background(), "a")
	if err != nil || tokA != "tok-a" {
		t.Errorf("environment a: token=%q err=%v, want tok-a/nil", tokA, err)
	}
	tokB, err := p.Token(context.Background(), "b")
	if err != nil || tokB != "tok-b" {
		t.Errorf("environment b: token=%q err=%v, want tok-b/nil", tokB, err)
	}
}
