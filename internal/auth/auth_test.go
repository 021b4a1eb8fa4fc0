package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/docker/cli/cli/config/configfile"
	"github.com/docker/cli/cli/config/types"
)

func TestParseChallenge(t *testing.T) {
	ch, err := ParseChallenge(`Bearer realm="https://auth.example.com/token",service="registry.example.com",scope="repository:library/nginx:pull"`)
	if err != nil {
		t.Fatalf("ParseChallenge: %v", err)
	}
	if ch.Realm != "https://auth.example.com/token" {
		t.Fatalf("Realm = %q", ch.Realm)
	}
	if ch.Service != "registry.example.com" {
		t.Fatalf("Service = %q", ch.Service)
	}
	if ch.Scope != "repository:library/nginx:pull" {
		t.Fatalf("Scope = %q", ch.Scope)
	}
}

func TestParseChallengeRejectsNonBearer(t *testing.T) {
	if _, err := ParseChallenge(`Basic realm="registry"`); err == nil {
		t.Fatalf("expected error for non-bearer challenge")
	}
}

func TestParseChallengeRequiresRealm(t *testing.T) {
	if _, err := ParseChallenge(`Bearer service="registry.example.com"`); err == nil {
		t.Fatalf("expected error for missing realm")
	}
}

func TestTokenExchangeAndCache(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if user, pass, ok := r.BasicAuth(); !ok || user != "alice" || pass != "hunter2" {
			t.Fatalf("unexpected credentials on token request: %q %q %v", user, pass, ok)
		}
		json.NewEncoder(w).Encode(map[string]string{"token": "tok-123"})
	}))
	defer srv.Close()

	cfg := configfile.New("")
	r := NewResolverFromFile(cfg, srv.Client())

	ch := Challenge{Realm: srv.URL, Service: "registry.example.com", Scope: "repository:library/nginx:pull"}
	cred := Credential{Username: "alice", Password: "hunter2"}

	tok, err := r.Token(context.Background(), "registry.example.com", ch, cred)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "tok-123" {
		t.Fatalf("Token = %q, want tok-123", tok)
	}

	if _, err := r.Token(context.Background(), "registry.example.com", ch, cred); err != nil {
		t.Fatalf("second Token call: %v", err)
	}
	if requests != 1 {
		t.Fatalf("token endpoint hit %d times, want 1 (cache should short-circuit)", requests)
	}
}

func TestCredentialPrecedenceAuthConfigWhenNoHelperOrStore(t *testing.T) {
	cfg := configfile.New("")
	cfg.AuthConfigs = map[string]types.AuthConfig{
		"registry.example.com": {Username: "bob", Password: "swordfish"},
	}
	r := NewResolverFromFile(cfg, nil)

	cred, err := r.Credential("registry.example.com")
	if err != nil {
		t.Fatalf("Credential: %v", err)
	}
	if cred.Username != "bob" || cred.Password != "swordfish" {
		t.Fatalf("got %+v", cred)
	}
}

func TestCredentialAnonymousWhenUnconfigured(t *testing.T) {
	cfg := configfile.New("")
	r := NewResolverFromFile(cfg, nil)

	cred, err := r.Credential("registry.example.com")
	if err != nil {
		t.Fatalf("Credential: %v", err)
	}
	if !cred.anonymous() {
		t.Fatalf("expected anonymous credential, got %+v", cred)
	}
}

func TestBasicAuthHeader(t *testing.T) {
	h := BasicAuthHeader(Credential{Username: "alice", Password: "hunter2"})
	if h != "Basic YWxpY2U6aHVudGVyMg==" {
		t.Fatalf("BasicAuthHeader = %q", h)
	}
}
