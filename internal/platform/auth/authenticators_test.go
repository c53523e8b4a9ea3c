package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/coreos/go-oidc/v3/oidc"
)

func TestAPIKeyAuthenticator(t *testing.T) {
	a := NewAPIKeyAuthenticator([]string{"k1", " ", "k2"})

	req := httptest.NewRequest(http.MethodPost, "/executions", nil)
	if _, err := a.Authenticate(context.Background(), req); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("no key err=%v, want ErrUnauthenticated", err)
	}

	req.Header.Set(HeaderAPIKey, "k2")
	identity, err := a.Authenticate(context.Background(), req)
	if err != nil {
		t.Fatalf("Authenticate() err=%v", err)
	}
	if !HasAtLeast(identity.Roles, RoleIngest) || HasAtLeast(identity.Roles, RoleEditor) {
		t.Fatalf("roles=%v, want ingest only", identity.Roles)
	}
	if identity.Method != MethodAPIKey {
		t.Fatalf("method=%q, want %q", identity.Method, MethodAPIKey)
	}

	req.Header.Set(HeaderAPIKey, "nope")
	if _, err := a.Authenticate(context.Background(), req); err == nil || errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("wrong key err=%v, want invalid credential", err)
	}
}

func TestChain_FallsThroughOnMissingCredentials(t *testing.T) {
	dev := NewDevAuthenticator(Config{DevSubject: "dev", DevRoles: []string{"viewer"}})
	chain := Chain{NewAPIKeyAuthenticator([]string{"k1"}), dev}

	identity, err := chain.Authenticate(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	if err != nil || identity.Subject != "dev" {
		t.Fatalf("identity=%+v err=%v", identity, err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderAPIKey, "bad")
	if _, err := chain.Authenticate(context.Background(), req); err == nil {
		t.Fatalf("expected bad key to stop the chain")
	}
}

func TestOIDCAuthenticator_RejectsMalformedToken(t *testing.T) {
	verifier := oidc.NewVerifier("https://issuer.test", &oidc.StaticKeySet{}, &oidc.Config{ClientID: "xray"})
	a := NewOIDCAuthenticatorWithVerifier(Config{RolesClaim: "roles", EmailClaim: "email"}, verifier)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := a.Authenticate(context.Background(), req); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("missing token err=%v", err)
	}

	req.Header.Set("Authorization", "Bearer not-a-jwt")
	if _, err := a.Authenticate(context.Background(), req); err == nil || errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("malformed token err=%v, want verification failure", err)
	}
}

func TestIdentityFromClaims(t *testing.T) {
	cfg := Config{RolesClaim: "groups", EmailClaim: "email"}
	got := identityFromClaims(map[string]any{
		"sub":    "user-1",
		"email":  "u@example.test",
		"groups": []any{"Editor", 3, " viewer "},
	}, cfg)
	want := Identity{Subject: "user-1", Email: "u@example.test", Roles: []string{"editor", "viewer"}, Method: MethodOIDC}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("identity=%+v, want %+v", got, want)
	}

	csv := identityFromClaims(map[string]any{"sub": "u", "groups": "admin,viewer"}, cfg)
	if !reflect.DeepEqual(csv.Roles, []string{"admin", "viewer"}) {
		t.Fatalf("roles=%v", csv.Roles)
	}
}

func TestTokenFromHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "bearer abc.def")
	if got := tokenFromHeader(req); got != "abc.def" {
		t.Fatalf("token=%q", got)
	}
	req.Header.Set("Authorization", "Basic abc")
	if got := tokenFromHeader(req); got != "" {
		t.Fatalf("token=%q, want empty", got)
	}
}

func TestNew_Disabled(t *testing.T) {
	a, err := New(context.Background(), Config{Mode: ModeDisabled, RolesClaim: "roles", EmailClaim: "email"})
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	identity, err := a.Authenticate(context.Background(), httptest.NewRequest(http.MethodPost, "/", nil))
	if err != nil || !HasAtLeast(identity.Roles, RoleEditor) {
		t.Fatalf("identity=%+v err=%v", identity, err)
	}
}
