package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// HeaderAPIKey carries a static producer key.
const HeaderAPIKey = "X-Xray-Key"

type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Identity, error)
}

// New builds the authenticator for cfg.Mode. OIDC mode performs discovery
// against the issuer.
func New(ctx context.Context, cfg Config) (Authenticator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var primary Authenticator
	switch cfg.Mode {
	case ModeDisabled:
		return anonymous{}, nil
	case ModeDev:
		primary = NewDevAuthenticator(cfg)
	case ModeOIDC:
		o, err := NewOIDCAuthenticator(ctx, cfg)
		if err != nil {
			return nil, err
		}
		primary = o
	}
	if len(cfg.APIKeys) == 0 {
		return primary, nil
	}
	return Chain{NewAPIKeyAuthenticator(cfg.APIKeys), primary}, nil
}

type anonymous struct{}

func (anonymous) Authenticate(context.Context, *http.Request) (Identity, error) {
	return Identity{Subject: "anonymous", Roles: []string{RoleAdmin}, Method: MethodDisabled}, nil
}

type DevAuthenticator struct {
	identity Identity
}

func NewDevAuthenticator(cfg Config) *DevAuthenticator {
	return &DevAuthenticator{
		identity: Identity{
			Subject: cfg.DevSubject,
			Email:   cfg.DevEmail,
			Roles:   cfg.DevRoles,
			Method:  MethodDev,
		},
	}
}

func (a *DevAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	return a.identity, nil
}

// APIKeyAuthenticator accepts producers presenting one of a fixed set of
// keys. They get the editor role.
type APIKeyAuthenticator struct {
	keys [][]byte
}

func NewAPIKeyAuthenticator(keys []string) *APIKeyAuthenticator {
	a := &APIKeyAuthenticator{}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			a.keys = append(a.keys, []byte(k))
		}
	}
	return a
}

func (a *APIKeyAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	presented := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	if presented == "" {
		return Identity{}, ErrUnauthenticated
	}
	for i, k := range a.keys {
		if subtle.ConstantTimeCompare(k, []byte(presented)) == 1 {
			return Identity{Subject: fmt.Sprintf("api-key-%d", i), Roles: []string{RoleIngest}, Method: MethodAPIKey}, nil
		}
	}
	return Identity{}, fmt.Errorf("unknown api key")
}

// Chain tries each authenticator in order, moving on only when one reports
// ErrUnauthenticated (no credentials of its kind).
type Chain []Authenticator

func (c Chain) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	for _, a := range c {
		identity, err := a.Authenticate(ctx, r)
		if errors.Is(err, ErrUnauthenticated) {
			continue
		}
		return identity, err
	}
	return Identity{}, ErrUnauthenticated
}

// OIDCAuthenticator verifies bearer ID tokens issued for the collector.
type OIDCAuthenticator struct {
	cfg      Config
	verifier *oidc.IDTokenVerifier
}

func NewOIDCAuthenticator(ctx context.Context, cfg Config) (*OIDCAuthenticator, error) {
	provider, err := oidc.NewProvider(ctx, cfg.OIDCIssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider: %w", err)
	}
	return NewOIDCAuthenticatorWithVerifier(cfg, provider.Verifier(&oidc.Config{ClientID: cfg.OIDCAudience})), nil
}

func NewOIDCAuthenticatorWithVerifier(cfg Config, verifier *oidc.IDTokenVerifier) *OIDCAuthenticator {
	return &OIDCAuthenticator{cfg: cfg, verifier: verifier}
}

func (a *OIDCAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	rawToken := tokenFromHeader(r)
	if rawToken == "" {
		return Identity{}, ErrUnauthenticated
	}
	idToken, err := a.verifier.Verify(ctx, rawToken)
	if err != nil {
		return Identity{}, err
	}
	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return Identity{}, err
	}
	return identityFromClaims(claims, a.cfg), nil
}

func identityFromClaims(claims map[string]any, cfg Config) Identity {
	subject, _ := claims["sub"].(string)
	email, _ := claims[cfg.EmailClaim].(string)
	return Identity{
		Subject: subject,
		Email:   email,
		Roles:   extractRolesClaim(claims, cfg.RolesClaim),
		Method:  MethodOIDC,
	}
}

func tokenFromHeader(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func extractRolesClaim(claims map[string]any, key string) []string {
	switch typed := claims[key].(type) {
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			s, ok := item.(string)
			if !ok {
				continue
			}
			if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		return parseCSV(typed)
	default:
		return nil
	}
}
