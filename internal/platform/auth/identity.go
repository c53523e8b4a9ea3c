package auth

import "context"

// Method names how an Identity was established.
const (
	MethodDisabled = "disabled"
	MethodDev      = "dev"
	MethodAPIKey   = "api_key"
	MethodOIDC     = "oidc"
)

type Identity struct {
	Subject string
	Email   string
	Roles   []string
	Method  string
}

type ctxKeyIdentity struct{}

func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity{}, identity)
}

// IdentityFromContext returns the caller set by Middleware. Requests on
// skipped prefixes carry none.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(ctxKeyIdentity{}).(Identity)
	return v, ok
}
