package auth

import (
	"context"
	"strings"
)

// Identity captures the authenticated caller extracted from a verified request.
type Identity struct {
	// Shop is the merchant's platform domain, e.g. "demo-store.myshopify.com".
	Shop string
	// CustomerID is the logged in storefront customer, empty for anonymous visitors.
	CustomerID string
}

// LoggedIn reports whether the request carried an authenticated customer.
func (i *Identity) LoggedIn() bool {
	return i != nil && strings.TrimSpace(i.CustomerID) != ""
}

type contextKey string

const identityContextKey contextKey = "github.com/billfree-connect/api/internal/platform/auth/identity"

// WithIdentity stores the identity within the context for downstream handlers.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFromContext retrieves the identity previously stored in context.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}
