package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/billfree-connect/api/internal/platform/httpx"
	"github.com/billfree-connect/api/internal/platform/requestctx"
)

const (
	checkoutSecretHeader = "X-Checkout-Secret"
	checkoutShopHeader   = "X-Shop-Domain"
)

// RequireCheckoutSecret authenticates calls from the checkout discount
// function using a shared secret header. The calling function also identifies
// the shop it runs for; the domain is stored on the request context.
func RequireCheckoutSecret(secret string) func(http.Handler) http.Handler {
	expected := []byte(strings.TrimSpace(secret))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if len(expected) == 0 {
				httpx.WriteError(ctx, w, httpx.NewError("verification_unavailable", "checkout secret not configured", http.StatusServiceUnavailable))
				return
			}

			provided := []byte(strings.TrimSpace(r.Header.Get(checkoutSecretHeader)))
			if subtle.ConstantTimeCompare(provided, expected) != 1 {
				httpx.WriteError(ctx, w, httpx.NewError("secret_mismatch", "checkout secret verification failed", http.StatusUnauthorized))
				return
			}

			shop := normalizeShopDomain(r.Header.Get(checkoutShopHeader))
			if shop == "" {
				httpx.WriteError(ctx, w, httpx.NewError("shop_missing", "shop header missing", http.StatusUnauthorized))
				return
			}

			ctx = WithIdentity(ctx, &Identity{Shop: shop})
			ctx = requestctx.WithShop(ctx, shop)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
