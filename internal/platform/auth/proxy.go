package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/billfree-connect/api/internal/platform/httpx"
	"github.com/billfree-connect/api/internal/platform/requestctx"
)

const (
	signatureParam = "signature"
	shopParam      = "shop"
	timestampParam = "timestamp"
	customerParam  = "logged_in_customer_id"

	defaultProxyClockSkew = 5 * time.Minute
)

// ProxyVerifier validates app proxy requests forwarded by the commerce
// platform. The platform signs the query string with the app secret; the
// signature covers every parameter except the signature itself.
type ProxyVerifier struct {
	secret    []byte
	clockSkew time.Duration
	now       func() time.Time
}

// ProxyOption customises the verifier.
type ProxyOption func(*ProxyVerifier)

// WithProxyClock injects a custom clock, primarily for tests.
func WithProxyClock(now func() time.Time) ProxyOption {
	return func(v *ProxyVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// WithProxyClockSkew adjusts the accepted timestamp skew.
func WithProxyClockSkew(d time.Duration) ProxyOption {
	return func(v *ProxyVerifier) {
		if d > 0 {
			v.clockSkew = d
		}
	}
}

// NewProxyVerifier builds a verifier for the given app secret.
func NewProxyVerifier(secret string, opts ...ProxyOption) *ProxyVerifier {
	verifier := &ProxyVerifier{
		secret:    []byte(secret),
		clockSkew: defaultProxyClockSkew,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(verifier)
		}
	}
	return verifier
}

// RequireSignature rejects requests whose query string does not carry a valid
// proxy signature. On success the shop domain and customer identity are stored
// on the request context.
func (v *ProxyVerifier) RequireSignature() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if len(v.secret) == 0 {
				httpx.WriteError(ctx, w, httpx.NewError("verification_unavailable", "proxy secret not configured", http.StatusServiceUnavailable))
				return
			}

			query := r.URL.Query()
			provided := strings.TrimSpace(query.Get(signatureParam))
			if provided == "" {
				httpx.WriteError(ctx, w, httpx.NewError("signature_missing", "proxy signature missing", http.StatusUnauthorized))
				return
			}

			signature, err := hex.DecodeString(provided)
			if err != nil {
				httpx.WriteError(ctx, w, httpx.NewError("signature_invalid", "proxy signature encoding invalid", http.StatusUnauthorized))
				return
			}

			expected := computeProxySignature(v.secret, query)
			if !hmac.Equal(signature, expected) {
				httpx.WriteError(ctx, w, httpx.NewError("signature_mismatch", "proxy signature verification failed", http.StatusUnauthorized))
				return
			}

			if tsValue := strings.TrimSpace(query.Get(timestampParam)); tsValue != "" {
				seconds, err := strconv.ParseInt(tsValue, 10, 64)
				if err != nil {
					httpx.WriteError(ctx, w, httpx.NewError("timestamp_invalid", "proxy timestamp invalid", http.StatusUnauthorized))
					return
				}
				if skew := v.now().Sub(time.Unix(seconds, 0)); skew > v.clockSkew || skew < -v.clockSkew {
					httpx.WriteError(ctx, w, httpx.NewError("timestamp_skew", "proxy timestamp outside allowed window", http.StatusUnauthorized))
					return
				}
			}

			shop := normalizeShopDomain(query.Get(shopParam))
			if shop == "" {
				httpx.WriteError(ctx, w, httpx.NewError("shop_missing", "shop parameter missing", http.StatusUnauthorized))
				return
			}

			identity := &Identity{
				Shop:       shop,
				CustomerID: strings.TrimSpace(query.Get(customerParam)),
			}

			ctx = WithIdentity(ctx, identity)
			ctx = requestctx.WithShop(ctx, shop)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// computeProxySignature reproduces the platform's query signature: parameters
// sorted by key, multi-values joined with commas, concatenated without
// separators, HMAC-SHA256 under the app secret.
func computeProxySignature(secret []byte, query url.Values) []byte {
	keys := make([]string, 0, len(query))
	for key := range query {
		if key == signatureParam {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var builder strings.Builder
	for _, key := range keys {
		builder.WriteString(key)
		builder.WriteString("=")
		builder.WriteString(strings.Join(query[key], ","))
	}

	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(builder.String()))
	return mac.Sum(nil)
}

// normalizeShopDomain lowercases the shop domain and strips any scheme or path.
func normalizeShopDomain(raw string) string {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	trimmed = strings.TrimPrefix(trimmed, "https://")
	trimmed = strings.TrimPrefix(trimmed, "http://")
	if idx := strings.IndexByte(trimmed, '/'); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	if trimmed == "" || !strings.Contains(trimmed, ".") {
		return ""
	}
	return trimmed
}
