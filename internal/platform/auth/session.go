package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/billfree-connect/api/internal/platform/httpx"
	"github.com/billfree-connect/api/internal/platform/requestctx"
)

const sessionHeader = "Authorization"

// SessionClaims models the embedded-app session token issued by the platform.
type SessionClaims struct {
	// Dest carries the shop origin, e.g. "https://demo-store.myshopify.com".
	Dest string `json:"dest"`
	// Sub is the staff user performing the admin action.
	jwt.RegisteredClaims
}

// SessionVerifier validates admin session tokens signed with the app secret.
type SessionVerifier struct {
	secret []byte
	now    func() time.Time
}

// SessionOption customises the verifier.
type SessionOption func(*SessionVerifier)

// WithSessionClock injects a custom clock, primarily for tests.
func WithSessionClock(now func() time.Time) SessionOption {
	return func(v *SessionVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewSessionVerifier builds a verifier for the given app secret.
func NewSessionVerifier(secret string, opts ...SessionOption) *SessionVerifier {
	verifier := &SessionVerifier{
		secret: []byte(secret),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(verifier)
		}
	}
	return verifier
}

// Verify parses and validates a raw session token, returning its claims.
func (v *SessionVerifier) Verify(raw string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
	)
	token, err := parser.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("auth: parse session token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("auth: session token invalid")
	}
	if normalizeShopDomain(claims.Dest) == "" {
		return nil, fmt.Errorf("auth: session token missing shop destination")
	}
	return claims, nil
}

// RequireSession enforces a valid bearer session token on admin requests. The
// shop derived from the token is stored on the request context.
func (v *SessionVerifier) RequireSession() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if len(v.secret) == 0 {
				httpx.WriteError(ctx, w, httpx.NewError("verification_unavailable", "session secret not configured", http.StatusServiceUnavailable))
				return
			}

			raw := bearerToken(r.Header.Get(sessionHeader))
			if raw == "" {
				httpx.WriteError(ctx, w, httpx.NewError("token_missing", "session token missing", http.StatusUnauthorized))
				return
			}

			claims, err := v.Verify(raw)
			if err != nil {
				httpx.WriteError(ctx, w, httpx.NewError("token_invalid", "session token verification failed", http.StatusUnauthorized))
				return
			}

			shop := normalizeShopDomain(claims.Dest)
			identity := &Identity{Shop: shop}

			ctx = WithIdentity(ctx, identity)
			ctx = requestctx.WithShop(ctx, shop)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
