package loyalty

import (
	"context"
	"errors"
	"time"

	"github.com/billfree-connect/api/internal/domain"
)

// Typed provider failures. Callers branch on these with errors.Is; the
// orchestrator maps them onto its own error taxonomy.
var (
	// ErrProviderUnavailable covers transport failures and non-2xx responses.
	ErrProviderUnavailable = errors.New("loyalty: provider unavailable")
	// ErrProviderRejected covers provider business-rule errors signalled in the payload.
	ErrProviderRejected = errors.New("loyalty: provider rejected request")
	// ErrOTPRequired indicates the account is OTP-gated and no code was supplied.
	ErrOTPRequired = errors.New("loyalty: otp required")
	// ErrOTPInvalid indicates the supplied code did not match.
	ErrOTPInvalid = errors.New("loyalty: otp invalid")
)

// RedeemRequest carries everything the provider needs to debit points for one
// invoice. InvoiceRef must be unique per attempt; the provider treats redeem
// as a one-shot state transition keyed by it.
type RedeemRequest struct {
	Identity   domain.LoyaltyIdentity
	InvoiceRef string
	BillDate   time.Time
	BillAmount domain.Money
	OTP        string
}

// Client wraps the loyalty provider's three remote operations. Every method
// takes the merchant's provider token; tokens are per-shop and live in the
// merchant configuration.
type Client interface {
	// GetBalance returns the current point balance and OTP requirement for a
	// phone. Unknown phones yield a zero balance plus a scheme message, not an
	// error.
	GetBalance(ctx context.Context, token string, identity domain.LoyaltyIdentity) (domain.BalanceQuote, error)

	// SendOTP triggers a provider-side SMS challenge. The code itself never
	// transits this system.
	SendOTP(ctx context.Context, token string, identity domain.LoyaltyIdentity) (domain.OTPDispatch, error)

	// Redeem debits points and returns the monetary value granted. Must be
	// called at most once per invoice reference; callers must not retry it.
	Redeem(ctx context.Context, token string, req RedeemRequest) (domain.RedemptionResult, error)
}
