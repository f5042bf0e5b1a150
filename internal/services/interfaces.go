package services

import (
	"context"
	"time"

	"github.com/billfree-connect/api/internal/domain"
)

// ConfigResolver loads the merchant configuration that governs a redemption
// attempt. Implementations fail closed: a missing or disabled configuration
// resolves to ErrNotConfigured.
type ConfigResolver interface {
	Resolve(ctx context.Context, shop string) (domain.MerchantConfig, error)
}

// RedemptionEvent is published after every successful point debit, feeding
// downstream reporting.
type RedemptionEvent struct {
	EventID        string    `json:"event_id"`
	Shop           string    `json:"shop"`
	Channel        string    `json:"channel"`
	InvoiceRef     string    `json:"invoice_ref"`
	PointsRedeemed int64     `json:"points_redeemed"`
	AmountMinor    int64     `json:"amount_minor"`
	Currency       string    `json:"currency"`
	Code           string    `json:"code,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// EventPublisher delivers redemption events to the configured topic.
type EventPublisher interface {
	PublishRedemptionEvent(ctx context.Context, event RedemptionEvent) (string, error)
}

// Redemption channels recorded on events and guard records.
const (
	ChannelStorefront = "storefront"
	ChannelCheckout   = "checkout"
)

// BalanceQuery asks for a customer's current balance view.
type BalanceQuery struct {
	Shop       string
	CustomerID string
}

// BalanceView is the storefront-facing answer to a balance query.
type BalanceView struct {
	Points        int64
	OTPRequired   bool
	SchemeMessage string
}

// OTPDispatchCommand asks the provider to send an OTP to a phone.
type OTPDispatchCommand struct {
	Shop  string
	Phone string
}

// InteractiveRedeemCommand drives the account-widget redemption path.
type InteractiveRedeemCommand struct {
	Shop       string
	CustomerID string
	BillAmount domain.Money
	OTP        string
}

// InteractiveRedeemResult is returned to the widget after a successful
// interactive redemption.
type InteractiveRedeemResult struct {
	Code            string
	Amount          domain.Money
	PointsRedeemed  int64
	RemainingPoints int64
	Message         string
	ExpiresAt       time.Time
}

// CheckoutEvaluation drives the automatic checkout discount path.
type CheckoutEvaluation struct {
	Shop       string
	CustomerID string
	Subtotal   domain.Money
}

// CheckoutResult is the checkout function's output: an ordered list of
// discount operations, empty whenever no discount applies.
type CheckoutResult struct {
	Operations []domain.DiscountOperation
}

// RedemptionService orchestrates the redemption workflow end to end.
type RedemptionService interface {
	// QuoteBalance resolves the customer to a phone and returns the provider's
	// balance view. No points are debited.
	QuoteBalance(ctx context.Context, query BalanceQuery) (BalanceView, error)

	// DispatchOTP triggers an OTP challenge for an OTP-gated account.
	DispatchOTP(ctx context.Context, cmd OTPDispatchCommand) (domain.OTPDispatch, error)

	// RedeemInteractive converts points into a single-use discount code. The
	// provider debit happens at most once per attempt.
	RedeemInteractive(ctx context.Context, cmd InteractiveRedeemCommand) (InteractiveRedeemResult, error)

	// RedeemAtCheckout evaluates an automatic discount inside the checkout
	// budget. It never returns an error: every failure collapses to an empty
	// operations list.
	RedeemAtCheckout(ctx context.Context, eval CheckoutEvaluation) CheckoutResult
}
