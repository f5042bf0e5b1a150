package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Money represents a monetary amount in minor units (e.g. paise, cents)
// alongside its ISO currency code.
type Money struct {
	Amount   int64
	Currency string
}

// IsPositive reports whether the amount is strictly greater than zero.
func (m Money) IsPositive() bool { return m.Amount > 0 }

// Min returns the smaller of the two amounts, keeping the receiver's currency.
func (m Money) Min(other Money) Money {
	if other.Amount < m.Amount {
		return Money{Amount: other.Amount, Currency: m.Currency}
	}
	return m
}

// MajorUnits renders the amount as a decimal string with two fractional
// digits, the format the loyalty provider expects for bill amounts.
func (m Money) MajorUnits() string {
	units := m.Amount / 100
	cents := m.Amount % 100
	if cents < 0 {
		cents = -cents
	}
	return fmt.Sprintf("%d.%02d", units, cents)
}

// MoneyFromMajorUnits converts a decimal currency amount (as returned by the
// loyalty provider) into minor units, rounding half away from zero.
func MoneyFromMajorUnits(value float64, currency string) Money {
	return Money{
		Amount:   int64(math.Round(value * 100)),
		Currency: strings.ToUpper(strings.TrimSpace(currency)),
	}
}

// MerchantConfig holds the per-shop integration settings. It is created when
// the app is installed, maintained through the admin settings endpoint, and
// read on every redemption attempt. The redemption workflow never mutates it.
type MerchantConfig struct {
	Shop          string
	Enabled       bool
	ProviderToken string
	PlatformToken string
	DialCode      string
	CodeValidity  time.Duration
	FieldMappings map[string]string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Configured reports whether the integration can serve redemptions. A merchant
// without a provider token fails closed.
func (c MerchantConfig) Configured() bool {
	return c.Enabled && strings.TrimSpace(c.ProviderToken) != ""
}

// LoyaltyIdentity is the transient projection of a platform customer onto the
// loyalty provider's phone-keyed identity. Derived per request, never
// persisted.
type LoyaltyIdentity struct {
	Phone    string
	DialCode string
}

// Valid reports whether the identity carries a usable phone number.
func (id LoyaltyIdentity) Valid() bool {
	return strings.TrimSpace(id.Phone) != ""
}

// BalanceQuote is the provider's answer to a balance lookup. It is valid only
// for the redemption attempt in progress; balances change out from under us,
// so quotes are never cached across attempts.
type BalanceQuote struct {
	Points        int64
	OTPRequired   bool
	SchemeMessage string
}

// OTPDispatch reports the outcome of asking the provider to send an OTP. The
// OTP value itself never transits this system.
type OTPDispatch struct {
	Sent    bool
	Message string
}

// RedemptionResult captures the provider's one-shot point debit. Amount is the
// monetary value the provider granted; Capped is that value bounded by the
// order subtotal. Immutable once produced.
type RedemptionResult struct {
	Amount          Money
	Capped          Money
	PointsRedeemed  int64
	RemainingPoints int64
	Message         string
}

// DiscountCode is the persistent, single-use coupon created for the
// interactive redemption path.
type DiscountCode struct {
	Code      string
	Amount    Money
	ExpiresAt time.Time
}

// SelectionStrategyFirst is the only selection strategy this integration
// emits: at most one candidate is ever produced per evaluation.
const SelectionStrategyFirst = "FIRST"

// DiscountTargetOrder marks an order-level fixed amount discount.
const DiscountTargetOrder = "ORDER_SUBTOTAL"

// DiscountOperation is one entry of the checkout function's ordered output
// list: an order-level fixed-amount discount scoped to a single evaluation.
type DiscountOperation struct {
	SelectionStrategy string
	Target            string
	Amount            Money
	Message           string
}

// NewOrderDiscountOperation builds the single automatic discount candidate
// emitted at checkout, with a message embedding currency and amount.
func NewOrderDiscountOperation(amount Money) DiscountOperation {
	return DiscountOperation{
		SelectionStrategy: SelectionStrategyFirst,
		Target:            DiscountTargetOrder,
		Amount:            amount,
		Message:           fmt.Sprintf("Loyalty points: %s %s off", amount.Currency, amount.MajorUnits()),
	}
}
