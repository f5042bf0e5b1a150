package commerce

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/billfree-connect/api/internal/domain"
)

// ErrPlatformUnavailable covers transport failures and non-2xx responses from
// the commerce platform's Admin API.
var ErrPlatformUnavailable = errors.New("commerce: platform unavailable")

// PlatformRejectedError is returned when the Admin API accepts the request but
// rejects it with validation errors.
type PlatformRejectedError struct {
	Message string
	Fields  []string
}

func (e *PlatformRejectedError) Error() string {
	if len(e.Fields) > 0 {
		return fmt.Sprintf("commerce: platform rejected request: %s (%s)", e.Message, strings.Join(e.Fields, ", "))
	}
	return fmt.Sprintf("commerce: platform rejected request: %s", e.Message)
}

// Credentials identify one merchant's Admin API access.
type Credentials struct {
	Shop        string
	AccessToken string
}

// Valid reports whether the credentials can be used for an Admin API call.
func (c Credentials) Valid() bool {
	return strings.TrimSpace(c.Shop) != "" && strings.TrimSpace(c.AccessToken) != ""
}

// DiscountCodeInput describes the single-use code created for an interactive
// redemption: fixed amount, scoped to one customer, bounded validity.
type DiscountCodeInput struct {
	Code       string
	Title      string
	Amount     domain.Money
	CustomerID string
	StartsAt   time.Time
	EndsAt     time.Time
}

// PlatformClient wraps the commerce platform operations the redemption
// workflow needs.
type PlatformClient interface {
	// GetCustomerPhone looks up the phone on a customer record. Returns an
	// empty string, not an error, when no phone is on file.
	GetCustomerPhone(ctx context.Context, creds Credentials, customerID string) (string, error)

	// CreateDiscountCode creates a persistent single-use discount code for the
	// given customer and returns the code string as accepted by the platform.
	CreateDiscountCode(ctx context.Context, creds Credentials, input DiscountCodeInput) (domain.DiscountCode, error)
}
