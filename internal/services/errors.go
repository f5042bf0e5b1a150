package services

import "errors"

// Redemption workflow error taxonomy. Handlers map these onto HTTP responses;
// the checkout path collapses every one of them to an empty operations list.
var (
	// ErrInvalidInput marks a structurally invalid command.
	ErrInvalidInput = errors.New("redemption: invalid input")
	// ErrNotConfigured means the integration is disabled or missing credentials for the shop.
	ErrNotConfigured = errors.New("redemption: integration not configured")
	// ErrIdentityUnresolvable means the customer has no phone number on file.
	ErrIdentityUnresolvable = errors.New("redemption: no phone number on file")
	// ErrProviderUnavailable means the loyalty provider could not be reached.
	ErrProviderUnavailable = errors.New("redemption: loyalty provider unavailable")
	// ErrProviderRejected means the loyalty provider rejected the request.
	ErrProviderRejected = errors.New("redemption: loyalty provider rejected request")
	// ErrOtpRequired means the account is OTP-gated and no code was supplied.
	ErrOtpRequired = errors.New("redemption: otp verification required")
	// ErrOtpInvalid means the supplied code is malformed or did not match.
	ErrOtpInvalid = errors.New("redemption: otp invalid")
	// ErrNoBalance means the account has no points to redeem.
	ErrNoBalance = errors.New("redemption: no points available")
	// ErrZeroDiscount means the redeemable amount capped to zero.
	ErrZeroDiscount = errors.New("redemption: discount amount is zero")
	// ErrPlatformRejected means the commerce platform refused the discount creation.
	ErrPlatformRejected = errors.New("redemption: discount creation rejected")
	// ErrRedemptionConflict means another redemption for the same customer is
	// in flight or recently finished with a different shape.
	ErrRedemptionConflict = errors.New("redemption: conflicting redemption attempt")
)
