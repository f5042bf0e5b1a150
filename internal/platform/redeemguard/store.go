package redeemguard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// Status represents the lifecycle state of a redemption guard record.
type Status string

const (
	// DefaultTTL is the default duration that guard records are retained.
	DefaultTTL = 24 * time.Hour
	// StatusPending indicates a redemption has reserved the scope but the
	// provider call has not been confirmed yet.
	StatusPending Status = "pending"
	// StatusCompleted indicates the points were debited and the outcome recorded.
	StatusCompleted Status = "completed"
)

// ReservationState describes the outcome of attempting to reserve a scope.
type ReservationState int

const (
	// ReservationStateNew means the scope was free and the caller may redeem.
	ReservationStateNew ReservationState = iota
	// ReservationStateCompleted means a previous redemption succeeded; its outcome can be replayed.
	ReservationStateCompleted
	// ReservationStatePending means another request is currently redeeming this reference,
	// or a previous attempt ended ambiguously and was deliberately not released.
	ReservationStatePending
)

// Outcome captures the durable result of a successful redemption.
type Outcome struct {
	PointsRedeemed int64
	AmountMinor    int64
	Currency       string
	Code           string
}

// Record is the persisted guard entry for one redemption attempt.
type Record struct {
	Shop        string
	Scope       string
	Fingerprint string
	Status      Status
	Outcome     Outcome
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   time.Time
}

// Reservation encapsulates the result of reserving a scope.
type Reservation struct {
	State  ReservationState
	Record Record
}

// Store persists redemption guard reservations. A reservation must be taken
// before the provider debit and either completed with the outcome or released
// when the debit definitively did not happen.
type Store interface {
	Reserve(ctx context.Context, shop, scope, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error)
	Complete(ctx context.Context, shop, scope, fingerprint string, outcome Outcome, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, shop, scope, fingerprint string) error
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// ErrFingerprintMismatch is returned when a scope is reused with a different
// redemption fingerprint.
var ErrFingerprintMismatch = errors.New("redeemguard: scope reserved for different redemption")

// Fingerprint derives a stable digest over the parameters that make two
// redemption attempts "the same": phone, points and amount.
func Fingerprint(parts ...string) string {
	joined := strings.Join(parts, "\x1f")
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}

func docKey(shop, scope string) string {
	composed := strings.TrimSpace(strings.ToLower(shop)) + "/" + strings.TrimSpace(scope)
	sum := sha256.Sum256([]byte(composed))
	return hex.EncodeToString(sum[:])
}
