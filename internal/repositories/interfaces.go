package repositories

import (
	"context"
	"errors"

	"github.com/billfree-connect/api/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// IsNotFound reports whether err categorises as a missing record.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// IsConflict reports whether err categorises as a conflicting update.
func IsConflict(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

// IsUnavailable reports whether err categorises as a transient backend outage.
func IsUnavailable(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsUnavailable()
}

// MerchantConfigRepository persists per-shop integration settings.
type MerchantConfigRepository interface {
	// Get loads the configuration for a shop. A missing document is returned
	// as a RepositoryError with IsNotFound.
	Get(ctx context.Context, shop string) (domain.MerchantConfig, error)

	// Upsert creates or replaces the configuration, preserving CreatedAt on
	// updates, and returns the stored state.
	Upsert(ctx context.Context, cfg domain.MerchantConfig) (domain.MerchantConfig, error)

	// Delete removes the configuration, typically on app uninstall. Deleting a
	// missing document is not an error.
	Delete(ctx context.Context, shop string) error
}
