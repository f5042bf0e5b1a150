package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/billfree-connect/api/internal/domain"
	pfirestore "github.com/billfree-connect/api/internal/platform/firestore"
)

const merchantCollection = "merchants"

// MerchantConfigRepository persists merchant integration settings in Firestore,
// one document per shop domain.
type MerchantConfigRepository struct {
	provider *pfirestore.Provider
	clock    func() time.Time
}

// MerchantConfigOption customises the repository.
type MerchantConfigOption func(*MerchantConfigRepository)

// WithClock injects a custom clock, primarily for tests.
func WithClock(clock func() time.Time) MerchantConfigOption {
	return func(r *MerchantConfigRepository) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// NewMerchantConfigRepository constructs a Firestore-backed merchant config repository.
func NewMerchantConfigRepository(provider *pfirestore.Provider, opts ...MerchantConfigOption) (*MerchantConfigRepository, error) {
	if provider == nil {
		return nil, errors.New("merchant config repository requires firestore provider")
	}
	repo := &MerchantConfigRepository{
		provider: provider,
		clock:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}
	return repo, nil
}

// Get loads the configuration for a shop.
func (r *MerchantConfigRepository) Get(ctx context.Context, shop string) (domain.MerchantConfig, error) {
	ref, err := r.doc(ctx, shop)
	if err != nil {
		return domain.MerchantConfig{}, err
	}

	snap, err := ref.Get(ctx)
	if err != nil {
		return domain.MerchantConfig{}, pfirestore.WrapError("merchants.get", err)
	}

	var doc merchantConfigDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.MerchantConfig{}, pfirestore.WrapError("merchants.decode", err)
	}
	return doc.toDomain(snap.Ref.ID), nil
}

// Upsert creates or replaces the configuration, preserving CreatedAt on updates.
func (r *MerchantConfigRepository) Upsert(ctx context.Context, cfg domain.MerchantConfig) (domain.MerchantConfig, error) {
	ref, err := r.doc(ctx, cfg.Shop)
	if err != nil {
		return domain.MerchantConfig{}, err
	}

	now := r.clock().UTC()
	saved := cfg
	saved.Shop = normalizeShop(cfg.Shop)
	saved.UpdatedAt = now

	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		switch {
		case err == nil:
			var existing merchantConfigDocument
			if decodeErr := snap.DataTo(&existing); decodeErr != nil {
				return decodeErr
			}
			saved.CreatedAt = existing.CreatedAt
			if saved.CreatedAt.IsZero() {
				saved.CreatedAt = now
			}
		case isNotFound(err):
			saved.CreatedAt = now
		default:
			return err
		}
		return tx.Set(ref, newMerchantConfigDocument(saved))
	})
	if err != nil {
		return domain.MerchantConfig{}, pfirestore.WrapError("merchants.upsert", err)
	}
	return saved, nil
}

// Delete removes the configuration for a shop.
func (r *MerchantConfigRepository) Delete(ctx context.Context, shop string) error {
	ref, err := r.doc(ctx, shop)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil {
		wrapped := pfirestore.WrapError("merchants.delete", err)
		if isNotFoundWrapped(wrapped) {
			return nil
		}
		return wrapped
	}
	return nil
}

func (r *MerchantConfigRepository) doc(ctx context.Context, shop string) (*firestore.DocumentRef, error) {
	normalized := normalizeShop(shop)
	if normalized == "" {
		return nil, errors.New("merchant config repository: shop is required")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(merchantCollection).Doc(normalized), nil
}

func normalizeShop(shop string) string {
	return strings.ToLower(strings.TrimSpace(shop))
}

func isNotFound(err error) bool {
	wrapped := pfirestore.WrapError("", err)
	return isNotFoundWrapped(wrapped)
}

func isNotFoundWrapped(err error) bool {
	var repoErr *pfirestore.Error
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

type merchantConfigDocument struct {
	Enabled       bool              `firestore:"enabled"`
	ProviderToken string            `firestore:"provider_token"`
	PlatformToken string            `firestore:"platform_token"`
	DialCode      string            `firestore:"dial_code"`
	CodeValidity  time.Duration     `firestore:"code_validity_ns"`
	FieldMappings map[string]string `firestore:"field_mappings"`
	CreatedAt     time.Time         `firestore:"created_at"`
	UpdatedAt     time.Time         `firestore:"updated_at"`
}

func newMerchantConfigDocument(cfg domain.MerchantConfig) merchantConfigDocument {
	return merchantConfigDocument{
		Enabled:       cfg.Enabled,
		ProviderToken: cfg.ProviderToken,
		PlatformToken: cfg.PlatformToken,
		DialCode:      cfg.DialCode,
		CodeValidity:  cfg.CodeValidity,
		FieldMappings: cfg.FieldMappings,
		CreatedAt:     cfg.CreatedAt,
		UpdatedAt:     cfg.UpdatedAt,
	}
}

func (d merchantConfigDocument) toDomain(shop string) domain.MerchantConfig {
	return domain.MerchantConfig{
		Shop:          shop,
		Enabled:       d.Enabled,
		ProviderToken: d.ProviderToken,
		PlatformToken: d.PlatformToken,
		DialCode:      d.DialCode,
		CodeValidity:  d.CodeValidity,
		FieldMappings: d.FieldMappings,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}
