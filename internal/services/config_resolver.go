package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/billfree-connect/api/internal/domain"
	"github.com/billfree-connect/api/internal/repositories"
)

// MerchantConfigResolver resolves merchant configurations from the repository,
// filling in deployment-wide defaults for fields the merchant left unset.
type MerchantConfigResolver struct {
	repo                repositories.MerchantConfigRepository
	defaultDialCode     string
	defaultCodeValidity time.Duration
}

// MerchantConfigResolverDeps collects the resolver dependencies.
type MerchantConfigResolverDeps struct {
	Repository          repositories.MerchantConfigRepository
	DefaultDialCode     string
	DefaultCodeValidity time.Duration
}

// NewMerchantConfigResolver constructs the resolver.
func NewMerchantConfigResolver(deps MerchantConfigResolverDeps) (*MerchantConfigResolver, error) {
	if deps.Repository == nil {
		return nil, errors.New("config resolver requires merchant config repository")
	}
	return &MerchantConfigResolver{
		repo:                deps.Repository,
		defaultDialCode:     strings.TrimSpace(deps.DefaultDialCode),
		defaultCodeValidity: deps.DefaultCodeValidity,
	}, nil
}

// Resolve implements ConfigResolver. Missing or disabled configurations fail
// closed with ErrNotConfigured.
func (r *MerchantConfigResolver) Resolve(ctx context.Context, shop string) (domain.MerchantConfig, error) {
	shop = strings.TrimSpace(shop)
	if shop == "" {
		return domain.MerchantConfig{}, fmt.Errorf("%w: shop is required", ErrNotConfigured)
	}

	cfg, err := r.repo.Get(ctx, shop)
	if err != nil {
		if repositories.IsNotFound(err) {
			return domain.MerchantConfig{}, fmt.Errorf("%w: no configuration for %s", ErrNotConfigured, shop)
		}
		return domain.MerchantConfig{}, fmt.Errorf("load merchant config: %w", err)
	}

	if !cfg.Configured() {
		return domain.MerchantConfig{}, fmt.Errorf("%w: integration disabled for %s", ErrNotConfigured, shop)
	}

	if strings.TrimSpace(cfg.DialCode) == "" {
		cfg.DialCode = r.defaultDialCode
	}
	if cfg.CodeValidity <= 0 {
		cfg.CodeValidity = r.defaultCodeValidity
	}
	return cfg, nil
}
