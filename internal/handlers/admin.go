package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/billfree-connect/api/internal/domain"
	"github.com/billfree-connect/api/internal/platform/auth"
	"github.com/billfree-connect/api/internal/platform/httpx"
	"github.com/billfree-connect/api/internal/repositories"
)

const maxAdminBodySize = 16 * 1024

// AdminHandlers exposes the merchant settings endpoints behind the session
// token. Secrets are write-only: reads return masked values.
type AdminHandlers struct {
	configs repositories.MerchantConfigRepository
}

// NewAdminHandlers constructs the admin handler set.
func NewAdminHandlers(configs repositories.MerchantConfigRepository) *AdminHandlers {
	return &AdminHandlers{configs: configs}
}

// Routes wires the /admin endpoints onto the provided router.
func (h *AdminHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/config", h.getConfig)
	r.Put("/config", h.putConfig)
	r.Delete("/config", h.deleteConfig)
}

type merchantConfigPayload struct {
	Shop              string            `json:"shop"`
	Enabled           bool              `json:"enabled"`
	ProviderToken     string            `json:"providerToken"`
	PlatformToken     string            `json:"platformToken"`
	DialCode          string            `json:"dialCode,omitempty"`
	CodeValidityHours int64             `json:"codeValidityHours,omitempty"`
	FieldMappings     map[string]string `json:"fieldMappings,omitempty"`
	CreatedAt         string            `json:"createdAt,omitempty"`
	UpdatedAt         string            `json:"updatedAt,omitempty"`
}

type updateMerchantConfigRequest struct {
	Enabled           *bool             `json:"enabled"`
	ProviderToken     *string           `json:"providerToken"`
	PlatformToken     *string           `json:"platformToken"`
	DialCode          *string           `json:"dialCode"`
	CodeValidityHours *int64            `json:"codeValidityHours"`
	FieldMappings     map[string]string `json:"fieldMappings"`
}

func (h *AdminHandlers) getConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	shop, ok := h.requireShop(ctx, w)
	if !ok {
		return
	}

	cfg, err := h.configs.Get(ctx, shop)
	if err != nil {
		if repositories.IsNotFound(err) {
			httpx.WriteError(ctx, w, httpx.NewError("config_not_found", "no configuration exists for this shop", http.StatusNotFound))
			return
		}
		writeConfigError(ctx, w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, buildConfigPayload(cfg))
}

func (h *AdminHandlers) putConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	shop, ok := h.requireShop(ctx, w)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxAdminBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", err.Error(), http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return
	}

	var req updateMerchantConfigRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}

	current, err := h.configs.Get(ctx, shop)
	if err != nil && !repositories.IsNotFound(err) {
		writeConfigError(ctx, w, err)
		return
	}
	current.Shop = shop

	if req.Enabled != nil {
		current.Enabled = *req.Enabled
	}
	if req.ProviderToken != nil && !isMasked(*req.ProviderToken) {
		current.ProviderToken = strings.TrimSpace(*req.ProviderToken)
	}
	if req.PlatformToken != nil && !isMasked(*req.PlatformToken) {
		current.PlatformToken = strings.TrimSpace(*req.PlatformToken)
	}
	if req.DialCode != nil {
		current.DialCode = strings.TrimSpace(*req.DialCode)
	}
	if req.CodeValidityHours != nil {
		if *req.CodeValidityHours < 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "codeValidityHours must not be negative", http.StatusBadRequest))
			return
		}
		current.CodeValidity = time.Duration(*req.CodeValidityHours) * time.Hour
	}
	if req.FieldMappings != nil {
		current.FieldMappings = req.FieldMappings
	}

	if current.Enabled && strings.TrimSpace(current.ProviderToken) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "providerToken is required to enable the integration", http.StatusBadRequest))
		return
	}

	stored, err := h.configs.Upsert(ctx, current)
	if err != nil {
		writeConfigError(ctx, w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, buildConfigPayload(stored))
}

func (h *AdminHandlers) deleteConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	shop, ok := h.requireShop(ctx, w)
	if !ok {
		return
	}

	if err := h.configs.Delete(ctx, shop); err != nil {
		writeConfigError(ctx, w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandlers) requireShop(ctx context.Context, w http.ResponseWriter) (string, bool) {
	if h.configs == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "configuration store is unavailable", http.StatusServiceUnavailable))
		return "", false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || strings.TrimSpace(identity.Shop) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return "", false
	}
	return identity.Shop, true
}

func buildConfigPayload(cfg domain.MerchantConfig) merchantConfigPayload {
	payload := merchantConfigPayload{
		Shop:              cfg.Shop,
		Enabled:           cfg.Enabled,
		ProviderToken:     maskSecret(cfg.ProviderToken),
		PlatformToken:     maskSecret(cfg.PlatformToken),
		DialCode:          cfg.DialCode,
		CodeValidityHours: int64(cfg.CodeValidity / time.Hour),
		FieldMappings:     cfg.FieldMappings,
	}
	if !cfg.CreatedAt.IsZero() {
		payload.CreatedAt = cfg.CreatedAt.UTC().Format(time.RFC3339)
	}
	if !cfg.UpdatedAt.IsZero() {
		payload.UpdatedAt = cfg.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return payload
}

// maskSecret keeps the last four characters so merchants can recognise which
// token is stored without the response leaking it.
func maskSecret(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if len(value) <= 4 {
		return "****"
	}
	return "****" + value[len(value)-4:]
}

func isMasked(value string) bool {
	return strings.HasPrefix(strings.TrimSpace(value), "****")
}

func writeConfigError(ctx context.Context, w http.ResponseWriter, err error) {
	if repositories.IsUnavailable(err) {
		httpx.WriteError(ctx, w, httpx.NewError("store_unavailable", "configuration store is unavailable", http.StatusServiceUnavailable))
		return
	}
	if repositories.IsConflict(err) {
		httpx.WriteError(ctx, w, httpx.NewError("config_conflict", "configuration was modified concurrently", http.StatusConflict))
		return
	}
	httpx.WriteError(ctx, w, httpx.NewError("internal_server_error", "internal server error", http.StatusInternalServerError))
}
