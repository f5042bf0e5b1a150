package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/billfree-connect/api/internal/domain"
	"github.com/billfree-connect/api/internal/platform/auth"
)

type stubConfigRepository struct {
	getFunc    func(ctx context.Context, shop string) (domain.MerchantConfig, error)
	upsertFunc func(ctx context.Context, cfg domain.MerchantConfig) (domain.MerchantConfig, error)
	deleteFunc func(ctx context.Context, shop string) error
}

func (s *stubConfigRepository) Get(ctx context.Context, shop string) (domain.MerchantConfig, error) {
	if s.getFunc == nil {
		return domain.MerchantConfig{}, notFoundError{}
	}
	return s.getFunc(ctx, shop)
}

func (s *stubConfigRepository) Upsert(ctx context.Context, cfg domain.MerchantConfig) (domain.MerchantConfig, error) {
	if s.upsertFunc == nil {
		return cfg, nil
	}
	return s.upsertFunc(ctx, cfg)
}

func (s *stubConfigRepository) Delete(ctx context.Context, shop string) error {
	if s.deleteFunc == nil {
		return nil
	}
	return s.deleteFunc(ctx, shop)
}

type notFoundError struct{}

func (notFoundError) Error() string       { return "not found" }
func (notFoundError) IsNotFound() bool    { return true }
func (notFoundError) IsConflict() bool    { return false }
func (notFoundError) IsUnavailable() bool { return false }

func adminRouter(repo *stubConfigRepository) chi.Router {
	r := chi.NewRouter()
	NewAdminHandlers(repo).Routes(r)
	return r
}

func adminRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{Shop: "demo.myshopify.com"}))
}

func TestGetConfigMasksTokens(t *testing.T) {
	repo := &stubConfigRepository{
		getFunc: func(_ context.Context, shop string) (domain.MerchantConfig, error) {
			if shop != "demo.myshopify.com" {
				t.Fatalf("unexpected shop %q", shop)
			}
			return domain.MerchantConfig{
				Shop:          shop,
				Enabled:       true,
				ProviderToken: "bf-secret-token-9876",
				PlatformToken: "shpat-abcdef1234",
				DialCode:      "91",
				CodeValidity:  72 * time.Hour,
				CreatedAt:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			}, nil
		},
	}

	rr := httptest.NewRecorder()
	adminRouter(repo).ServeHTTP(rr, adminRequest(http.MethodGet, "/config", ""))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var body merchantConfigPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body.ProviderToken != "****9876" {
		t.Fatalf("expected masked provider token, got %q", body.ProviderToken)
	}
	if body.PlatformToken != "****1234" {
		t.Fatalf("expected masked platform token, got %q", body.PlatformToken)
	}
	if body.CodeValidityHours != 72 {
		t.Fatalf("expected 72 validity hours, got %d", body.CodeValidityHours)
	}
}

func TestGetConfigMissingReturnsNotFound(t *testing.T) {
	rr := httptest.NewRecorder()
	adminRouter(&stubConfigRepository{}).ServeHTTP(rr, adminRequest(http.MethodGet, "/config", ""))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestPutConfigPreservesMaskedTokens(t *testing.T) {
	var stored domain.MerchantConfig
	repo := &stubConfigRepository{
		getFunc: func(context.Context, string) (domain.MerchantConfig, error) {
			return domain.MerchantConfig{
				Shop:          "demo.myshopify.com",
				Enabled:       true,
				ProviderToken: "bf-secret-token-9876",
				PlatformToken: "shpat-abcdef1234",
			}, nil
		},
		upsertFunc: func(_ context.Context, cfg domain.MerchantConfig) (domain.MerchantConfig, error) {
			stored = cfg
			return cfg, nil
		},
	}

	payload := `{"enabled":true,"providerToken":"****9876","dialCode":"91"}`
	rr := httptest.NewRecorder()
	adminRouter(repo).ServeHTTP(rr, adminRequest(http.MethodPut, "/config", payload))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if stored.ProviderToken != "bf-secret-token-9876" {
		t.Fatalf("masked token must not overwrite the stored secret, got %q", stored.ProviderToken)
	}
	if stored.DialCode != "91" {
		t.Fatalf("expected dial code update, got %q", stored.DialCode)
	}
}

func TestPutConfigReplacesTokens(t *testing.T) {
	var stored domain.MerchantConfig
	repo := &stubConfigRepository{
		upsertFunc: func(_ context.Context, cfg domain.MerchantConfig) (domain.MerchantConfig, error) {
			stored = cfg
			return cfg, nil
		},
	}

	payload := `{"enabled":true,"providerToken":"bf-new-token","platformToken":"shpat-new"}`
	rr := httptest.NewRecorder()
	adminRouter(repo).ServeHTTP(rr, adminRequest(http.MethodPut, "/config", payload))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if stored.ProviderToken != "bf-new-token" || stored.PlatformToken != "shpat-new" {
		t.Fatalf("unexpected stored tokens: %+v", stored)
	}
	if stored.Shop != "demo.myshopify.com" {
		t.Fatalf("expected shop from session, got %q", stored.Shop)
	}
}

func TestPutConfigRejectsEnableWithoutProviderToken(t *testing.T) {
	payload := `{"enabled":true}`
	rr := httptest.NewRecorder()
	adminRouter(&stubConfigRepository{}).ServeHTTP(rr, adminRequest(http.MethodPut, "/config", payload))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestDeleteConfigReturnsNoContent(t *testing.T) {
	var deleted string
	repo := &stubConfigRepository{
		deleteFunc: func(_ context.Context, shop string) error {
			deleted = shop
			return nil
		},
	}

	rr := httptest.NewRecorder()
	adminRouter(repo).ServeHTTP(rr, adminRequest(http.MethodDelete, "/config", ""))

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
	if deleted != "demo.myshopify.com" {
		t.Fatalf("expected delete for session shop, got %q", deleted)
	}
}

func TestAdminRequiresIdentity(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/config", nil)
	rr := httptest.NewRecorder()
	adminRouter(&stubConfigRepository{}).ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}
