package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/billfree-connect/api/internal/domain"
	"github.com/billfree-connect/api/internal/platform/auth"
	"github.com/billfree-connect/api/internal/services"
)

func checkoutRouter(svc services.RedemptionService, enabled bool) chi.Router {
	r := chi.NewRouter()
	NewCheckoutHandlers(svc, enabled).Routes(r)
	return r
}

func checkoutRequest(body string, identity *auth.Identity) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/discount", strings.NewReader(body))
	if identity != nil {
		req = req.WithContext(auth.WithIdentity(req.Context(), identity))
	}
	return req
}

func decodeCheckoutResponse(t *testing.T, rr *httptest.ResponseRecorder) checkoutDiscountResponse {
	t.Helper()
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body checkoutDiscountResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body.Operations == nil {
		t.Fatal("expected operations list, got null")
	}
	return body
}

func TestCheckoutDiscountReturnsOperations(t *testing.T) {
	var captured services.CheckoutEvaluation
	svc := &stubRedemptionService{
		checkoutFunc: func(_ context.Context, eval services.CheckoutEvaluation) services.CheckoutResult {
			captured = eval
			return services.CheckoutResult{Operations: []domain.DiscountOperation{
				domain.NewOrderDiscountOperation(domain.Money{Amount: 7500, Currency: "INR"}),
			}}
		},
	}

	payload := `{"customerId":"1001","subtotal":"120.00","currency":"INR"}`
	req := checkoutRequest(payload, &auth.Identity{Shop: "demo.myshopify.com"})
	rr := httptest.NewRecorder()
	checkoutRouter(svc, true).ServeHTTP(rr, req)

	body := decodeCheckoutResponse(t, rr)
	if captured.Shop != "demo.myshopify.com" || captured.CustomerID != "1001" {
		t.Fatalf("unexpected evaluation: %+v", captured)
	}
	if captured.Subtotal.Amount != 12000 {
		t.Fatalf("expected subtotal 12000 minor units, got %d", captured.Subtotal.Amount)
	}
	if len(body.Operations) != 1 {
		t.Fatalf("expected one operation, got %d", len(body.Operations))
	}
	op := body.Operations[0]
	if op.SelectionStrategy != domain.SelectionStrategyFirst || op.Target != domain.DiscountTargetOrder {
		t.Fatalf("unexpected operation shape: %+v", op)
	}
	if op.Amount.Amount != "75.00" || op.Amount.CurrencyCode != "INR" {
		t.Fatalf("unexpected amount: %+v", op.Amount)
	}
}

func TestCheckoutDiscountDisabledFlagReturnsEmpty(t *testing.T) {
	svc := &stubRedemptionService{
		checkoutFunc: func(context.Context, services.CheckoutEvaluation) services.CheckoutResult {
			t.Fatal("service must not be called when the flag is disabled")
			return services.CheckoutResult{}
		},
	}

	payload := `{"customerId":"1001","subtotal":"120.00","currency":"INR"}`
	req := checkoutRequest(payload, &auth.Identity{Shop: "demo.myshopify.com"})
	rr := httptest.NewRecorder()
	checkoutRouter(svc, false).ServeHTTP(rr, req)

	body := decodeCheckoutResponse(t, rr)
	if len(body.Operations) != 0 {
		t.Fatalf("expected empty operations, got %d", len(body.Operations))
	}
}

func TestCheckoutDiscountMalformedBodyReturnsEmpty(t *testing.T) {
	req := checkoutRequest(`{"customerId":`, &auth.Identity{Shop: "demo.myshopify.com"})
	rr := httptest.NewRecorder()
	checkoutRouter(&stubRedemptionService{}, true).ServeHTTP(rr, req)

	body := decodeCheckoutResponse(t, rr)
	if len(body.Operations) != 0 {
		t.Fatalf("expected empty operations, got %d", len(body.Operations))
	}
}

func TestCheckoutDiscountAnonymousCustomerReturnsEmpty(t *testing.T) {
	payload := `{"customerId":"","subtotal":"120.00","currency":"INR"}`
	req := checkoutRequest(payload, &auth.Identity{Shop: "demo.myshopify.com"})
	rr := httptest.NewRecorder()
	checkoutRouter(&stubRedemptionService{}, true).ServeHTTP(rr, req)

	body := decodeCheckoutResponse(t, rr)
	if len(body.Operations) != 0 {
		t.Fatalf("expected empty operations, got %d", len(body.Operations))
	}
}

func TestCheckoutDiscountMissingShopReturnsEmpty(t *testing.T) {
	payload := `{"customerId":"1001","subtotal":"120.00","currency":"INR"}`
	req := checkoutRequest(payload, nil)
	rr := httptest.NewRecorder()
	checkoutRouter(&stubRedemptionService{}, true).ServeHTTP(rr, req)

	body := decodeCheckoutResponse(t, rr)
	if len(body.Operations) != 0 {
		t.Fatalf("expected empty operations, got %d", len(body.Operations))
	}
}
