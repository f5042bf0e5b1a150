package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/billfree-connect/api/internal/domain"
	"github.com/billfree-connect/api/internal/platform/auth"
	"github.com/billfree-connect/api/internal/platform/httpx"
	"github.com/billfree-connect/api/internal/services"
)

const maxCheckoutBodySize = 8 * 1024

// CheckoutHandlers serves the checkout discount function. The endpoint never
// fails outward: malformed input, a disabled feature flag, or any evaluation
// failure all collapse to an empty operations list.
type CheckoutHandlers struct {
	redemptions services.RedemptionService
	enabled     bool
}

// NewCheckoutHandlers constructs the checkout handler set. The enabled flag
// mirrors the deployment-wide checkout discount feature toggle.
func NewCheckoutHandlers(redemptions services.RedemptionService, enabled bool) *CheckoutHandlers {
	return &CheckoutHandlers{redemptions: redemptions, enabled: enabled}
}

// Routes wires the /checkout endpoints onto the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/discount", h.discount)
}

type checkoutDiscountRequest struct {
	CustomerID string `json:"customerId"`
	Subtotal   string `json:"subtotal"`
	Currency   string `json:"currency"`
}

type discountOperationPayload struct {
	SelectionStrategy string       `json:"selectionStrategy"`
	Target            string       `json:"target"`
	Amount            moneyPayload `json:"amount"`
	Message           string       `json:"message,omitempty"`
}

type moneyPayload struct {
	Amount       string `json:"amount"`
	CurrencyCode string `json:"currencyCode"`
}

type checkoutDiscountResponse struct {
	Operations []discountOperationPayload `json:"operations"`
}

func (h *CheckoutHandlers) discount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	empty := checkoutDiscountResponse{Operations: []discountOperationPayload{}}

	if h.redemptions == nil || !h.enabled {
		httpx.WriteJSON(w, http.StatusOK, empty)
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || strings.TrimSpace(identity.Shop) == "" {
		httpx.WriteJSON(w, http.StatusOK, empty)
		return
	}

	body, err := readLimitedBody(r, maxCheckoutBodySize)
	if err != nil {
		httpx.WriteJSON(w, http.StatusOK, empty)
		return
	}
	var req checkoutDiscountRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteJSON(w, http.StatusOK, empty)
		return
	}

	subtotal, err := parseMoney(req.Subtotal, req.Currency)
	if err != nil || strings.TrimSpace(req.CustomerID) == "" {
		httpx.WriteJSON(w, http.StatusOK, empty)
		return
	}

	result := h.redemptions.RedeemAtCheckout(ctx, services.CheckoutEvaluation{
		Shop:       identity.Shop,
		CustomerID: req.CustomerID,
		Subtotal:   subtotal,
	})

	httpx.WriteJSON(w, http.StatusOK, checkoutDiscountResponse{
		Operations: buildOperationPayloads(result.Operations),
	})
}

func buildOperationPayloads(ops []domain.DiscountOperation) []discountOperationPayload {
	payloads := make([]discountOperationPayload, 0, len(ops))
	for _, op := range ops {
		payloads = append(payloads, discountOperationPayload{
			SelectionStrategy: op.SelectionStrategy,
			Target:            op.Target,
			Amount: moneyPayload{
				Amount:       op.Amount.MajorUnits(),
				CurrencyCode: op.Amount.Currency,
			},
			Message: op.Message,
		})
	}
	return payloads
}
