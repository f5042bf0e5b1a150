package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/billfree-connect/api/internal/domain"
	"github.com/billfree-connect/api/internal/platform/auth"
	"github.com/billfree-connect/api/internal/platform/httpx"
	"github.com/billfree-connect/api/internal/services"
)

const maxStorefrontBodySize = 8 * 1024

// StorefrontHandlers exposes the proxy-signed widget endpoints: balance
// lookup, OTP dispatch, and interactive redemption.
type StorefrontHandlers struct {
	redemptions services.RedemptionService
}

// NewStorefrontHandlers constructs the storefront handler set.
func NewStorefrontHandlers(redemptions services.RedemptionService) *StorefrontHandlers {
	return &StorefrontHandlers{redemptions: redemptions}
}

// Routes wires the /storefront endpoints onto the provided router.
func (h *StorefrontHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/points", h.getPoints)
	r.Post("/send-otp", h.sendOTP)
	r.Post("/redeem-points", h.redeemPoints)
}

type balanceResponse struct {
	Points        int64  `json:"points"`
	OTPRequired   bool   `json:"otpRequired"`
	SchemeMessage string `json:"schemeMessage,omitempty"`
}

func (h *StorefrontHandlers) getPoints(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireCustomer(ctx, w)
	if !ok {
		return
	}

	view, err := h.redemptions.QuoteBalance(ctx, services.BalanceQuery{
		Shop:       identity.Shop,
		CustomerID: identity.CustomerID,
	})
	if err != nil {
		writeRedemptionError(ctx, w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, balanceResponse{
		Points:        view.Points,
		OTPRequired:   view.OTPRequired,
		SchemeMessage: view.SchemeMessage,
	})
}

type sendOTPRequest struct {
	Phone string `json:"phone"`
}

type sendOTPResponse struct {
	Sent    bool   `json:"sent"`
	Message string `json:"message,omitempty"`
}

func (h *StorefrontHandlers) sendOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireCustomer(ctx, w)
	if !ok {
		return
	}

	var req sendOTPRequest
	if !decodeStorefrontBody(ctx, w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Phone) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "phone is required", http.StatusBadRequest))
		return
	}

	dispatch, err := h.redemptions.DispatchOTP(ctx, services.OTPDispatchCommand{
		Shop:  identity.Shop,
		Phone: req.Phone,
	})
	if err != nil {
		writeRedemptionError(ctx, w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, sendOTPResponse{
		Sent:    dispatch.Sent,
		Message: dispatch.Message,
	})
}

type redeemPointsRequest struct {
	BillAmount string `json:"billAmount"`
	Currency   string `json:"currency"`
	OTPCode    string `json:"otpCode"`
}

type redeemPointsResponse struct {
	DiscountCode    string `json:"discountCode"`
	DiscountAmount  string `json:"discountAmount"`
	Currency        string `json:"currency"`
	PointsRedeemed  int64  `json:"pointsRedeemed"`
	RemainingPoints int64  `json:"remainingPoints"`
	Message         string `json:"message,omitempty"`
	ExpiresAt       string `json:"expiresAt"`
}

func (h *StorefrontHandlers) redeemPoints(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireCustomer(ctx, w)
	if !ok {
		return
	}

	var req redeemPointsRequest
	if !decodeStorefrontBody(ctx, w, r, &req) {
		return
	}

	billAmount, err := parseMoney(req.BillAmount, req.Currency)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	result, err := h.redemptions.RedeemInteractive(ctx, services.InteractiveRedeemCommand{
		Shop:       identity.Shop,
		CustomerID: identity.CustomerID,
		BillAmount: billAmount,
		OTP:        strings.TrimSpace(req.OTPCode),
	})
	if err != nil {
		writeRedemptionError(ctx, w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, redeemPointsResponse{
		DiscountCode:    result.Code,
		DiscountAmount:  result.Amount.MajorUnits(),
		Currency:        result.Amount.Currency,
		PointsRedeemed:  result.PointsRedeemed,
		RemainingPoints: result.RemainingPoints,
		Message:         result.Message,
		ExpiresAt:       result.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (h *StorefrontHandlers) requireCustomer(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	if h.redemptions == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "redemption service is unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || !identity.LoggedIn() {
		httpx.WriteError(ctx, w, httpx.NewError("login_required", "customer login required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func decodeStorefrontBody(ctx context.Context, w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := readLimitedBody(r, maxStorefrontBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", err.Error(), http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return false
	}
	return true
}

func parseMoney(amount, currency string) (domain.Money, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return domain.Money{}, errors.New("billAmount is required")
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return domain.Money{}, errors.New("currency is required")
	}
	value, err := strconv.ParseFloat(amount, 64)
	if err != nil || value < 0 {
		return domain.Money{}, fmt.Errorf("billAmount %q is not a valid amount", amount)
	}
	return domain.MoneyFromMajorUnits(value, currency), nil
}

func writeRedemptionError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrNotConfigured):
		httpx.WriteError(ctx, w, httpx.NewError("not_configured", "loyalty integration is not configured for this shop", http.StatusConflict))
	case errors.Is(err, services.ErrIdentityUnresolvable):
		httpx.WriteError(ctx, w, httpx.NewError("missing_phone", "add a phone number to your account to use loyalty points", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrOtpRequired):
		httpx.WriteError(ctx, w, httpx.NewError("otp_required", "a one-time password is required for this account", http.StatusConflict))
	case errors.Is(err, services.ErrOtpInvalid):
		httpx.WriteError(ctx, w, httpx.NewError("otp_invalid", "the one-time password is invalid", http.StatusBadRequest))
	case errors.Is(err, services.ErrNoBalance):
		httpx.WriteError(ctx, w, httpx.NewError("no_points", "no loyalty points available to redeem", http.StatusConflict))
	case errors.Is(err, services.ErrZeroDiscount):
		httpx.WriteError(ctx, w, httpx.NewError("zero_discount", "redeemable amount rounds down to zero", http.StatusConflict))
	case errors.Is(err, services.ErrRedemptionConflict):
		httpx.WriteError(ctx, w, httpx.NewError("redemption_conflict", "another redemption for this customer is in flight or recently completed", http.StatusConflict))
	case errors.Is(err, services.ErrProviderUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("provider_unavailable", "loyalty provider is unavailable", http.StatusBadGateway))
	case errors.Is(err, services.ErrProviderRejected):
		httpx.WriteError(ctx, w, httpx.NewError("provider_rejected", "loyalty provider rejected the request", http.StatusBadGateway))
	case errors.Is(err, services.ErrPlatformRejected):
		httpx.WriteError(ctx, w, httpx.NewError("discount_rejected", "discount code creation was rejected", http.StatusBadGateway))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_server_error", "internal server error", http.StatusInternalServerError))
	}
}
