package loyalty

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/billfree-connect/api/internal/domain"
)

const (
	pathPoints  = "/points"
	pathSendOTP = "/send_otp"
	pathRedeem  = "/redeem"

	billDateLayout = "2006-01-02"
	otpFlagYes     = "y"
)

// BillFreeLogger defines the logging contract for provider operations.
type BillFreeLogger func(ctx context.Context, event string, fields map[string]any)

// BillFreeConfig configures the BillFreeClient.
type BillFreeConfig struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     BillFreeLogger
}

// BillFreeClient implements Client against the BillFree HTTP API.
type BillFreeClient struct {
	baseURL string
	http    *http.Client
	logger  BillFreeLogger
}

// NewBillFreeClient constructs a BillFree provider client using the given configuration.
func NewBillFreeClient(cfg BillFreeConfig) (*BillFreeClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("billfree: base url is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &BillFreeClient{
		baseURL: baseURL,
		http:    httpClient,
		logger:  logger,
	}, nil
}

type balanceRequest struct {
	AuthToken string `json:"auth_token"`
	UserPhone string `json:"user_phone"`
	DialCode  string `json:"dial_code"`
}

type balanceResponse struct {
	Error         providerFlag `json:"error"`
	Response      string       `json:"response"`
	Balance       json.Number  `json:"balance"`
	OTPFlag       string       `json:"otpFlag"`
	SchemeMessage string       `json:"scheme_message"`
}

// GetBalance implements Client.
func (c *BillFreeClient) GetBalance(ctx context.Context, token string, identity domain.LoyaltyIdentity) (domain.BalanceQuote, error) {
	if !identity.Valid() {
		return domain.BalanceQuote{}, errors.New("billfree: identity phone is required")
	}

	var payload balanceResponse
	err := c.post(ctx, pathPoints, balanceRequest{
		AuthToken: token,
		UserPhone: identity.Phone,
		DialCode:  identity.DialCode,
	}, &payload)
	if err != nil {
		return domain.BalanceQuote{}, err
	}

	if payload.Error.set {
		c.logger(ctx, "loyalty.balance.rejected", map[string]any{"response": payload.Response})
		return domain.BalanceQuote{}, fmt.Errorf("%w: %s", ErrProviderRejected, payload.Response)
	}

	points, _ := payload.Balance.Int64()
	quote := domain.BalanceQuote{
		Points:        points,
		OTPRequired:   strings.EqualFold(strings.TrimSpace(payload.OTPFlag), otpFlagYes),
		SchemeMessage: payload.SchemeMessage,
	}
	c.logger(ctx, "loyalty.balance.fetched", map[string]any{
		"points":       quote.Points,
		"otp_required": quote.OTPRequired,
	})
	return quote, nil
}

type sendOTPResponse struct {
	Error    providerFlag `json:"error"`
	Response string       `json:"response"`
}

// SendOTP implements Client.
func (c *BillFreeClient) SendOTP(ctx context.Context, token string, identity domain.LoyaltyIdentity) (domain.OTPDispatch, error) {
	if !identity.Valid() {
		return domain.OTPDispatch{}, errors.New("billfree: identity phone is required")
	}

	var payload sendOTPResponse
	err := c.post(ctx, pathSendOTP, balanceRequest{
		AuthToken: token,
		UserPhone: identity.Phone,
		DialCode:  identity.DialCode,
	}, &payload)
	if err != nil {
		return domain.OTPDispatch{}, err
	}

	if payload.Error.set {
		c.logger(ctx, "loyalty.otp.rejected", map[string]any{"response": payload.Response})
		return domain.OTPDispatch{}, fmt.Errorf("%w: %s", ErrProviderRejected, payload.Response)
	}

	c.logger(ctx, "loyalty.otp.sent", nil)
	return domain.OTPDispatch{Sent: true, Message: payload.Response}, nil
}

type redeemWireRequest struct {
	AuthToken string `json:"auth_token"`
	UserPhone string `json:"user_phone"`
	DialCode  string `json:"dial_code"`
	InvoiceNo string `json:"inv_no"`
	BillDate  string `json:"bill_date"`
	BillAmt   string `json:"bill_amt"`
	OTPCode   string `json:"otp_code,omitempty"`
}

type redeemResponse struct {
	Error            providerFlag `json:"error"`
	Response         string       `json:"response"`
	MaxRedeemableAmt float64      `json:"maxRedeemableAmt"`
	MaxRedeemablePts int64        `json:"maxRedeemablePts"`
	NetPayable       float64      `json:"net_payable"`
	OTPFlag          string       `json:"otpFlag"`
	SchemeMessage    string       `json:"scheme_message"`
}

// Redeem implements Client. This is the one-shot point debit; it is never
// retried here and must not be retried by callers.
func (c *BillFreeClient) Redeem(ctx context.Context, token string, req RedeemRequest) (domain.RedemptionResult, error) {
	if !req.Identity.Valid() {
		return domain.RedemptionResult{}, errors.New("billfree: identity phone is required")
	}
	if strings.TrimSpace(req.InvoiceRef) == "" {
		return domain.RedemptionResult{}, errors.New("billfree: invoice reference is required")
	}

	var payload redeemResponse
	err := c.post(ctx, pathRedeem, redeemWireRequest{
		AuthToken: token,
		UserPhone: req.Identity.Phone,
		DialCode:  req.Identity.DialCode,
		InvoiceNo: req.InvoiceRef,
		BillDate:  req.BillDate.Format(billDateLayout),
		BillAmt:   req.BillAmount.MajorUnits(),
		OTPCode:   strings.TrimSpace(req.OTP),
	}, &payload)
	if err != nil {
		return domain.RedemptionResult{}, err
	}

	if payload.Error.set {
		return domain.RedemptionResult{}, c.redeemError(ctx, req, payload)
	}

	result := domain.RedemptionResult{
		Amount:         domain.MoneyFromMajorUnits(payload.MaxRedeemableAmt, req.BillAmount.Currency),
		PointsRedeemed: payload.MaxRedeemablePts,
		Message:        firstNonEmpty(payload.SchemeMessage, payload.Response),
	}
	c.logger(ctx, "loyalty.redeem.succeeded", map[string]any{
		"invoice_ref":     req.InvoiceRef,
		"points_redeemed": result.PointsRedeemed,
		"amount":          result.Amount.Amount,
	})
	return result, nil
}

func (c *BillFreeClient) redeemError(ctx context.Context, req RedeemRequest, payload redeemResponse) error {
	otpGated := strings.EqualFold(strings.TrimSpace(payload.OTPFlag), otpFlagYes)
	c.logger(ctx, "loyalty.redeem.rejected", map[string]any{
		"invoice_ref": req.InvoiceRef,
		"otp_gated":   otpGated,
		"response":    payload.Response,
	})

	switch {
	case otpGated && strings.TrimSpace(req.OTP) == "":
		return fmt.Errorf("%w: %s", ErrOTPRequired, payload.Response)
	case otpGated && strings.TrimSpace(req.OTP) != "":
		return fmt.Errorf("%w: %s", ErrOTPInvalid, payload.Response)
	default:
		return fmt.Errorf("%w: %s", ErrProviderRejected, payload.Response)
	}
}

func (c *BillFreeClient) post(ctx context.Context, path string, body any, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("billfree: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("billfree: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger(ctx, "loyalty.transport.failed", map[string]any{"path": path, "error": err.Error()})
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger(ctx, "loyalty.transport.failed", map[string]any{"path": path, "status": resp.StatusCode})
		return fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrProviderUnavailable, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrProviderUnavailable, err)
	}
	return nil
}

// providerFlag tolerates the provider's loose error field, which arrives as a
// bool, a string or a number depending on the endpoint.
type providerFlag struct {
	set bool
}

func (f *providerFlag) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	switch strings.ToLower(strings.Trim(trimmed, `"`)) {
	case "", "null", "false", "0", "n", "no":
		f.set = false
	default:
		f.set = true
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
