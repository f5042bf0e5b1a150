package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/oklog/ulid/v2"

	"github.com/billfree-connect/api/internal/commerce"
	"github.com/billfree-connect/api/internal/domain"
	"github.com/billfree-connect/api/internal/loyalty"
	"github.com/billfree-connect/api/internal/platform/redeemguard"
)

const (
	defaultCheckoutBudget = 2500 * time.Millisecond
	discountCodePrefix    = "BILLFREE-"
	discountCodeTitle     = "Loyalty points redemption"
)

// Attempt states, logged on every transition.
const (
	stateIdentityResolved = "identity_resolved"
	stateBalanceChecked   = "balance_checked"
	stateOtpPending       = "otp_pending"
	stateRedeemed         = "redeemed"
	stateEmitted          = "emitted"
	stateNoDiscount       = "no_discount"
	stateFailed           = "failed"
)

var otpPattern = regexp.MustCompile(`^[0-9]{4,6}$`)

// RedemptionLogger defines the logging contract for the orchestrator.
type RedemptionLogger func(ctx context.Context, event string, fields map[string]any)

// RedemptionServiceDeps collects the orchestrator dependencies.
type RedemptionServiceDeps struct {
	Configs  ConfigResolver
	Loyalty  loyalty.Client
	Platform commerce.PlatformClient
	Guard    redeemguard.Store

	// Events is optional; a nil publisher disables event emission.
	Events EventPublisher

	Clock  func() time.Time
	Logger RedemptionLogger

	// CheckoutBudget bounds the whole automatic evaluation wall-clock.
	CheckoutBudget time.Duration
	// GuardTTL bounds how long completed and pending reservations are kept.
	GuardTTL time.Duration

	// InvoiceRefs and Codes may be overridden in tests for determinism.
	InvoiceRefs func() string
	Codes       func() string
}

type redemptionService struct {
	configs  ConfigResolver
	loyalty  loyalty.Client
	platform commerce.PlatformClient
	guard    redeemguard.Store
	events   EventPublisher

	clock          func() time.Time
	logger         RedemptionLogger
	checkoutBudget time.Duration
	guardTTL       time.Duration
	invoiceRefs    func() string
	codes          func() string
}

// NewRedemptionService constructs the redemption orchestrator.
func NewRedemptionService(deps RedemptionServiceDeps) (RedemptionService, error) {
	if deps.Configs == nil {
		return nil, errors.New("redemption service requires config resolver")
	}
	if deps.Loyalty == nil {
		return nil, errors.New("redemption service requires loyalty client")
	}
	if deps.Platform == nil {
		return nil, errors.New("redemption service requires platform client")
	}
	if deps.Guard == nil {
		return nil, errors.New("redemption service requires redeem guard store")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	budget := deps.CheckoutBudget
	if budget <= 0 {
		budget = defaultCheckoutBudget
	}
	guardTTL := deps.GuardTTL
	if guardTTL <= 0 {
		guardTTL = redeemguard.DefaultTTL
	}
	invoiceRefs := deps.InvoiceRefs
	if invoiceRefs == nil {
		invoiceRefs = func() string { return ulid.Make().String() }
	}
	codes := deps.Codes
	if codes == nil {
		codes = func() string {
			return discountCodePrefix + strings.ToUpper(shortuuid.New()[:12])
		}
	}

	return &redemptionService{
		configs:  deps.Configs,
		loyalty:  deps.Loyalty,
		platform: deps.Platform,
		guard:    deps.Guard,
		events:   deps.Events,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger:         logger,
		checkoutBudget: budget,
		guardTTL:       guardTTL,
		invoiceRefs:    invoiceRefs,
		codes:          codes,
	}, nil
}

// QuoteBalance implements RedemptionService.
func (s *redemptionService) QuoteBalance(ctx context.Context, query BalanceQuery) (BalanceView, error) {
	if strings.TrimSpace(query.CustomerID) == "" {
		return BalanceView{}, fmt.Errorf("%w: customer id is required", ErrInvalidInput)
	}

	cfg, err := s.configs.Resolve(ctx, query.Shop)
	if err != nil {
		return BalanceView{}, err
	}

	identity, err := s.resolveIdentity(ctx, cfg, query.CustomerID)
	if err != nil {
		return BalanceView{}, err
	}

	quote, err := s.loyalty.GetBalance(ctx, cfg.ProviderToken, identity)
	if err != nil {
		return BalanceView{}, mapLoyaltyError(err)
	}

	return BalanceView{
		Points:        quote.Points,
		OTPRequired:   quote.OTPRequired,
		SchemeMessage: quote.SchemeMessage,
	}, nil
}

// DispatchOTP implements RedemptionService.
func (s *redemptionService) DispatchOTP(ctx context.Context, cmd OTPDispatchCommand) (domain.OTPDispatch, error) {
	if strings.TrimSpace(cmd.Phone) == "" {
		return domain.OTPDispatch{}, fmt.Errorf("%w: phone is required", ErrInvalidInput)
	}

	cfg, err := s.configs.Resolve(ctx, cmd.Shop)
	if err != nil {
		return domain.OTPDispatch{}, err
	}

	identity := domain.LoyaltyIdentity{
		Phone:    normalizePhone(cmd.Phone, cfg.DialCode),
		DialCode: cfg.DialCode,
	}
	if !identity.Valid() {
		return domain.OTPDispatch{}, fmt.Errorf("%w: phone is required", ErrInvalidInput)
	}

	dispatch, err := s.loyalty.SendOTP(ctx, cfg.ProviderToken, identity)
	if err != nil {
		return domain.OTPDispatch{}, mapLoyaltyError(err)
	}
	s.transition(ctx, ChannelStorefront, stateOtpPending, map[string]any{"shop": cfg.Shop})
	return dispatch, nil
}

// RedeemInteractive implements RedemptionService.
func (s *redemptionService) RedeemInteractive(ctx context.Context, cmd InteractiveRedeemCommand) (InteractiveRedeemResult, error) {
	if strings.TrimSpace(cmd.CustomerID) == "" {
		return InteractiveRedeemResult{}, fmt.Errorf("%w: customer id is required", ErrInvalidInput)
	}
	if !cmd.BillAmount.IsPositive() {
		return InteractiveRedeemResult{}, fmt.Errorf("%w: bill amount must be positive", ErrInvalidInput)
	}
	// Malformed codes are rejected before any provider traffic.
	otp := strings.TrimSpace(cmd.OTP)
	if otp != "" && !otpPattern.MatchString(otp) {
		return InteractiveRedeemResult{}, fmt.Errorf("%w: code must be 4 to 6 digits", ErrOtpInvalid)
	}

	cfg, err := s.configs.Resolve(ctx, cmd.Shop)
	if err != nil {
		return InteractiveRedeemResult{}, err
	}

	identity, err := s.resolveIdentity(ctx, cfg, cmd.CustomerID)
	if err != nil {
		return InteractiveRedeemResult{}, err
	}
	s.transition(ctx, ChannelStorefront, stateIdentityResolved, map[string]any{"shop": cfg.Shop})

	quote, err := s.loyalty.GetBalance(ctx, cfg.ProviderToken, identity)
	if err != nil {
		return InteractiveRedeemResult{}, mapLoyaltyError(err)
	}
	s.transition(ctx, ChannelStorefront, stateBalanceChecked, map[string]any{
		"shop":         cfg.Shop,
		"points":       quote.Points,
		"otp_required": quote.OTPRequired,
	})

	if quote.Points <= 0 {
		return InteractiveRedeemResult{}, fmt.Errorf("%w: %s", ErrNoBalance, quote.SchemeMessage)
	}
	if quote.OTPRequired && otp == "" {
		s.transition(ctx, ChannelStorefront, stateOtpPending, map[string]any{"shop": cfg.Shop})
		return InteractiveRedeemResult{}, ErrOtpRequired
	}

	now := s.clock()
	fingerprint := redeemguard.Fingerprint(identity.Phone, cmd.BillAmount.MajorUnits(), cmd.BillAmount.Currency)
	scope := guardScope(cmd.CustomerID)

	reservation, err := s.guard.Reserve(ctx, cfg.Shop, scope, fingerprint, now, s.guardTTL)
	if err != nil {
		if errors.Is(err, redeemguard.ErrFingerprintMismatch) {
			return InteractiveRedeemResult{}, ErrRedemptionConflict
		}
		return InteractiveRedeemResult{}, fmt.Errorf("reserve redemption: %w", err)
	}

	switch reservation.State {
	case redeemguard.ReservationStateCompleted:
		outcome := reservation.Record.Outcome
		if outcome.Code == "" {
			return InteractiveRedeemResult{}, ErrRedemptionConflict
		}
		// Same redemption already succeeded; replay instead of double-debiting.
		return InteractiveRedeemResult{
			Code:            outcome.Code,
			Amount:          domain.Money{Amount: outcome.AmountMinor, Currency: outcome.Currency},
			PointsRedeemed:  outcome.PointsRedeemed,
			RemainingPoints: maxInt64(quote.Points-outcome.PointsRedeemed, 0),
			Message:         quote.SchemeMessage,
			ExpiresAt:       reservation.Record.ExpiresAt,
		}, nil
	case redeemguard.ReservationStatePending:
		return InteractiveRedeemResult{}, ErrRedemptionConflict
	}

	invoiceRef := s.invoiceRefs()
	result, err := s.loyalty.Redeem(ctx, cfg.ProviderToken, loyalty.RedeemRequest{
		Identity:   identity,
		InvoiceRef: invoiceRef,
		BillDate:   now,
		BillAmount: cmd.BillAmount,
		OTP:        otp,
	})
	if err != nil {
		return InteractiveRedeemResult{}, s.handleRedeemFailure(ctx, cfg.Shop, scope, fingerprint, err)
	}
	s.transition(ctx, ChannelStorefront, stateRedeemed, map[string]any{
		"shop":        cfg.Shop,
		"invoice_ref": invoiceRef,
		"points":      result.PointsRedeemed,
	})

	capped := result.Amount.Min(cmd.BillAmount)
	if !capped.IsPositive() {
		s.release(ctx, cfg.Shop, scope, fingerprint)
		s.transition(ctx, ChannelStorefront, stateNoDiscount, map[string]any{"shop": cfg.Shop, "reason": "zero_discount"})
		return InteractiveRedeemResult{}, ErrZeroDiscount
	}

	code, err := s.platform.CreateDiscountCode(ctx, commerce.Credentials{
		Shop:        cfg.Shop,
		AccessToken: cfg.PlatformToken,
	}, commerce.DiscountCodeInput{
		Code:       s.codes(),
		Title:      discountCodeTitle,
		Amount:     capped,
		CustomerID: cmd.CustomerID,
		StartsAt:   now,
		EndsAt:     now.Add(cfg.CodeValidity),
	})
	if err != nil {
		// Points are already debited; record the outcome so the attempt is not
		// repeated, then surface the emission failure.
		s.complete(ctx, cfg.Shop, scope, fingerprint, redeemguard.Outcome{
			PointsRedeemed: result.PointsRedeemed,
			AmountMinor:    capped.Amount,
			Currency:       capped.Currency,
		}, now)
		s.transition(ctx, ChannelStorefront, stateFailed, map[string]any{"shop": cfg.Shop, "reason": "platform_rejected"})
		return InteractiveRedeemResult{}, mapPlatformError(err)
	}

	s.complete(ctx, cfg.Shop, scope, fingerprint, redeemguard.Outcome{
		PointsRedeemed: result.PointsRedeemed,
		AmountMinor:    capped.Amount,
		Currency:       capped.Currency,
		Code:           code.Code,
	}, now)
	s.publish(ctx, RedemptionEvent{
		EventID:        s.invoiceRefs(),
		Shop:           cfg.Shop,
		Channel:        ChannelStorefront,
		InvoiceRef:     invoiceRef,
		PointsRedeemed: result.PointsRedeemed,
		AmountMinor:    capped.Amount,
		Currency:       capped.Currency,
		Code:           code.Code,
		OccurredAt:     now,
	})
	s.transition(ctx, ChannelStorefront, stateEmitted, map[string]any{
		"shop":   cfg.Shop,
		"amount": capped.Amount,
	})

	return InteractiveRedeemResult{
		Code:            code.Code,
		Amount:          capped,
		PointsRedeemed:  result.PointsRedeemed,
		RemainingPoints: maxInt64(quote.Points-result.PointsRedeemed, 0),
		Message:         result.Message,
		ExpiresAt:       code.ExpiresAt,
	}, nil
}

// RedeemAtCheckout implements RedemptionService. Fail-silent: any error along
// the chain yields an empty operations list, never a checkout failure.
func (s *redemptionService) RedeemAtCheckout(ctx context.Context, eval CheckoutEvaluation) CheckoutResult {
	budgetCtx, cancel := context.WithTimeout(ctx, s.checkoutBudget)
	defer cancel()

	ops := s.evaluateCheckout(budgetCtx, eval)
	if ops == nil {
		ops = []domain.DiscountOperation{}
	}
	return CheckoutResult{Operations: ops}
}

func (s *redemptionService) evaluateCheckout(ctx context.Context, eval CheckoutEvaluation) []domain.DiscountOperation {
	if strings.TrimSpace(eval.CustomerID) == "" || !eval.Subtotal.IsPositive() {
		return nil
	}

	cfg, err := s.configs.Resolve(ctx, eval.Shop)
	if err != nil {
		s.skipCheckout(ctx, eval.Shop, "not_configured", err)
		return nil
	}

	identity, err := s.resolveIdentity(ctx, cfg, eval.CustomerID)
	if err != nil {
		s.skipCheckout(ctx, cfg.Shop, "identity_unresolvable", err)
		return nil
	}
	s.transition(ctx, ChannelCheckout, stateIdentityResolved, map[string]any{"shop": cfg.Shop})

	quote, err := s.loyalty.GetBalance(ctx, cfg.ProviderToken, identity)
	if err != nil {
		s.skipCheckout(ctx, cfg.Shop, "balance_unavailable", err)
		return nil
	}
	s.transition(ctx, ChannelCheckout, stateBalanceChecked, map[string]any{
		"shop":         cfg.Shop,
		"points":       quote.Points,
		"otp_required": quote.OTPRequired,
	})

	if quote.Points <= 0 {
		s.skipCheckout(ctx, cfg.Shop, "no_balance", nil)
		return nil
	}
	// OTP-gated accounts never redeem unattended; the interactive path is the
	// only way to complete a challenge.
	if quote.OTPRequired {
		s.skipCheckout(ctx, cfg.Shop, "otp_required", nil)
		return nil
	}

	now := s.clock()
	fingerprint := redeemguard.Fingerprint(identity.Phone, eval.Subtotal.MajorUnits(), eval.Subtotal.Currency)
	scope := guardScope(eval.CustomerID)

	reservation, err := s.guard.Reserve(ctx, cfg.Shop, scope, fingerprint, now, s.guardTTL)
	if err != nil {
		s.skipCheckout(ctx, cfg.Shop, "reserve_failed", err)
		return nil
	}

	switch reservation.State {
	case redeemguard.ReservationStateCompleted:
		// Same redemption already debited the points; replay the recorded
		// discount instead of dropping it from the re-evaluation.
		outcome := reservation.Record.Outcome
		replayed := domain.Money{Amount: outcome.AmountMinor, Currency: outcome.Currency}
		if !replayed.IsPositive() {
			s.skipCheckout(ctx, cfg.Shop, "already_reserved", nil)
			return nil
		}
		s.transition(ctx, ChannelCheckout, stateEmitted, map[string]any{
			"shop":     cfg.Shop,
			"amount":   replayed.Amount,
			"replayed": true,
		})
		return []domain.DiscountOperation{domain.NewOrderDiscountOperation(replayed)}
	case redeemguard.ReservationStatePending:
		s.skipCheckout(ctx, cfg.Shop, "already_reserved", nil)
		return nil
	}

	invoiceRef := s.invoiceRefs()
	result, err := s.loyalty.Redeem(ctx, cfg.ProviderToken, loyalty.RedeemRequest{
		Identity:   identity,
		InvoiceRef: invoiceRef,
		BillDate:   now,
		BillAmount: eval.Subtotal,
	})
	if err != nil {
		_ = s.handleRedeemFailure(ctx, cfg.Shop, scope, fingerprint, err)
		s.skipCheckout(ctx, cfg.Shop, "redeem_failed", err)
		return nil
	}
	s.transition(ctx, ChannelCheckout, stateRedeemed, map[string]any{
		"shop":        cfg.Shop,
		"invoice_ref": invoiceRef,
		"points":      result.PointsRedeemed,
	})

	capped := result.Amount.Min(eval.Subtotal)
	if !capped.IsPositive() {
		s.release(ctx, cfg.Shop, scope, fingerprint)
		s.skipCheckout(ctx, cfg.Shop, "zero_discount", nil)
		return nil
	}

	s.complete(ctx, cfg.Shop, scope, fingerprint, redeemguard.Outcome{
		PointsRedeemed: result.PointsRedeemed,
		AmountMinor:    capped.Amount,
		Currency:       capped.Currency,
	}, now)
	s.publish(ctx, RedemptionEvent{
		EventID:        s.invoiceRefs(),
		Shop:           cfg.Shop,
		Channel:        ChannelCheckout,
		InvoiceRef:     invoiceRef,
		PointsRedeemed: result.PointsRedeemed,
		AmountMinor:    capped.Amount,
		Currency:       capped.Currency,
		OccurredAt:     now,
	})
	s.transition(ctx, ChannelCheckout, stateEmitted, map[string]any{
		"shop":   cfg.Shop,
		"amount": capped.Amount,
	})

	return []domain.DiscountOperation{domain.NewOrderDiscountOperation(capped)}
}

// handleRedeemFailure decides what happens to the reservation after a failed
// provider redeem. Rejections that provably happened before the debit release
// the reservation; ambiguous transport failures keep it, because the debit may
// have gone through.
func (s *redemptionService) handleRedeemFailure(ctx context.Context, shop, scope, fingerprint string, err error) error {
	switch {
	case errors.Is(err, loyalty.ErrOTPRequired),
		errors.Is(err, loyalty.ErrOTPInvalid),
		errors.Is(err, loyalty.ErrProviderRejected):
		s.release(ctx, shop, scope, fingerprint)
	}
	return mapLoyaltyError(err)
}

func (s *redemptionService) resolveIdentity(ctx context.Context, cfg domain.MerchantConfig, customerID string) (domain.LoyaltyIdentity, error) {
	phone, err := s.platform.GetCustomerPhone(ctx, commerce.Credentials{
		Shop:        cfg.Shop,
		AccessToken: cfg.PlatformToken,
	}, customerID)
	if err != nil {
		return domain.LoyaltyIdentity{}, mapPlatformError(err)
	}
	if strings.TrimSpace(phone) == "" {
		return domain.LoyaltyIdentity{}, ErrIdentityUnresolvable
	}

	identity := domain.LoyaltyIdentity{
		Phone:    normalizePhone(phone, cfg.DialCode),
		DialCode: cfg.DialCode,
	}
	if !identity.Valid() {
		return domain.LoyaltyIdentity{}, ErrIdentityUnresolvable
	}
	return identity, nil
}

func (s *redemptionService) release(ctx context.Context, shop, scope, fingerprint string) {
	if err := s.guard.Release(ctx, shop, scope, fingerprint); err != nil {
		s.logger(ctx, "redemption.guard.release_failed", map[string]any{"shop": shop, "error": err.Error()})
	}
}

func (s *redemptionService) complete(ctx context.Context, shop, scope, fingerprint string, outcome redeemguard.Outcome, now time.Time) {
	if err := s.guard.Complete(ctx, shop, scope, fingerprint, outcome, now, s.guardTTL); err != nil {
		s.logger(ctx, "redemption.guard.complete_failed", map[string]any{"shop": shop, "error": err.Error()})
	}
}

func (s *redemptionService) publish(ctx context.Context, event RedemptionEvent) {
	if s.events == nil {
		return
	}
	if _, err := s.events.PublishRedemptionEvent(ctx, event); err != nil {
		s.logger(ctx, "redemption.event.publish_failed", map[string]any{"shop": event.Shop, "error": err.Error()})
	}
}

func (s *redemptionService) transition(ctx context.Context, channel, state string, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["channel"] = channel
	fields["state"] = state
	s.logger(ctx, "redemption.state", fields)
}

func (s *redemptionService) skipCheckout(ctx context.Context, shop, reason string, err error) {
	fields := map[string]any{
		"channel": ChannelCheckout,
		"state":   stateNoDiscount,
		"shop":    shop,
		"reason":  reason,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	s.logger(ctx, "redemption.state", fields)
}

func mapLoyaltyError(err error) error {
	switch {
	case errors.Is(err, loyalty.ErrOTPRequired):
		return fmt.Errorf("%w: %v", ErrOtpRequired, err)
	case errors.Is(err, loyalty.ErrOTPInvalid):
		return fmt.Errorf("%w: %v", ErrOtpInvalid, err)
	case errors.Is(err, loyalty.ErrProviderRejected):
		return fmt.Errorf("%w: %v", ErrProviderRejected, err)
	case errors.Is(err, loyalty.ErrProviderUnavailable):
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	default:
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
}

func mapPlatformError(err error) error {
	var rejected *commerce.PlatformRejectedError
	if errors.As(err, &rejected) {
		return fmt.Errorf("%w: %v", ErrPlatformRejected, err)
	}
	return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}

// normalizePhone strips formatting and the international prefix so the
// provider sees the national number it keys accounts by.
func normalizePhone(raw, dialCode string) string {
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	phone := digits.String()

	dial := strings.TrimSpace(dialCode)
	if dial != "" && len(phone) > 10 && strings.HasPrefix(phone, dial) {
		phone = phone[len(dial):]
	}
	return phone
}

func guardScope(customerID string) string {
	return "customer:" + strings.TrimSpace(customerID)
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
