package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/billfree-connect/api/internal/commerce"
	"github.com/billfree-connect/api/internal/domain"
	"github.com/billfree-connect/api/internal/loyalty"
	"github.com/billfree-connect/api/internal/platform/redeemguard"
)

type stubConfigs struct {
	resolveFunc func(ctx context.Context, shop string) (domain.MerchantConfig, error)
}

func (s *stubConfigs) Resolve(ctx context.Context, shop string) (domain.MerchantConfig, error) {
	return s.resolveFunc(ctx, shop)
}

type stubLoyalty struct {
	getBalanceFunc func(ctx context.Context, token string, identity domain.LoyaltyIdentity) (domain.BalanceQuote, error)
	sendOTPFunc    func(ctx context.Context, token string, identity domain.LoyaltyIdentity) (domain.OTPDispatch, error)
	redeemFunc     func(ctx context.Context, token string, req loyalty.RedeemRequest) (domain.RedemptionResult, error)

	redeemCalls int
}

func (s *stubLoyalty) GetBalance(ctx context.Context, token string, identity domain.LoyaltyIdentity) (domain.BalanceQuote, error) {
	return s.getBalanceFunc(ctx, token, identity)
}

func (s *stubLoyalty) SendOTP(ctx context.Context, token string, identity domain.LoyaltyIdentity) (domain.OTPDispatch, error) {
	return s.sendOTPFunc(ctx, token, identity)
}

func (s *stubLoyalty) Redeem(ctx context.Context, token string, req loyalty.RedeemRequest) (domain.RedemptionResult, error) {
	s.redeemCalls++
	return s.redeemFunc(ctx, token, req)
}

type stubPlatform struct {
	phoneFunc      func(ctx context.Context, creds commerce.Credentials, customerID string) (string, error)
	createCodeFunc func(ctx context.Context, creds commerce.Credentials, input commerce.DiscountCodeInput) (domain.DiscountCode, error)

	createCalls int
}

func (s *stubPlatform) GetCustomerPhone(ctx context.Context, creds commerce.Credentials, customerID string) (string, error) {
	return s.phoneFunc(ctx, creds, customerID)
}

func (s *stubPlatform) CreateDiscountCode(ctx context.Context, creds commerce.Credentials, input commerce.DiscountCodeInput) (domain.DiscountCode, error) {
	s.createCalls++
	return s.createCodeFunc(ctx, creds, input)
}

type stubPublisher struct {
	events []RedemptionEvent
}

func (s *stubPublisher) PublishRedemptionEvent(_ context.Context, event RedemptionEvent) (string, error) {
	s.events = append(s.events, event)
	return "msg-1", nil
}

func testMerchantConfig() domain.MerchantConfig {
	return domain.MerchantConfig{
		Shop:          "demo.myshopify.com",
		Enabled:       true,
		ProviderToken: "bf-token",
		PlatformToken: "shpat-token",
		DialCode:      "91",
		CodeValidity:  72 * time.Hour,
	}
}

type serviceFixture struct {
	configs   *stubConfigs
	loyalty   *stubLoyalty
	platform  *stubPlatform
	guard     *redeemguard.MemoryStore
	publisher *stubPublisher
	now       time.Time
	service   RedemptionService
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	fixture := &serviceFixture{
		guard:     redeemguard.NewMemoryStore(),
		publisher: &stubPublisher{},
		now:       time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	fixture.configs = &stubConfigs{
		resolveFunc: func(context.Context, string) (domain.MerchantConfig, error) {
			return testMerchantConfig(), nil
		},
	}
	fixture.loyalty = &stubLoyalty{
		getBalanceFunc: func(context.Context, string, domain.LoyaltyIdentity) (domain.BalanceQuote, error) {
			return domain.BalanceQuote{Points: 120}, nil
		},
		sendOTPFunc: func(context.Context, string, domain.LoyaltyIdentity) (domain.OTPDispatch, error) {
			return domain.OTPDispatch{Sent: true}, nil
		},
		redeemFunc: func(_ context.Context, _ string, req loyalty.RedeemRequest) (domain.RedemptionResult, error) {
			return domain.RedemptionResult{
				Amount:         domain.Money{Amount: 15000, Currency: req.BillAmount.Currency},
				PointsRedeemed: 120,
			}, nil
		},
	}
	fixture.platform = &stubPlatform{
		phoneFunc: func(context.Context, commerce.Credentials, string) (string, error) {
			return "+919876543210", nil
		},
		createCodeFunc: func(_ context.Context, _ commerce.Credentials, input commerce.DiscountCodeInput) (domain.DiscountCode, error) {
			return domain.DiscountCode{Code: input.Code, Amount: input.Amount, ExpiresAt: input.EndsAt}, nil
		},
	}

	refs := 0
	service, err := NewRedemptionService(RedemptionServiceDeps{
		Configs:        fixture.configs,
		Loyalty:        fixture.loyalty,
		Platform:       fixture.platform,
		Guard:          fixture.guard,
		Events:         fixture.publisher,
		Clock:          func() time.Time { return fixture.now },
		CheckoutBudget: 2500 * time.Millisecond,
		GuardTTL:       24 * time.Hour,
		InvoiceRefs: func() string {
			refs++
			return fmt.Sprintf("INV-%03d", refs)
		},
		Codes: func() string { return "BILLFREE-TESTCODE" },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fixture.service = service
	return fixture
}

func interactiveCommand() InteractiveRedeemCommand {
	return InteractiveRedeemCommand{
		Shop:       "demo.myshopify.com",
		CustomerID: "42",
		BillAmount: domain.Money{Amount: 10000, Currency: "INR"},
	}
}

func checkoutEvaluation() CheckoutEvaluation {
	return CheckoutEvaluation{
		Shop:       "demo.myshopify.com",
		CustomerID: "42",
		Subtotal:   domain.Money{Amount: 10000, Currency: "INR"},
	}
}

func TestRedeemInteractiveCapsAmountAtBill(t *testing.T) {
	fixture := newServiceFixture(t)

	result, err := fixture.service.RedeemInteractive(context.Background(), interactiveCommand())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Provider granted 150.00 against a 100.00 bill; the emitted discount is capped.
	if result.Amount.Amount != 10000 {
		t.Fatalf("expected capped amount 10000, got %d", result.Amount.Amount)
	}
	if result.Code != "BILLFREE-TESTCODE" {
		t.Fatalf("unexpected code %q", result.Code)
	}
	if result.PointsRedeemed != 120 {
		t.Fatalf("unexpected points %d", result.PointsRedeemed)
	}
	if result.RemainingPoints != 0 {
		t.Fatalf("unexpected remaining points %d", result.RemainingPoints)
	}
	if len(fixture.publisher.events) != 1 {
		t.Fatalf("expected one published event, got %d", len(fixture.publisher.events))
	}
	if fixture.publisher.events[0].Channel != ChannelStorefront {
		t.Fatalf("unexpected channel %q", fixture.publisher.events[0].Channel)
	}
}

func TestRedeemInteractiveNoBalance(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.loyalty.getBalanceFunc = func(context.Context, string, domain.LoyaltyIdentity) (domain.BalanceQuote, error) {
		return domain.BalanceQuote{Points: 0, SchemeMessage: "Enroll at your next visit"}, nil
	}

	_, err := fixture.service.RedeemInteractive(context.Background(), interactiveCommand())
	if !errors.Is(err, ErrNoBalance) {
		t.Fatalf("expected ErrNoBalance, got %v", err)
	}
	if fixture.loyalty.redeemCalls != 0 {
		t.Fatalf("redeem must not be called with zero balance")
	}
}

func TestRedeemInteractiveOtpGatedWithoutCode(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.loyalty.getBalanceFunc = func(context.Context, string, domain.LoyaltyIdentity) (domain.BalanceQuote, error) {
		return domain.BalanceQuote{Points: 120, OTPRequired: true}, nil
	}

	_, err := fixture.service.RedeemInteractive(context.Background(), interactiveCommand())
	if !errors.Is(err, ErrOtpRequired) {
		t.Fatalf("expected ErrOtpRequired, got %v", err)
	}
	if fixture.loyalty.redeemCalls != 0 {
		t.Fatalf("redeem must not be called before otp verification")
	}
}

func TestRedeemInteractiveMalformedOtpSkipsProvider(t *testing.T) {
	fixture := newServiceFixture(t)

	cmd := interactiveCommand()
	cmd.OTP = "12ab"

	_, err := fixture.service.RedeemInteractive(context.Background(), cmd)
	if !errors.Is(err, ErrOtpInvalid) {
		t.Fatalf("expected ErrOtpInvalid, got %v", err)
	}
	if fixture.loyalty.redeemCalls != 0 {
		t.Fatalf("redeem must not be called with malformed otp")
	}
}

func TestRedeemInteractiveWrongOtpReleasesGuard(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.loyalty.getBalanceFunc = func(context.Context, string, domain.LoyaltyIdentity) (domain.BalanceQuote, error) {
		return domain.BalanceQuote{Points: 120, OTPRequired: true}, nil
	}
	fixture.loyalty.redeemFunc = func(context.Context, string, loyalty.RedeemRequest) (domain.RedemptionResult, error) {
		return domain.RedemptionResult{}, loyalty.ErrOTPInvalid
	}

	cmd := interactiveCommand()
	cmd.OTP = "1234"

	_, err := fixture.service.RedeemInteractive(context.Background(), cmd)
	if !errors.Is(err, ErrOtpInvalid) {
		t.Fatalf("expected ErrOtpInvalid, got %v", err)
	}

	// The guard was released, so a corrected retry reserves fresh.
	fixture.loyalty.redeemFunc = func(_ context.Context, _ string, req loyalty.RedeemRequest) (domain.RedemptionResult, error) {
		return domain.RedemptionResult{
			Amount:         domain.Money{Amount: 9000, Currency: req.BillAmount.Currency},
			PointsRedeemed: 90,
		}, nil
	}
	cmd.OTP = "5678"
	result, err := fixture.service.RedeemInteractive(context.Background(), cmd)
	if err != nil {
		t.Fatalf("unexpected error on retry: %v", err)
	}
	if result.Amount.Amount != 9000 {
		t.Fatalf("unexpected amount %d", result.Amount.Amount)
	}
}

func TestRedeemInteractiveAmbiguousFailureKeepsReservation(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.loyalty.redeemFunc = func(context.Context, string, loyalty.RedeemRequest) (domain.RedemptionResult, error) {
		return domain.RedemptionResult{}, loyalty.ErrProviderUnavailable
	}

	_, err := fixture.service.RedeemInteractive(context.Background(), interactiveCommand())
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}

	// The debit may have happened; an immediate identical retry must not
	// trigger a second provider redeem.
	_, err = fixture.service.RedeemInteractive(context.Background(), interactiveCommand())
	if !errors.Is(err, ErrRedemptionConflict) {
		t.Fatalf("expected ErrRedemptionConflict, got %v", err)
	}
	if fixture.loyalty.redeemCalls != 1 {
		t.Fatalf("expected exactly one redeem call, got %d", fixture.loyalty.redeemCalls)
	}
}

func TestRedeemInteractiveReplaysCompletedOutcome(t *testing.T) {
	fixture := newServiceFixture(t)

	first, err := fixture.service.RedeemInteractive(context.Background(), interactiveCommand())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second, err := fixture.service.RedeemInteractive(context.Background(), interactiveCommand())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Code != first.Code {
		t.Fatalf("expected replayed code %q, got %q", first.Code, second.Code)
	}
	if fixture.loyalty.redeemCalls != 1 {
		t.Fatalf("expected exactly one redeem call, got %d", fixture.loyalty.redeemCalls)
	}
	if fixture.platform.createCalls != 1 {
		t.Fatalf("expected exactly one code creation, got %d", fixture.platform.createCalls)
	}
}

func TestRedeemInteractivePlatformRejectionRecordsOutcome(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.platform.createCodeFunc = func(context.Context, commerce.Credentials, commerce.DiscountCodeInput) (domain.DiscountCode, error) {
		return domain.DiscountCode{}, &commerce.PlatformRejectedError{Message: "code exists"}
	}

	_, err := fixture.service.RedeemInteractive(context.Background(), interactiveCommand())
	if !errors.Is(err, ErrPlatformRejected) {
		t.Fatalf("expected ErrPlatformRejected, got %v", err)
	}

	// Points were debited; a retry must not redeem again.
	_, err = fixture.service.RedeemInteractive(context.Background(), interactiveCommand())
	if !errors.Is(err, ErrRedemptionConflict) {
		t.Fatalf("expected ErrRedemptionConflict, got %v", err)
	}
	if fixture.loyalty.redeemCalls != 1 {
		t.Fatalf("expected exactly one redeem call, got %d", fixture.loyalty.redeemCalls)
	}
}

func TestRedeemInteractiveMissingPhone(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.platform.phoneFunc = func(context.Context, commerce.Credentials, string) (string, error) {
		return "", nil
	}

	_, err := fixture.service.RedeemInteractive(context.Background(), interactiveCommand())
	if !errors.Is(err, ErrIdentityUnresolvable) {
		t.Fatalf("expected ErrIdentityUnresolvable, got %v", err)
	}
}

func TestRedeemAtCheckoutEmitsCappedDiscount(t *testing.T) {
	fixture := newServiceFixture(t)

	result := fixture.service.RedeemAtCheckout(context.Background(), checkoutEvaluation())
	if len(result.Operations) != 1 {
		t.Fatalf("expected one operation, got %d", len(result.Operations))
	}
	op := result.Operations[0]
	if op.Amount.Amount != 10000 {
		t.Fatalf("expected capped amount 10000, got %d", op.Amount.Amount)
	}
	if op.SelectionStrategy != domain.SelectionStrategyFirst {
		t.Fatalf("unexpected selection strategy %q", op.SelectionStrategy)
	}
	if op.Target != domain.DiscountTargetOrder {
		t.Fatalf("unexpected target %q", op.Target)
	}
}

func TestRedeemAtCheckoutReplaysCompletedOutcome(t *testing.T) {
	fixture := newServiceFixture(t)

	first := fixture.service.RedeemAtCheckout(context.Background(), checkoutEvaluation())
	if len(first.Operations) != 1 {
		t.Fatalf("expected one operation, got %d", len(first.Operations))
	}

	// Checkouts re-evaluate; the points are already debited, so the discount
	// must survive the second pass.
	second := fixture.service.RedeemAtCheckout(context.Background(), checkoutEvaluation())
	if len(second.Operations) != 1 {
		t.Fatalf("expected replayed operation, got %d", len(second.Operations))
	}
	if second.Operations[0].Amount != first.Operations[0].Amount {
		t.Fatalf("expected replayed amount %+v, got %+v", first.Operations[0].Amount, second.Operations[0].Amount)
	}
	if fixture.loyalty.redeemCalls != 1 {
		t.Fatalf("expected exactly one redeem call, got %d", fixture.loyalty.redeemCalls)
	}
	if len(fixture.publisher.events) != 1 {
		t.Fatalf("expected one published event, got %d", len(fixture.publisher.events))
	}
}

func TestRedeemAtCheckoutZeroBalanceYieldsEmpty(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.loyalty.getBalanceFunc = func(context.Context, string, domain.LoyaltyIdentity) (domain.BalanceQuote, error) {
		return domain.BalanceQuote{Points: 0}, nil
	}

	result := fixture.service.RedeemAtCheckout(context.Background(), checkoutEvaluation())
	if len(result.Operations) != 0 {
		t.Fatalf("expected empty operations, got %d", len(result.Operations))
	}
	if result.Operations == nil {
		t.Fatalf("operations must be an empty list, not nil")
	}
}

func TestRedeemAtCheckoutOtpGatedYieldsEmpty(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.loyalty.getBalanceFunc = func(context.Context, string, domain.LoyaltyIdentity) (domain.BalanceQuote, error) {
		return domain.BalanceQuote{Points: 120, OTPRequired: true}, nil
	}

	result := fixture.service.RedeemAtCheckout(context.Background(), checkoutEvaluation())
	if len(result.Operations) != 0 {
		t.Fatalf("expected empty operations, got %d", len(result.Operations))
	}
	if fixture.loyalty.redeemCalls != 0 {
		t.Fatalf("otp gated accounts must never redeem at checkout")
	}
}

func TestRedeemAtCheckoutProviderOutageYieldsEmpty(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.loyalty.getBalanceFunc = func(context.Context, string, domain.LoyaltyIdentity) (domain.BalanceQuote, error) {
		return domain.BalanceQuote{}, loyalty.ErrProviderUnavailable
	}

	result := fixture.service.RedeemAtCheckout(context.Background(), checkoutEvaluation())
	if len(result.Operations) != 0 {
		t.Fatalf("expected empty operations on outage, got %d", len(result.Operations))
	}
}

func TestRedeemAtCheckoutNotConfiguredYieldsEmpty(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.configs.resolveFunc = func(context.Context, string) (domain.MerchantConfig, error) {
		return domain.MerchantConfig{}, ErrNotConfigured
	}

	result := fixture.service.RedeemAtCheckout(context.Background(), checkoutEvaluation())
	if len(result.Operations) != 0 {
		t.Fatalf("expected empty operations when unconfigured, got %d", len(result.Operations))
	}
}

func TestRedeemAtCheckoutAnonymousCustomerYieldsEmpty(t *testing.T) {
	fixture := newServiceFixture(t)

	eval := checkoutEvaluation()
	eval.CustomerID = ""

	result := fixture.service.RedeemAtCheckout(context.Background(), eval)
	if len(result.Operations) != 0 {
		t.Fatalf("expected empty operations for anonymous customer, got %d", len(result.Operations))
	}
}

func TestQuoteBalanceReturnsProviderView(t *testing.T) {
	fixture := newServiceFixture(t)
	fixture.loyalty.getBalanceFunc = func(_ context.Context, token string, identity domain.LoyaltyIdentity) (domain.BalanceQuote, error) {
		if token != "bf-token" {
			t.Fatalf("unexpected token %q", token)
		}
		if identity.Phone != "9876543210" {
			t.Fatalf("expected normalized phone, got %q", identity.Phone)
		}
		return domain.BalanceQuote{Points: 75, OTPRequired: true, SchemeMessage: "1 point = 1 rupee"}, nil
	}

	view, err := fixture.service.QuoteBalance(context.Background(), BalanceQuery{Shop: "demo.myshopify.com", CustomerID: "42"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if view.Points != 75 || !view.OTPRequired {
		t.Fatalf("unexpected view %+v", view)
	}
}

func TestDispatchOTPRequiresPhone(t *testing.T) {
	fixture := newServiceFixture(t)

	_, err := fixture.service.DispatchOTP(context.Background(), OTPDispatchCommand{Shop: "demo.myshopify.com"})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestNormalizePhoneStripsDialCode(t *testing.T) {
	cases := map[string]string{
		"+91 98765 43210": "9876543210",
		"98765-43210":     "9876543210",
		"919876543210":    "9876543210",
		"9876543210":      "9876543210",
	}
	for input, want := range cases {
		if got := normalizePhone(input, "91"); got != want {
			t.Fatalf("normalizePhone(%q) = %q, want %q", input, got, want)
		}
	}
}
