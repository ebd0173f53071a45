package payment_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/hosting-engine/eko"
	"github.com/warp/hosting-engine/generic"
	"github.com/warp/hosting-engine/hosting"
	"github.com/warp/hosting-engine/payment"
	"github.com/warp/hosting-engine/store/sqlite"
	"github.com/warp/hosting-engine/wallet"
)

type fixture struct {
	processor *payment.Processor
	lifecycle *hosting.Lifecycle
	wallet    *wallet.Wallet
	points    *eko.Ledger
	service   *hosting.Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()

	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clock := generic.NewFixedClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	w := wallet.New(generic.NewLedger(s))
	w.Clock = clock
	settings, err := eko.NewSettingsProvider(ctx, s, eko.DefaultSettings())
	require.NoError(t, err)
	points := eko.NewLedger(s, settings, w, eko.WithClock(clock))
	lc := hosting.NewLifecycle(s, points, w, hosting.WithClock(clock))

	_, err = hosting.NewCatalog(s, clock).Create(ctx, hosting.Plan{
		ID: "starter", Name: "Starter", MonthlyPrice: decimal.RequireFromString("19.99"),
		CPU: 1, RAMMB: 1024, DiskGB: 20, TransferGB: 1000, IsPublic: true,
	})
	require.NoError(t, err)
	_, err = w.TopUp(ctx, "acc-1", decimal.RequireFromString("19.99"), "", "seed")
	require.NoError(t, err)
	svc, _, err := lc.Purchase(ctx, hosting.PurchaseRequest{OwnerID: "acc-1", PlanID: "starter", Cycle: hosting.CycleMonthly})
	require.NoError(t, err)

	return fixture{
		processor: payment.NewProcessor(lc, w),
		lifecycle: lc,
		wallet:    w,
		points:    points,
		service:   svc,
	}
}

func TestProcessor_TopUpIsIdempotent(t *testing.T) {
	// GIVEN: A settled top-up event
	f := newFixture(t)
	ctx := context.Background()
	e := payment.Event{Kind: payment.EventTopUpSettled, AccountID: "acc-1", Reference: "cs_1", Amount: decimal.NewFromInt(50)}

	// WHEN: It is delivered twice
	require.NoError(t, f.processor.Apply(ctx, e))
	require.NoError(t, f.processor.Apply(ctx, e))

	// THEN: The wallet is credited once
	balance, err := f.wallet.Balance(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "50.00", balance.StringFixed(2))
}

func TestProcessor_SubscriptionLifecycle(t *testing.T) {
	// GIVEN: A manual service
	f := newFixture(t)
	ctx := context.Background()
	expiresAt := f.service.ExpiresAt()

	// WHEN: The first invoice is paid before the checkout completion arrives
	require.NoError(t, f.processor.Apply(ctx, payment.Event{
		Kind: payment.EventInvoicePaid, ServiceID: f.service.ID(), SubscriptionRef: "sub_1",
		Reference: "in_1", Amount: decimal.RequireFromString("19.99"),
	}))
	require.NoError(t, f.processor.Apply(ctx, payment.Event{
		Kind: payment.EventSubscriptionStarted, ServiceID: f.service.ID(), SubscriptionRef: "sub_1", Reference: "cs_1",
	}))

	// THEN: The service is subscribed and renewed once
	svc, err := f.lifecycle.Service(ctx, f.service.ID(), "")
	require.NoError(t, err)
	assert.Equal(t, hosting.ModeRecurringSubscription, svc.Mode())
	assert.Equal(t, hosting.CycleMonthly.Advance(expiresAt), svc.ExpiresAt())
	points, err := f.points.Balance(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(199*2), points)

	// AND: Ending the subscription returns the service to manual
	require.NoError(t, f.processor.Apply(ctx, payment.Event{Kind: payment.EventSubscriptionEnded, SubscriptionRef: "sub_1"}))
	svc, err = f.lifecycle.Service(ctx, f.service.ID(), "")
	require.NoError(t, err)
	assert.Equal(t, hosting.ModeManualOneOff, svc.Mode())
	require.NoError(t, f.processor.Apply(ctx, payment.Event{Kind: payment.EventSubscriptionEnded, SubscriptionRef: "sub_1"}))
}

func TestProcessor_FailedInvoiceIsPermanent(t *testing.T) {
	// GIVEN: A subscribed service
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.lifecycle.AttachSubscription(ctx, f.service.ID(), "sub_1")
	require.NoError(t, err)

	// WHEN: An invoice fails
	err = f.processor.Apply(ctx, payment.Event{
		Kind: payment.EventInvoiceFailed, SubscriptionRef: "sub_1", Reference: "in_2", FailureReason: "card_declined",
	})

	// THEN: The failure is reported and permanent
	require.ErrorIs(t, err, hosting.ErrPaymentFailed)
	assert.True(t, payment.IsPermanent(err))
}

func TestProcessor_OneOffRenewalRedelivered(t *testing.T) {
	// GIVEN: A one-off renewal event
	f := newFixture(t)
	ctx := context.Background()
	e := payment.Event{Kind: payment.EventRenewalSettled, ServiceID: f.service.ID(), Reference: "cs_9", Amount: decimal.RequireFromString("19.99")}

	// WHEN: It is delivered twice
	require.NoError(t, f.processor.Apply(ctx, e))
	require.NoError(t, f.processor.Apply(ctx, e))

	// THEN: One renewal is recorded beyond the purchase
	renewals, err := f.lifecycle.Renewals(ctx, f.service.ID(), "acc-1")
	require.NoError(t, err)
	assert.Len(t, renewals, 2)
}

func TestCheckoutRequest_Validate(t *testing.T) {
	assert.NoError(t, payment.CheckoutRequest{AccountID: "a", Purpose: payment.PurposeTopUp, Amount: decimal.NewFromInt(1)}.Validate())
	assert.ErrorIs(t, payment.CheckoutRequest{AccountID: "a", Purpose: payment.PurposeTopUp}.Validate(), wallet.ErrInvalidAmount)
	assert.Error(t, payment.CheckoutRequest{AccountID: "a", Purpose: payment.PurposeRenewal, Amount: decimal.NewFromInt(1)}.Validate())
	assert.Error(t, payment.CheckoutRequest{Purpose: payment.PurposeTopUp, Amount: decimal.NewFromInt(1)}.Validate())
}
