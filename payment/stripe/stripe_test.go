package stripe

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripelib "github.com/stripe/stripe-go/v82"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/warp/hosting-engine/hosting"
	"github.com/warp/hosting-engine/payment"
)

const testSecret = "whsec_test_secret"

type recordingProcessor struct {
	events []payment.Event
	err    error
}

func (p *recordingProcessor) Apply(_ context.Context, e payment.Event) error {
	p.events = append(p.events, e)
	return p.err
}

func signedRequest(t *testing.T, payload string) *http.Request {
	t.Helper()
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// =============================================================================
// WEBHOOK
// =============================================================================

func TestWebhook_TopUpCheckout(t *testing.T) {
	// GIVEN: A paid top-up checkout
	p := &recordingProcessor{}
	h := NewWebhookHandler(testSecret, p)
	payload := `{"id":"evt_1","object":"event","type":"checkout.session.completed","data":{"object":{
		"id":"cs_1","mode":"payment","payment_status":"paid","amount_total":5000,
		"metadata":{"account_id":"acc-1","purpose":"top_up"}}}}`

	// WHEN: Stripe delivers it
	rec := serve(h, signedRequest(t, payload))

	// THEN: A wallet credit of 50.00 keyed by the session is applied
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, p.events, 1)
	e := p.events[0]
	assert.Equal(t, payment.EventTopUpSettled, e.Kind)
	assert.Equal(t, "acc-1", e.AccountID)
	assert.Equal(t, "cs_1", e.Reference)
	assert.True(t, decimal.RequireFromString("50.00").Equal(e.Amount))
}

func TestWebhook_UnpaidCheckoutIgnored(t *testing.T) {
	// GIVEN: A checkout still awaiting an asynchronous payment
	p := &recordingProcessor{}
	h := NewWebhookHandler(testSecret, p)
	payload := `{"id":"evt_1","object":"event","type":"checkout.session.completed","data":{"object":{
		"id":"cs_1","payment_status":"unpaid","amount_total":5000,
		"metadata":{"account_id":"acc-1","purpose":"top_up"}}}}`

	// WHEN: Stripe delivers it
	rec := serve(h, signedRequest(t, payload))

	// THEN: It is acknowledged without crediting anything
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, p.events)
}

func TestWebhook_InvoicePaidUsesParentSubscription(t *testing.T) {
	// GIVEN: An invoice in the newer API shape
	p := &recordingProcessor{}
	h := NewWebhookHandler(testSecret, p)
	payload := `{"id":"evt_2","object":"event","type":"invoice.paid","data":{"object":{
		"id":"in_1","amount_paid":1999,
		"parent":{"subscription_details":{"subscription":"sub_1","metadata":{"service_id":"svc-1","account_id":"acc-1"}}}}}}`

	// WHEN: Stripe delivers it
	rec := serve(h, signedRequest(t, payload))

	// THEN: A subscription renewal for the service is applied
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, p.events, 1)
	e := p.events[0]
	assert.Equal(t, payment.EventInvoicePaid, e.Kind)
	assert.Equal(t, "sub_1", e.SubscriptionRef)
	assert.Equal(t, "svc-1", e.ServiceID)
	assert.Equal(t, "in_1", e.Reference)
	assert.Equal(t, "19.99", e.Amount.StringFixed(2))
}

func TestWebhook_SubscriptionDeleted(t *testing.T) {
	// GIVEN: A deleted subscription
	p := &recordingProcessor{}
	h := NewWebhookHandler(testSecret, p)
	payload := `{"id":"evt_3","object":"event","type":"customer.subscription.deleted","data":{"object":{"id":"sub_1"}}}`

	// WHEN: Stripe delivers it
	rec := serve(h, signedRequest(t, payload))

	// THEN: The subscription is ended
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, p.events, 1)
	assert.Equal(t, payment.EventSubscriptionEnded, p.events[0].Kind)
	assert.Equal(t, "sub_1", p.events[0].SubscriptionRef)
}

func TestWebhook_RejectsBadSignature(t *testing.T) {
	// GIVEN: A payload signed with another secret
	p := &recordingProcessor{}
	h := NewWebhookHandler("whsec_other", p)
	before := testutil.ToFloat64(WebhookRequestsTotal.WithLabelValues("unknown", "400"))

	// WHEN: It is delivered
	rec := serve(h, signedRequest(t, `{"id":"evt_1","object":"event","type":"invoice.paid","data":{"object":{}}}`))

	// THEN: It is refused and counted
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, p.events)
	assert.Equal(t, before+1, testutil.ToFloat64(WebhookRequestsTotal.WithLabelValues("unknown", "400")))
}

func TestWebhook_MissingSecret(t *testing.T) {
	h := NewWebhookHandler("", &recordingProcessor{})
	rec := serve(h, httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(nil)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWebhook_ProcessingErrors(t *testing.T) {
	payload := `{"id":"evt_4","object":"event","type":"invoice.payment_failed","data":{"object":{
		"id":"in_2","amount_due":1999,"attempt_count":2,"subscription":"sub_1"}}}`

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"permanent failure acknowledged", hosting.ErrPaymentFailed, http.StatusOK},
		{"transient failure retried", errors.New("database is locked"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &recordingProcessor{err: tt.err}
			rec := serve(NewWebhookHandler(testSecret, p), signedRequest(t, payload))
			assert.Equal(t, tt.want, rec.Code)
			require.Len(t, p.events, 1)
			assert.Equal(t, payment.EventInvoiceFailed, p.events[0].Kind)
			assert.Contains(t, p.events[0].FailureReason, "attempt 2")
		})
	}
}

// =============================================================================
// GATEWAY
// =============================================================================

func TestGateway_SubscriptionCheckout(t *testing.T) {
	// GIVEN: A gateway with a stubbed Stripe API
	g := NewGateway(Config{APIKey: "sk_test", SuccessURL: "https://panel/ok", CancelURL: "https://panel/cancel"})
	var captured *stripelib.CheckoutSessionParams
	g.createCheckoutSession = func(params *stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error) {
		captured = params
		return &stripelib.CheckoutSession{ID: "cs_1", URL: "https://checkout.stripe.test/cs_1"}, nil
	}

	// WHEN: A subscription checkout is started
	session, err := g.StartCheckout(context.Background(), payment.CheckoutRequest{
		AccountID: "acc-1", ServiceID: "svc-1", Purpose: payment.PurposeSubscription, PriceID: "price_monthly",
	})
	require.NoError(t, err)

	// THEN: The subscription carries the service metadata
	assert.Equal(t, "cs_1", session.ID)
	require.NotNil(t, captured)
	assert.Equal(t, string(stripelib.CheckoutSessionModeSubscription), *captured.Mode)
	assert.Equal(t, "price_monthly", *captured.LineItems[0].Price)
	assert.Equal(t, "svc-1", captured.SubscriptionData.Metadata["service_id"])
	assert.Equal(t, "subscription", captured.Metadata["purpose"])
}

func TestGateway_PaymentCheckoutInMinorUnits(t *testing.T) {
	// GIVEN: A gateway with a stubbed Stripe API
	g := NewGateway(Config{APIKey: "sk_test"})
	var captured *stripelib.CheckoutSessionParams
	g.createCheckoutSession = func(params *stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error) {
		captured = params
		return &stripelib.CheckoutSession{ID: "cs_2", URL: "https://checkout.stripe.test/cs_2"}, nil
	}

	// WHEN: A 19.99 renewal checkout is started
	_, err := g.StartCheckout(context.Background(), payment.CheckoutRequest{
		AccountID: "acc-1", ServiceID: "svc-1", Purpose: payment.PurposeRenewal,
		Amount: decimal.RequireFromString("19.99"),
	})
	require.NoError(t, err)

	// THEN: The line item is 1999 in the default currency
	item := captured.LineItems[0].PriceData
	assert.Equal(t, int64(1999), *item.UnitAmount)
	assert.Equal(t, "pln", *item.Currency)
	assert.Equal(t, string(stripelib.CheckoutSessionModePayment), *captured.Mode)
}

func TestGateway_ValidatesRequest(t *testing.T) {
	g := NewGateway(Config{})
	g.createCheckoutSession = func(*stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error) {
		t.Fatal("Stripe must not be called")
		return nil, nil
	}

	_, err := g.StartCheckout(context.Background(), payment.CheckoutRequest{
		AccountID: "acc-1", ServiceID: "svc-1", Purpose: payment.PurposeSubscription,
	})
	assert.ErrorIs(t, err, hosting.ErrCycleUnavailable)

	_, err = g.StartCheckout(context.Background(), payment.CheckoutRequest{AccountID: "acc-1", Purpose: "gift"})
	assert.ErrorIs(t, err, payment.ErrUnsupportedPurpose)
}

func TestGateway_CancelSubscription(t *testing.T) {
	g := NewGateway(Config{APIKey: "sk_test"})
	var cancelled string
	g.cancelSubscription = func(id string, _ *stripelib.SubscriptionCancelParams) (*stripelib.Subscription, error) {
		cancelled = id
		return &stripelib.Subscription{ID: id}, nil
	}

	require.NoError(t, g.CancelSubscription(context.Background(), "sub_1"))
	assert.Equal(t, "sub_1", cancelled)
}
