package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/hosting-engine/api"
	"github.com/warp/hosting-engine/eko"
	"github.com/warp/hosting-engine/generic"
	"github.com/warp/hosting-engine/hosting"
	"github.com/warp/hosting-engine/payment"
	"github.com/warp/hosting-engine/store/sqlite"
	"github.com/warp/hosting-engine/wallet"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var t0 = time.Date(2026, 1, 31, 12, 0, 0, 0, time.UTC)

type fakeGateway struct {
	mu        sync.Mutex
	requests  []payment.CheckoutRequest
	cancelled []string
}

func (g *fakeGateway) StartCheckout(_ context.Context, req payment.CheckoutRequest) (payment.Session, error) {
	if err := req.Validate(); err != nil {
		return payment.Session{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	id := fmt.Sprintf("cs_test_%d", len(g.requests))
	return payment.Session{ID: id, URL: "https://checkout.stripe.test/" + id}, nil
}

func (g *fakeGateway) CancelSubscription(_ context.Context, ref string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, ref)
	return nil
}

func (g *fakeGateway) last(t *testing.T) payment.CheckoutRequest {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	require.NotEmpty(t, g.requests)
	return g.requests[len(g.requests)-1]
}

type fixture struct {
	clock     *generic.FixedClock
	wallet    *wallet.Wallet
	points    *eko.Ledger
	lifecycle *hosting.Lifecycle
	handler   *api.Handler
	gateway   *fakeGateway
	auth      *api.Authenticator
	webhooks  int
	router    http.Handler
	ids       int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := &fixture{clock: generic.NewFixedClock(t0), gateway: &fakeGateway{}}
	f.wallet = wallet.New(generic.NewLedger(s))
	f.wallet.Clock = f.clock

	settings, err := eko.NewSettingsProvider(ctx, s, eko.DefaultSettings())
	require.NoError(t, err)
	f.points = eko.NewLedger(s, settings, f.wallet,
		eko.WithClock(f.clock),
		eko.WithObserver(api.MetricsObserver{}),
	)
	f.lifecycle = hosting.NewLifecycle(s, f.points, f.wallet,
		hosting.WithClock(f.clock),
		hosting.WithObserver(api.MetricsObserver{}),
		hosting.WithIDGenerator(func() string {
			f.ids++
			return fmt.Sprintf("id-%d", f.ids)
		}),
	)
	catalog := hosting.NewCatalog(s, f.clock)

	for _, p := range []hosting.Plan{
		{
			ID:           "starter",
			Name:         "Starter",
			MonthlyPrice: decimal.RequireFromString("19.99"),
			YearlyPrice:  decimal.NewNullDecimal(decimal.RequireFromString("199.00")),
			CPU:          1,
			RAMMB:        1024,
			DiskGB:       20,
			TransferGB:   1000,
			IsPublic:     true,
		},
		{
			ID:                    "pro",
			Name:                  "Pro",
			MonthlyPrice:          decimal.RequireFromString("49.00"),
			CPU:                   4,
			RAMMB:                 8192,
			DiskGB:                100,
			TransferGB:            5000,
			IsPublic:              true,
			GatewayProductID:      "prod_pro",
			GatewayMonthlyPriceID: "price_pro_monthly",
		},
	} {
		_, err := catalog.Create(ctx, p)
		require.NoError(t, err)
	}

	f.handler = api.NewHandler(f.points, f.lifecycle, catalog, f.wallet)
	f.handler.Gateway = f.gateway
	f.handler.PublicURL = "https://panel.example.com/"
	f.auth = api.NewAuthenticator("test-secret", "hosting-panel")
	f.router = api.NewRouter(f.handler, api.RouterConfig{
		AllowedOrigins: []string{"*"},
		Auth:           f.auth,
		Webhook: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			f.webhooks++
			w.WriteHeader(http.StatusOK)
		}),
	})
	return f
}

func (f *fixture) token(t *testing.T, accountID, role string) string {
	t.Helper()
	tok, err := f.auth.Issue(accountID, role, time.Hour)
	require.NoError(t, err)
	return tok
}

type call struct {
	method  string
	path    string
	body    any
	token   string
	ifMatch string
}

func (f *fixture) do(t *testing.T, c call) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if c.body != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(c.body))
	}
	req := httptest.NewRequest(c.method, c.path, &body)
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.ifMatch != "" {
		req.Header.Set("If-Match", c.ifMatch)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[api.ErrorResponse](t, rec).Code
}

func (f *fixture) topUp(t *testing.T, acc, amount string) {
	t.Helper()
	_, err := f.wallet.TopUp(context.Background(), acc, decimal.RequireFromString(amount), "", "test")
	require.NoError(t, err)
}

func (f *fixture) grant(t *testing.T, acc string, points int64) {
	t.Helper()
	_, err := f.points.Adjust(context.Background(), acc, points, "seed", "test")
	require.NoError(t, err)
}

func (f *fixture) purchase(t *testing.T, tok, plan string, autoRenew bool) api.PurchaseResponse {
	t.Helper()
	rec := f.do(t, call{method: http.MethodPost, path: "/api/services", token: tok, body: api.PurchaseRequest{
		PlanID: plan, BillingCycle: "monthly", AutoRenew: autoRenew,
	}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[api.PurchaseResponse](t, rec)
}

// =============================================================================
// AUTHENTICATION
// =============================================================================

func TestAuth_RejectsMissingAndForeignTokens(t *testing.T) {
	f := newFixture(t)

	// GIVEN no token
	rec := f.do(t, call{method: http.MethodGet, path: "/api/eko/summary"})
	// THEN the request is unauthorized
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", errorCode(t, rec))

	// GIVEN a token signed with another secret
	other, err := api.NewAuthenticator("other-secret", "hosting-panel").Issue("acc-1", "", time.Hour)
	require.NoError(t, err)
	rec = f.do(t, call{method: http.MethodGet, path: "/api/eko/summary", token: other})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// GIVEN a token from another issuer
	foreign, err := api.NewAuthenticator("test-secret", "someone-else").Issue("acc-1", "", time.Hour)
	require.NoError(t, err)
	rec = f.do(t, call{method: http.MethodGet, path: "/api/eko/summary", token: foreign})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuth_AdminRoutesNeedAdminRole(t *testing.T) {
	f := newFixture(t)

	// WHEN a customer calls an admin route
	rec := f.do(t, call{method: http.MethodGet, path: "/api/admin/eko/settings", token: f.token(t, "acc-1", "")})
	// THEN it is forbidden
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", errorCode(t, rec))

	// WHEN an admin calls it
	rec = f.do(t, call{method: http.MethodGet, path: "/api/admin/eko/settings", token: f.token(t, "admin-1", api.RoleAdmin)})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthenticator_ExpiredToken(t *testing.T) {
	auth := api.NewAuthenticator("test-secret", "hosting-panel")
	tok, err := auth.Issue("acc-1", "", -time.Minute)
	require.NoError(t, err)

	_, err = auth.Verify(tok)
	assert.Error(t, err)
}

func TestAuthenticator_RoundTrip(t *testing.T) {
	auth := api.NewAuthenticator("test-secret", "hosting-panel")
	tok, err := auth.Issue("admin-1", api.RoleAdmin, time.Hour)
	require.NoError(t, err)

	p, err := auth.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "admin-1", p.AccountID)
	assert.True(t, p.IsAdmin())
}

// =============================================================================
// EKO
// =============================================================================

func TestEkoSummary_DerivesTreeFromBalance(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "acc-1", "")

	// GIVEN 1250 points
	f.grant(t, "acc-1", 1250)

	// WHEN the summary is read
	rec := f.do(t, call{method: http.MethodGet, path: "/api/eko/summary", token: tok})
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[api.EkoSummaryDTO](t, rec)

	// THEN one tree is planted and the next is a quarter grown
	assert.Equal(t, int64(1250), got.CurrentPoints)
	assert.Equal(t, int64(10), got.PointsPerPln)
	assert.Equal(t, int64(1), got.TreesPlanted)
	assert.Equal(t, 25, got.ProgressToNextTree)
	assert.Equal(t, 2, got.CurrentTreeStage)
	assert.Equal(t, "small", got.StageName)
	require.Len(t, got.History, 1)
	assert.Equal(t, "admin_adjustment", got.History[0].ActionType)
}

func TestRedeem_CreditsWallet(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "acc-1", "")
	f.grant(t, "acc-1", 100)
	before := testutil.ToFloat64(api.Redemptions.WithLabelValues("ok"))

	// WHEN 50 points are redeemed
	rec := f.do(t, call{method: http.MethodPost, path: "/api/eko/redeem", token: tok, body: api.RedeemRequest{Points: 50}})

	// THEN the wallet receives 5.00 PLN
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[api.RedemptionDTO](t, rec)
	assert.Equal(t, "5.00", got.CreditedAmount)
	assert.Equal(t, int64(50), got.NewPointsBalance)
	assert.Equal(t, before+1, testutil.ToFloat64(api.Redemptions.WithLabelValues("ok")))

	rec = f.do(t, call{method: http.MethodGet, path: "/api/wallet", token: tok})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "5.00", decode[api.WalletBalanceDTO](t, rec).Balance)
}

func TestRedeem_Rejections(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "acc-1", "")
	f.grant(t, "acc-1", 100)
	before := testutil.ToFloat64(api.Redemptions.WithLabelValues("insufficient_points"))

	tests := []struct {
		name   string
		points int64
		status int
		code   string
	}{
		{name: "more than balance", points: 101, status: http.StatusUnprocessableEntity, code: "insufficient_points"},
		{name: "zero", points: 0, status: http.StatusUnprocessableEntity, code: "insufficient_points"},
		{name: "negative", points: -5, status: http.StatusUnprocessableEntity, code: "insufficient_points"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, call{method: http.MethodPost, path: "/api/eko/redeem", token: tok, body: api.RedeemRequest{Points: tt.points}})
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, errorCode(t, rec))
		})
	}

	// THEN the balance is untouched
	bal, err := f.points.Balance(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal)
	assert.Equal(t, before+float64(len(tests)), testutil.ToFloat64(api.Redemptions.WithLabelValues("insufficient_points")))
}

func TestRecordAction_GrantsOnce(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "acc-1", "")

	// WHEN 2FA is reported twice
	first := f.do(t, call{method: http.MethodPost, path: "/api/eko/actions", token: tok, body: api.ActionRequest{ActionType: "2fa_enabled_reward"}})
	second := f.do(t, call{method: http.MethodPost, path: "/api/eko/actions", token: tok, body: api.ActionRequest{ActionType: "2fa_enabled_reward"}})

	// THEN the first grants and the second reports the earlier grant
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	got := decode[api.ActionResultDTO](t, first)
	assert.Equal(t, int64(100), got.Entry.Points)
	assert.False(t, got.AlreadyGranted)

	require.Equal(t, http.StatusOK, second.Code)
	dup := decode[api.ActionResultDTO](t, second)
	assert.True(t, dup.AlreadyGranted)
	assert.Equal(t, got.Entry.ID, dup.Entry.ID)

	bal, err := f.points.Balance(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal)
}

func TestRecordAction_RejectsServerSideActions(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "acc-1", "")

	for _, action := range []string{"auto_renewal_reward", "spend_accrual", "not_an_action"} {
		rec := f.do(t, call{method: http.MethodPost, path: "/api/eko/actions", token: tok, body: api.ActionRequest{ActionType: action}})
		assert.Equal(t, http.StatusBadRequest, rec.Code, action)
	}
}

func TestRequest_UnknownFieldsAreRejected(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, call{method: http.MethodPost, path: "/api/eko/redeem", token: f.token(t, "acc-1", ""),
		body: map[string]any{"points": 10, "bonus": true}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "bad_request", errorCode(t, rec))
}

// =============================================================================
// SERVICES
// =============================================================================

func TestPurchase_PaysFromWalletAndGrantsPoints(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "acc-1", "")
	f.topUp(t, "acc-1", "50.00")

	// WHEN a monthly starter plan is bought
	rec := f.do(t, call{method: http.MethodPost, path: "/api/services", token: tok, body: api.PurchaseRequest{
		PlanID: "starter", BillingCycle: "monthly",
	}})

	// THEN the service is active and versioned
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, `"1"`, rec.Header().Get("ETag"))
	got := decode[api.PurchaseResponse](t, rec)
	assert.Equal(t, "active", got.Service.Status)
	assert.Equal(t, "manual-one-off", got.Service.BillingMode)
	assert.Equal(t, "19.99", got.Renewal.Amount)

	// AND the wallet is charged and spend points granted
	balance, err := f.wallet.Balance(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "30.01", balance.StringFixed(2))
	points, err := f.points.Balance(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(199), points)
}

func TestPurchase_InsufficientFunds(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, call{method: http.MethodPost, path: "/api/services", token: f.token(t, "acc-1", ""), body: api.PurchaseRequest{
		PlanID: "starter", BillingCycle: "monthly",
	}})

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "payment_failed", errorCode(t, rec))
}

func TestPurchase_InvalidInput(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "acc-1", "")
	f.topUp(t, "acc-1", "500.00")

	tests := []struct {
		name   string
		req    api.PurchaseRequest
		status int
	}{
		{"unknown cycle", api.PurchaseRequest{PlanID: "starter", BillingCycle: "weekly"}, http.StatusBadRequest},
		{"unknown plan", api.PurchaseRequest{PlanID: "mega", BillingCycle: "monthly"}, http.StatusNotFound},
		{"no yearly price", api.PurchaseRequest{PlanID: "pro", BillingCycle: "yearly"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, call{method: http.MethodPost, path: "/api/services", token: tok, body: tt.req})
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestServices_ScopedToOwner(t *testing.T) {
	f := newFixture(t)
	f.topUp(t, "acc-1", "50.00")
	bought := f.purchase(t, f.token(t, "acc-1", ""), "starter", false)

	// WHEN another customer reads the service
	other := f.token(t, "acc-2", "")
	rec := f.do(t, call{method: http.MethodGet, path: "/api/services/" + bought.Service.ID, token: other})
	// THEN it does not exist for them
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, call{method: http.MethodGet, path: "/api/services", token: other})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]api.ServiceDTO](t, rec))
}

func TestToggleAutoRenew_HonorsIfMatch(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "acc-1", "")
	f.topUp(t, "acc-1", "50.00")
	bought := f.purchase(t, tok, "starter", false)
	path := "/api/services/" + bought.Service.ID + "/toggle-renew"

	// WHEN toggled at the current version
	rec := f.do(t, call{method: http.MethodPatch, path: path, token: tok, ifMatch: `"1"`})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[api.ServiceDTO](t, rec).AutoRenew)
	assert.Equal(t, `"2"`, rec.Header().Get("ETag"))

	// THEN a write on the stale version conflicts
	rec = f.do(t, call{method: http.MethodPatch, path: path, token: tok, ifMatch: `"1"`})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "concurrency_conflict", errorCode(t, rec))

	// AND the first enable granted the auto-renew bonus
	points, err := f.points.Balance(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(199+200), points)
}

func TestIfMatch_Malformed(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "acc-1", "")
	f.topUp(t, "acc-1", "50.00")
	bought := f.purchase(t, tok, "starter", false)

	rec := f.do(t, call{method: http.MethodPut, path: "/api/services/" + bought.Service.ID + "/auto-renew", token: tok,
		ifMatch: `"abc"`, body: api.AutoRenewRequest{Enabled: true}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_precondition", errorCode(t, rec))
}

func TestSetAutoRenew_RefusedUnderSubscription(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "acc-1", "")
	f.topUp(t, "acc-1", "100.00")
	bought := f.purchase(t, tok, "pro", false)
	_, err := f.lifecycle.AttachSubscription(context.Background(), bought.Service.ID, "sub_1")
	require.NoError(t, err)

	rec := f.do(t, call{method: http.MethodPut, path: "/api/services/" + bought.Service.ID + "/auto-renew", token: tok,
		body: api.AutoRenewRequest{Enabled: true}})

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflicting_billing_mode", errorCode(t, rec))
}

// =============================================================================
// CHECKOUTS
// =============================================================================

func TestStartSubscription_UsesGatewayPrice(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "acc-1", "")
	f.topUp(t, "acc-1", "100.00")
	bought := f.purchase(t, tok, "pro", false)

	rec := f.do(t, call{method: http.MethodPost, path: "/api/services/" + bought.Service.ID + "/subscription", token: tok})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	session := decode[payment.Session](t, rec)
	assert.NotEmpty(t, session.URL)

	req := f.gateway.last(t)
	assert.Equal(t, payment.PurposeSubscription, req.Purpose)
	assert.Equal(t, "price_pro_monthly", req.PriceID)
	assert.Equal(t, bought.Service.ID, req.ServiceID)
	assert.Equal(t, "acc-1", req.AccountID)
}

func TestStartSubscription_Refusals(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "acc-1", "")
	f.topUp(t, "acc-1", "200.00")

	// GIVEN a plan without gateway prices
	starter := f.purchase(t, tok, "starter", false)
	rec := f.do(t, call{method: http.MethodPost, path: "/api/services/" + starter.Service.ID + "/subscription", token: tok})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "cycle_unavailable", errorCode(t, rec))

	// GIVEN a subscription is already attached
	subscribed := f.purchase(t, tok, "pro", false)
	_, err := f.lifecycle.AttachSubscription(context.Background(), subscribed.Service.ID, "sub_1")
	require.NoError(t, err)
	rec = f.do(t, call{method: http.MethodPost, path: "/api/services/" + subscribed.Service.ID + "/subscription", token: tok})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflicting_billing_mode", errorCode(t, rec))
}

func TestStartRenewal_ChargesOneCycle(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "acc-1", "")
	f.topUp(t, "acc-1", "50.00")
	bought := f.purchase(t, tok, "starter", false)

	rec := f.do(t, call{method: http.MethodPost, path: "/api/services/" + bought.Service.ID + "/renew", token: tok})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	req := f.gateway.last(t)
	assert.Equal(t, payment.PurposeRenewal, req.Purpose)
	assert.Equal(t, "19.99", req.Amount.StringFixed(2))
}

func TestStartTopUp(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "acc-1", "")

	rec := f.do(t, call{method: http.MethodPost, path: "/api/wallet/top-up", token: tok,
		body: api.TopUpRequest{Amount: decimal.RequireFromString("25.00")}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, payment.PurposeTopUp, f.gateway.last(t).Purpose)

	// WHEN the amount is not positive
	rec = f.do(t, call{method: http.MethodPost, path: "/api/wallet/top-up", token: tok,
		body: api.TopUpRequest{Amount: decimal.Zero}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_amount", errorCode(t, rec))
}

func TestCheckout_GatewayDisabled(t *testing.T) {
	f := newFixture(t)
	f.handler.Gateway = nil

	rec := f.do(t, call{method: http.MethodPost, path: "/api/wallet/top-up", token: f.token(t, "acc-1", ""),
		body: api.TopUpRequest{Amount: decimal.RequireFromString("25.00")}})

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "gateway_unavailable", errorCode(t, rec))
}

// =============================================================================
// RENEWALS AND RECEIPTS
// =============================================================================

func TestReceipt_RendersPDF(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "acc-1", "")
	f.topUp(t, "acc-1", "50.00")
	bought := f.purchase(t, tok, "starter", false)

	rec := f.do(t, call{method: http.MethodGet, path: "/api/services/" + bought.Service.ID + "/renewals", token: tok})
	require.Equal(t, http.StatusOK, rec.Code)
	renewals := decode[[]api.RenewalDTO](t, rec)
	require.Len(t, renewals, 1)

	path := fmt.Sprintf("/api/services/%s/renewals/%s/receipt.pdf", bought.Service.ID, renewals[0].ID)
	rec = f.do(t, call{method: http.MethodGet, path: path, token: tok})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), ".pdf")
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF-")))

	// THEN another customer cannot fetch it
	rec = f.do(t, call{method: http.MethodGet, path: path, token: f.token(t, "acc-2", "")})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWalletTransactions(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "acc-1", "")
	f.topUp(t, "acc-1", "50.00")
	f.purchase(t, tok, "starter", false)

	rec := f.do(t, call{method: http.MethodGet, path: "/api/wallet/transactions?limit=10", token: tok})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]api.WalletTransactionDTO](t, rec), 2)
}

// =============================================================================
// ADMIN
// =============================================================================

func TestAdmin_SettingsUpdate(t *testing.T) {
	f := newFixture(t)
	admin := f.token(t, "admin-1", api.RoleAdmin)

	// WHEN settings with a zero field are submitted
	bad := eko.DefaultSettings()
	bad.PointsToPlantTree = 0
	rec := f.do(t, call{method: http.MethodPut, path: "/api/admin/eko/settings", token: admin, body: bad})
	// THEN they are refused and the old settings stay
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_configuration", errorCode(t, rec))
	assert.Equal(t, int64(1000), f.points.Settings().Current().PointsToPlantTree)

	// WHEN valid settings are submitted
	good := eko.DefaultSettings()
	good.PointsToPlantTree = 500
	rec = f.do(t, call{method: http.MethodPut, path: "/api/admin/eko/settings", token: admin, body: good})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN tree progress uses them immediately
	f.grant(t, "acc-1", 1250)
	rec = f.do(t, call{method: http.MethodGet, path: "/api/eko/summary", token: f.token(t, "acc-1", "")})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(2), decode[api.EkoSummaryDTO](t, rec).TreesPlanted)
}

func TestAdmin_AdjustAndAudit(t *testing.T) {
	f := newFixture(t)
	admin := f.token(t, "admin-1", api.RoleAdmin)

	rec := f.do(t, call{method: http.MethodPost, path: "/api/admin/eko/accounts/acc-1/adjust", token: admin,
		body: api.AdjustRequest{Delta: 300, Reason: "support goodwill"}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	entry := decode[api.EkoEntryDTO](t, rec)
	assert.Equal(t, "admin-1", entry.CreatedBy)

	// WHEN a debit would go negative
	rec = f.do(t, call{method: http.MethodPost, path: "/api/admin/eko/accounts/acc-1/adjust", token: admin,
		body: api.AdjustRequest{Delta: -301, Reason: "clawback"}})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// WHEN the reason is missing
	rec = f.do(t, call{method: http.MethodPost, path: "/api/admin/eko/accounts/acc-1/adjust", token: admin,
		body: api.AdjustRequest{Delta: 10}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	for _, path := range []string{"/api/admin/eko/accounts/acc-1/audit", "/api/admin/eko/accounts/acc-1/repair"} {
		method := http.MethodGet
		if strings.HasSuffix(path, "repair") {
			method = http.MethodPost
		}
		rec = f.do(t, call{method: method, path: path, token: admin})
		require.Equal(t, http.StatusOK, rec.Code, path)
		audit := decode[api.AuditDTO](t, rec)
		assert.True(t, audit.Consistent, path)
		assert.Equal(t, "300", audit.Counter, path)
		assert.Equal(t, 1, audit.Entries, path)
	}
}

func TestAdmin_PlanLifecycle(t *testing.T) {
	f := newFixture(t)
	admin := f.token(t, "admin-1", api.RoleAdmin)
	yearly := decimal.RequireFromString("90.00")

	// WHEN a hidden plan is created
	rec := f.do(t, call{method: http.MethodPost, path: "/api/admin/plans", token: admin, body: api.PlanRequest{
		ID: "internal", Name: "Internal", MonthlyPrice: decimal.RequireFromString("9.00"), YearlyPrice: &yearly,
		CPU: 1, RAMMB: 512, DiskGB: 10, TransferGB: 100,
	}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// THEN only admins see it
	rec = f.do(t, call{method: http.MethodGet, path: "/api/plans"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]api.PlanDTO](t, rec), 2)
	rec = f.do(t, call{method: http.MethodGet, path: "/api/admin/plans", token: admin})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]api.PlanDTO](t, rec), 3)

	// WHEN it is published
	rec = f.do(t, call{method: http.MethodPut, path: "/api/admin/plans/internal", token: admin, body: api.PlanRequest{
		Name: "Internal", MonthlyPrice: decimal.RequireFromString("9.00"), YearlyPrice: &yearly,
		CPU: 1, RAMMB: 512, DiskGB: 10, TransferGB: 100, IsPublic: true,
	}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[api.PlanDTO](t, rec).IsPublic)

	// THEN an unused plan can be deleted
	rec = f.do(t, call{method: http.MethodDelete, path: "/api/admin/plans/internal", token: admin})
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAdmin_DeletePlanInUse(t *testing.T) {
	f := newFixture(t)
	f.topUp(t, "acc-1", "50.00")
	f.purchase(t, f.token(t, "acc-1", ""), "starter", false)

	rec := f.do(t, call{method: http.MethodDelete, path: "/api/admin/plans/starter", token: f.token(t, "admin-1", api.RoleAdmin)})

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "plan_in_use", errorCode(t, rec))
}

func TestAdmin_CancelEndsSubscription(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "acc-1", "")
	admin := f.token(t, "admin-1", api.RoleAdmin)
	f.topUp(t, "acc-1", "100.00")
	bought := f.purchase(t, tok, "pro", false)
	_, err := f.lifecycle.AttachSubscription(context.Background(), bought.Service.ID, "sub_1")
	require.NoError(t, err)

	// WHEN the reason is missing
	rec := f.do(t, call{method: http.MethodPost, path: "/api/admin/services/" + bought.Service.ID + "/cancel", token: admin,
		body: api.CancelRequest{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// WHEN an admin cancels with a reason
	rec = f.do(t, call{method: http.MethodPost, path: "/api/admin/services/" + bought.Service.ID + "/cancel", token: admin,
		body: api.CancelRequest{Reason: "abuse"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[api.ServiceDTO](t, rec)
	assert.Equal(t, "cancelled", got.Status)
	assert.Equal(t, "abuse", got.CancelReason)
	assert.Equal(t, []string{"sub_1"}, f.gateway.cancelled)

	// THEN the customer can no longer change it
	rec = f.do(t, call{method: http.MethodPatch, path: "/api/services/" + bought.Service.ID + "/toggle-renew", token: tok})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "service_cancelled", errorCode(t, rec))

	// AND admins can filter by status
	rec = f.do(t, call{method: http.MethodGet, path: "/api/admin/services?status=cancelled", token: admin})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]api.ServiceDTO](t, rec), 1)
}

func TestAdmin_SweepRenewsDueServices(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "acc-1", "")
	f.topUp(t, "acc-1", "50.00")
	bought := f.purchase(t, tok, "starter", true)

	svc, err := f.lifecycle.Service(context.Background(), bought.Service.ID, "")
	require.NoError(t, err)
	f.clock.Set(svc.ExpiresAt().Add(-time.Hour))

	rec := f.do(t, call{method: http.MethodPost, path: "/api/admin/sweep", token: f.token(t, "admin-1", api.RoleAdmin)})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[api.SweepDTO](t, rec)
	require.Len(t, report.Renewed, 1)
	assert.Equal(t, bought.Service.ID, report.Renewed[0].ServiceID)
	assert.Empty(t, report.Failed)
}

// =============================================================================
// PUBLIC ROUTES
// =============================================================================

func TestBadge(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "acc-1", 2300)

	rec := f.do(t, call{method: http.MethodGet, path: "/eko/badge.js?userId=acc-1"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/javascript")
	assert.Contains(t, rec.Body.String(), `"treesPlanted":2`)
	assert.Contains(t, rec.Body.String(), `"https://panel.example.com/eko"`)

	rec = f.do(t, call{method: http.MethodGet, path: "/eko/badge.js"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBadge_EscapesAccountData(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, call{method: http.MethodGet, path: "/eko/badge.js?userId=%3C%2Fscript%3E"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "</script>")
	assert.Contains(t, rec.Body.String(), `"treesPlanted":0`)
}

func TestWebhookRouteIsPublic(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, call{method: http.MethodPost, path: "/api/webhooks/stripe", body: map[string]string{}})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.webhooks)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	f.topUp(t, "acc-1", "50.00")
	f.purchase(t, f.token(t, "acc-1", ""), "starter", false)

	rec := f.do(t, call{method: http.MethodGet, path: "/healthz"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, call{method: http.MethodGet, path: "/metrics"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hosting_lifecycle_transitions_total")
	assert.Contains(t, rec.Body.String(), "hosting_eko_points_granted_total")
}
