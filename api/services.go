package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/warp/hosting-engine/hosting"
	"github.com/warp/hosting-engine/invoice"
	"github.com/warp/hosting-engine/payment"
)

// =============================================================================
// PLAN HANDLERS
// =============================================================================

// ListPublicPlans returns the plans offered to customers.
func (h *Handler) ListPublicPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.Catalog.List(r.Context(), true)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPlanDTOs(plans))
}

// =============================================================================
// SERVICE HANDLERS
// =============================================================================

// ListServices returns the caller's services.
func (h *Handler) ListServices(w http.ResponseWriter, r *http.Request) {
	services, err := h.Lifecycle.Services(r.Context(), hosting.ServiceFilter{
		OwnerID: caller(r).AccountID,
		Page:    queryPage(r),
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toServiceDTOs(services))
}

// PurchaseService pays the first cycle from the wallet and provisions.
func (h *Handler) PurchaseService(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if err := decodeJSON(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	cycle, err := hosting.ParseBillingCycle(req.BillingCycle)
	if err != nil {
		fail(w, r, err)
		return
	}

	accountID := caller(r).AccountID
	svc, renewal, err := h.Lifecycle.Purchase(r.Context(), hosting.PurchaseRequest{
		OwnerID:   accountID,
		PlanID:    req.PlanID,
		Cycle:     cycle,
		AutoRenew: req.AutoRenew,
	})
	if err != nil {
		fail(w, r, err)
		return
	}

	log.Info().
		Str("account_id", accountID).
		Str("service_id", svc.ID()).
		Str("plan_id", svc.PlanID()).
		Str("amount", renewal.Amount.StringFixed(2)).
		Msg("Service purchased")

	setETag(w, svc)
	writeJSON(w, http.StatusCreated, PurchaseResponse{
		Service: toServiceDTO(svc),
		Renewal: toRenewalDTO(renewal),
	})
}

// GetService returns one of the caller's services.
func (h *Handler) GetService(w http.ResponseWriter, r *http.Request) {
	svc, err := h.Lifecycle.Service(r.Context(), chi.URLParam(r, "id"), caller(r).AccountID)
	if err != nil {
		fail(w, r, err)
		return
	}
	setETag(w, svc)
	writeJSON(w, http.StatusOK, toServiceDTO(svc))
}

// SetAutoRenew switches wallet auto-renew on or off.
func (h *Handler) SetAutoRenew(w http.ResponseWriter, r *http.Request) {
	var req AutoRenewRequest
	if err := decodeJSON(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	version, err := expectedVersion(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	svc, err := h.Lifecycle.SetAutoRenew(r.Context(), hosting.AutoRenewCommand{
		ServiceID:       chi.URLParam(r, "id"),
		OwnerID:         caller(r).AccountID,
		Enabled:         req.Enabled,
		ExpectedVersion: version,
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	setETag(w, svc)
	writeJSON(w, http.StatusOK, toServiceDTO(svc))
}

// ToggleAutoRenew flips wallet auto-renew.
func (h *Handler) ToggleAutoRenew(w http.ResponseWriter, r *http.Request) {
	version, err := expectedVersion(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	svc, err := h.Lifecycle.ToggleAutoRenew(r.Context(), chi.URLParam(r, "id"), caller(r).AccountID, version)
	if err != nil {
		fail(w, r, err)
		return
	}
	setETag(w, svc)
	writeJSON(w, http.StatusOK, toServiceDTO(svc))
}

// StartSubscription opens a recurring subscription checkout. The service
// switches modes when the gateway confirms the subscription.
func (h *Handler) StartSubscription(w http.ResponseWriter, r *http.Request) {
	if h.Gateway == nil {
		fail(w, r, errGatewayDisabled)
		return
	}
	svc, plan, err := h.serviceAndPlan(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	if err := svc.CanSwitchTo(hosting.ModeRecurringSubscription); err != nil {
		fail(w, r, err)
		return
	}
	priceID, err := plan.GatewayPriceFor(svc.Cycle())
	if err != nil {
		fail(w, r, err)
		return
	}

	session, err := h.Gateway.StartCheckout(r.Context(), payment.CheckoutRequest{
		AccountID:   svc.OwnerID(),
		ServiceID:   svc.ID(),
		Purpose:     payment.PurposeSubscription,
		PriceID:     priceID,
		Description: plan.Name,
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

// StartRenewal opens a one-off checkout for one cycle.
func (h *Handler) StartRenewal(w http.ResponseWriter, r *http.Request) {
	if h.Gateway == nil {
		fail(w, r, errGatewayDisabled)
		return
	}
	svc, plan, err := h.serviceAndPlan(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	if svc.Status() == hosting.StatusCancelled {
		fail(w, r, hosting.ErrServiceCancelled)
		return
	}
	price, err := plan.PriceFor(svc.Cycle())
	if err != nil {
		fail(w, r, err)
		return
	}

	session, err := h.Gateway.StartCheckout(r.Context(), payment.CheckoutRequest{
		AccountID:   svc.OwnerID(),
		ServiceID:   svc.ID(),
		Purpose:     payment.PurposeRenewal,
		Amount:      price,
		Description: fmt.Sprintf("Renewal of %s (%s)", plan.Name, svc.Cycle()),
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (h *Handler) serviceAndPlan(r *http.Request) (*hosting.Service, hosting.Plan, error) {
	svc, err := h.Lifecycle.Service(r.Context(), chi.URLParam(r, "id"), caller(r).AccountID)
	if err != nil {
		return nil, hosting.Plan{}, err
	}
	plan, err := h.Catalog.Get(r.Context(), svc.PlanID())
	if err != nil {
		return nil, hosting.Plan{}, err
	}
	return svc, plan, nil
}

// ListRenewals returns the renewal history of a service.
func (h *Handler) ListRenewals(w http.ResponseWriter, r *http.Request) {
	renewals, err := h.Lifecycle.Renewals(r.Context(), chi.URLParam(r, "id"), caller(r).AccountID)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRenewalDTOs(renewals))
}

// GetReceipt renders the PDF receipt of one renewal.
func (h *Handler) GetReceipt(w http.ResponseWriter, r *http.Request) {
	renewal, err := h.Lifecycle.Renewal(r.Context(), chi.URLParam(r, "renewalId"), caller(r).AccountID)
	if err != nil {
		fail(w, r, err)
		return
	}
	if renewal.ServiceID != chi.URLParam(r, "id") {
		fail(w, r, fmt.Errorf("renewal %s: %w", renewal.ID, hosting.ErrNotFound))
		return
	}

	planName := "Hosting"
	svc, err := h.Lifecycle.Service(r.Context(), renewal.ServiceID, "")
	if err == nil {
		if plan, err := h.Catalog.Get(r.Context(), svc.PlanID()); err == nil {
			planName = plan.Name
		}
	}

	receipt := invoice.Receipt{
		Issuer:   h.Issuer,
		Currency: h.Currency,
		Renewal:  renewal,
		PlanName: planName,
		IssuedAt: renewal.CreatedAt,
	}
	pdf, err := invoice.Render(receipt)
	if err != nil {
		fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.pdf"`, receipt.Number()))
	w.Header().Set("Content-Length", strconv.Itoa(len(pdf)))
	w.WriteHeader(http.StatusOK)
	if _, err := bytes.NewReader(pdf).WriteTo(w); err != nil {
		log.Debug().Err(err).Msg("write receipt")
	}
}

// =============================================================================
// WALLET HANDLERS
// =============================================================================

// GetWallet returns the caller's wallet balance.
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	balance, err := h.Wallet.Balance(r.Context(), caller(r).AccountID)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, WalletBalanceDTO{Balance: balance.StringFixed(2), Currency: h.Currency})
}

// ListWalletTransactions returns the caller's wallet history.
func (h *Handler) ListWalletTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.Wallet.Transactions(r.Context(), caller(r).AccountID, queryPage(r))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletTxDTOs(txs))
}

// StartTopUp opens a wallet top-up checkout. The wallet is credited when the
// gateway reports the payment.
func (h *Handler) StartTopUp(w http.ResponseWriter, r *http.Request) {
	if h.Gateway == nil {
		fail(w, r, errGatewayDisabled)
		return
	}
	var req TopUpRequest
	if err := decodeJSON(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	session, err := h.Gateway.StartCheckout(r.Context(), payment.CheckoutRequest{
		AccountID:   caller(r).AccountID,
		Purpose:     payment.PurposeTopUp,
		Amount:      req.Amount,
		Description: "Wallet top-up",
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}
