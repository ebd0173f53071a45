/*
handlers.go - HTTP API handlers for the hosting panel core

PURPOSE:
  Exposes the EKO program, the service lifecycle, the wallet and the
  admin operations via REST API. Handles HTTP request/response, JSON
  serialization, and delegates to domain logic.

ENDPOINTS (customer, bearer token):
  EKO:
    GET    /api/eko/summary                 Points, tree progress, history
    POST   /api/eko/redeem                  Points to wallet credit
    POST   /api/eko/actions                 Behavior trigger (2FA, dark mode)

  Services (services.go):
    GET    /api/services                    Own services
    POST   /api/services                    Purchase from the wallet
    GET    /api/services/{id}               One service (ETag = version)
    PUT    /api/services/{id}/auto-renew    Set wallet auto-renew
    PATCH  /api/services/{id}/toggle-renew  Flip wallet auto-renew
    POST   /api/services/{id}/subscription  Recurring subscription checkout
    POST   /api/services/{id}/renew         One-off renewal checkout
    GET    /api/services/{id}/renewals      Renewal history
    GET    /api/services/{id}/renewals/{renewalId}/receipt.pdf

  Wallet (services.go):
    GET    /api/wallet                      Balance
    GET    /api/wallet/transactions         History
    POST   /api/wallet/top-up               Top-up checkout

ENDPOINTS (public):
  GET    /eko/badge.js?userId=              Embeddable tree badge
  POST   /api/webhooks/stripe               Signed gateway events
  GET    /api/plans                         Public plans

ENDPOINTS (admin): see admin.go

ERROR HANDLING:
  Errors are returned as JSON {"error","code","details"}; see errors.go
  for the status of every domain error kind.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/warp/hosting-engine/eko"
	"github.com/warp/hosting-engine/hosting"
	"github.com/warp/hosting-engine/payment"
	"github.com/warp/hosting-engine/wallet"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Points    *eko.Ledger
	Lifecycle *hosting.Lifecycle
	Catalog   *hosting.Catalog
	Wallet    *wallet.Wallet

	// Gateway may be nil; checkout endpoints then answer 503.
	Gateway payment.Gateway

	// Scheduler serves POST /api/admin/sweep.
	Scheduler *RenewalScheduler

	Issuer   string
	Currency string

	// PublicURL is the panel address the badge links to.
	PublicURL string
}

// NewHandler creates a new handler with the given dependencies.
func NewHandler(points *eko.Ledger, lifecycle *hosting.Lifecycle, catalog *hosting.Catalog, w *wallet.Wallet) *Handler {
	return &Handler{
		Points:    points,
		Lifecycle: lifecycle,
		Catalog:   catalog,
		Wallet:    w,
		Issuer:    "Hosting Panel",
		Currency:  "PLN",
	}
}

func caller(r *http.Request) Principal {
	p, _ := PrincipalFrom(r.Context())
	return p
}

// =============================================================================
// EKO HANDLERS
// =============================================================================

// GetEkoSummary returns the caller's points dashboard.
func (h *Handler) GetEkoSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Points.Summary(r.Context(), caller(r).AccountID, queryPage(r))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(summary))
}

// Redeem converts points into wallet credit.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if err := decodeJSON(r, &req); err != nil {
		fail(w, r, err)
		return
	}

	accountID := caller(r).AccountID
	red, err := h.Points.Redeem(r.Context(), accountID, req.Points)
	if err != nil {
		Redemptions.WithLabelValues(redemptionOutcome(err)).Inc()
		fail(w, r, err)
		return
	}
	Redemptions.WithLabelValues("ok").Inc()

	log.Info().
		Str("account_id", accountID).
		Int64("points", req.Points).
		Str("credited", red.CreditedAmount.StringFixed(2)).
		Msg("EKO points redeemed")

	writeJSON(w, http.StatusOK, RedemptionDTO{
		PointsRedeemed:   req.Points,
		CreditedAmount:   red.CreditedAmount.StringFixed(2),
		NewPointsBalance: red.NewPointsBalance,
		Transaction:      toWalletTxDTO(red.WalletTx),
	})
}

func redemptionOutcome(err error) string {
	switch {
	case errors.Is(err, eko.ErrInsufficientPoints):
		return "insufficient_points"
	case errors.Is(err, eko.ErrRedemptionTooSmall):
		return "too_small"
	}
	return "error"
}

// RecordAction grants a customer-raised behavior bonus. A bonus granted
// before answers 200 with the original entry.
func (h *Handler) RecordAction(w http.ResponseWriter, r *http.Request) {
	var req ActionRequest
	if err := decodeJSON(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	action, err := eko.ParseAction(req.ActionType)
	if err != nil {
		fail(w, r, err)
		return
	}
	if !action.Triggerable() {
		fail(w, r, fmt.Errorf("%w: %s cannot be raised by customers", eko.ErrInvalidAccrual, action))
		return
	}

	accountID := caller(r).AccountID
	entry, err := h.Points.RecordAccrual(r.Context(), eko.Accrual{AccountID: accountID, Action: action})
	already := errors.Is(err, eko.ErrAlreadyGranted)
	if err != nil && !already {
		fail(w, r, err)
		return
	}

	status := http.StatusCreated
	if already {
		status = http.StatusOK
	} else {
		log.Info().Str("account_id", accountID).Str("action", string(action)).Int64("points", entry.Points).Msg("EKO bonus granted")
	}
	writeJSON(w, status, ActionResultDTO{Entry: toEntryDTO(entry), AlreadyGranted: already})
}

// =============================================================================
// BADGE
// =============================================================================

const badgeScript = `(function () {
  var data = %s;
  var el = document.createElement("a");
  el.href = %s;
  el.target = "_blank";
  el.rel = "noopener";
  el.textContent = "🌳 " + data.treesPlanted + " " + (data.treesPlanted === 1 ? "tree" : "trees") + " planted";
  el.setAttribute("data-eko-stage", data.stage);
  el.style.cssText = "display:inline-block;padding:6px 12px;border-radius:16px;background:#166534;color:#fff;font:600 13px system-ui,sans-serif;text-decoration:none";
  var me = document.currentScript;
  if (me && me.parentNode) { me.parentNode.insertBefore(el, me.nextSibling); } else { document.body.appendChild(el); }
})();
`

// GetBadge serves the public badge script for ?userId=.
func (h *Handler) GetBadge(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/javascript; charset=utf-8")

	accountID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if accountID == "" {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, "/* userId is required */\n")
		return
	}

	badge, err := h.Points.Badge(r.Context(), accountID)
	if err != nil {
		log.Error().Err(err).Str("account_id", accountID).Msg("badge lookup failed")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "/* badge unavailable */\n")
		return
	}

	// json.Marshal escapes <, > and & so the values are safe inside a script.
	data, _ := json.Marshal(map[string]any{
		"treesPlanted": badge.TreesPlanted,
		"stage":        badge.Stage.String(),
	})
	link, _ := json.Marshal(strings.TrimRight(h.PublicURL, "/") + "/eko")

	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int((5*time.Minute).Seconds())))
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, badgeScript, data, link)
}
