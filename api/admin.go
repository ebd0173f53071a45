package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/warp/hosting-engine/eko"
	"github.com/warp/hosting-engine/hosting"
)

// Admin endpoints, all behind RequireAdmin:
//
//	GET    /api/admin/eko/settings
//	PUT    /api/admin/eko/settings
//	POST   /api/admin/eko/accounts/{accountId}/adjust
//	GET    /api/admin/eko/accounts/{accountId}/audit
//	POST   /api/admin/eko/accounts/{accountId}/repair
//	GET    /api/admin/plans
//	POST   /api/admin/plans
//	PUT    /api/admin/plans/{id}
//	DELETE /api/admin/plans/{id}
//	GET    /api/admin/services?ownerId=&status=
//	POST   /api/admin/services/{id}/cancel
//	POST   /api/admin/sweep

// =============================================================================
// EKO ADMIN
// =============================================================================

func (h *Handler) GetEkoSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Points.Settings().Current())
}

// UpdateEkoSettings replaces EkoGlobalSettings. Invalid values leave the
// previous settings in effect.
func (h *Handler) UpdateEkoSettings(w http.ResponseWriter, r *http.Request) {
	var req eko.Settings
	if err := decodeJSON(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	updated, err := h.Points.Settings().Update(r.Context(), req)
	if err != nil {
		fail(w, r, err)
		return
	}
	log.Info().Str("actor", caller(r).AccountID).Interface("settings", updated).Msg("EKO settings updated")
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) AdjustPoints(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if err := decodeJSON(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	accountID := chi.URLParam(r, "accountId")
	actor := caller(r).AccountID
	entry, err := h.Points.Adjust(r.Context(), accountID, req.Delta, strings.TrimSpace(req.Reason), actor)
	if err != nil {
		fail(w, r, err)
		return
	}
	log.Info().
		Str("actor", actor).
		Str("account_id", accountID).
		Int64("delta", req.Delta).
		Str("reason", entry.Reason).
		Msg("EKO points adjusted")
	writeJSON(w, http.StatusCreated, toEntryDTO(entry))
}

func (h *Handler) AuditPoints(w http.ResponseWriter, r *http.Request) {
	audit, err := h.Points.Audit(r.Context(), chi.URLParam(r, "accountId"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditDTO(audit))
}

// RepairPoints rewrites the balance counter from the ledger replay.
func (h *Handler) RepairPoints(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")
	audit, err := h.Points.Repair(r.Context(), accountID)
	if err != nil {
		fail(w, r, err)
		return
	}
	if !audit.Consistent() {
		log.Warn().
			Str("account_id", accountID).
			Str("counter", audit.Counter.String()).
			Str("replayed", audit.Replayed.String()).
			Msg("EKO balance counter repaired")
	}
	writeJSON(w, http.StatusOK, toAuditDTO(audit))
}

// =============================================================================
// PLAN ADMIN
// =============================================================================

func (h *Handler) ListAllPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.Catalog.List(r.Context(), false)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPlanDTOs(plans))
}

func (h *Handler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var req PlanRequest
	if err := decodeJSON(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	plan, err := h.Catalog.Create(r.Context(), req.toPlan())
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPlanDTO(plan))
}

func (h *Handler) UpdatePlan(w http.ResponseWriter, r *http.Request) {
	var req PlanRequest
	if err := decodeJSON(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	req.ID = chi.URLParam(r, "id")
	plan, err := h.Catalog.Update(r.Context(), req.toPlan())
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPlanDTO(plan))
}

// DeletePlan refuses plans still referenced by services.
func (h *Handler) DeletePlan(w http.ResponseWriter, r *http.Request) {
	if err := h.Catalog.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// SERVICE ADMIN
// =============================================================================

func (h *Handler) ListAllServices(w http.ResponseWriter, r *http.Request) {
	f := hosting.ServiceFilter{
		OwnerID: r.URL.Query().Get("ownerId"),
		Page:    queryPage(r),
	}
	if s := r.URL.Query().Get("status"); s != "" {
		status, err := hosting.ParseStatus(s)
		if err != nil {
			fail(w, r, err)
			return
		}
		f.Status = status
	}
	services, err := h.Lifecycle.Services(r.Context(), f)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toServiceDTOs(services))
}

// CancelService cancels terminally and ends the gateway subscription, if any.
// A gateway failure is logged; the service stays cancelled.
func (h *Handler) CancelService(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := decodeJSON(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		fail(w, r, fmt.Errorf("%w: reason is required", errBadRequest))
		return
	}
	version, err := expectedVersion(r)
	if err != nil {
		fail(w, r, err)
		return
	}

	svc, err := h.Lifecycle.Cancel(r.Context(), chi.URLParam(r, "id"), strings.TrimSpace(req.Reason), version)
	if err != nil {
		fail(w, r, err)
		return
	}

	logger := log.With().Str("actor", caller(r).AccountID).Str("service_id", svc.ID()).Logger()
	if ref := svc.SubscriptionRef(); ref != "" && h.Gateway != nil {
		if err := h.Gateway.CancelSubscription(r.Context(), ref); err != nil {
			logger.Warn().Err(err).Str("subscription_ref", ref).Msg("Gateway subscription cancel failed")
		}
	}
	logger.Info().Str("reason", svc.CancelReason()).Msg("Service cancelled")

	setETag(w, svc)
	writeJSON(w, http.StatusOK, toServiceDTO(svc))
}

// RunSweep runs one renewal and expiry pass now.
func (h *Handler) RunSweep(w http.ResponseWriter, r *http.Request) {
	var (
		report hosting.SweepReport
		err    error
	)
	if h.Scheduler != nil {
		report, err = h.Scheduler.RunNow(r.Context())
	} else {
		report, err = h.Lifecycle.Sweep(r.Context(), 24*time.Hour)
	}
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSweepDTO(report))
}
