package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/warp/hosting-engine/eko"
	"github.com/warp/hosting-engine/generic"
	"github.com/warp/hosting-engine/hosting"
	"github.com/warp/hosting-engine/payment"
	"github.com/warp/hosting-engine/wallet"
)

var (
	errBadRequest          = errors.New("bad request")
	errGatewayDisabled     = errors.New("payment gateway is not configured")
	errInvalidPrecondition = errors.New("If-Match must be a service version")
)

// errorKinds maps a domain error to a status and a stable code. Order matters:
// ErrPaymentFailed wraps wallet.ErrInsufficientFunds.
var errorKinds = []struct {
	target error
	status int
	code   string
}{
	{hosting.ErrPaymentFailed, http.StatusPaymentRequired, "payment_failed"},
	{eko.ErrInsufficientPoints, http.StatusUnprocessableEntity, "insufficient_points"},
	{wallet.ErrInsufficientFunds, http.StatusUnprocessableEntity, "insufficient_funds"},
	{hosting.ErrConflictingBillingMode, http.StatusConflict, "conflicting_billing_mode"},
	{generic.ErrConcurrentModification, http.StatusConflict, "concurrency_conflict"},
	{hosting.ErrServiceCancelled, http.StatusConflict, "service_cancelled"},
	{hosting.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{hosting.ErrPlanInUse, http.StatusConflict, "plan_in_use"},
	{hosting.ErrNotFound, http.StatusNotFound, "not_found"},
	{generic.ErrEntityNotFound, http.StatusNotFound, "not_found"},
	{eko.ErrInvalidConfiguration, http.StatusBadRequest, "invalid_configuration"},
	{eko.ErrRedemptionTooSmall, http.StatusBadRequest, "redemption_too_small"},
	{eko.ErrUnknownAction, http.StatusBadRequest, "unknown_action"},
	{eko.ErrInvalidAccrual, http.StatusBadRequest, "invalid_accrual"},
	{eko.ErrInvalidAdjustment, http.StatusBadRequest, "invalid_adjustment"},
	{hosting.ErrInvalidPlan, http.StatusBadRequest, "invalid_plan"},
	{hosting.ErrInvalidCycle, http.StatusBadRequest, "invalid_cycle"},
	{hosting.ErrInvalidStatus, http.StatusBadRequest, "invalid_status"},
	{hosting.ErrCycleUnavailable, http.StatusBadRequest, "cycle_unavailable"},
	{wallet.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{payment.ErrUnsupportedPurpose, http.StatusBadRequest, "unsupported_purpose"},
	{errInvalidPrecondition, http.StatusBadRequest, "invalid_precondition"},
	{errBadRequest, http.StatusBadRequest, "bad_request"},
	{errGatewayDisabled, http.StatusServiceUnavailable, "gateway_unavailable"},
}

func classify(err error) (int, string) {
	for _, k := range errorKinds {
		if errors.Is(err, k.target) {
			return k.status, k.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Debug().Err(err).Msg("write response")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// fail writes err with the status of its kind. Internal errors are logged
// and their details withheld.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("request failed")
		writeError(w, status, code, http.StatusText(status), nil)
		return
	}
	writeError(w, status, code, message(code), err)
}

func message(code string) string {
	s := strings.ReplaceAll(code, "_", " ")
	return strings.ToUpper(s[:1]) + s[1:]
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

// expectedVersion reads If-Match. A missing header skips the check.
func expectedVersion(r *http.Request) (int, error) {
	v := strings.TrimSpace(r.Header.Get("If-Match"))
	if v == "" || v == "*" {
		return 0, nil
	}
	v = strings.Trim(strings.TrimPrefix(v, "W/"), `"`)
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errInvalidPrecondition
	}
	return n, nil
}

func setETag(w http.ResponseWriter, s *hosting.Service) {
	w.Header().Set("ETag", strconv.Quote(strconv.Itoa(s.Version())))
}

func queryPage(r *http.Request) generic.Page {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	return generic.Page{Limit: limit, Offset: offset}.Normalize()
}
