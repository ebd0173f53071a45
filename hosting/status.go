package hosting

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrConflictingBillingMode is returned when wallet auto-renew and a
	// recurring subscription would both fund the same service.
	ErrConflictingBillingMode = errors.New("conflicting billing mode")

	// ErrPaymentFailed is returned when a renewal payment did not settle.
	// The service keeps its status.
	ErrPaymentFailed = errors.New("payment failed")

	// ErrServiceCancelled is returned for any change to a cancelled service.
	ErrServiceCancelled = errors.New("service is cancelled")

	// ErrAlreadyRenewed is returned when a payment reference was applied
	// before. Benign.
	ErrAlreadyRenewed = errors.New("payment already applied")

	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotFound          = errors.New("not found")
	ErrPlanInUse         = errors.New("plan is referenced by services")
	ErrCycleUnavailable  = errors.New("billing cycle not offered by plan")
	ErrInvalidPlan       = errors.New("invalid plan")
	ErrInvalidCycle      = errors.New("invalid billing cycle")
	ErrInvalidStatus     = errors.New("invalid service status")
)

// =============================================================================
// STATUS
// =============================================================================

type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusCancelled Status = "cancelled"
)

func (s Status) String() string {
	return string(s)
}

// CanTransitionTo reports whether target is reachable from s.
// cancelled is terminal.
func (s Status) CanTransitionTo(target Status) bool {
	transitions := map[Status][]Status{
		StatusActive:    {StatusActive, StatusSuspended, StatusCancelled},
		StatusSuspended: {StatusActive, StatusCancelled},
		StatusCancelled: {},
	}

	allowed, exists := transitions[s]
	if !exists {
		return false
	}
	for _, a := range allowed {
		if a == target {
			return true
		}
	}
	return false
}

var ValidStatuses = map[Status]bool{
	StatusActive:    true,
	StatusSuspended: true,
	StatusCancelled: true,
}

func ParseStatus(value string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(value)))
	if !ValidStatuses[s] {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, value)
	}
	return s, nil
}
