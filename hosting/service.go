/*
Package hosting implements the hosting service lifecycle.

PURPOSE:
  A Service is the customer's purchased instance of a Plan. Its status,
  expiration date and renewal mode are driven by payment events (gateway
  webhooks, wallet auto-renewals) and by owner and administrator actions.

STATE MACHINE:
  active    --expiresAt passed, no renewal-->  suspended
  active    --successful renewal------------>  active     (expiresAt += cycle)
  suspended --successful renewal------------>  active     (expiresAt = now + cycle)

BILLING DAY:
  Periods land on the day of month the service started (or was revived
  after a lapse), clamped in short months: Jan 31, Feb 28, Mar 31.
  any       --administrative cancel--------->  cancelled  (terminal)

RENEWAL MODES (billing.go):
  wallet-auto-renew:       autoRenew=true,  subscriptionRef=""
  manual-one-off:          autoRenew=false, subscriptionRef=""
  recurring-subscription:  autoRenew=false, subscriptionRef!=""

CONCURRENCY:
  The aggregate carries the persisted version. Mutations never bump it; the
  repository writes WHERE version = loaded and increments, so two writers
  starting from the same state cannot both commit.

SEE ALSO:
  - lifecycle.go: Orchestrates transitions with points and wallet side effects
  - repository.go: Persistence contracts
*/
package hosting

import (
	"fmt"
	"time"

	"github.com/warp/hosting-engine/generic"
)

func init() {
	generic.RegisterBenign(ErrAlreadyRenewed)
}

// Service is the aggregate root of the lifecycle.
type Service struct {
	id              string
	ownerID         string
	planID          string
	status          Status
	cycle           BillingCycle
	expiresAt       time.Time
	billingDay      int
	autoRenew       bool
	subscriptionRef string
	cancelledAt     *time.Time
	cancelReason    string
	version         int
	createdAt       time.Time
	updatedAt       time.Time
}

// NewService provisions a service: it enters active immediately and runs
// for one cycle from now.
func NewService(id, ownerID, planID string, cycle BillingCycle, now time.Time) (*Service, error) {
	if id == "" {
		return nil, fmt.Errorf("service ID is required")
	}
	if ownerID == "" {
		return nil, fmt.Errorf("owner ID is required")
	}
	if planID == "" {
		return nil, fmt.Errorf("plan ID is required")
	}
	if !cycle.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCycle, cycle)
	}

	return &Service{
		id:         id,
		ownerID:    ownerID,
		planID:     planID,
		status:     StatusActive,
		cycle:      cycle,
		expiresAt:  cycle.Advance(now),
		billingDay: now.Day(),
		createdAt:  now,
		updatedAt:  now,
	}, nil
}

// ReconstructService rebuilds a service from persistence.
func ReconstructService(
	id, ownerID, planID string,
	status Status,
	cycle BillingCycle,
	expiresAt time.Time,
	billingDay int,
	autoRenew bool,
	subscriptionRef string,
	cancelledAt *time.Time,
	cancelReason string,
	version int,
	createdAt, updatedAt time.Time,
) (*Service, error) {
	if id == "" {
		return nil, fmt.Errorf("service ID cannot be empty")
	}
	if !ValidStatuses[status] {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if !cycle.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCycle, cycle)
	}
	if autoRenew && subscriptionRef != "" {
		return nil, fmt.Errorf("%w: service %s stored with both modes", ErrConflictingBillingMode, id)
	}
	if billingDay < 1 || billingDay > 31 {
		billingDay = expiresAt.Day()
	}

	return &Service{
		id:              id,
		ownerID:         ownerID,
		planID:          planID,
		status:          status,
		cycle:           cycle,
		expiresAt:       expiresAt,
		billingDay:      billingDay,
		autoRenew:       autoRenew,
		subscriptionRef: subscriptionRef,
		cancelledAt:     cancelledAt,
		cancelReason:    cancelReason,
		version:         version,
		createdAt:       createdAt,
		updatedAt:       updatedAt,
	}, nil
}

func (s *Service) ID() string              { return s.id }
func (s *Service) OwnerID() string         { return s.ownerID }
func (s *Service) PlanID() string          { return s.planID }
func (s *Service) Status() Status          { return s.status }
func (s *Service) Cycle() BillingCycle     { return s.cycle }
func (s *Service) ExpiresAt() time.Time    { return s.expiresAt }
func (s *Service) BillingDay() int         { return s.billingDay }
func (s *Service) AutoRenew() bool         { return s.autoRenew }
func (s *Service) SubscriptionRef() string { return s.subscriptionRef }
func (s *Service) CancelledAt() *time.Time { return s.cancelledAt }
func (s *Service) CancelReason() string    { return s.cancelReason }
func (s *Service) CreatedAt() time.Time    { return s.createdAt }
func (s *Service) UpdatedAt() time.Time    { return s.updatedAt }

// Version returns the persisted version for optimistic locking.
func (s *Service) Version() int { return s.version }

// SetVersion records the version written by the repository (persistence use only).
func (s *Service) SetVersion(v int) { s.version = v }

// IsExpired reports whether the paid period has ended.
func (s *Service) IsExpired(now time.Time) bool {
	return now.After(s.expiresAt)
}

// =============================================================================
// TRANSITIONS
// =============================================================================

func (s *Service) transition(target Status, now time.Time) error {
	if s.status == StatusCancelled {
		return ErrServiceCancelled
	}
	if !s.status.CanTransitionTo(target) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, s.status, target)
	}
	s.status = target
	s.updatedAt = now
	return nil
}

func (s *Service) lapsed(now time.Time) bool {
	return s.status == StatusSuspended || s.expiresAt.Before(now)
}

// periodStart is where the next paid period begins: the current expiry for
// an early payment, now once the service has lapsed.
func (s *Service) periodStart(now time.Time) time.Time {
	if s.lapsed(now) {
		return now
	}
	return s.expiresAt
}

// Renew applies one successful renewal payment. A lapsed service restarts
// from now and takes now's day as its billing day.
func (s *Service) Renew(now time.Time) error {
	start, lapsed := s.periodStart(now), s.lapsed(now)
	if err := s.transition(StatusActive, now); err != nil {
		return err
	}
	if lapsed {
		s.billingDay = now.Day()
	}
	s.expiresAt = s.cycle.AdvanceOn(start, s.billingDay)
	return nil
}

// Suspend flips an expired active service to suspended.
func (s *Service) Suspend(now time.Time) error {
	if s.status == StatusSuspended {
		return nil
	}
	if !s.IsExpired(now) {
		return fmt.Errorf("%w: service %s has not expired", ErrInvalidTransition, s.id)
	}
	return s.transition(StatusSuspended, now)
}

// Cancel is terminal. Cancelling twice is a no-op.
func (s *Service) Cancel(reason string, now time.Time) error {
	if s.status == StatusCancelled {
		return nil
	}
	if err := s.transition(StatusCancelled, now); err != nil {
		return err
	}
	s.autoRenew = false
	s.cancelledAt = &now
	s.cancelReason = reason
	return nil
}
