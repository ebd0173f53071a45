package hosting

import (
	"fmt"
	"time"
)

// =============================================================================
// BILLING MODE SELECTOR
// =============================================================================

// BillingMode says how the next renewal is funded. Exactly one applies.
type BillingMode string

const (
	ModeWalletAutoRenew       BillingMode = "wallet-auto-renew"
	ModeManualOneOff          BillingMode = "manual-one-off"
	ModeRecurringSubscription BillingMode = "recurring-subscription"
)

// Mode derives the billing mode from the service state.
func (s *Service) Mode() BillingMode {
	switch {
	case s.subscriptionRef != "":
		return ModeRecurringSubscription
	case s.autoRenew:
		return ModeWalletAutoRenew
	default:
		return ModeManualOneOff
	}
}

// CanSwitchTo reports whether the service may move to target.
func (s *Service) CanSwitchTo(target BillingMode) error {
	if s.status == StatusCancelled {
		return ErrServiceCancelled
	}
	switch target {
	case ModeWalletAutoRenew:
		if s.subscriptionRef != "" {
			return fmt.Errorf("%w: service %s is renewed by subscription %s",
				ErrConflictingBillingMode, s.id, s.subscriptionRef)
		}
	case ModeRecurringSubscription:
		// A subscription replaces wallet auto-renew, never another subscription.
		if s.subscriptionRef != "" {
			return fmt.Errorf("%w: service %s already has subscription %s",
				ErrConflictingBillingMode, s.id, s.subscriptionRef)
		}
	case ModeManualOneOff:
	default:
		return fmt.Errorf("unknown billing mode %q", target)
	}
	return nil
}

// EnableAutoRenew switches to wallet-auto-renew. Reports whether anything changed.
func (s *Service) EnableAutoRenew(now time.Time) (bool, error) {
	if err := s.CanSwitchTo(ModeWalletAutoRenew); err != nil {
		return false, err
	}
	if s.autoRenew {
		return false, nil
	}
	s.autoRenew = true
	s.updatedAt = now
	return true, nil
}

// DisableAutoRenew switches wallet-auto-renew off. No points are reversed.
func (s *Service) DisableAutoRenew(now time.Time) (bool, error) {
	if s.status == StatusCancelled {
		return false, ErrServiceCancelled
	}
	if !s.autoRenew {
		return false, nil
	}
	s.autoRenew = false
	s.updatedAt = now
	return true, nil
}

// AttachSubscription moves the service to recurring-subscription and forces
// autoRenew off. Re-attaching the same reference is a no-op.
func (s *Service) AttachSubscription(ref string, now time.Time) error {
	if ref == "" {
		return fmt.Errorf("subscription reference is required")
	}
	if s.subscriptionRef == ref && s.status != StatusCancelled {
		return nil
	}
	if err := s.CanSwitchTo(ModeRecurringSubscription); err != nil {
		return err
	}
	s.subscriptionRef = ref
	s.autoRenew = false
	s.updatedAt = now
	return nil
}

// DetachSubscription returns the service to manual-one-off once the gateway
// ended the subscription. Reports whether ref was attached.
func (s *Service) DetachSubscription(ref string, now time.Time) bool {
	if s.subscriptionRef == "" || s.subscriptionRef != ref {
		return false
	}
	s.subscriptionRef = ""
	s.updatedAt = now
	return true
}
