/*
Package eko implements the EKO loyalty-points program.

PURPOSE:
  Customers earn EKO points from monetary spend and from behavioral triggers
  (enabling two-factor auth, turning on auto-renew, paying yearly, opting into
  dark mode). Points grow a virtual tree and can be redeemed back into wallet
  credit. The points book lives on the generic ledger, so every balance
  change is an immutable, replayable entry.

ACTION TYPES:
  spend_accrual:         floor(amount * pointsPerCurrencyUnit), once per payment
  2fa_enabled_reward:    one-time per account
  auto_renewal_reward:   one-time per account
  dark_mode_enabled:     one-time per account
  yearly_payment_reward: one-time per service (first yearly payment)
  redeem_for_credit:     negative, written by Redeem together with a wallet top-up
  admin_adjustment:      signed, written by Adjust with a mandatory reason

ONE-TIME GRANTS:
  A one-time grant is written with a deterministic idempotency key
  (eko:<account>:<action>). The store's unique index on the key makes the
  check-and-insert atomic, so racing grants collapse to one entry.

SEE ALSO:
  - ledger.go: Accrual, adjustment, history, audit
  - redeem.go: Points to wallet credit
  - tree.go: Tree progression view
  - settings.go: EkoGlobalSettings and the shared settings cache
*/
package eko

import (
	"errors"
	"fmt"
	"time"

	"github.com/warp/hosting-engine/generic"
)

// Book is the ledger book holding EKO points.
const Book generic.BookID = "eko"

// =============================================================================
// ACTIONS
// =============================================================================

// Action is the kind of event that produced a ledger entry.
type Action string

const (
	ActionSpendAccrual     Action = "spend_accrual"
	Action2FAEnabled       Action = "2fa_enabled_reward"
	ActionAutoRenewEnabled Action = "auto_renewal_reward"
	ActionYearlyPayment    Action = "yearly_payment_reward"
	ActionDarkModeEnabled  Action = "dark_mode_enabled"
	ActionRedeemForCredit  Action = "redeem_for_credit"
	ActionAdminAdjustment  Action = "admin_adjustment"
)

var allActions = []Action{
	ActionSpendAccrual,
	Action2FAEnabled,
	ActionAutoRenewEnabled,
	ActionYearlyPayment,
	ActionDarkModeEnabled,
	ActionRedeemForCredit,
	ActionAdminAdjustment,
}

// OncePerAccount reports whether the action may be granted at most once per account.
func (a Action) OncePerAccount() bool {
	switch a {
	case Action2FAEnabled, ActionAutoRenewEnabled, ActionDarkModeEnabled:
		return true
	}
	return false
}

// Bonus reports whether the action grants a configured constant.
func (a Action) Bonus() bool {
	return a.OncePerAccount() || a == ActionYearlyPayment
}

// Triggerable reports whether a customer may raise the action directly.
func (a Action) Triggerable() bool {
	return a == Action2FAEnabled || a == ActionDarkModeEnabled
}

func ParseAction(s string) (Action, error) {
	for _, a := range allActions {
		if string(a) == s {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
}

// =============================================================================
// ENTRY
// =============================================================================

// Entry is a points ledger entry as seen by callers of this package.
type Entry struct {
	ID        string
	AccountID string
	Action    Action
	Points    int64
	Reference string
	Reason    string
	CreatedBy string
	CreatedAt time.Time
}

func entryFromTx(tx generic.Transaction) Entry {
	return Entry{
		ID:        string(tx.ID),
		AccountID: string(tx.EntityID),
		Action:    Action(tx.Type),
		Points:    tx.Delta.Value.IntPart(),
		Reference: tx.ReferenceID,
		Reason:    tx.Reason,
		CreatedBy: tx.CreatedBy,
		CreatedAt: tx.CreatedAt,
	}
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrInsufficientPoints is returned when a debit exceeds the balance.
	ErrInsufficientPoints = errors.New("insufficient points")

	// ErrAlreadyGranted is returned, together with the existing entry, when a
	// one-time bonus was granted before. Benign.
	ErrAlreadyGranted = errors.New("bonus already granted")

	// ErrNothingToAccrue is returned when a spend is too small to earn a point. Benign.
	ErrNothingToAccrue = errors.New("nothing to accrue")

	ErrInvalidConfiguration = errors.New("invalid eko configuration")
	ErrRedemptionTooSmall   = errors.New("redemption below smallest currency unit")
	ErrUnknownAction        = errors.New("unknown action type")
	ErrInvalidAccrual       = errors.New("invalid accrual")
	ErrInvalidAdjustment    = errors.New("invalid adjustment")
)

func init() {
	generic.RegisterBenign(ErrAlreadyGranted)
	generic.RegisterBenign(ErrNothingToAccrue)
}

// InsufficientPointsError carries the balance seen when a debit was refused.
type InsufficientPointsError struct {
	AccountID string
	Available int64
	Requested int64
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("insufficient points for %s: available %d, requested %d",
		e.AccountID, e.Available, e.Requested)
}

func (e *InsufficientPointsError) Unwrap() error {
	return ErrInsufficientPoints
}

// pointsError translates a store-level balance refusal into the points error.
func pointsError(accountID string, err error) error {
	var ib *generic.InsufficientBalanceError
	if errors.As(err, &ib) {
		return &InsufficientPointsError{
			AccountID: accountID,
			Available: ib.Available.Value.IntPart(),
			Requested: ib.Requested.Value.IntPart(),
		}
	}
	return err
}
