/*
ledger.go - EKO points ledger

PURPOSE:
  Records point-affecting events per account on the "eko" book of the
  generic ledger and answers balance and history queries.

ACCRUAL RULES:
  spend_accrual:   points = floor(amount * pointsPerCurrencyUnit)
                   keyed by payment reference when one is given
  one-time bonus:  points = configured constant
                   keyed eko:<account>:<action>
  yearly bonus:    points = configured constant
                   keyed eko:<account>:yearly_payment_reward:<service>

  A duplicate key returns the entry written first together with
  ErrAlreadyGranted. Concurrent duplicates are resolved by the store's unique
  index: one insert wins, the others observe ErrDuplicateIdempotencyKey and
  are turned into ErrAlreadyGranted here.

BALANCE:
  Balance reads the counter maintained by the store in the same unit of work
  as each insert. Audit replays the entries and compares; Repair rewrites the
  counter from the replay.

SEE ALSO:
  - redeem.go: Redeem debits points and credits the wallet atomically
  - summary.go: Balance + tree + history for the dashboard
*/
package eko

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/hosting-engine/generic"
)

// Observer is notified after an entry is durably appended.
type Observer interface {
	EntryRecorded(Entry)
}

type Option func(*Ledger)

func WithClock(c generic.Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

func WithObserver(o Observer) Option {
	return func(l *Ledger) { l.observer = o }
}

// Ledger is the EKO points ledger and redemption engine.
type Ledger struct {
	store    generic.TxStore
	ledger   *generic.DefaultLedger
	settings *SettingsProvider
	wallet   Wallet
	clock    generic.Clock
	observer Observer
}

func NewLedger(store generic.TxStore, settings *SettingsProvider, wallet Wallet, opts ...Option) *Ledger {
	l := &Ledger{
		store:    store,
		settings: settings,
		wallet:   wallet,
		clock:    generic.SystemClock{},
	}
	for _, opt := range opts {
		opt(l)
	}
	l.ledger = generic.NewLedger(store)
	l.ledger.Clock = l.clock
	return l
}

// Settings returns the provider shared by every computation of this ledger.
func (l *Ledger) Settings() *SettingsProvider { return l.settings }

// =============================================================================
// ACCRUAL
// =============================================================================

// Accrual describes an earning event.
type Accrual struct {
	AccountID string
	Action    Action

	// Amount is the monetary spend for spend_accrual.
	Amount decimal.Decimal

	// Reference identifies the source event: the payment reference for
	// spend_accrual and the service ID for yearly_payment_reward.
	Reference string
}

// RecordAccrual appends an earning entry. For bonuses already granted it
// returns the existing entry and ErrAlreadyGranted.
func (l *Ledger) RecordAccrual(ctx context.Context, a Accrual) (Entry, error) {
	if a.AccountID == "" {
		return Entry{}, fmt.Errorf("%w: account is required", ErrInvalidAccrual)
	}
	s := l.settings.Current()

	var (
		points int64
		key    string
	)
	switch {
	case a.Action == ActionSpendAccrual:
		if !a.Amount.IsPositive() {
			return Entry{}, fmt.Errorf("%w: spend amount must be positive", ErrInvalidAccrual)
		}
		points = a.Amount.Mul(decimal.NewFromInt(s.PointsPerCurrencyUnit)).Floor().IntPart()
		if points == 0 {
			return Entry{}, ErrNothingToAccrue
		}
		if a.Reference != "" {
			key = fmt.Sprintf("eko:%s:%s:%s", a.AccountID, a.Action, a.Reference)
		}

	case a.Action.OncePerAccount():
		points, _ = s.BonusFor(a.Action)
		key = fmt.Sprintf("eko:%s:%s", a.AccountID, a.Action)

	case a.Action == ActionYearlyPayment:
		if a.Reference == "" {
			return Entry{}, fmt.Errorf("%w: yearly bonus needs the service reference", ErrInvalidAccrual)
		}
		points, _ = s.BonusFor(a.Action)
		key = fmt.Sprintf("eko:%s:%s:%s", a.AccountID, a.Action, a.Reference)

	default:
		return Entry{}, fmt.Errorf("%w: %s is not an accrual", ErrInvalidAccrual, a.Action)
	}

	tx := generic.Transaction{
		ID:             generic.NewTransactionID(),
		EntityID:       generic.EntityID(a.AccountID),
		BookID:         Book,
		Delta:          generic.NewAmountFromInt(points, generic.UnitPoints),
		Type:           generic.TransactionType(a.Action),
		ReferenceID:    a.Reference,
		IdempotencyKey: key,
		CreatedBy:      "system",
		CreatedAt:      l.clock.Now(),
	}
	if err := l.ledger.Append(ctx, tx); err != nil {
		if errors.Is(err, generic.ErrDuplicateIdempotencyKey) {
			return l.existing(ctx, key)
		}
		return Entry{}, err
	}

	entry := entryFromTx(tx)
	l.notify(ctx, entry)
	return entry, nil
}

func (l *Ledger) existing(ctx context.Context, key string) (Entry, error) {
	prior, err := l.store.FindByIdempotencyKey(ctx, key)
	if err != nil {
		return Entry{}, err
	}
	if prior == nil {
		// The competing write was rolled back after we observed it.
		return Entry{}, generic.ErrTransactionFailed
	}
	return entryFromTx(*prior), ErrAlreadyGranted
}

// Granted reports whether a one-time bonus has been written for the account.
func (l *Ledger) Granted(ctx context.Context, accountID string, action Action) (bool, error) {
	if !action.OncePerAccount() {
		return false, fmt.Errorf("%w: %s is not a one-time bonus", ErrInvalidAccrual, action)
	}
	prior, err := l.store.FindByIdempotencyKey(ctx, fmt.Sprintf("eko:%s:%s", accountID, action))
	if err != nil {
		return false, err
	}
	return prior != nil, nil
}

// =============================================================================
// ADMIN ADJUSTMENT
// =============================================================================

// Adjust appends a signed administrative correction. A negative delta larger
// than the balance is refused with ErrInsufficientPoints.
func (l *Ledger) Adjust(ctx context.Context, accountID string, delta int64, reason, actor string) (Entry, error) {
	if accountID == "" {
		return Entry{}, fmt.Errorf("%w: account is required", ErrInvalidAdjustment)
	}
	if delta == 0 {
		return Entry{}, fmt.Errorf("%w: delta must be non-zero", ErrInvalidAdjustment)
	}
	if reason == "" {
		return Entry{}, fmt.Errorf("%w: reason is required", ErrInvalidAdjustment)
	}

	tx := generic.Transaction{
		ID:        generic.NewTransactionID(),
		EntityID:  generic.EntityID(accountID),
		BookID:    Book,
		Delta:     generic.NewAmountFromInt(delta, generic.UnitPoints),
		Type:      generic.TransactionType(ActionAdminAdjustment),
		Reason:    reason,
		CreatedBy: actor,
		CreatedAt: l.clock.Now(),
	}
	if err := l.ledger.Append(ctx, tx); err != nil {
		return Entry{}, pointsError(accountID, err)
	}

	entry := entryFromTx(tx)
	l.notify(ctx, entry)
	return entry, nil
}

// =============================================================================
// QUERIES
// =============================================================================

func (l *Ledger) Balance(ctx context.Context, accountID string) (int64, error) {
	bal, err := l.ledger.Balance(ctx, generic.EntityID(accountID), Book)
	if err != nil {
		return 0, err
	}
	return bal.IntPart(), nil
}

// History returns entries most recent first.
func (l *Ledger) History(ctx context.Context, accountID string, page generic.Page) ([]Entry, error) {
	txs, err := l.ledger.History(ctx, generic.EntityID(accountID), Book, page)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, len(txs))
	for i, tx := range txs {
		entries[i] = entryFromTx(tx)
	}
	return entries, nil
}

func (l *Ledger) Audit(ctx context.Context, accountID string) (generic.BalanceAudit, error) {
	return l.ledger.Audit(ctx, generic.EntityID(accountID), Book)
}

func (l *Ledger) Repair(ctx context.Context, accountID string) (generic.BalanceAudit, error) {
	return l.ledger.Repair(ctx, generic.EntityID(accountID), Book)
}

// notify reports e once the caller's unit of work commits, so a rolled
// back purchase or renewal is never counted.
func (l *Ledger) notify(ctx context.Context, e Entry) {
	if l.observer == nil {
		return
	}
	if ac, ok := l.store.(generic.AfterCommitter); ok {
		ac.AfterCommit(ctx, func() { l.observer.EntryRecorded(e) })
		return
	}
	l.observer.EntryRecorded(e)
}
