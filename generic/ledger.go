/*
ledger.go - Append-only transaction log

PURPOSE:
  The Ledger is the immutable source of truth for all balance changes.
  Every accrual, redemption, top-up, payment and adjustment is recorded here.
  The balance counter is maintained alongside each insert and can always be
  re-derived by replaying transactions.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. IMMUTABLE: Once written, transactions cannot be modified
  3. AUDITABLE: Every balance change is traceable with full context
  4. IDEMPOTENT: Same idempotency key = same transaction (no duplicates)
  5. CONSISTENT: Balance(entity, book) == sum of Delta over Transactions(entity, book)

CORRECTIONS:
  If a mistake is made, you don't edit the transaction. Instead append a
  compensating transaction (opposite sign). Both remain in the ledger.

EXAMPLE FLOW:
  1. Customer pays 25.50 PLN: spend_accrual +255 points
  2. Enables 2FA:            2fa_enabled_reward +100 points
  3. Redeems 300 points:     redeem_for_credit -300 points
                             (wallet book: top_up +30.00 PLN)

  EKO ledger: [+255, +100, -300] = 55 points

SEE ALSO:
  - store.go: Low-level persistence interface
  - eko/ledger.go: Points ledger with one-time grants
  - wallet/wallet.go: Money ledger
*/
package generic

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// LEDGER - Append-only transaction log
// =============================================================================

// Ledger is the source of truth for all balance changes.
type Ledger interface {
	// Append adds a transaction. Fails if idempotency key exists.
	Append(ctx context.Context, tx Transaction) error

	// AppendBatch adds multiple transactions atomically.
	AppendBatch(ctx context.Context, txs []Transaction) error

	// Transactions returns all transactions for entity+book, chronologically.
	Transactions(ctx context.Context, entityID EntityID, bookID BookID) ([]Transaction, error)

	// History returns a page of transactions, most recent first.
	History(ctx context.Context, entityID EntityID, bookID BookID, page Page) ([]Transaction, error)

	// Balance returns the maintained balance counter.
	Balance(ctx context.Context, entityID EntityID, bookID BookID) (decimal.Decimal, error)

	// Audit replays the transactions and compares the sum with the counter.
	// Read-only.
	Audit(ctx context.Context, entityID EntityID, bookID BookID) (BalanceAudit, error)

	// Repair overwrites the counter with the replayed sum.
	Repair(ctx context.Context, entityID EntityID, bookID BookID) (BalanceAudit, error)
}

// =============================================================================
// DEFAULT LEDGER - Implementation using Store
// =============================================================================

type DefaultLedger struct {
	Store Store
	Clock Clock
}

func NewLedger(store Store) *DefaultLedger {
	return &DefaultLedger{Store: store, Clock: SystemClock{}}
}

func (l *DefaultLedger) Append(ctx context.Context, tx Transaction) error {
	tx, err := l.prepare(ctx, tx)
	if err != nil {
		return err
	}
	return l.Store.Append(ctx, tx)
}

func (l *DefaultLedger) AppendBatch(ctx context.Context, txs []Transaction) error {
	prepared := make([]Transaction, len(txs))
	for i, tx := range txs {
		p, err := l.prepare(ctx, tx)
		if err != nil {
			return err
		}
		prepared[i] = p
	}
	return l.Store.AppendBatch(ctx, prepared)
}

// prepare fills ID and timestamp and rejects known duplicates early.
// The store's unique key is still the authority under concurrency.
func (l *DefaultLedger) prepare(ctx context.Context, tx Transaction) (Transaction, error) {
	if tx.Delta.IsZero() {
		return tx, ErrZeroDelta
	}
	if tx.ID == "" {
		tx.ID = NewTransactionID()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = l.now()
	}
	if tx.IdempotencyKey != "" {
		existing, err := l.Store.FindByIdempotencyKey(ctx, tx.IdempotencyKey)
		if err != nil {
			return tx, err
		}
		if existing != nil {
			return tx, ErrDuplicateIdempotencyKey
		}
	}
	return tx, nil
}

func (l *DefaultLedger) Transactions(ctx context.Context, entityID EntityID, bookID BookID) ([]Transaction, error) {
	return l.Store.Load(ctx, entityID, bookID)
}

func (l *DefaultLedger) History(ctx context.Context, entityID EntityID, bookID BookID, page Page) ([]Transaction, error) {
	return l.Store.LoadPage(ctx, entityID, bookID, page.Normalize())
}

func (l *DefaultLedger) Balance(ctx context.Context, entityID EntityID, bookID BookID) (decimal.Decimal, error) {
	return l.Store.Balance(ctx, entityID, bookID)
}

func (l *DefaultLedger) Audit(ctx context.Context, entityID EntityID, bookID BookID) (BalanceAudit, error) {
	counter, err := l.Store.Balance(ctx, entityID, bookID)
	if err != nil {
		return BalanceAudit{}, err
	}
	txs, err := l.Store.Load(ctx, entityID, bookID)
	if err != nil {
		return BalanceAudit{}, err
	}
	return BalanceAudit{
		EntityID: entityID,
		BookID:   bookID,
		Counter:  counter,
		Replayed: Replay(txs),
		Entries:  len(txs),
	}, nil
}

func (l *DefaultLedger) Repair(ctx context.Context, entityID EntityID, bookID BookID) (BalanceAudit, error) {
	return l.Store.RebuildBalance(ctx, entityID, bookID)
}

func (l *DefaultLedger) now() time.Time {
	if l.Clock == nil {
		return time.Now().UTC()
	}
	return l.Clock.Now()
}

// Replay sums transaction deltas.
func Replay(txs []Transaction) decimal.Decimal {
	sum := decimal.Zero
	for _, tx := range txs {
		sum = sum.Add(tx.Delta.Value)
	}
	return sum
}
