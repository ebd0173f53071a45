/*
store.go - Persistence interface for ledger transactions

PURPOSE:
  Defines the interface between the domain logic and the database.
  The Store handles persistence while maintaining append-only semantics.
  Different implementations can use SQLite or in-memory storage.

KEY INTERFACES:
  Store:   Core transaction persistence (append, load, balance counter)
  TxStore: Transactional operations (atomic multi-book, multi-table writes)

APPEND-ONLY CONTRACT:
  The Store interface enforces append-only semantics:
  - Append(): Single transaction write
  - AppendBatch(): Atomic multi-transaction write
  - NO Update() or Delete() methods exist

BALANCE COUNTER:
  Every Append updates a per-(entity, book) counter in the same atomic
  unit as the insert. Balance() reads the counter; RebuildBalance()
  re-derives it by replaying every transaction (audit/repair).
  A write that would take a counter below zero is rejected with
  *InsufficientBalanceError and nothing is written.

IDEMPOTENCY:
  A non-empty idempotency key is unique across the store. A second write
  with the same key is rejected with ErrDuplicateIdempotencyKey. One-time
  grants and webhook-driven writes rely on this to collapse duplicates.

UNIT OF WORK:
  TxStore.WithTx runs fn with a context that carries the open transaction.
  Every store call made with that context joins it, including calls made
  by other repositories backed by the same database. Nested WithTx calls
  join the outer transaction.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Production SQLite
  - generic/store/memory.go: In-memory for testing

SEE ALSO:
  - ledger.go: Higher-level interface using Store
  - store/sqlite/ledger.go: Concrete implementation
*/
package generic

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE - Interface for transaction persistence (append-only)
// =============================================================================

// Store handles persistence of transactions.
// IMPORTANT: Store is APPEND-ONLY. No Update, No Delete. Ever.
// Corrections are made via compensating transactions.
type Store interface {
	// Append persists a transaction and updates the balance counter.
	Append(ctx context.Context, tx Transaction) error

	// AppendBatch persists multiple transactions atomically.
	// Either all succeed or none do.
	AppendBatch(ctx context.Context, txs []Transaction) error

	// Load returns all transactions for entity+book, oldest first.
	Load(ctx context.Context, entityID EntityID, bookID BookID) ([]Transaction, error)

	// LoadPage returns a window of transactions for entity+book, most recent first.
	LoadPage(ctx context.Context, entityID EntityID, bookID BookID, page Page) ([]Transaction, error)

	// FindByIdempotencyKey returns the transaction written with key, or nil.
	FindByIdempotencyKey(ctx context.Context, key string) (*Transaction, error)

	// Balance returns the maintained counter for entity+book (zero if none).
	Balance(ctx context.Context, entityID EntityID, bookID BookID) (decimal.Decimal, error)

	// RebuildBalance replays all transactions, overwrites the counter with
	// the replayed sum and returns the audit of counter vs replay.
	RebuildBalance(ctx context.Context, entityID EntityID, bookID BookID) (BalanceAudit, error)
}

// =============================================================================
// TRANSACTIONAL STORE - For atomic operations across multiple writes
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction carried by the context.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// AfterCommitter is implemented by stores that can defer work until the
// unit of work carried by ctx commits. Outside a unit fn runs immediately;
// on rollback it never runs. fn runs before the store releases its write
// lock, so it must not open a unit of work.
type AfterCommitter interface {
	AfterCommit(ctx context.Context, fn func())
}
