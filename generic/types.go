/*
Package generic provides the core ledger engine.

PURPOSE:
  This package contains domain-agnostic types and algorithms for keeping
  append-only books of balance changes. Whether tracking EKO loyalty points
  or wallet money, the same engine handles transaction logging, balance
  counters, replay audits and idempotent writes.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A quantity with a unit (e.g., 255 points, 49.99 PLN)
  - Transaction: An immutable ledger entry recording a balance change
  - Entity/Book IDs: Type-safe identifiers (an entity owns one balance per book)

DESIGN PRINCIPLES:
  1. Immutability: Transactions are never modified, only compensated
  2. Precision: Uses decimal.Decimal to avoid floating-point errors
  3. Type Safety: Strong typing for IDs prevents mixing entity/book IDs
  4. Auditability: Every transaction has reason, reference, and idempotency key

USAGE:
  tx := generic.Transaction{
      ID:       generic.NewTransactionID(),
      EntityID: "acc-123",
      BookID:   "eko",
      Delta:    generic.NewAmountFromInt(255, generic.UnitPoints),
      Type:     "spend_accrual",
  }

SEE ALSO:
  - ledger.go: Ledger on top of a Store
  - store.go: Persistence interfaces
  - errors.go: Sentinel and structured errors
*/
package generic

import (
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Quantity with unit
// =============================================================================

type Amount struct {
	Value decimal.Decimal
	Unit  Unit
}

type Unit string

const (
	UnitPoints   Unit = "points"
	UnitCurrency Unit = "currency"
)

func NewAmount(value decimal.Decimal, unit Unit) Amount {
	return Amount{Value: value, Unit: unit}
}

func NewAmountFromInt(value int64, unit Unit) Amount {
	return Amount{Value: decimal.NewFromInt(value), Unit: unit}
}

func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (a Amount) Zero() Amount              { return Amount{Value: decimal.Zero, Unit: a.Unit} }
func (a Amount) Add(b Amount) Amount       { return Amount{Value: a.Value.Add(b.Value), Unit: a.Unit} }
func (a Amount) Sub(b Amount) Amount       { return Amount{Value: a.Value.Sub(b.Value), Unit: a.Unit} }
func (a Amount) Neg() Amount               { return Amount{Value: a.Value.Neg(), Unit: a.Unit} }
func (a Amount) IsNegative() bool          { return a.Value.IsNegative() }
func (a Amount) IsZero() bool              { return a.Value.IsZero() }
func (a Amount) IsPositive() bool          { return a.Value.IsPositive() }
func (a Amount) GreaterThan(b Amount) bool { return a.Value.GreaterThan(b.Value) }
func (a Amount) LessThan(b Amount) bool    { return a.Value.LessThan(b.Value) }
func (a Amount) Equal(b Amount) bool       { return a.Value.Equal(b.Value) }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type EntityID string
type BookID string
type TransactionID string

// NewTransactionID returns a time-sortable identifier. Ledger history relies
// on IDs created later sorting after IDs created earlier.
func NewTransactionID() TransactionID {
	return TransactionID(ulid.Make().String())
}

// =============================================================================
// TRANSACTION - Atomic change to a balance
// =============================================================================

// TransactionType is owned by the domain packages (eko action types, wallet
// transaction types). The engine never interprets it.
type TransactionType string

type Transaction struct {
	ID             TransactionID
	EntityID       EntityID
	BookID         BookID
	Delta          Amount
	Type           TransactionType
	ReferenceID    string
	Reason         string
	IdempotencyKey string
	Metadata       map[string]string

	// Audit fields
	CreatedBy string // Actor who created this transaction
	CreatedAt time.Time
}

// =============================================================================
// PAGE - Window over most-recent-first history
// =============================================================================

type Page struct {
	Limit  int
	Offset int
}

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

// Normalize clamps the page to sane bounds.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// =============================================================================
// AUDIT - Counter vs replay comparison
// =============================================================================

type BalanceAudit struct {
	EntityID EntityID
	BookID   BookID
	Counter  decimal.Decimal
	Replayed decimal.Decimal
	Entries  int
}

func (a BalanceAudit) Consistent() bool { return a.Counter.Equal(a.Replayed) }
