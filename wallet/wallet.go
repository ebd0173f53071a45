/*
Package wallet keeps the customer's internal money balance.

PURPOSE:
  A wallet is a book on the generic ledger denominated in currency. Top-ups
  (gateway payments, EKO redemptions) credit it, service payments debit it,
  refunds credit it back. The store refuses any write that would take the
  balance below zero, so the balance is never negative and every change is
  backed by a transaction record.

IDEMPOTENCY:
  A non-empty reference becomes the idempotency key wallet:<type>:<reference>.
  A redelivered gateway event with the same reference is rejected with
  generic.ErrDuplicateIdempotencyKey, which callers treat as benign.

SEE ALSO:
  - generic/ledger.go: The underlying append-only log
  - eko/redeem.go: Credits the wallet inside the redemption unit of work
  - hosting/lifecycle.go: Debits the wallet for auto-renewals
*/
package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/hosting-engine/generic"
)

// Book is the ledger book holding wallet money.
const Book generic.BookID = "wallet"

type Type string

const (
	TypeTopUp   Type = "top_up"
	TypePayment Type = "payment"
	TypeRefund  Type = "refund"
)

// Status of a settled transaction. Only settled transactions reach the
// ledger, so every stored transaction is completed.
type Status string

const StatusCompleted Status = "completed"

var (
	ErrInsufficientFunds = errors.New("insufficient wallet funds")
	ErrInvalidAmount     = errors.New("amount must be positive")
)

// Transaction is a wallet ledger entry. Amount is signed: payments are negative.
type Transaction struct {
	ID          string
	AccountID   string
	Amount      decimal.Decimal
	Type        Type
	Status      Status
	Reference   string
	Description string
	CreatedAt   time.Time
}

func fromTx(tx generic.Transaction) Transaction {
	return Transaction{
		ID:          string(tx.ID),
		AccountID:   string(tx.EntityID),
		Amount:      tx.Delta.Value,
		Type:        Type(tx.Type),
		Status:      StatusCompleted,
		Reference:   tx.ReferenceID,
		Description: tx.Reason,
		CreatedAt:   tx.CreatedAt,
	}
}

// =============================================================================
// WALLET
// =============================================================================

type Wallet struct {
	ledger generic.Ledger
	Clock  generic.Clock
}

func New(ledger generic.Ledger) *Wallet {
	return &Wallet{ledger: ledger, Clock: generic.SystemClock{}}
}

func (w *Wallet) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	return w.ledger.Balance(ctx, generic.EntityID(accountID), Book)
}

// Transactions returns a page of the account's wallet history, most recent first.
func (w *Wallet) Transactions(ctx context.Context, accountID string, page generic.Page) ([]Transaction, error) {
	txs, err := w.ledger.History(ctx, generic.EntityID(accountID), Book, page)
	if err != nil {
		return nil, err
	}
	result := make([]Transaction, len(txs))
	for i, tx := range txs {
		result[i] = fromTx(tx)
	}
	return result, nil
}

// TopUp credits the wallet.
func (w *Wallet) TopUp(ctx context.Context, accountID string, amount decimal.Decimal, reference, description string) (Transaction, error) {
	return w.write(ctx, accountID, TypeTopUp, amount, reference, description)
}

// Pay debits the wallet. Fails with ErrInsufficientFunds, writing nothing,
// when the balance does not cover amount.
func (w *Wallet) Pay(ctx context.Context, accountID string, amount decimal.Decimal, reference, description string) (Transaction, error) {
	return w.write(ctx, accountID, TypePayment, amount, reference, description)
}

// Refund credits a previous payment back.
func (w *Wallet) Refund(ctx context.Context, accountID string, amount decimal.Decimal, reference, description string) (Transaction, error) {
	return w.write(ctx, accountID, TypeRefund, amount, reference, description)
}

func (w *Wallet) write(ctx context.Context, accountID string, typ Type, amount decimal.Decimal, reference, description string) (Transaction, error) {
	if !amount.IsPositive() {
		return Transaction{}, ErrInvalidAmount
	}
	delta := amount
	if typ == TypePayment {
		delta = amount.Neg()
	}

	tx := generic.Transaction{
		ID:          generic.NewTransactionID(),
		EntityID:    generic.EntityID(accountID),
		BookID:      Book,
		Delta:       generic.NewAmount(delta, generic.UnitCurrency),
		Type:        generic.TransactionType(typ),
		ReferenceID: reference,
		Reason:      description,
		CreatedAt:   w.Clock.Now(),
	}
	if reference != "" {
		tx.IdempotencyKey = fmt.Sprintf("wallet:%s:%s", typ, reference)
	}

	if err := w.ledger.Append(ctx, tx); err != nil {
		var ib *generic.InsufficientBalanceError
		if errors.As(err, &ib) {
			return Transaction{}, fmt.Errorf("%w: balance %s, required %s",
				ErrInsufficientFunds, ib.Available.Value.StringFixed(2), amount.StringFixed(2))
		}
		return Transaction{}, err
	}
	return fromTx(tx), nil
}
