package eko

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/hosting-engine/generic"
	"github.com/warp/hosting-engine/wallet"
)

// =============================================================================
// REDEMPTION ENGINE
// =============================================================================

// Wallet is the subset of the wallet the redemption engine credits.
type Wallet interface {
	TopUp(ctx context.Context, accountID string, amount decimal.Decimal, reference, description string) (wallet.Transaction, error)
}

// Redemption is the outcome of a successful Redeem.
type Redemption struct {
	Entry            Entry
	WalletTx         wallet.Transaction
	NewPointsBalance int64
	CreditedAmount   decimal.Decimal
}

// Credit converts points to currency, rounded down to the smallest subunit.
func Credit(points, pointsPerCurrencyUnit int64) decimal.Decimal {
	return decimal.NewFromInt(points).
		Div(decimal.NewFromInt(pointsPerCurrencyUnit)).
		Truncate(2)
}

// Redeem burns points and credits the wallet in one unit of work. If the
// wallet credit cannot be committed the points debit is rolled back too.
func (l *Ledger) Redeem(ctx context.Context, accountID string, points int64) (Redemption, error) {
	if points <= 0 {
		return Redemption{}, &InsufficientPointsError{AccountID: accountID, Requested: points}
	}
	s := l.settings.Current()
	credit := Credit(points, s.PointsPerCurrencyUnit)
	if !credit.IsPositive() {
		return Redemption{}, fmt.Errorf("%w: %d points at %d per unit", ErrRedemptionTooSmall, points, s.PointsPerCurrencyUnit)
	}

	var out Redemption
	err := l.store.WithTx(ctx, func(ctx context.Context) error {
		tx := generic.Transaction{
			ID:        generic.NewTransactionID(),
			EntityID:  generic.EntityID(accountID),
			BookID:    Book,
			Delta:     generic.NewAmountFromInt(-points, generic.UnitPoints),
			Type:      generic.TransactionType(ActionRedeemForCredit),
			Reason:    fmt.Sprintf("redeemed for %s", credit.StringFixed(2)),
			CreatedBy: accountID,
			CreatedAt: l.clock.Now(),
		}
		tx.ReferenceID = string(tx.ID)
		if err := l.ledger.Append(ctx, tx); err != nil {
			return pointsError(accountID, err)
		}

		wtx, err := l.wallet.TopUp(ctx, accountID, credit, "eko-"+string(tx.ID), "EKO points redemption")
		if err != nil {
			return fmt.Errorf("credit wallet: %w", err)
		}

		bal, err := l.ledger.Balance(ctx, generic.EntityID(accountID), Book)
		if err != nil {
			return err
		}

		out = Redemption{
			Entry:            entryFromTx(tx),
			WalletTx:         wtx,
			NewPointsBalance: bal.IntPart(),
			CreditedAmount:   credit,
		}
		return nil
	})
	if err != nil {
		return Redemption{}, err
	}

	l.notify(ctx, out.Entry)
	return out, nil
}
