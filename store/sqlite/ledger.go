package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/hosting-engine/generic"
)

// =============================================================================
// TRANSACTION STORE (generic.TxStore interface)
// =============================================================================

var (
	_ generic.TxStore        = (*Store)(nil)
	_ generic.AfterCommitter = (*Store)(nil)
)

const transactionColumns = `id, entity_id, book_id, delta_value, delta_unit, tx_type,
	reference_id, reason, idempotency_key, metadata_json, created_by, created_at`

// Append adds a transaction to the ledger and moves its balance counter.
func (s *Store) Append(ctx context.Context, tx generic.Transaction) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		return s.appendTx(ctx, tx)
	})
}

// AppendBatch adds multiple transactions atomically.
func (s *Store) AppendBatch(ctx context.Context, txs []generic.Transaction) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		for _, tx := range txs {
			if err := s.appendTx(ctx, tx); err != nil {
				return err
			}
		}
		return nil
	})
}

// appendTx must run inside a unit of work.
func (s *Store) appendTx(ctx context.Context, tx generic.Transaction) error {
	current, err := s.Balance(ctx, tx.EntityID, tx.BookID)
	if err != nil {
		return err
	}
	updated := current.Add(tx.Delta.Value)
	if updated.IsNegative() {
		return &generic.InsufficientBalanceError{
			EntityID:  tx.EntityID,
			BookID:    tx.BookID,
			Available: generic.NewAmount(current, tx.Delta.Unit),
			Requested: tx.Delta.Neg(),
		}
	}

	var metadataJSON sql.NullString
	if len(tx.Metadata) > 0 {
		b, err := json.Marshal(tx.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		metadataJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err = s.q(ctx).ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(tx.ID),
		string(tx.EntityID),
		string(tx.BookID),
		tx.Delta.Value.String(),
		string(tx.Delta.Unit),
		string(tx.Type),
		nullString(tx.ReferenceID),
		nullString(tx.Reason),
		nullString(tx.IdempotencyKey),
		metadataJSON,
		nullString(tx.CreatedBy),
		formatTime(tx.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}

	return s.setBalance(ctx, tx.EntityID, tx.BookID, updated)
}

func (s *Store) setBalance(ctx context.Context, entityID generic.EntityID, bookID generic.BookID, value decimal.Decimal) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO balances (entity_id, book_id, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_id, book_id) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		string(entityID), string(bookID), value.String(), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	return nil
}

// Balance returns the maintained counter, zero for unknown accounts.
func (s *Store) Balance(ctx context.Context, entityID generic.EntityID, bookID generic.BookID) (decimal.Decimal, error) {
	var value string
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT value FROM balances WHERE entity_id = ? AND book_id = ?`,
		string(entityID), string(bookID),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read balance: %w", err)
	}
	return decimal.NewFromString(value)
}

// Load returns all transactions for an entity+book, oldest first.
func (s *Store) Load(ctx context.Context, entityID generic.EntityID, bookID generic.BookID) ([]generic.Transaction, error) {
	return s.queryTransactions(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE entity_id = ? AND book_id = ?
		ORDER BY created_at ASC, rowid ASC`,
		string(entityID), string(bookID))
}

// LoadPage returns a page of transactions, most recent first.
func (s *Store) LoadPage(ctx context.Context, entityID generic.EntityID, bookID generic.BookID, page generic.Page) ([]generic.Transaction, error) {
	page = page.Normalize()
	return s.queryTransactions(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE entity_id = ? AND book_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?`,
		string(entityID), string(bookID), page.Limit, page.Offset)
}

// FindByIdempotencyKey returns nil when no transaction carries the key.
func (s *Store) FindByIdempotencyKey(ctx context.Context, idempotencyKey string) (*generic.Transaction, error) {
	txs, err := s.queryTransactions(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE idempotency_key = ?`,
		idempotencyKey)
	if err != nil || len(txs) == 0 {
		return nil, err
	}
	return &txs[0], nil
}

// RebuildBalance replays the transactions and overwrites the counter.
func (s *Store) RebuildBalance(ctx context.Context, entityID generic.EntityID, bookID generic.BookID) (generic.BalanceAudit, error) {
	var audit generic.BalanceAudit
	err := s.WithTx(ctx, func(ctx context.Context) error {
		counter, err := s.Balance(ctx, entityID, bookID)
		if err != nil {
			return err
		}
		txs, err := s.Load(ctx, entityID, bookID)
		if err != nil {
			return err
		}
		audit = generic.BalanceAudit{
			EntityID: entityID,
			BookID:   bookID,
			Counter:  counter,
			Replayed: generic.Replay(txs),
			Entries:  len(txs),
		}
		return s.setBalance(ctx, entityID, bookID, audit.Replayed)
	})
	return audit, err
}

// Accounts lists the entities holding a counter in the book.
func (s *Store) Accounts(ctx context.Context, bookID generic.BookID) ([]generic.EntityID, error) {
	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT entity_id FROM balances WHERE book_id = ? ORDER BY entity_id`, string(bookID))
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var ids []generic.EntityID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, generic.EntityID(id))
	}
	return ids, rows.Err()
}

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]generic.Transaction, error) {
	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []generic.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}

	return transactions, rows.Err()
}

func scanTransaction(rows *sql.Rows) (generic.Transaction, error) {
	var (
		tx             generic.Transaction
		id             string
		entityID       string
		bookID         string
		deltaValue     string
		deltaUnit      string
		txType         string
		referenceID    sql.NullString
		reason         sql.NullString
		idempotencyKey sql.NullString
		metadataJSON   sql.NullString
		createdBy      sql.NullString
		createdAt      string
	)

	err := rows.Scan(
		&id, &entityID, &bookID, &deltaValue, &deltaUnit, &txType,
		&referenceID, &reason, &idempotencyKey, &metadataJSON, &createdBy, &createdAt,
	)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	value, err := decimal.NewFromString(deltaValue)
	if err != nil {
		return tx, fmt.Errorf("transaction %s: bad delta %q: %w", id, deltaValue, err)
	}
	tx.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return tx, fmt.Errorf("transaction %s: bad created_at: %w", id, err)
	}

	tx.ID = generic.TransactionID(id)
	tx.EntityID = generic.EntityID(entityID)
	tx.BookID = generic.BookID(bookID)
	tx.Delta = generic.NewAmount(value, generic.Unit(deltaUnit))
	tx.Type = generic.TransactionType(txType)
	tx.ReferenceID = referenceID.String
	tx.Reason = reason.String
	tx.IdempotencyKey = idempotencyKey.String
	tx.CreatedBy = createdBy.String

	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &tx.Metadata); err != nil {
			return tx, fmt.Errorf("transaction %s: bad metadata: %w", id, err)
		}
	}

	return tx, nil
}
