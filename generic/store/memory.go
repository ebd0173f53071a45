// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/warp/hosting-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	transactions map[key][]generic.Transaction
	balances     map[key]decimal.Decimal
	idempotency  map[string]generic.Transaction
}

type key struct {
	EntityID generic.EntityID
	BookID   generic.BookID
}

// txKey marks a context that already holds the Memory lock.
type txKey struct{ m *Memory }

func NewMemory() *Memory {
	return &Memory{
		transactions: make(map[key][]generic.Transaction),
		balances:     make(map[key]decimal.Decimal),
		idempotency:  make(map[string]generic.Transaction),
	}
}

// pending holds callbacks deferred until the unit of work commits.
type pending struct{ fns []func() }

func (m *Memory) inTx(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{m}).(*pending)
	return ok
}

func (m *Memory) lock(ctx context.Context) func() {
	if m.inTx(ctx) {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

func (m *Memory) rlock(ctx context.Context) func() {
	if m.inTx(ctx) {
		return func() {}
	}
	m.mu.RLock()
	return m.mu.RUnlock
}

// Append adds a single transaction. Append-only.
func (m *Memory) Append(ctx context.Context, tx generic.Transaction) error {
	defer m.lock(ctx)()
	if err := m.check([]generic.Transaction{tx}); err != nil {
		return err
	}
	m.appendLocked(tx)
	return nil
}

// AppendBatch adds multiple transactions atomically.
func (m *Memory) AppendBatch(ctx context.Context, txs []generic.Transaction) error {
	defer m.lock(ctx)()

	// Validate everything first (atomic check)
	if err := m.check(txs); err != nil {
		return err
	}

	// Append all (atomic write)
	for _, tx := range txs {
		m.appendLocked(tx)
	}
	return nil
}

// check validates idempotency keys and non-negative counters for the batch
// as a whole, so a rejected batch leaves no trace.
func (m *Memory) check(txs []generic.Transaction) error {
	seen := make(map[string]bool)
	next := make(map[key]decimal.Decimal)
	for _, tx := range txs {
		if tx.IdempotencyKey != "" {
			if _, ok := m.idempotency[tx.IdempotencyKey]; ok || seen[tx.IdempotencyKey] {
				return generic.ErrDuplicateIdempotencyKey
			}
			seen[tx.IdempotencyKey] = true
		}

		k := key{EntityID: tx.EntityID, BookID: tx.BookID}
		current, ok := next[k]
		if !ok {
			current = m.balances[k]
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
		next[k] = updated
	}
	return nil
}

func (m *Memory) appendLocked(tx generic.Transaction) {
	k := key{EntityID: tx.EntityID, BookID: tx.BookID}
	m.transactions[k] = append(m.transactions[k], tx)
	m.balances[k] = m.balances[k].Add(tx.Delta.Value)
	if tx.IdempotencyKey != "" {
		m.idempotency[tx.IdempotencyKey] = tx
	}
}

func (m *Memory) Load(ctx context.Context, entityID generic.EntityID, bookID generic.BookID) ([]generic.Transaction, error) {
	defer m.rlock(ctx)()

	k := key{EntityID: entityID, BookID: bookID}
	result := make([]generic.Transaction, len(m.transactions[k]))
	copy(result, m.transactions[k])
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *Memory) LoadPage(ctx context.Context, entityID generic.EntityID, bookID generic.BookID, page generic.Page) ([]generic.Transaction, error) {
	all, err := m.Load(ctx, entityID, bookID)
	if err != nil {
		return nil, err
	}
	page = page.Normalize()

	result := make([]generic.Transaction, 0, page.Limit)
	for i := len(all) - 1 - page.Offset; i >= 0 && len(result) < page.Limit; i-- {
		result = append(result, all[i])
	}
	return result, nil
}

func (m *Memory) FindByIdempotencyKey(ctx context.Context, idempotencyKey string) (*generic.Transaction, error) {
	defer m.rlock(ctx)()
	tx, ok := m.idempotency[idempotencyKey]
	if !ok {
		return nil, nil
	}
	return &tx, nil
}

func (m *Memory) Balance(ctx context.Context, entityID generic.EntityID, bookID generic.BookID) (decimal.Decimal, error) {
	defer m.rlock(ctx)()
	return m.balances[key{EntityID: entityID, BookID: bookID}], nil
}

func (m *Memory) RebuildBalance(ctx context.Context, entityID generic.EntityID, bookID generic.BookID) (generic.BalanceAudit, error) {
	defer m.lock(ctx)()

	k := key{EntityID: entityID, BookID: bookID}
	replayed := generic.Replay(m.transactions[k])
	audit := generic.BalanceAudit{
		EntityID: entityID,
		BookID:   bookID,
		Counter:  m.balances[k],
		Replayed: replayed,
		Entries:  len(m.transactions[k]),
	}
	m.balances[k] = replayed
	return audit, nil
}

// corrupt overwrites a counter without a transaction. Test hook for audits.
func (m *Memory) corrupt(entityID generic.EntityID, bookID generic.BookID, value decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[key{EntityID: entityID, BookID: bookID}] = value
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The lock is held for the whole unit, so units are serialized.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if tm.inTx(ctx) {
		return fn(ctx)
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()

	// Snapshot current state
	snapshot := tm.snapshot()

	// Execute function
	p := &pending{}
	if err := fn(context.WithValue(ctx, txKey{tm.Memory}, p)); err != nil {
		// Rollback
		tm.restore(snapshot)
		return err
	}

	// Commit (already done via direct writes)
	for _, f := range p.fns {
		f()
	}
	return nil
}

// AfterCommit runs fn when the unit carried by ctx commits, or right away
// outside a unit. A rollback drops fn.
func (tm *TxMemory) AfterCommit(ctx context.Context, fn func()) {
	if p, ok := ctx.Value(txKey{tm.Memory}).(*pending); ok {
		p.fns = append(p.fns, fn)
		return
	}
	fn()
}

func (tm *TxMemory) snapshot() memorySnapshot {
	txsCopy := make(map[key][]generic.Transaction)
	for k, v := range tm.transactions {
		txsCopy[k] = append([]generic.Transaction{}, v...)
	}
	balCopy := make(map[key]decimal.Decimal)
	for k, v := range tm.balances {
		balCopy[k] = v
	}
	idempCopy := make(map[string]generic.Transaction)
	for k, v := range tm.idempotency {
		idempCopy[k] = v
	}
	return memorySnapshot{transactions: txsCopy, balances: balCopy, idempotency: idempCopy}
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.transactions = s.transactions
	tm.balances = s.balances
	tm.idempotency = s.idempotency
}

type memorySnapshot struct {
	transactions map[key][]generic.Transaction
	balances     map[key]decimal.Decimal
	idempotency  map[string]generic.Transaction
}

var (
	_ generic.TxStore        = (*TxMemory)(nil)
	_ generic.AfterCommitter = (*TxMemory)(nil)
)
