/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  One database holds both ledger books (EKO points and wallet money), the
  hosting catalog and services, renewal records and the EKO settings row.
  Keeping them in one database lets a single SQL transaction cover a
  redemption (points debit + wallet credit) or a renewal (wallet debit +
  service update + renewal record + points).

INTERFACES IMPLEMENTED:
  generic.TxStore:    Ledger transactions and balance counters
  hosting.Repository: Plans, services, renewals, unit of work
  eko.SettingsStore:  EkoGlobalSettings singleton

UNIT OF WORK:
  WithTx begins a transaction and stores it in the context. Every method
  picks its querier from the context, so code running inside fn joins the
  transaction without knowing about it, and a nested WithTx joins the outer
  one. Write units are serialized by a mutex; SQLite has a single writer
  anyway and this avoids SQLITE_BUSY upgrades.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on the transactions table
  - No DELETE statements on the transactions table
  - Corrections via compensating transactions only

KEY TABLES:
  transactions:  Immutable ledger of all balance changes (both books)
  balances:      Counter per (entity, book), updated with every insert
  plans:         Hosting plans
  services:      Service aggregate rows with optimistic version column
  renewals:      Applied payments, unique per payment reference
  eko_settings:  Singleton settings row

INDEXES:
  - transactions.idempotency_key UNIQUE: one-time grants, payment references
  - renewals.reference UNIQUE: webhook redelivery is a no-op
  - services.subscription_ref UNIQUE: one service per gateway subscription

USAGE:
  store, err := sqlite.New("./data/hosting.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  points := eko.NewLedger(store, settings, wallet.New(generic.NewLedger(store)))

SEE ALSO:
  - generic/store.go: Ledger store interfaces
  - hosting/repository.go: Lifecycle persistence interfaces
  - generic/store/memory.go: In-memory ledger store for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// timeLayout is fixed-width so that text ordering is chronological.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"
	if dbPath != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate applies the schema. Each statement is idempotent.
func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range migrations() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func migrations() []string {
	return []string{
		// Transactions (append-only ledger, all books)
		`CREATE TABLE IF NOT EXISTS transactions (
			id              TEXT PRIMARY KEY,
			entity_id       TEXT NOT NULL,
			book_id         TEXT NOT NULL,
			delta_value     TEXT NOT NULL,
			delta_unit      TEXT NOT NULL,
			tx_type         TEXT NOT NULL,
			reference_id    TEXT,
			reason          TEXT,
			idempotency_key TEXT UNIQUE,
			metadata_json   TEXT,
			created_by      TEXT,
			created_at      TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_entity_book_created
			ON transactions(entity_id, book_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_reference
			ON transactions(reference_id) WHERE reference_id IS NOT NULL`,

		// Balance counters, maintained in the same transaction as each insert
		`CREATE TABLE IF NOT EXISTS balances (
			entity_id  TEXT NOT NULL,
			book_id    TEXT NOT NULL,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (entity_id, book_id)
		)`,

		`CREATE TABLE IF NOT EXISTS plans (
			id                       TEXT PRIMARY KEY,
			name                     TEXT NOT NULL,
			monthly_price            TEXT NOT NULL,
			yearly_price             TEXT,
			cpu                      INTEGER NOT NULL CHECK (cpu > 0),
			ram_mb                   INTEGER NOT NULL CHECK (ram_mb > 0),
			disk_gb                  INTEGER NOT NULL CHECK (disk_gb > 0),
			transfer_gb              INTEGER NOT NULL CHECK (transfer_gb > 0),
			is_public                INTEGER NOT NULL DEFAULT 1,
			gateway_product_id       TEXT,
			gateway_monthly_price_id TEXT,
			gateway_yearly_price_id  TEXT,
			created_at               TEXT NOT NULL,
			updated_at               TEXT NOT NULL
		)`,

		// Services. auto_renew and subscription_ref are mutually exclusive.
		`CREATE TABLE IF NOT EXISTS services (
			id               TEXT PRIMARY KEY,
			owner_id         TEXT NOT NULL,
			plan_id          TEXT NOT NULL REFERENCES plans(id),
			status           TEXT NOT NULL,
			billing_cycle    TEXT NOT NULL,
			expires_at       TEXT NOT NULL,
			billing_day      INTEGER NOT NULL DEFAULT 0,
			auto_renew       INTEGER NOT NULL DEFAULT 0,
			subscription_ref TEXT UNIQUE,
			cancelled_at     TEXT,
			cancel_reason    TEXT,
			version          INTEGER NOT NULL DEFAULT 1,
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL,
			CHECK (NOT (auto_renew = 1 AND subscription_ref IS NOT NULL))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_services_owner ON services(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_services_status_expires ON services(status, expires_at)`,

		`CREATE TABLE IF NOT EXISTS renewals (
			id            TEXT PRIMARY KEY,
			service_id    TEXT NOT NULL REFERENCES services(id),
			account_id    TEXT NOT NULL,
			reference     TEXT NOT NULL UNIQUE,
			source        TEXT NOT NULL,
			amount        TEXT NOT NULL,
			billing_cycle TEXT NOT NULL,
			period_start  TEXT NOT NULL,
			period_end    TEXT NOT NULL,
			created_at    TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_renewals_service ON renewals(service_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS eko_settings (
			id                        INTEGER PRIMARY KEY CHECK (id = 1),
			points_per_currency_unit  INTEGER NOT NULL CHECK (points_per_currency_unit > 0),
			points_to_plant_tree      INTEGER NOT NULL CHECK (points_to_plant_tree > 0),
			points_for_dark_mode      INTEGER NOT NULL CHECK (points_for_dark_mode > 0),
			points_for_2fa            INTEGER NOT NULL CHECK (points_for_2fa > 0),
			points_for_auto_renew     INTEGER NOT NULL CHECK (points_for_auto_renew > 0),
			points_for_yearly_payment INTEGER NOT NULL CHECK (points_for_yearly_payment > 0),
			updated_at                TEXT NOT NULL
		)`,
	}
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{ s *Store }

// unit is the transaction carried by a context plus the callbacks waiting
// for its commit.
type unit struct {
	tx    *sql.Tx
	after []func()
}

func (s *Store) unitFrom(ctx context.Context) *unit {
	u, _ := ctx.Value(txKey{s}).(*unit)
	return u
}

func (s *Store) txFrom(ctx context.Context) *sql.Tx {
	if u := s.unitFrom(ctx); u != nil {
		return u.tx
	}
	return nil
}

// q returns the transaction carried by ctx, or the pool.
func (s *Store) q(ctx context.Context) querier {
	if tx := s.txFrom(ctx); tx != nil {
		return tx
	}
	return s.db
}

// WithTx executes fn within a database transaction carried by the context.
// Nested calls join the outer transaction. Once begun, a unit runs to commit
// or rollback even if ctx is cancelled.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.txFrom(ctx) != nil {
		return fn(ctx)
	}
	ctx = context.WithoutCancel(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	u := &unit{tx: sqlTx}
	if err := fn(context.WithValue(ctx, txKey{s}, u)); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return err
	}
	for _, f := range u.after {
		f()
	}
	return nil
}

// AfterCommit runs fn once the unit carried by ctx commits, or right away
// when ctx carries none. A rolled back unit drops fn.
func (s *Store) AfterCommit(ctx context.Context, fn func()) {
	if u := s.unitFrom(ctx); u != nil {
		u.after = append(u.after, fn)
		return
	}
	fn()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

func firstLine(stmt string) string {
	stmt = strings.TrimSpace(stmt)
	if i := strings.IndexByte(stmt, '\n'); i >= 0 {
		stmt = stmt[:i]
	}
	return stmt
}
