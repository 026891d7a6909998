// Credit ledger schema and operations.
// Balances are stored as integer micro-credits so the conditional debit is a
// single exact comparison inside SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/tutu-network/creditgate/internal/domain"
)

// creditScale is the number of decimal places persisted for credit amounts.
const creditScale = 6

// maxMicros is the largest balance or amount the INTEGER columns can hold.
const maxMicros = math.MaxInt64

var maxMicrosDecimal = decimal.NewFromInt(maxMicros)

// ─── Ledger Schema ──────────────────────────────────────────────────────────

// LedgerMigrations returns the credit ledger schema statements.
// Each string is a single SQL statement (SQLite executes one at a time).
func LedgerMigrations() []string {
	return []string{
		// One row per tenant, created lazily at the baseline balance
		`CREATE TABLE IF NOT EXISTS credit_balances (
			tenant_id  TEXT PRIMARY KEY,
			balance    INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,

		// Append-only transaction log
		`CREATE TABLE IF NOT EXISTS credit_transactions (
			seq           INTEGER PRIMARY KEY AUTOINCREMENT,
			id            TEXT NOT NULL UNIQUE,
			tenant_id     TEXT NOT NULL,
			amount        INTEGER NOT NULL,
			kind          TEXT NOT NULL CHECK(kind IN ('debit', 'credit')),
			description   TEXT NOT NULL DEFAULT '',
			reference     TEXT UNIQUE,
			balance_after INTEGER NOT NULL,
			created_at    TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_tx_tenant ON credit_transactions(tenant_id, seq)`,
	}
}

// ─── Balance Operations ─────────────────────────────────────────────────────

// Balance returns a tenant's balance, inserting it at baseline if unseen.
func (db *DB) Balance(ctx context.Context, tenantID string, baseline decimal.Decimal) (decimal.Decimal, error) {
	base, err := toMicros(baseline)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "baseline balance")
	}
	now := db.timestamp()
	if _, err := db.db.ExecContext(ctx, `
		INSERT INTO credit_balances (tenant_id, balance, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO NOTHING
	`, tenantID, base, now, now); err != nil {
		return decimal.Zero, errors.Wrapf(err, "ensure balance for %s", tenantID)
	}

	var micros int64
	err = db.db.QueryRowContext(ctx, `
		SELECT balance FROM credit_balances WHERE tenant_id = ?
	`, tenantID).Scan(&micros)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "read balance for %s", tenantID)
	}
	return fromMicros(micros), nil
}

// Apply performs a debit or credit together with its transaction record in
// one SQL transaction. A debit larger than the current balance matches no row
// in the conditional UPDATE and returns ok=false without side effects. A
// credit that would push the balance past maxMicros fails with
// domain.ErrAmountOutOfRange.
func (db *DB) Apply(ctx context.Context, m domain.Mutation) (domain.CreditTransaction, bool, error) {
	amount, err := toMicros(m.Amount)
	if err != nil {
		return domain.CreditTransaction{}, false, err
	}
	if amount <= 0 {
		return domain.CreditTransaction{}, false, domain.ErrInvalidAmount
	}
	base, err := toMicros(m.Baseline)
	if err != nil {
		return domain.CreditTransaction{}, false, errors.Wrap(err, "baseline balance")
	}

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.CreditTransaction{}, false, errors.Wrap(err, "begin ledger transaction")
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if m.Reference != "" {
		var seen int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM credit_transactions WHERE reference = ?
		`, m.Reference).Scan(&seen); err != nil {
			return domain.CreditTransaction{}, false, errors.Wrap(err, "check reference")
		}
		if seen > 0 {
			return domain.CreditTransaction{}, false, domain.ErrAlreadySettled
		}
	}

	now := db.now().UTC()
	stamp := now.Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_balances (tenant_id, balance, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO NOTHING
	`, m.TenantID, base, stamp, stamp); err != nil {
		return domain.CreditTransaction{}, false, errors.Wrapf(err, "ensure balance for %s", m.TenantID)
	}

	var after int64
	signed := amount
	switch m.Kind {
	case domain.EntryDebit:
		signed = -amount
		err = tx.QueryRowContext(ctx, `
			UPDATE credit_balances SET balance = balance - ?, updated_at = ?
			WHERE tenant_id = ? AND balance >= ?
			RETURNING balance
		`, amount, stamp, m.TenantID, amount).Scan(&after)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.CreditTransaction{}, false, nil
		}
	case domain.EntryCredit:
		err = tx.QueryRowContext(ctx, `
			UPDATE credit_balances SET balance = balance + ?, updated_at = ?
			WHERE tenant_id = ? AND balance <= ?
			RETURNING balance
		`, amount, stamp, m.TenantID, maxMicros-amount).Scan(&after)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.CreditTransaction{}, false, errors.Wrapf(domain.ErrAmountOutOfRange,
				"credit %s to %s", m.Amount, m.TenantID)
		}
	default:
		return domain.CreditTransaction{}, false, fmt.Errorf("unknown entry kind %q", m.Kind)
	}
	if err != nil {
		return domain.CreditTransaction{}, false, errors.Wrapf(err, "%s %s", m.Kind, m.TenantID)
	}

	entry := domain.CreditTransaction{
		ID:           uuid.NewString(),
		TenantID:     m.TenantID,
		Amount:       fromMicros(signed),
		Kind:         m.Kind,
		Description:  m.Description,
		Reference:    m.Reference,
		BalanceAfter: fromMicros(after),
		CreatedAt:    now,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, tenant_id, amount, kind, description, reference, balance_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.TenantID, signed, string(entry.Kind), entry.Description,
		nullString(entry.Reference), after, stamp); err != nil {
		return domain.CreditTransaction{}, false, errors.Wrap(err, "insert credit transaction")
	}

	if err := tx.Commit(); err != nil {
		return domain.CreditTransaction{}, false, errors.Wrap(err, "commit ledger transaction")
	}
	return entry, true, nil
}

// ─── Transaction History ────────────────────────────────────────────────────

// History returns a tenant's transactions, newest first.
func (db *DB) History(ctx context.Context, tenantID string, limit int) ([]domain.CreditTransaction, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT id, tenant_id, amount, kind, description, COALESCE(reference, ''), balance_after, created_at
		FROM credit_transactions
		WHERE tenant_id = ?
		ORDER BY seq DESC
		LIMIT ?
	`, tenantID, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "query history for %s", tenantID)
	}
	defer rows.Close()

	var result []domain.CreditTransaction
	for rows.Next() {
		var (
			e             domain.CreditTransaction
			kind, created string
			amount, after int64
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &amount, &kind, &e.Description, &e.Reference, &after, &created); err != nil {
			return nil, errors.Wrap(err, "scan credit transaction")
		}
		e.Kind = domain.EntryKind(kind)
		e.Amount = fromMicros(amount)
		e.BalanceAfter = fromMicros(after)
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, errors.Wrapf(err, "parse created_at of transaction %s", e.ID)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func (db *DB) timestamp() string {
	return db.now().UTC().Format(time.RFC3339Nano)
}

// toMicros converts an amount to integer micro-credits. Amounts finer than
// creditScale places or beyond maxMicros are rejected rather than rounded.
func toMicros(d decimal.Decimal) (int64, error) {
	m := d.Shift(creditScale)
	if !m.IsInteger() {
		return 0, errors.Wrapf(domain.ErrInvalidAmount, "%s has more than %d decimal places", d, creditScale)
	}
	if m.Abs().GreaterThan(maxMicrosDecimal) {
		return 0, errors.Wrapf(domain.ErrAmountOutOfRange, "%s", d)
	}
	return m.IntPart(), nil
}

func fromMicros(v int64) decimal.Decimal {
	return decimal.New(v, -creditScale)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
