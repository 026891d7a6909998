// Package ledger enforces credit rules on top of a durable CreditStore.
//
// Every balance change is a single atomic store mutation. The service never
// reads a balance and writes it back, so concurrent debits for one tenant
// cannot both observe the same pre-debit value.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/tutu-network/creditgate/internal/domain"
	"github.com/tutu-network/creditgate/internal/infra/observability"
)

const (
	// DefaultHistoryLimit applies when a caller passes limit <= 0.
	DefaultHistoryLimit = 50
	// MaxHistoryLimit caps a single history page.
	MaxHistoryLimit = 500
)

// Config controls ledger behavior.
type Config struct {
	DefaultBalance decimal.Decimal // Baseline for unseen tenants (default: 100)
}

// DefaultConfig returns the ledger defaults.
func DefaultConfig() Config {
	return Config{DefaultBalance: decimal.NewFromInt(100)}
}

// Ledger is the credit ledger service.
type Ledger struct {
	store    domain.CreditStore
	baseline atomic.Pointer[decimal.Decimal]
}

// New creates a ledger over store. A negative baseline is clamped to zero.
func New(cfg Config, store domain.CreditStore) *Ledger {
	l := &Ledger{store: store}
	baseline := cfg.DefaultBalance
	if baseline.IsNegative() {
		baseline = decimal.Zero
	}
	l.baseline.Store(&baseline)
	return l
}

// ─── Baseline ───────────────────────────────────────────────────────────────

// DefaultBalance returns the balance an unseen tenant starts with.
func (l *Ledger) DefaultBalance() decimal.Decimal {
	return *l.baseline.Load()
}

// SetDefaultBalance changes the baseline for tenants not yet seen.
// Existing balances are unaffected.
func (l *Ledger) SetDefaultBalance(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("default balance %s: %w", amount, domain.ErrInvalidAmount)
	}
	l.baseline.Store(&amount)
	log.WithField("default_balance", amount.String()).Info("Ledger baseline updated")
	return nil
}

// ─── Queries ────────────────────────────────────────────────────────────────

// CheckBalance returns the tenant's balance. Unseen tenants are created with
// the baseline and that value is returned.
func (l *Ledger) CheckBalance(ctx context.Context, tenantID string) (decimal.Decimal, error) {
	bal, err := l.store.Balance(ctx, tenantID, l.DefaultBalance())
	if err != nil {
		return decimal.Zero, fmt.Errorf("check balance: %w", err)
	}
	return bal, nil
}

// HasCredits reports whether the tenant's balance covers required.
func (l *Ledger) HasCredits(ctx context.Context, tenantID string, required decimal.Decimal) (bool, error) {
	bal, err := l.CheckBalance(ctx, tenantID)
	if err != nil {
		return false, err
	}
	return bal.GreaterThanOrEqual(required), nil
}

// TransactionHistory returns the tenant's transactions, newest first.
// limit <= 0 means DefaultHistoryLimit; larger values are capped.
func (l *Ledger) TransactionHistory(ctx context.Context, tenantID string, limit int) ([]domain.CreditTransaction, error) {
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}
	txs, err := l.store.History(ctx, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("transaction history: %w", err)
	}
	return txs, nil
}

// ─── Mutations ──────────────────────────────────────────────────────────────

// DebitCredits subtracts amount. It returns false and changes nothing when
// amount exceeds the balance.
func (l *Ledger) DebitCredits(ctx context.Context, tenantID string, amount decimal.Decimal, description string) (bool, error) {
	return l.apply(ctx, domain.EntryDebit, tenantID, amount, description, "")
}

// DebitReference is DebitCredits made idempotent on reference. A repeated
// reference returns domain.ErrAlreadySettled.
func (l *Ledger) DebitReference(ctx context.Context, tenantID string, amount decimal.Decimal, description, reference string) (bool, error) {
	return l.apply(ctx, domain.EntryDebit, tenantID, amount, description, reference)
}

// CreditCredits adds amount to the tenant's balance.
func (l *Ledger) CreditCredits(ctx context.Context, tenantID string, amount decimal.Decimal, description string) (bool, error) {
	return l.apply(ctx, domain.EntryCredit, tenantID, amount, description, "")
}

func (l *Ledger) apply(ctx context.Context, kind domain.EntryKind, tenantID string, amount decimal.Decimal, description, reference string) (bool, error) {
	if !amount.IsPositive() {
		return false, domain.ErrInvalidAmount
	}

	entry, ok, err := l.store.Apply(ctx, domain.Mutation{
		TenantID:    tenantID,
		Kind:        kind,
		Amount:      amount,
		Description: description,
		Reference:   reference,
		Baseline:    l.DefaultBalance(),
	})
	if err != nil {
		result := "error"
		if errors.Is(err, domain.ErrAlreadySettled) {
			result = "duplicate"
		}
		observability.LedgerMutations.WithLabelValues(string(kind), result).Inc()
		return false, fmt.Errorf("%s credits: %w", kind, err)
	}
	if !ok {
		observability.LedgerMutations.WithLabelValues(string(kind), "refused").Inc()
		log.WithFields(log.Fields{
			"tenant": tenantID,
			"amount": amount.String(),
		}).Debug("Debit refused: insufficient balance")
		return false, nil
	}

	observability.LedgerMutations.WithLabelValues(string(kind), "applied").Inc()
	log.WithFields(log.Fields{
		"tenant":        tenantID,
		"kind":          kind,
		"amount":        amount.String(),
		"balance_after": entry.BalanceAfter.String(),
	}).Debug("Ledger entry recorded")
	return true, nil
}
