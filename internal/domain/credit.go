package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ─── Credit Types ───────────────────────────────────────────────────────────
// These live in domain because they represent core business rules.
// The sqlite package persists them; the ledger service enforces the rules.

// EntryKind represents the accounting side of a ledger entry.
type EntryKind string

const (
	EntryDebit  EntryKind = "debit"
	EntryCredit EntryKind = "credit"
)

// CreditTransaction is a single immutable row in the append-only credit log.
// Amount is signed: debits are stored negative, credits positive.
type CreditTransaction struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenant_id"`
	Amount       decimal.Decimal `json:"amount"`
	Kind         EntryKind       `json:"kind"`
	Description  string          `json:"description,omitempty"`
	Reference    string          `json:"reference,omitempty"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Mutation describes a single balance change requested from a CreditStore.
// Amount is always positive; Kind decides the direction.
type Mutation struct {
	TenantID    string
	Kind        EntryKind
	Amount      decimal.Decimal
	Description string
	// Reference makes the mutation idempotent when non-empty: a second
	// mutation with the same reference is rejected with ErrAlreadySettled.
	Reference string
	// Baseline is the balance an unseen tenant starts with.
	Baseline decimal.Decimal
}

// OneCredit is the default requirement for admission.
var OneCredit = decimal.NewFromInt(1)
