package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// CreditStore abstracts durable per-tenant balances and their transaction log.
// Implementations must apply each Mutation atomically per tenant.
type CreditStore interface {
	// Balance returns the tenant's balance, creating it at baseline if unseen.
	Balance(ctx context.Context, tenantID string, baseline decimal.Decimal) (decimal.Decimal, error)

	// Apply performs a debit or credit. A debit larger than the balance
	// returns ok=false and changes nothing.
	Apply(ctx context.Context, m Mutation) (tx CreditTransaction, ok bool, err error)

	// History returns the newest transactions first, at most limit.
	History(ctx context.Context, tenantID string, limit int) ([]CreditTransaction, error)
}

// ─── Queue Engine ───────────────────────────────────────────────────────────
// The durable queue engine is an external collaborator. These types mirror
// its vocabulary; the queue facade normalizes them.

// EngineState is a lifecycle state as reported by the queue engine.
type EngineState string

const (
	EngineCreated   EngineState = "created"
	EngineRetry     EngineState = "retry"
	EngineActive    EngineState = "active"
	EngineCompleted EngineState = "completed"
	EngineExpired   EngineState = "expired"
	EngineCancelled EngineState = "cancelled"
	EngineFailed    EngineState = "failed"
)

// EngineStates lists every state an engine may report.
var EngineStates = []EngineState{
	EngineCreated, EngineRetry, EngineActive, EngineCompleted,
	EngineExpired, EngineCancelled, EngineFailed,
}

// SendOptions carries per-job delivery policy to the engine.
type SendOptions struct {
	Priority   int
	RetryLimit int
	ExpireIn   time.Duration
}

// EngineJob is a job as stored by the queue engine.
type EngineJob struct {
	ID          string
	Queue       string
	State       EngineState
	Data        []byte
	Output      []byte
	LastError   string
	Priority    int
	RetryCount  int
	RetryLimit  int
	ExpireIn    time.Duration
	CreatedOn   time.Time
	StartedOn   *time.Time
	CompletedOn *time.Time
	FailedOn    *time.Time
}

// QueueEngine is the durable job queue the facade delegates to.
type QueueEngine interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Send enqueues data and returns the engine-assigned job id.
	Send(ctx context.Context, queue string, data []byte, opts SendOptions) (string, error)

	// GetJobByID returns nil, nil when the job is unknown or archived.
	GetJobByID(ctx context.Context, queue, id string) (*EngineJob, error)

	// GetQueueSize returns the number of jobs waiting to be fetched.
	GetQueueSize(ctx context.Context, queue string) (int, error)

	// CountStates returns job counts per engine state.
	CountStates(ctx context.Context, queue string) (map[EngineState]int, error)

	// Fetch claims the next waiting job, or returns nil, nil when empty.
	Fetch(ctx context.Context, queue string) (*EngineJob, error)

	// Complete records success for an active job and returns it.
	Complete(ctx context.Context, queue, id string, output []byte) (*EngineJob, error)

	// Fail records a failed attempt. The engine retries until RetryLimit.
	Fail(ctx context.Context, queue, id, reason string) (*EngineJob, error)
}
