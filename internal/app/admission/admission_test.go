package admission

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutu-network/creditgate/internal/app/ledger"
	"github.com/tutu-network/creditgate/internal/app/queue"
	"github.com/tutu-network/creditgate/internal/app/surge"
	"github.com/tutu-network/creditgate/internal/domain"
	"github.com/tutu-network/creditgate/internal/infra/memqueue"
	"github.com/tutu-network/creditgate/internal/infra/observability"
	"github.com/tutu-network/creditgate/internal/infra/sqlite"
)

// ─── Fakes ──────────────────────────────────────────────────────────────────

type stubCredits struct {
	allowed bool
	err     error
	calls   int
}

func (s *stubCredits) HasCredits(context.Context, string, decimal.Decimal) (bool, error) {
	s.calls++
	return s.allowed, s.err
}

type recordingQueue struct {
	mu    sync.Mutex
	calls []enqueueCall
	err   error
}

type enqueueCall struct {
	data domain.JobData
	opts queue.EnqueueOptions
}

func (q *recordingQueue) Enqueue(_ context.Context, data domain.JobData, opts queue.EnqueueOptions) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	q.calls = append(q.calls, enqueueCall{data: data, opts: opts})
	return "job-" + string(rune('a'+len(q.calls)-1)), nil
}

func newCalculator(t *testing.T) *surge.Calculator {
	t.Helper()
	c, err := surge.NewCalculator(surge.DefaultConfig())
	require.NoError(t, err)
	return c
}

func newTestResolver(t *testing.T, credits CreditChecker, q Enqueuer, at time.Time) *Resolver {
	t.Helper()
	r := New(DefaultConfig(), credits, newCalculator(t), q, observability.NewTracer(observability.DefaultTracerConfig()))
	r.now = func() time.Time { return at }
	return r
}

var (
	surgeDay  = time.Date(2025, 6, 20, 10, 0, 0, 0, time.UTC)
	normalDay = time.Date(2025, 5, 20, 10, 0, 0, 0, time.UTC)
	payload   = json.RawMessage(`{"document":"report.pdf"}`)
)

// ─── Tenant Context ─────────────────────────────────────────────────────────

func TestTenantContext(t *testing.T) {
	_, ok := TenantFromContext(context.Background())
	assert.False(t, ok)

	_, ok = TenantFromContext(WithTenant(context.Background(), ""))
	assert.False(t, ok)

	id, ok := TenantFromContext(WithTenant(context.Background(), "acme"))
	assert.True(t, ok)
	assert.Equal(t, "acme", id)
}

// ─── Admission ──────────────────────────────────────────────────────────────

func TestSubmitJob_MissingTenant(t *testing.T) {
	credits := &stubCredits{allowed: true}
	q := &recordingQueue{}
	r := newTestResolver(t, credits, q, normalDay)

	_, err := r.SubmitJob(context.Background(), payload, SubmitOptions{})
	assert.ErrorIs(t, err, domain.ErrMissingTenant)
	assert.Zero(t, credits.calls)
	assert.Empty(t, q.calls)
}

func TestSubmitJob_InsufficientCreditsNeverEnqueues(t *testing.T) {
	credits := &stubCredits{allowed: false}
	q := &recordingQueue{}
	r := newTestResolver(t, credits, q, surgeDay)

	_, err := r.SubmitJob(WithTenant(context.Background(), "broke"), payload, SubmitOptions{Priority: domain.PriorityUrgent})
	assert.ErrorIs(t, err, domain.ErrInsufficientCredits)
	assert.Equal(t, 1, credits.calls)
	assert.Empty(t, q.calls)
}

func TestSubmitJob_SurgePriority(t *testing.T) {
	tests := []struct {
		name      string
		at        time.Time
		want      domain.Priority
		wantValue int
		wantSurge bool
	}{
		{"surge window", surgeDay, domain.PriorityHigh, 10, true},
		{"normal day", normalDay, domain.PriorityNormal, 5, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &recordingQueue{}
			r := newTestResolver(t, &stubCredits{allowed: true}, q, tt.at)

			sub, err := r.SubmitJob(WithTenant(context.Background(), "acme"), payload, SubmitOptions{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, sub.Priority)
			assert.Equal(t, tt.wantSurge, sub.Surge)
			assert.NotEmpty(t, sub.JobID)

			require.Len(t, q.calls, 1)
			call := q.calls[0]
			assert.Equal(t, tt.wantValue, call.opts.Priority)
			assert.Equal(t, "acme", call.data.TenantID)
			assert.Equal(t, tt.want, call.data.Priority)
			assert.Equal(t, tt.at, call.data.SubmittedAt)
			assert.JSONEq(t, string(payload), string(call.data.Payload))
		})
	}
}

func TestSubmitJob_ExplicitPriorityWins(t *testing.T) {
	q := &recordingQueue{}
	r := newTestResolver(t, &stubCredits{allowed: true}, q, surgeDay)

	sub, err := r.SubmitJob(WithTenant(context.Background(), "acme"), payload,
		SubmitOptions{Priority: domain.PriorityLow, RetryLimit: 9, ExpireInHours: 2})
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityLow, sub.Priority)
	assert.True(t, sub.Surge)
	assert.Equal(t, queue.EnqueueOptions{Priority: 1, RetryLimit: 9, ExpireInHours: 2}, q.calls[0].opts)
}

func TestSubmitJob_InvalidPriority(t *testing.T) {
	q := &recordingQueue{}
	r := newTestResolver(t, &stubCredits{allowed: true}, q, normalDay)

	_, err := r.SubmitJob(WithTenant(context.Background(), "acme"), payload, SubmitOptions{Priority: "critical"})
	assert.ErrorIs(t, err, domain.ErrInvalidPriority)
	assert.Empty(t, q.calls)
}

func TestSubmitJob_NoCalendarMeansNormal(t *testing.T) {
	q := &recordingQueue{}
	r := New(DefaultConfig(), &stubCredits{allowed: true}, nil, q, nil)

	sub, err := r.SubmitJob(WithTenant(context.Background(), "acme"), payload, SubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityNormal, sub.Priority)
	assert.Equal(t, 5, q.calls[0].opts.Priority)
}

func TestSubmitJob_EnqueueFailureIsWrapped(t *testing.T) {
	q := &recordingQueue{err: domain.ErrQueueUnavailable}
	r := newTestResolver(t, &stubCredits{allowed: true}, q, normalDay)

	_, err := r.SubmitJob(WithTenant(context.Background(), "acme"), payload, SubmitOptions{})
	assert.ErrorIs(t, err, domain.ErrSubmissionFailed)
	assert.ErrorIs(t, err, domain.ErrQueueUnavailable)
}

func TestSubmitJob_CreditCheckFailureIsWrapped(t *testing.T) {
	boom := errors.New("database is locked")
	q := &recordingQueue{}
	r := newTestResolver(t, &stubCredits{err: boom}, q, normalDay)

	_, err := r.SubmitJob(WithTenant(context.Background(), "acme"), payload, SubmitOptions{})
	assert.ErrorIs(t, err, domain.ErrSubmissionFailed)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, q.calls)
}

func TestSubmitJob_IdempotencyKey(t *testing.T) {
	credits := &stubCredits{allowed: true}
	q := &recordingQueue{}
	r := newTestResolver(t, credits, q, normalDay)
	ctx := WithTenant(context.Background(), "acme")

	first, err := r.SubmitJob(ctx, payload, SubmitOptions{IdempotencyKey: "upload-7"})
	require.NoError(t, err)
	second, err := r.SubmitJob(ctx, payload, SubmitOptions{IdempotencyKey: "upload-7"})
	require.NoError(t, err)

	assert.Equal(t, first.JobID, second.JobID)
	assert.True(t, second.Duplicate)
	assert.Len(t, q.calls, 1)
	assert.Equal(t, 1, credits.calls)

	// Keys are scoped per tenant.
	other, err := r.SubmitJob(WithTenant(context.Background(), "globex"), payload, SubmitOptions{IdempotencyKey: "upload-7"})
	require.NoError(t, err)
	assert.NotEqual(t, first.JobID, other.JobID)
	assert.Len(t, q.calls, 2)
}

func TestSubmitJob_FailedSubmissionIsNotRemembered(t *testing.T) {
	q := &recordingQueue{err: errors.New("down")}
	r := newTestResolver(t, &stubCredits{allowed: true}, q, normalDay)
	ctx := WithTenant(context.Background(), "acme")

	_, err := r.SubmitJob(ctx, payload, SubmitOptions{IdempotencyKey: "k"})
	require.Error(t, err)

	q.err = nil
	sub, err := r.SubmitJob(ctx, payload, SubmitOptions{IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.False(t, sub.Duplicate)
}

// ─── End To End ─────────────────────────────────────────────────────────────

// A tenant with zero balance is refused and the waiting count is unchanged.
func TestSubmitJob_ZeroBalanceLeavesQueueUntouched(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	l := ledger.New(ledger.Config{DefaultBalance: decimal.Zero}, db)

	engine, err := memqueue.New()
	require.NoError(t, err)
	m := queue.NewManager(queue.DefaultConfig(), engine)
	t.Cleanup(func() { m.Stop(ctx) })

	r := newTestResolver(t, l, m, normalDay)

	before, err := m.GetQueueStats(ctx)
	require.NoError(t, err)

	_, err = r.SubmitJob(WithTenant(ctx, "broke"), payload, SubmitOptions{})
	assert.ErrorIs(t, err, domain.ErrInsufficientCredits)

	after, err := m.GetQueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.Waiting, after.Waiting)

	// A funded tenant goes through and priority reaches the engine.
	_, err = l.CreditCredits(ctx, "funded", decimal.NewFromInt(5), "top-up")
	require.NoError(t, err)
	sub, err := r.SubmitJob(WithTenant(ctx, "funded"), payload, SubmitOptions{})
	require.NoError(t, err)

	job, err := m.GetJobStatus(ctx, sub.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityNormal, job.Priority)
	assert.Equal(t, "funded", job.TenantID)

	after, err = m.GetQueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.Waiting+1, after.Waiting)
}
