// Package admission gates job submissions on tenant credit and assigns each
// admitted job a scheduling priority.
//
// Steps run strictly in order: resolve the tenant, check credits, resolve
// priority, enqueue. A refused submission never reaches the queue. No credit
// is consumed here; completed jobs are charged by the settlement handler.
package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/tutu-network/creditgate/internal/app/queue"
	"github.com/tutu-network/creditgate/internal/domain"
	"github.com/tutu-network/creditgate/internal/infra/observability"
)

// ─── Collaborators ──────────────────────────────────────────────────────────

// CreditChecker answers whether a tenant may be admitted.
type CreditChecker interface {
	HasCredits(ctx context.Context, tenantID string, required decimal.Decimal) (bool, error)
}

// PriorityResolver supplies the date-driven priority.
type PriorityResolver interface {
	JobPriority(t time.Time) domain.Priority
	IsSurgePeriod(t time.Time) bool
	SurgeMultiplier(t time.Time) float64
}

// Enqueuer hands admitted jobs to the queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, data domain.JobData, opts queue.EnqueueOptions) (string, error)
}

// ─── Tenant Context ─────────────────────────────────────────────────────────

type contextKey struct{}

// WithTenant returns a context carrying the admission key.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, contextKey{}, tenantID)
}

// TenantFromContext returns the admission key on ctx, if any.
func TenantFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(contextKey{}).(string)
	return id, ok && id != ""
}

// ─── Resolver ───────────────────────────────────────────────────────────────

// Config controls resolver behavior.
type Config struct {
	IdempotencyTTL time.Duration // How long an idempotency key maps to its job (default: 24h)
}

// DefaultConfig returns resolver defaults.
func DefaultConfig() Config {
	return Config{IdempotencyTTL: 24 * time.Hour}
}

// SubmitOptions are caller choices for one submission. An empty Priority
// lets the surge calendar decide. Zero RetryLimit and ExpireInHours take
// the queue defaults.
type SubmitOptions struct {
	Priority       domain.Priority
	RetryLimit     int
	ExpireInHours  int
	IdempotencyKey string
}

// Submission is the result of an admitted submission.
type Submission struct {
	JobID     string          `json:"job_id"`
	Priority  domain.Priority `json:"priority"`
	Surge     bool            `json:"surge"`
	Duplicate bool            `json:"duplicate,omitempty"`
}

// Resolver composes the ledger, surge calendar and queue into admission.
type Resolver struct {
	credits CreditChecker
	pricing PriorityResolver
	queue   Enqueuer
	seen    *cache.Cache
	tracer  *observability.Tracer
	now     func() time.Time // injectable clock for testing
}

// New creates a resolver. pricing may be nil, in which case every job
// without an explicit priority is normal.
func New(cfg Config, credits CreditChecker, pricing PriorityResolver, q Enqueuer, tracer *observability.Tracer) *Resolver {
	ttl := cfg.IdempotencyTTL
	if ttl <= 0 {
		ttl = DefaultConfig().IdempotencyTTL
	}
	return &Resolver{
		credits: credits,
		pricing: pricing,
		queue:   q,
		seen:    cache.New(ttl, ttl/2),
		tracer:  tracer,
		now:     time.Now,
	}
}

// SubmitJob admits and enqueues a job for the tenant on ctx.
//
// Errors: domain.ErrMissingTenant when ctx has no tenant,
// domain.ErrInvalidPriority for an unknown explicit priority,
// domain.ErrInsufficientCredits when the tenant holds less than one credit,
// and domain.ErrSubmissionFailed wrapping the underlying cause when the
// ledger or the queue fails.
func (r *Resolver) SubmitJob(ctx context.Context, payload json.RawMessage, opts SubmitOptions) (sub Submission, err error) {
	tenant, ok := TenantFromContext(ctx)
	if !ok {
		observability.AdmissionDecisions.WithLabelValues("missing_tenant").Inc()
		return Submission{}, domain.ErrMissingTenant
	}
	if opts.Priority != "" && !opts.Priority.Valid() {
		return Submission{}, fmt.Errorf("%w %q", domain.ErrInvalidPriority, opts.Priority)
	}

	span := r.tracer.StartSpan(ctx, "admission.submit", map[string]string{"tenant": tenant})
	defer func() { r.tracer.EndSpan(span, err) }()

	cacheKey := tenant + "\x00" + opts.IdempotencyKey
	if opts.IdempotencyKey != "" {
		if prior, found := r.seen.Get(cacheKey); found {
			dup := prior.(Submission)
			dup.Duplicate = true
			observability.AdmissionDecisions.WithLabelValues("duplicate").Inc()
			return dup, nil
		}
	}

	logger := log.WithField("tenant", tenant)

	allowed, err := r.credits.HasCredits(ctx, tenant, domain.OneCredit)
	if err != nil {
		observability.AdmissionDecisions.WithLabelValues("error").Inc()
		logger.WithError(err).Error("Credit check failed")
		return Submission{}, fmt.Errorf("%w: %w", domain.ErrSubmissionFailed, err)
	}
	if !allowed {
		observability.AdmissionDecisions.WithLabelValues("insufficient_credits").Inc()
		logger.Info("Submission refused: insufficient credits")
		return Submission{}, domain.ErrInsufficientCredits
	}

	now := r.now()
	priority, surge := r.resolvePriority(now, opts.Priority)
	logger = logger.WithField("priority", priority)

	id, err := r.queue.Enqueue(ctx, domain.JobData{
		TenantID:    tenant,
		Priority:    priority,
		Payload:     payload,
		SubmittedAt: now,
	}, queue.EnqueueOptions{
		Priority:      priority.EngineValue(),
		RetryLimit:    opts.RetryLimit,
		ExpireInHours: opts.ExpireInHours,
	})
	if err != nil {
		observability.AdmissionDecisions.WithLabelValues("error").Inc()
		logger.WithError(err).Error("Enqueue failed")
		return Submission{}, fmt.Errorf("%w: %w", domain.ErrSubmissionFailed, err)
	}

	sub = Submission{JobID: id, Priority: priority, Surge: surge}
	if opts.IdempotencyKey != "" {
		r.seen.SetDefault(cacheKey, sub)
	}

	observability.AdmissionDecisions.WithLabelValues("admitted").Inc()
	observability.AdmittedByPriority.WithLabelValues(string(priority)).Inc()
	logger.WithFields(log.Fields{"job": id, "surge": surge}).Info("Job admitted")
	return sub, nil
}

// resolvePriority applies the explicit override, then the surge calendar,
// then normal.
func (r *Resolver) resolvePriority(now time.Time, override domain.Priority) (domain.Priority, bool) {
	if r.pricing == nil {
		if override != "" {
			return override, false
		}
		return domain.PriorityNormal, false
	}

	surge := r.pricing.IsSurgePeriod(now)
	observability.SetSurge(surge, r.pricing.SurgeMultiplier(now))
	if override != "" {
		return override, surge
	}
	if p := r.pricing.JobPriority(now); p.Valid() {
		return p, surge
	}
	return domain.PriorityNormal, surge
}
