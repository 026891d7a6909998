// Package settlement charges tenants for completed jobs.
//
// Billing is best effort: a failed charge is logged and counted but never
// reverses or blocks delivery of a completed job.
package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/tutu-network/creditgate/internal/domain"
	"github.com/tutu-network/creditgate/internal/infra/observability"
)

// Debiter applies an idempotent debit.
type Debiter interface {
	DebitReference(ctx context.Context, tenantID string, amount decimal.Decimal, description, reference string) (bool, error)
}

// Pricer supplies the per-job cost multiplier for an instant.
type Pricer interface {
	SurgeMultiplier(t time.Time) float64
}

// Outcome classifies a settlement attempt.
type Outcome string

const (
	OutcomeCharged   Outcome = "charged"
	OutcomeShortfall Outcome = "shortfall"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeError     Outcome = "error"
)

// Settlement describes what happened when a completed job was charged.
type Settlement struct {
	JobID    string          `json:"job_id"`
	TenantID string          `json:"tenant_id"`
	Amount   decimal.Decimal `json:"amount"`
	Outcome  Outcome         `json:"outcome"`
	Error    string          `json:"error,omitempty"`
}

// Handler settles completed jobs.
type Handler struct {
	ledger  Debiter
	pricing Pricer
	tracer  *observability.Tracer
	now     func() time.Time // injectable clock for testing
}

// New creates a settlement handler.
func New(ledger Debiter, pricing Pricer, tracer *observability.Tracer) *Handler {
	return &Handler{
		ledger:  ledger,
		pricing: pricing,
		tracer:  tracer,
		now:     time.Now,
	}
}

// Reference is the ledger reference used for a job's charge.
func Reference(jobID string) string { return "job:" + jobID }

// OnJobCompleted debits the tenant that was admitted for job by the current
// multiplier in credit units. The tenant comes from the job's own data, the
// same key checked at submission. Nothing is returned as an error.
func (h *Handler) OnJobCompleted(ctx context.Context, job domain.CompletedJob) Settlement {
	now := h.now()
	amount := decimal.NewFromFloat(h.pricing.SurgeMultiplier(now))
	s := Settlement{
		JobID:    job.ID,
		TenantID: job.Data.TenantID,
		Amount:   amount,
	}
	logger := log.WithFields(log.Fields{
		"component": "settlement",
		"job":       job.ID,
		"tenant":    job.Data.TenantID,
		"amount":    amount.String(),
	})

	span := h.tracer.StartSpan(ctx, "settlement.charge", map[string]string{
		"job":    job.ID,
		"tenant": job.Data.TenantID,
	})
	var spanErr error
	defer func() { h.tracer.EndSpan(span, spanErr) }()

	if job.Data.TenantID == "" {
		s.Outcome = OutcomeError
		spanErr = domain.ErrMissingTenant
		s.Error = spanErr.Error()
		logger.Error("Completed job carries no tenant; not charged")
		observability.SettlementOutcomes.WithLabelValues(string(s.Outcome)).Inc()
		return s
	}

	ok, err := h.ledger.DebitReference(ctx, job.Data.TenantID, amount,
		"job completed", Reference(job.ID))
	switch {
	case errors.Is(err, domain.ErrAlreadySettled):
		s.Outcome = OutcomeDuplicate
		logger.Debug("Job already settled")
	case err != nil:
		s.Outcome = OutcomeError
		s.Error = err.Error()
		spanErr = err
		logger.WithError(err).Error("Settlement failed")
	case !ok:
		s.Outcome = OutcomeShortfall
		s.Error = domain.ErrSettlementShortfall.Error()
		spanErr = domain.ErrSettlementShortfall
		logger.Warn("Settlement shortfall: balance below job cost, result delivered uncharged")
	default:
		s.Outcome = OutcomeCharged
		observability.CreditsCharged.Add(amount.InexactFloat64())
		logger.Info("Job charged")
	}
	observability.SettlementOutcomes.WithLabelValues(string(s.Outcome)).Inc()
	return s
}
