// Package queue is the facade over the durable queue engine.
//
// It owns the engine lifecycle and translates engine records into the
// stable status vocabulary (waiting, active, completed, failed). Retry,
// backoff and expiry stay with the engine; the facade only forwards the
// policy it is given.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"
	log "github.com/sirupsen/logrus"

	"github.com/tutu-network/creditgate/internal/domain"
	"github.com/tutu-network/creditgate/internal/infra/observability"
)

// Config controls queue facade behavior.
type Config struct {
	Name            string        // Engine queue name (default: document-processing)
	RetryLimit      int           // Default retries per job (default: 3)
	ExpireInHours   int           // Default active-job expiry (default: 1)
	ConnectAttempts uint          // Engine start attempts (default: 5)
	ConnectDelay    time.Duration // Base delay between start attempts (default: 200ms)
}

// DefaultConfig returns the facade defaults.
func DefaultConfig() Config {
	return Config{
		Name:            "document-processing",
		RetryLimit:      3,
		ExpireInHours:   1,
		ConnectAttempts: 5,
		ConnectDelay:    200 * time.Millisecond,
	}
}

// EnqueueOptions is the per-job delivery policy. Priority is already on the
// engine's numeric scale. Zero RetryLimit and ExpireInHours take the
// configured defaults.
type EnqueueOptions struct {
	Priority      int
	RetryLimit    int
	ExpireInHours int
}

// NormalizeState maps an engine state onto the caller-facing vocabulary.
func NormalizeState(s domain.EngineState) domain.JobStatus {
	switch s {
	case domain.EngineCreated, domain.EngineRetry:
		return domain.JobWaiting
	case domain.EngineActive:
		return domain.JobActive
	case domain.EngineCompleted:
		return domain.JobCompleted
	default:
		return domain.JobFailed
	}
}

// Manager is the process-wide queue facade.
type Manager struct {
	cfg    Config
	engine domain.QueueEngine

	mu          sync.Mutex
	initialized bool
	stopped     bool
	stopOnce    sync.Once
	stopErr     error
}

// NewManager creates a facade. The engine is started lazily.
func NewManager(cfg Config, engine domain.QueueEngine) *Manager {
	if cfg.ConnectAttempts == 0 {
		cfg.ConnectAttempts = 1
	}
	return &Manager{cfg: cfg, engine: engine}
}

// Name returns the engine queue name.
func (m *Manager) Name() string { return m.cfg.Name }

// ─── Lifecycle ──────────────────────────────────────────────────────────────

// Initialize starts the engine. Repeated calls after success are no-ops.
// Start failures are retried with backoff before giving up with
// domain.ErrQueueUnavailable.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return nil
	}
	if m.stopped {
		return fmt.Errorf("%w: queue manager stopped", domain.ErrQueueUnavailable)
	}

	err := retry.Do(
		func() error { return m.engine.Start(ctx) },
		retry.Attempts(m.cfg.ConnectAttempts),
		retry.Delay(m.cfg.ConnectDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(error) bool { return ctx.Err() == nil }),
		retry.OnRetry(func(n uint, err error) {
			log.WithFields(log.Fields{
				"component": "queue",
				"attempt":   n + 1,
			}).WithError(err).Warn("Queue engine start failed, retrying")
		}),
	)
	if err != nil {
		log.WithField("component", "queue").WithError(err).Error("Queue engine unavailable")
		return fmt.Errorf("%w: %w", domain.ErrQueueUnavailable, err)
	}

	m.initialized = true
	log.WithFields(log.Fields{
		"component": "queue",
		"queue":     m.cfg.Name,
	}).Info("Queue manager initialized")
	return nil
}

// Stop stops the engine exactly once. Later calls return the first result.
func (m *Manager) Stop(ctx context.Context) error {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.stopped = true
		if !m.initialized {
			return
		}
		m.initialized = false
		m.stopErr = m.engine.Stop(ctx)
		log.WithField("component", "queue").Info("Queue manager stopped")
	})
	return m.stopErr
}

// ─── Producer Side ──────────────────────────────────────────────────────────

// Enqueue hands data to the engine and returns the engine-assigned id.
func (m *Manager) Enqueue(ctx context.Context, data domain.JobData, opts EnqueueOptions) (string, error) {
	if err := m.Initialize(ctx); err != nil {
		return "", err
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode job data: %w", err)
	}

	retryLimit := opts.RetryLimit
	if retryLimit <= 0 {
		retryLimit = m.cfg.RetryLimit
	}
	expire := opts.ExpireInHours
	if expire <= 0 {
		expire = m.cfg.ExpireInHours
	}

	start := time.Now()
	id, err := m.engine.Send(ctx, m.cfg.Name, payload, domain.SendOptions{
		Priority:   opts.Priority,
		RetryLimit: retryLimit,
		ExpireIn:   time.Duration(expire) * time.Hour,
	})
	observability.ObserveQueueCall("enqueue", start, err)
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return id, nil
}

// ─── Queries ────────────────────────────────────────────────────────────────

// GetJobStatus returns the job's status record, or nil when the engine has
// no such job.
func (m *Manager) GetJobStatus(ctx context.Context, id string) (*domain.Job, error) {
	if err := m.Initialize(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	ej, err := m.engine.GetJobByID(ctx, m.cfg.Name, id)
	observability.ObserveQueueCall("get_job", start, err)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	if ej == nil {
		return nil, nil
	}
	job := toJob(ej)
	return &job, nil
}

// GetQueueStats returns job counts per normalized status.
func (m *Manager) GetQueueStats(ctx context.Context) (domain.QueueStats, error) {
	if err := m.Initialize(ctx); err != nil {
		return domain.QueueStats{}, err
	}
	start := time.Now()
	counts, err := m.engine.CountStates(ctx, m.cfg.Name)
	observability.ObserveQueueCall("count_states", start, err)
	if err != nil {
		return domain.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}

	var stats domain.QueueStats
	for state, n := range counts {
		switch NormalizeState(state) {
		case domain.JobWaiting:
			stats.Waiting += n
		case domain.JobActive:
			stats.Active += n
		case domain.JobCompleted:
			stats.Completed += n
		case domain.JobFailed:
			stats.Failed += n
		}
		stats.Total += n
	}

	observability.QueueJobs.WithLabelValues(string(domain.JobWaiting)).Set(float64(stats.Waiting))
	observability.QueueJobs.WithLabelValues(string(domain.JobActive)).Set(float64(stats.Active))
	observability.QueueJobs.WithLabelValues(string(domain.JobCompleted)).Set(float64(stats.Completed))
	observability.QueueJobs.WithLabelValues(string(domain.JobFailed)).Set(float64(stats.Failed))
	return stats, nil
}

// ─── Worker Side ────────────────────────────────────────────────────────────

// Fetch claims the next job for a worker, or returns nil when none waits.
func (m *Manager) Fetch(ctx context.Context) (*domain.ClaimedJob, error) {
	if err := m.Initialize(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	ej, err := m.engine.Fetch(ctx, m.cfg.Name)
	observability.ObserveQueueCall("fetch", start, err)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	if ej == nil {
		return nil, nil
	}
	return &domain.ClaimedJob{
		ID:      ej.ID,
		Data:    decodeData(ej),
		Attempt: ej.RetryCount + 1,
	}, nil
}

// Complete records the worker's result and returns what settlement needs.
func (m *Manager) Complete(ctx context.Context, id string, result json.RawMessage) (domain.CompletedJob, error) {
	if err := m.Initialize(ctx); err != nil {
		return domain.CompletedJob{}, err
	}
	start := time.Now()
	ej, err := m.engine.Complete(ctx, m.cfg.Name, id, result)
	observability.ObserveQueueCall("complete", start, err)
	if err != nil {
		return domain.CompletedJob{}, fmt.Errorf("complete %s: %w", id, err)
	}
	return domain.CompletedJob{
		ID:     ej.ID,
		Data:   decodeData(ej),
		Result: ej.Output,
	}, nil
}

// Fail records a failed attempt. The engine decides whether to retry.
func (m *Manager) Fail(ctx context.Context, id, reason string) (*domain.Job, error) {
	if err := m.Initialize(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	ej, err := m.engine.Fail(ctx, m.cfg.Name, id, reason)
	observability.ObserveQueueCall("fail", start, err)
	if err != nil {
		return nil, fmt.Errorf("fail %s: %w", id, err)
	}
	job := toJob(ej)
	return &job, nil
}

// ─── Translation ────────────────────────────────────────────────────────────

func decodeData(ej *domain.EngineJob) domain.JobData {
	var data domain.JobData
	if err := json.Unmarshal(ej.Data, &data); err != nil {
		log.WithFields(log.Fields{
			"component": "queue",
			"job":       ej.ID,
		}).WithError(err).Warn("Undecodable job data")
	}
	return data
}

func toJob(ej *domain.EngineJob) domain.Job {
	data := decodeData(ej)
	job := domain.Job{
		ID:        ej.ID,
		TenantID:  data.TenantID,
		Status:    NormalizeState(ej.State),
		Priority:  domain.PriorityFromEngine(ej.Priority),
		CreatedAt: ej.CreatedOn,
	}

	switch job.Status {
	case domain.JobCompleted:
		job.Progress = 100
		job.Result = ej.Output
		job.ProcessedAt = ej.CompletedOn
	case domain.JobFailed:
		job.Error = ej.LastError
		job.ProcessedAt = ej.FailedOn
	case domain.JobWaiting:
		// A retried job keeps the error of its last attempt.
		job.Error = ej.LastError
	}
	return job
}
