// Package executor drives workers over the job queue.
//
// The executor:
//  1. Claims the next job when a concurrency slot is free
//  2. Runs it through a Processor under a per-job timeout
//  3. Records success or failure with the queue
//  4. Hands completed jobs to settlement for billing
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tutu-network/creditgate/internal/app/settlement"
	"github.com/tutu-network/creditgate/internal/domain"
	"github.com/tutu-network/creditgate/internal/infra/observability"
)

// Processor does the actual work for a job and returns its JSON result.
type Processor interface {
	Process(ctx context.Context, job domain.ClaimedJob) (json.RawMessage, error)
}

// JobSource is the worker side of the queue.
type JobSource interface {
	Fetch(ctx context.Context) (*domain.ClaimedJob, error)
	Complete(ctx context.Context, id string, result json.RawMessage) (domain.CompletedJob, error)
	Fail(ctx context.Context, id, reason string) (*domain.Job, error)
}

// Settler bills completed jobs.
type Settler interface {
	OnJobCompleted(ctx context.Context, job domain.CompletedJob) settlement.Settlement
}

// Config controls executor behavior.
type Config struct {
	MaxConcurrent  int           // Maximum concurrent jobs (default: 4)
	DefaultTimeout time.Duration // Per-job processing timeout (default: 5m)
	PollInterval   time.Duration // Wait after an empty or failed fetch (default: 1s)
}

// DefaultConfig returns safe executor defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  4,
		DefaultTimeout: 5 * time.Minute,
		PollInterval:   time.Second,
	}
}

// Executor runs the claim-process-settle loop.
type Executor struct {
	mu        sync.RWMutex
	config    Config
	source    JobSource
	processor Processor
	settler   Settler
	sem       chan struct{} // Concurrency semaphore
	wg        sync.WaitGroup
	active    int
	completed int64
	failed    int64
}

// New creates an executor.
func New(cfg Config, source JobSource, processor Processor, settler Settler) *Executor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	return &Executor{
		config:    cfg,
		source:    source,
		processor: processor,
		settler:   settler,
		sem:       make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Run claims and executes jobs until ctx is cancelled, then waits for
// in-flight jobs to be recorded.
func (e *Executor) Run(ctx context.Context) {
	log.WithFields(log.Fields{
		"component":      "executor",
		"max_concurrent": e.config.MaxConcurrent,
	}).Info("Executor started")
	defer func() {
		e.wg.Wait()
		log.WithField("component", "executor").Info("Executor stopped")
	}()

	for {
		select {
		case e.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		job, err := e.source.Fetch(ctx)
		if err != nil || job == nil {
			<-e.sem // Release slot
			if err != nil && ctx.Err() == nil {
				log.WithField("component", "executor").WithError(err).Warn("Fetch failed")
			}
			select {
			case <-time.After(e.config.PollInterval):
				continue
			case <-ctx.Done():
				return
			}
		}

		e.wg.Add(1)
		go e.execute(ctx, *job)
	}
}

// RunOnce claims at most one job and processes it synchronously.
// It reports whether a job was found.
func (e *Executor) RunOnce(ctx context.Context) (bool, error) {
	e.sem <- struct{}{}
	job, err := e.source.Fetch(ctx)
	if err != nil || job == nil {
		<-e.sem
		return false, err
	}
	e.wg.Add(1)
	e.execute(ctx, *job)
	return true, nil
}

// execute runs a claimed job through processing and recording.
func (e *Executor) execute(ctx context.Context, job domain.ClaimedJob) {
	defer e.wg.Done()
	defer func() { <-e.sem }() // Release concurrency slot

	e.mu.Lock()
	e.active++
	e.mu.Unlock()
	observability.WorkerActive.Inc()

	defer func() {
		e.mu.Lock()
		e.active--
		e.mu.Unlock()
		observability.WorkerActive.Dec()
	}()

	logger := log.WithFields(log.Fields{
		"component": "executor",
		"job":       job.ID,
		"tenant":    job.Data.TenantID,
		"priority":  job.Data.Priority,
		"attempt":   job.Attempt,
	})
	logger.Debug("Processing job")

	execCtx, cancel := context.WithTimeout(ctx, e.config.DefaultTimeout)
	result, err := e.processor.Process(execCtx, job)
	cancel()

	// Outcomes are recorded even when the loop is shutting down.
	recordCtx := context.WithoutCancel(ctx)
	if err != nil {
		e.failJob(recordCtx, logger, job.ID, err.Error())
		return
	}

	done, err := e.source.Complete(recordCtx, job.ID, result)
	if err != nil {
		logger.WithError(err).Error("Recording completion failed")
		e.countFailed()
		return
	}

	hash := sha256.Sum256(result)
	s := e.settler.OnJobCompleted(recordCtx, done)
	logger.WithFields(log.Fields{
		"result_sha256": hex.EncodeToString(hash[:])[:16],
		"settlement":    s.Outcome,
	}).Info("Job completed")

	e.mu.Lock()
	e.completed++
	e.mu.Unlock()
	observability.WorkerJobs.WithLabelValues("completed").Inc()
}

// failJob records a failed attempt with the queue.
func (e *Executor) failJob(ctx context.Context, logger *log.Entry, id, reason string) {
	job, err := e.source.Fail(ctx, id, reason)
	if err != nil {
		logger.WithError(err).Error("Recording failure failed")
	} else {
		logger.WithFields(log.Fields{
			"reason": reason,
			"status": job.Status,
		}).Warn("Job attempt failed")
	}
	e.countFailed()
}

func (e *Executor) countFailed() {
	e.mu.Lock()
	e.failed++
	e.mu.Unlock()
	observability.WorkerJobs.WithLabelValues("failed").Inc()
}

// Stats returns executor statistics.
type Stats struct {
	Active    int   `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	MaxSlots  int   `json:"max_slots"`
	FreeSlots int   `json:"free_slots"`
}

// Stats returns current executor statistics.
func (e *Executor) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return Stats{
		Active:    e.active,
		Completed: e.completed,
		Failed:    e.failed,
		MaxSlots:  e.config.MaxConcurrent,
		FreeSlots: e.config.MaxConcurrent - e.active,
	}
}

// ActiveCount returns the number of jobs currently being processed.
func (e *Executor) ActiveCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active
}
