// Package memqueue is an in-process queue engine built on go-memdb.
//
// Jobs are held in a single memdb table. An order index over
// (queue, waiting, rank, seq) yields the next job to hand out with a single
// LowerBound lookup: highest priority first, then submission order.
// Records stored in the db are never modified in place; every transition
// inserts a fresh copy.
package memqueue

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tutu-network/creditgate/internal/domain"
)

const (
	jobsTable  = "jobs"
	idIndex    = "id"    // lookup by job id
	orderIndex = "order" // waiting jobs of a queue in dequeue order
	stateIndex = "state" // jobs of a queue in a given engine state

	expiredReason = "job expired before completion"
)

// record is the memdb row. Rank inverts the engine priority so ascending
// index order dequeues the highest priority first.
type record struct {
	ID       string
	Queue    string
	State    string
	Waiting  bool
	Rank     uint32
	Seq      int64
	Deadline int64 // unix nanos; zero when not active
	Job      domain.EngineJob
}

func rankOf(priority int) uint32 {
	switch {
	case priority < 0:
		priority = 0
	case priority > math.MaxInt32:
		priority = math.MaxInt32
	}
	return uint32(math.MaxInt32 - priority)
}

// Engine implements domain.QueueEngine in memory.
type Engine struct {
	db      *memdb.MemDB
	seq     atomic.Int64
	started atomic.Bool
	now     func() time.Time // injectable clock for testing
}

// New creates an engine. It must be started before use.
func New() (*Engine, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Engine{db: db, now: time.Now}, nil
}

// Start marks the engine ready.
func (e *Engine) Start(context.Context) error {
	e.started.Store(true)
	log.WithField("component", "memqueue").Info("In-memory queue engine started")
	return nil
}

// Stop rejects further calls. Stored jobs are kept.
func (e *Engine) Stop(context.Context) error {
	e.started.Store(false)
	return nil
}

func (e *Engine) ready() error {
	if !e.started.Load() {
		return errors.Wrap(domain.ErrQueueUnavailable, "memqueue not started")
	}
	return nil
}

// ─── Producer Side ──────────────────────────────────────────────────────────

// Send stores a new job in the created state.
func (e *Engine) Send(_ context.Context, queue string, data []byte, opts domain.SendOptions) (string, error) {
	if err := e.ready(); err != nil {
		return "", err
	}
	job := domain.EngineJob{
		ID:         uuid.NewString(),
		Queue:      queue,
		State:      domain.EngineCreated,
		Data:       append([]byte(nil), data...),
		Priority:   opts.Priority,
		RetryLimit: opts.RetryLimit,
		ExpireIn:   opts.ExpireIn,
		CreatedOn:  e.now(),
	}
	rec := &record{
		ID:      job.ID,
		Queue:   queue,
		State:   string(job.State),
		Waiting: true,
		Rank:    rankOf(job.Priority),
		Seq:     e.seq.Add(1),
		Job:     job,
	}

	txn := e.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(jobsTable, rec); err != nil {
		return "", errors.WithStack(err)
	}
	txn.Commit()
	return job.ID, nil
}

// ─── Queries ────────────────────────────────────────────────────────────────

// GetJobByID returns the job, or nil when it is unknown to queue.
func (e *Engine) GetJobByID(_ context.Context, queue, id string) (*domain.EngineJob, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := e.reapExpired(queue); err != nil {
		return nil, err
	}
	rec, err := getByID(e.db.Txn(false), id)
	if err != nil || rec == nil || rec.Queue != queue {
		return nil, err
	}
	job := rec.Job
	return &job, nil
}

// GetQueueSize counts jobs waiting to be fetched.
func (e *Engine) GetQueueSize(ctx context.Context, queue string) (int, error) {
	counts, err := e.CountStates(ctx, queue)
	if err != nil {
		return 0, err
	}
	return counts[domain.EngineCreated] + counts[domain.EngineRetry], nil
}

// CountStates counts the jobs of queue in every engine state.
func (e *Engine) CountStates(_ context.Context, queue string) (map[domain.EngineState]int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := e.reapExpired(queue); err != nil {
		return nil, err
	}
	txn := e.db.Txn(false)
	counts := make(map[domain.EngineState]int, len(domain.EngineStates))
	for _, state := range domain.EngineStates {
		it, err := txn.Get(jobsTable, stateIndex, queue, string(state))
		if err != nil {
			return nil, errors.WithStack(err)
		}
		for obj := it.Next(); obj != nil; obj = it.Next() {
			counts[state]++
		}
	}
	return counts, nil
}

// ─── Worker Side ────────────────────────────────────────────────────────────

// Fetch claims the next waiting job and marks it active.
func (e *Engine) Fetch(_ context.Context, queue string) (*domain.EngineJob, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := e.reapExpired(queue); err != nil {
		return nil, err
	}

	txn := e.db.Txn(true)
	defer txn.Abort()
	it, err := txn.LowerBound(jobsTable, orderIndex, queue, true, uint32(0), int64(0))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	obj := it.Next()
	if obj == nil {
		return nil, nil
	}
	rec := obj.(*record)
	if rec.Queue != queue || !rec.Waiting {
		// The index is sorted by queue then waiting, so nothing is waiting.
		return nil, nil
	}

	now := e.now()
	next := *rec
	next.Waiting = false
	next.State = string(domain.EngineActive)
	next.Job.State = domain.EngineActive
	next.Job.StartedOn = &now
	if next.Job.ExpireIn > 0 {
		next.Deadline = now.Add(next.Job.ExpireIn).UnixNano()
	}
	if err := txn.Insert(jobsTable, &next); err != nil {
		return nil, errors.WithStack(err)
	}
	txn.Commit()

	job := next.Job
	return &job, nil
}

// Complete records success for an active job.
func (e *Engine) Complete(_ context.Context, queue, id string, output []byte) (*domain.EngineJob, error) {
	return e.finish(queue, id, func(next *record, now time.Time) {
		next.State = string(domain.EngineCompleted)
		next.Job.State = domain.EngineCompleted
		next.Job.Output = append([]byte(nil), output...)
		next.Job.CompletedOn = &now
	})
}

// Fail records a failed attempt. The job returns to the retry state until
// its retry limit is used up, then becomes failed.
func (e *Engine) Fail(_ context.Context, queue, id, reason string) (*domain.EngineJob, error) {
	return e.finish(queue, id, func(next *record, now time.Time) {
		failAttempt(next, now, reason, domain.EngineFailed)
	})
}

func (e *Engine) finish(queue, id string, apply func(*record, time.Time)) (*domain.EngineJob, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := e.reapExpired(queue); err != nil {
		return nil, err
	}

	txn := e.db.Txn(true)
	defer txn.Abort()
	rec, err := getByID(txn, id)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Queue != queue {
		return nil, errors.Wrapf(domain.ErrJobNotFound, "job %s", id)
	}
	if rec.Job.State != domain.EngineActive {
		return nil, errors.Wrapf(domain.ErrJobNotActive, "job %s is %s", id, rec.Job.State)
	}

	next := *rec
	next.Deadline = 0
	apply(&next, e.now())
	if err := txn.Insert(jobsTable, &next); err != nil {
		return nil, errors.WithStack(err)
	}
	txn.Commit()

	job := next.Job
	return &job, nil
}

// failAttempt moves an active record to retry, or to terminal when the retry
// limit is reached.
func failAttempt(next *record, now time.Time, reason string, terminal domain.EngineState) {
	next.Deadline = 0
	next.Job.LastError = reason
	if next.Job.RetryCount < next.Job.RetryLimit {
		next.Job.RetryCount++
		next.Job.State = domain.EngineRetry
		next.Job.StartedOn = nil
		next.Waiting = true
	} else {
		next.Job.State = terminal
		next.Job.FailedOn = &now
		next.Waiting = false
	}
	next.State = string(next.Job.State)
}

// reapExpired fails active jobs of queue whose deadline has passed.
func (e *Engine) reapExpired(queue string) error {
	now := e.now()
	txn := e.db.Txn(true)
	defer txn.Abort()

	it, err := txn.Get(jobsTable, stateIndex, queue, string(domain.EngineActive))
	if err != nil {
		return errors.WithStack(err)
	}
	var expired []*record
	for obj := it.Next(); obj != nil; obj = it.Next() {
		rec := obj.(*record)
		if rec.Deadline > 0 && rec.Deadline <= now.UnixNano() {
			expired = append(expired, rec)
		}
	}
	if len(expired) == 0 {
		return nil
	}

	for _, rec := range expired {
		next := *rec
		failAttempt(&next, now, expiredReason, domain.EngineExpired)
		if err := txn.Insert(jobsTable, &next); err != nil {
			return errors.WithStack(err)
		}
		log.WithFields(log.Fields{
			"component": "memqueue",
			"job":       rec.ID,
			"state":     next.Job.State,
		}).Warn("Active job expired")
	}
	txn.Commit()
	return nil
}

func getByID(txn *memdb.Txn, id string) (*record, error) {
	obj, err := txn.First(jobsTable, idIndex, id)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, nil
	}
	return obj.(*record), nil
}

// schema creates the single-table database schema.
func schema() *memdb.DBSchema {
	indexes := map[string]*memdb.IndexSchema{
		idIndex: {
			Name:    idIndex,
			Unique:  true,
			Indexer: &memdb.StringFieldIndex{Field: "ID"},
		},
		orderIndex: {
			Name:   orderIndex,
			Unique: false,
			Indexer: &memdb.CompoundIndex{
				Indexes: []memdb.Indexer{
					&memdb.StringFieldIndex{Field: "Queue"},
					&memdb.BoolFieldIndex{Field: "Waiting"},
					&memdb.UintFieldIndex{Field: "Rank"},
					&memdb.IntFieldIndex{Field: "Seq"},
				},
			},
		},
		stateIndex: {
			Name:   stateIndex,
			Unique: false,
			Indexer: &memdb.CompoundIndex{
				Indexes: []memdb.Indexer{
					&memdb.StringFieldIndex{Field: "Queue"},
					&memdb.StringFieldIndex{Field: "State"},
				},
			},
		},
	}
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			jobsTable: {
				Name:    jobsTable,
				Indexes: indexes,
			},
		},
	}
}
