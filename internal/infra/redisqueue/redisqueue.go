// Package redisqueue is a Redis-backed queue engine.
//
// Layout per queue:
//
//	<prefix>job:<id>                 hash with the job record
//	<prefix>queue:<q>:waiting        zset scored by priority, then submission order
//	<prefix>queue:<q>:state:<state>  set of job ids in each engine state
//	<prefix>queue:<q>:deadlines      zset of active job ids scored by expiry
//	<prefix>queue:<q>:seq            submission counter
//
// Ownership of a transition is decided by a single-key removal (ZREM on the
// waiting set for claims, SREM on the active set for completion, failure and
// expiry). Only the caller whose removal returned 1 applies the transition.
package redisqueue

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tutu-network/creditgate/internal/domain"
)

const (
	// priorityWeight separates priority classes in the waiting score so the
	// submission sequence only breaks ties within a class.
	priorityWeight = 1e12

	expiredReason = "job expired before completion"
)

// Config holds the Redis connection settings.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// DefaultConfig returns settings for a local Redis.
func DefaultConfig() Config {
	return Config{
		Addr:      "localhost:6379",
		KeyPrefix: "creditgate:",
	}
}

// Engine implements domain.QueueEngine on Redis.
type Engine struct {
	client    *redis.Client
	prefix    string
	started   atomic.Bool
	closeOnce sync.Once
	now       func() time.Time // injectable clock for testing
}

// New creates an engine. No connection is made until Start.
func New(cfg Config) *Engine {
	return &Engine{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		prefix: cfg.KeyPrefix,
		now:    time.Now,
	}
}

// Start verifies the connection.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.client.WithContext(ctx).Ping().Err(); err != nil {
		return errors.Wrapf(err, "ping redis %s", e.client.Options().Addr)
	}
	e.started.Store(true)
	log.WithFields(log.Fields{
		"component": "redisqueue",
		"addr":      e.client.Options().Addr,
	}).Info("Redis queue engine started")
	return nil
}

// Stop closes the client. Later calls are no-ops.
func (e *Engine) Stop(context.Context) error {
	e.started.Store(false)
	var err error
	e.closeOnce.Do(func() { err = e.client.Close() })
	return errors.WithStack(err)
}

func (e *Engine) conn(ctx context.Context) (*redis.Client, error) {
	if !e.started.Load() {
		return nil, errors.Wrap(domain.ErrQueueUnavailable, "redisqueue not started")
	}
	return e.client.WithContext(ctx), nil
}

// ─── Keys ───────────────────────────────────────────────────────────────────

func (e *Engine) jobKey(id string) string { return e.prefix + "job:" + id }

func (e *Engine) queueKey(queue, suffix string) string {
	return e.prefix + "queue:" + queue + ":" + suffix
}

func (e *Engine) stateKey(queue string, state domain.EngineState) string {
	return e.queueKey(queue, "state:"+string(state))
}

func waitingScore(priority int, seq int64) float64 {
	return float64(priority)*priorityWeight - float64(seq)
}

// ─── Producer Side ──────────────────────────────────────────────────────────

// Send stores a new job in the created state and adds it to the waiting set.
func (e *Engine) Send(ctx context.Context, queue string, data []byte, opts domain.SendOptions) (string, error) {
	c, err := e.conn(ctx)
	if err != nil {
		return "", err
	}
	seq, err := c.Incr(e.queueKey(queue, "seq")).Result()
	if err != nil {
		return "", errors.Wrap(err, "next sequence")
	}

	id := uuid.NewString()
	pipe := c.TxPipeline()
	pipe.HMSet(e.jobKey(id), map[string]interface{}{
		"queue":       queue,
		"state":       string(domain.EngineCreated),
		"data":        data,
		"priority":    opts.Priority,
		"seq":         seq,
		"retry_count": 0,
		"retry_limit": opts.RetryLimit,
		"expire_in":   int64(opts.ExpireIn),
		"created_on":  e.now().UnixNano(),
	})
	pipe.SAdd(e.stateKey(queue, domain.EngineCreated), id)
	pipe.ZAdd(e.queueKey(queue, "waiting"), redis.Z{
		Member: id,
		Score:  waitingScore(opts.Priority, seq),
	})
	if _, err := pipe.Exec(); err != nil {
		return "", errors.Wrap(err, "store job")
	}
	return id, nil
}

// ─── Queries ────────────────────────────────────────────────────────────────

// GetJobByID returns the job, or nil when it is unknown to queue.
func (e *Engine) GetJobByID(ctx context.Context, queue, id string) (*domain.EngineJob, error) {
	c, err := e.conn(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.reapExpired(c, queue); err != nil {
		return nil, err
	}
	job, err := e.load(c, id)
	if err != nil || job == nil || job.Queue != queue {
		return nil, err
	}
	return job, nil
}

// GetQueueSize counts jobs waiting to be fetched.
func (e *Engine) GetQueueSize(ctx context.Context, queue string) (int, error) {
	c, err := e.conn(ctx)
	if err != nil {
		return 0, err
	}
	if err := e.reapExpired(c, queue); err != nil {
		return 0, err
	}
	n, err := c.ZCard(e.queueKey(queue, "waiting")).Result()
	if err != nil {
		return 0, errors.Wrap(err, "queue size")
	}
	return int(n), nil
}

// CountStates counts the jobs of queue in every engine state.
func (e *Engine) CountStates(ctx context.Context, queue string) (map[domain.EngineState]int, error) {
	c, err := e.conn(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.reapExpired(c, queue); err != nil {
		return nil, err
	}

	pipe := c.Pipeline()
	cmds := make(map[domain.EngineState]*redis.IntCmd, len(domain.EngineStates))
	for _, state := range domain.EngineStates {
		cmds[state] = pipe.SCard(e.stateKey(queue, state))
	}
	if _, err := pipe.Exec(); err != nil {
		return nil, errors.Wrap(err, "count states")
	}
	counts := make(map[domain.EngineState]int, len(cmds))
	for state, cmd := range cmds {
		counts[state] = int(cmd.Val())
	}
	return counts, nil
}

// ─── Worker Side ────────────────────────────────────────────────────────────

// Fetch claims the highest-scored waiting job and marks it active.
func (e *Engine) Fetch(ctx context.Context, queue string) (*domain.EngineJob, error) {
	c, err := e.conn(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.reapExpired(c, queue); err != nil {
		return nil, err
	}

	waiting := e.queueKey(queue, "waiting")
	for {
		ids, err := c.ZRevRange(waiting, 0, 0).Result()
		if err != nil {
			return nil, errors.Wrap(err, "peek waiting")
		}
		if len(ids) == 0 {
			return nil, nil
		}
		id := ids[0]
		won, err := c.ZRem(waiting, id).Result()
		if err != nil {
			return nil, errors.Wrap(err, "claim job")
		}
		if won == 0 {
			continue // another worker claimed it first
		}

		job, err := e.load(c, id)
		if err != nil {
			return nil, err
		}
		if job == nil {
			continue
		}

		now := e.now()
		pipe := c.TxPipeline()
		pipe.HMSet(e.jobKey(id), map[string]interface{}{
			"state":      string(domain.EngineActive),
			"started_on": now.UnixNano(),
		})
		pipe.SMove(e.stateKey(queue, job.State), e.stateKey(queue, domain.EngineActive), id)
		if job.ExpireIn > 0 {
			pipe.ZAdd(e.queueKey(queue, "deadlines"), redis.Z{
				Member: id,
				Score:  float64(now.Add(job.ExpireIn).UnixNano()),
			})
		}
		if _, err := pipe.Exec(); err != nil {
			return nil, errors.Wrapf(err, "activate job %s", id)
		}

		job.State = domain.EngineActive
		job.StartedOn = &now
		return job, nil
	}
}

// Complete records success for an active job.
func (e *Engine) Complete(ctx context.Context, queue, id string, output []byte) (*domain.EngineJob, error) {
	c, err := e.conn(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.reapExpired(c, queue); err != nil {
		return nil, err
	}
	job, err := e.takeActive(c, queue, id)
	if err != nil {
		return nil, err
	}

	now := e.now()
	pipe := c.TxPipeline()
	pipe.HMSet(e.jobKey(id), map[string]interface{}{
		"state":        string(domain.EngineCompleted),
		"output":       output,
		"completed_on": now.UnixNano(),
	})
	pipe.SAdd(e.stateKey(queue, domain.EngineCompleted), id)
	pipe.ZRem(e.queueKey(queue, "deadlines"), id)
	if _, err := pipe.Exec(); err != nil {
		return nil, errors.Wrapf(err, "complete job %s", id)
	}

	job.State = domain.EngineCompleted
	job.Output = output
	job.CompletedOn = &now
	return job, nil
}

// Fail records a failed attempt. The job returns to the waiting set until its
// retry limit is used up, then becomes failed.
func (e *Engine) Fail(ctx context.Context, queue, id, reason string) (*domain.EngineJob, error) {
	c, err := e.conn(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.reapExpired(c, queue); err != nil {
		return nil, err
	}
	job, err := e.takeActive(c, queue, id)
	if err != nil {
		return nil, err
	}
	return e.failAttempt(c, job, reason, domain.EngineFailed)
}

// takeActive removes id from the active set. Only one caller can succeed.
func (e *Engine) takeActive(c *redis.Client, queue, id string) (*domain.EngineJob, error) {
	removed, err := c.SRem(e.stateKey(queue, domain.EngineActive), id).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "release job %s", id)
	}
	job, err := e.load(c, id)
	if err != nil {
		return nil, err
	}
	if job == nil || job.Queue != queue {
		return nil, errors.Wrapf(domain.ErrJobNotFound, "job %s", id)
	}
	if removed == 0 {
		return nil, errors.Wrapf(domain.ErrJobNotActive, "job %s is %s", id, job.State)
	}
	return job, nil
}

// failAttempt moves a job taken from the active set to retry, or to
// terminal when its retry limit is reached.
func (e *Engine) failAttempt(c *redis.Client, job *domain.EngineJob, reason string, terminal domain.EngineState) (*domain.EngineJob, error) {
	now := e.now()
	pipe := c.TxPipeline()
	pipe.ZRem(e.queueKey(job.Queue, "deadlines"), job.ID)

	if job.RetryCount < job.RetryLimit {
		job.RetryCount++
		job.State = domain.EngineRetry
		job.StartedOn = nil
		seq, err := c.HGet(e.jobKey(job.ID), "seq").Int64()
		if err != nil {
			return nil, errors.Wrapf(err, "read sequence of %s", job.ID)
		}
		pipe.HMSet(e.jobKey(job.ID), map[string]interface{}{
			"state":       string(job.State),
			"retry_count": job.RetryCount,
			"last_error":  reason,
			"started_on":  0,
		})
		pipe.ZAdd(e.queueKey(job.Queue, "waiting"), redis.Z{
			Member: job.ID,
			Score:  waitingScore(job.Priority, seq),
		})
	} else {
		job.State = terminal
		job.FailedOn = &now
		pipe.HMSet(e.jobKey(job.ID), map[string]interface{}{
			"state":      string(job.State),
			"last_error": reason,
			"failed_on":  now.UnixNano(),
		})
	}
	pipe.SAdd(e.stateKey(job.Queue, job.State), job.ID)
	if _, err := pipe.Exec(); err != nil {
		return nil, errors.Wrapf(err, "fail job %s", job.ID)
	}
	job.LastError = reason
	return job, nil
}

// reapExpired fails active jobs of queue whose deadline has passed.
func (e *Engine) reapExpired(c *redis.Client, queue string) error {
	deadlines := e.queueKey(queue, "deadlines")
	ids, err := c.ZRangeByScore(deadlines, redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(e.now().UnixNano(), 10),
	}).Result()
	if err != nil {
		return errors.Wrap(err, "scan deadlines")
	}

	for _, id := range ids {
		removed, err := c.SRem(e.stateKey(queue, domain.EngineActive), id).Result()
		if err != nil {
			return errors.Wrapf(err, "release expired job %s", id)
		}
		if removed == 0 {
			c.ZRem(deadlines, id)
			continue
		}
		job, err := e.load(c, id)
		if err != nil {
			return err
		}
		if job == nil {
			continue
		}
		job, err = e.failAttempt(c, job, expiredReason, domain.EngineExpired)
		if err != nil {
			return err
		}
		log.WithFields(log.Fields{
			"component": "redisqueue",
			"job":       id,
			"state":     job.State,
		}).Warn("Active job expired")
	}
	return nil
}

// ─── Decoding ───────────────────────────────────────────────────────────────

func (e *Engine) load(c *redis.Client, id string) (*domain.EngineJob, error) {
	fields, err := c.HGetAll(e.jobKey(id)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "load job %s", id)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	job := &domain.EngineJob{
		ID:         id,
		Queue:      fields["queue"],
		State:      domain.EngineState(fields["state"]),
		Data:       []byte(fields["data"]),
		LastError:  fields["last_error"],
		Priority:   atoi(fields["priority"]),
		RetryCount: atoi(fields["retry_count"]),
		RetryLimit: atoi(fields["retry_limit"]),
		ExpireIn:   time.Duration(atoi64(fields["expire_in"])),
		CreatedOn:  time.Unix(0, atoi64(fields["created_on"])),
	}
	if out, ok := fields["output"]; ok {
		job.Output = []byte(out)
	}
	job.StartedOn = optionalTime(fields["started_on"])
	job.CompletedOn = optionalTime(fields["completed_on"])
	job.FailedOn = optionalTime(fields["failed_on"])
	return job, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func optionalTime(s string) *time.Time {
	n := atoi64(s)
	if n == 0 {
		return nil
	}
	t := time.Unix(0, n)
	return &t
}
