// Package domain contains pure business types with ZERO infrastructure imports.
// It is the innermost ring of clean architecture and depends on nothing
// except small value libraries.
package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ─── Priority ───────────────────────────────────────────────────────────────

// Priority is the closed set of scheduling classes a job can receive.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// enginePriorities is the single mapping from priority class to the queue
// engine's numeric scale. Higher values are dequeued first.
var enginePriorities = map[Priority]int{
	PriorityLow:    1,
	PriorityNormal: 5,
	PriorityHigh:   10,
	PriorityUrgent: 20,
}

// EngineValue returns the engine's numeric priority for p.
// Unknown classes map to the normal value.
func (p Priority) EngineValue() int {
	if v, ok := enginePriorities[p]; ok {
		return v
	}
	return enginePriorities[PriorityNormal]
}

// Valid reports whether p is one of the known classes.
func (p Priority) Valid() bool {
	_, ok := enginePriorities[p]
	return ok
}

// PriorityFromEngine maps an engine number back to the nearest class at or
// below it. Numbers below LOW map to LOW.
func PriorityFromEngine(v int) Priority {
	switch {
	case v >= enginePriorities[PriorityUrgent]:
		return PriorityUrgent
	case v >= enginePriorities[PriorityHigh]:
		return PriorityHigh
	case v >= enginePriorities[PriorityNormal]:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// ParsePriority parses a case-insensitive priority name.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("%w %q", ErrInvalidPriority, s)
	}
	return p, nil
}

// ─── Job Types ──────────────────────────────────────────────────────────────

// JobStatus is the stable status vocabulary exposed to callers.
type JobStatus string

const (
	JobWaiting   JobStatus = "waiting"
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// JobData is what travels through the queue engine. TenantID is the admission
// key checked at submission and charged at settlement.
type JobData struct {
	TenantID    string          `json:"tenant_id"`
	Priority    Priority        `json:"priority"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

// Job is the caller-facing status record of a queued job.
type Job struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	Status      JobStatus       `json:"status"`
	Priority    Priority        `json:"priority"`
	Progress    int             `json:"progress"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
}

// QueueStats holds aggregate job counts per status. Computed on demand.
type QueueStats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// CompletedJob is handed to settlement once the engine has recorded success.
type CompletedJob struct {
	ID     string
	Data   JobData
	Result json.RawMessage
}

// ClaimedJob is a job a worker has taken from the queue.
type ClaimedJob struct {
	ID      string
	Data    JobData
	Attempt int
}
