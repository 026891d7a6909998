package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tutu-network/creditgate/internal/app/admission"
	"github.com/tutu-network/creditgate/internal/app/settlement"
	"github.com/tutu-network/creditgate/internal/domain"
)

// ─── Jobs API ───────────────────────────────────────────────────────────────
//
// POST /v1/jobs                 submit a job for the X-Tenant-ID tenant
// GET  /v1/jobs/{id}            job status
// POST /v1/jobs/{id}/complete   worker reports success; settles credits
// POST /v1/jobs/{id}/fail       worker reports a failed attempt
// POST /v1/worker/fetch         claim the next job (204 when none waits)
// GET  /v1/worker/stats         in-process executor statistics
// GET  /v1/queue/stats          job counts per status

type submitRequest struct {
	Payload       json.RawMessage `json:"payload"`
	Priority      string          `json:"priority,omitempty"`
	RetryLimit    int             `json:"retry_limit,omitempty"`
	ExpireInHours int             `json:"expire_in_hours,omitempty"`
}

// handleSubmitJob admits a job.
// POST /v1/jobs
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.RetryLimit < 0 || req.ExpireInHours < 0 {
		writeError(w, http.StatusBadRequest, "retry_limit and expire_in_hours must not be negative")
		return
	}

	opts := admission.SubmitOptions{
		RetryLimit:     req.RetryLimit,
		ExpireInHours:  req.ExpireInHours,
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	}
	if req.Priority != "" {
		p, err := domain.ParsePriority(req.Priority)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		opts.Priority = p
	}

	sub, err := s.svc.Admission.SubmitJob(r.Context(), req.Payload, opts)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sub)
}

// GET /v1/jobs/{id}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.svc.Queue.GetJobStatus(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if job == nil {
		writeDomainError(w, r, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type completeRequest struct {
	Result json.RawMessage `json:"result"`
}

type completeResponse struct {
	JobID      string                `json:"job_id"`
	Status     domain.JobStatus      `json:"status"`
	Settlement settlement.Settlement `json:"settlement"`
}

// POST /v1/jobs/{id}/complete
func (s *Server) handleCompleteJob(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	done, err := s.svc.Queue.Complete(r.Context(), chi.URLParam(r, "id"), req.Result)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	// The job is already completed; a cancelled callback must not lose the charge.
	// Settlement outcome is reported, never turned into an error status.
	settled := s.svc.Settlement.OnJobCompleted(context.WithoutCancel(r.Context()), done)

	writeJSON(w, http.StatusOK, completeResponse{
		JobID:      done.ID,
		Status:     domain.JobCompleted,
		Settlement: settled,
	})
}

type failRequest struct {
	Reason string `json:"reason"`
}

// POST /v1/jobs/{id}/fail
func (s *Server) handleFailJob(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = "worker reported failure"
	}

	job, err := s.svc.Queue.Fail(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type claimedResponse struct {
	JobID       string          `json:"job_id"`
	TenantID    string          `json:"tenant_id"`
	Priority    domain.Priority `json:"priority"`
	Attempt     int             `json:"attempt"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	SubmittedAt string          `json:"submitted_at"`
}

// POST /v1/worker/fetch
func (s *Server) handleFetchJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Queue.Fetch(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, claimedResponse{
		JobID:       job.ID,
		TenantID:    job.Data.TenantID,
		Priority:    job.Data.Priority,
		Attempt:     job.Attempt,
		Payload:     job.Data.Payload,
		SubmittedAt: job.Data.SubmittedAt.Format(time.RFC3339Nano),
	})
}

// GET /v1/worker/stats
func (s *Server) handleWorkerStats(w http.ResponseWriter, r *http.Request) {
	if s.svc.Executor == nil {
		writeError(w, http.StatusNotFound, "in-process worker not enabled")
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Executor.Stats())
}

// GET /v1/queue/stats
func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Queue.GetQueueStats(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
