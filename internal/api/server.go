// Package api provides the HTTP server for creditgate.
// It exposes job submission, worker callbacks, credit and pricing endpoints.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/tutu-network/creditgate/internal/app/admission"
	"github.com/tutu-network/creditgate/internal/app/executor"
	"github.com/tutu-network/creditgate/internal/app/ledger"
	"github.com/tutu-network/creditgate/internal/app/queue"
	"github.com/tutu-network/creditgate/internal/app/settlement"
	"github.com/tutu-network/creditgate/internal/app/surge"
	"github.com/tutu-network/creditgate/internal/domain"
	"github.com/tutu-network/creditgate/internal/infra/observability"
)

// TenantHeader carries the admission key on every tenant-scoped request.
const TenantHeader = "X-Tenant-ID"

// retryAfterSeconds is advertised when the queue is unavailable.
const retryAfterSeconds = "5"

// Services holds the application services the API fronts.
type Services struct {
	Admission  *admission.Resolver
	Queue      *queue.Manager
	Ledger     *ledger.Ledger
	Pricing    *surge.Calculator
	Settlement *settlement.Handler
	Executor   *executor.Executor    // optional: in-process worker stats
	Tracer     *observability.Tracer // optional: debug span listing
}

// Server is the creditgate HTTP API server.
type Server struct {
	svc            Services
	version        string
	adminToken     string
	metricsEnabled bool
	requestTimeout time.Duration
}

// NewServer creates a new API server.
func NewServer(svc Services, version string) *Server {
	return &Server{svc: svc, version: version, requestTimeout: time.Minute}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetAdminToken requires "Authorization: Bearer <token>" on admin routes.
// An empty token leaves them open.
func (s *Server) SetAdminToken(token string) { s.adminToken = token }

// SetRequestTimeout bounds handler execution.
func (s *Server) SetRequestTimeout(d time.Duration) {
	if d > 0 {
		s.requestTimeout = d
	}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.requestTimeout))
	r.Use(corsMiddleware)
	r.Use(requestContext)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleSubmitJob)
			r.Get("/{id}", s.handleGetJob)
			r.Post("/{id}/complete", s.handleCompleteJob)
			r.Post("/{id}/fail", s.handleFailJob)
		})

		r.Post("/worker/fetch", s.handleFetchJob)
		r.Get("/worker/stats", s.handleWorkerStats)
		r.Get("/queue/stats", s.handleQueueStats)

		r.Get("/pricing", s.handlePricing)
		r.Get("/pricing/config", s.handleGetSurgeConfig)
		r.With(s.requireAdmin).Put("/pricing/config", s.handleUpdateSurgeConfig)

		r.Get("/credits", s.handleBalance)
		r.Get("/credits/history", s.handleHistory)

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Put("/credits/default", s.handleSetDefaultBalance)
			r.Post("/credits/{tenant}", s.handleGrantCredits)
		})

		r.Get("/debug/spans", s.handleSpans)
	})

	// Prometheus metrics endpoint
	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// requestContext attaches the tenant header and a trace id to the request
// context.
func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if tenant := strings.TrimSpace(r.Header.Get(TenantHeader)); tenant != "" {
			ctx = admission.WithTenant(ctx, tenant)
		}
		if id := middleware.GetReqID(ctx); id != "" {
			ctx = observability.WithTraceID(ctx, id)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAdmin rejects requests without the configured bearer token.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.adminToken)) != 1 {
				writeError(w, http.StatusUnauthorized, "admin token required")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
			"type":    errorType(status),
		},
	})
}

// writeDomainError maps a service error onto its HTTP status.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	if status >= 500 {
		log.WithFields(log.Fields{
			"component":  "api",
			"path":       r.URL.Path,
			"request_id": middleware.GetReqID(r.Context()),
		}).WithError(err).Error("Request failed")
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, domain.ErrQueueUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrMissingTenant),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrAmountOutOfRange),
		errors.Is(err, domain.ErrInvalidPriority),
		errors.Is(err, domain.ErrInvalidSurgeConfig):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrJobNotActive):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func errorType(status int) string {
	switch status {
	case http.StatusPaymentRequired:
		return "insufficient_credits"
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusServiceUnavailable:
		return "unavailable"
	default:
		return "error"
	}
}

// decodeBody decodes a JSON request body into v. An empty body leaves v
// untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// corsMiddleware adds CORS headers for browser clients.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key, "+TenantHeader)
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
