// Package observability holds creditgate's Prometheus metrics and a
// lightweight span recorder for the admission and settlement paths.
//
// Metrics are package-level promauto collectors registered on the default
// registry and served by the API's /metrics route.
package observability

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ═══════════════════════════════════════════════════════════════════════════
// Spans
// ═══════════════════════════════════════════════════════════════════════════

// SpanStatus indicates success/failure.
type SpanStatus int

const (
	SpanOK SpanStatus = iota
	SpanError
)

// Span records one timed operation.
type Span struct {
	TraceID   string            `json:"trace_id"`
	SpanID    string            `json:"span_id"`
	Operation string            `json:"operation"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time,omitempty"`
	Duration  time.Duration     `json:"duration,omitempty"`
	Status    SpanStatus        `json:"status"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

// TracerConfig configures the tracer.
type TracerConfig struct {
	Enabled  bool
	MaxSpans int // ring buffer size (default 1000)
}

// DefaultTracerConfig returns production defaults.
func DefaultTracerConfig() TracerConfig {
	return TracerConfig{
		Enabled:  true,
		MaxSpans: 1000,
	}
}

// Tracer keeps the most recent spans in memory for inspection.
type Tracer struct {
	mu       sync.Mutex
	spans    []Span
	maxSpans int
	enabled  bool
}

// NewTracer creates a new tracer.
func NewTracer(cfg TracerConfig) *Tracer {
	if cfg.MaxSpans <= 0 {
		cfg.MaxSpans = DefaultTracerConfig().MaxSpans
	}
	return &Tracer{
		spans:    make([]Span, 0, cfg.MaxSpans),
		maxSpans: cfg.MaxSpans,
		enabled:  cfg.Enabled,
	}
}

// StartSpan begins a span. The caller must call EndSpan. A nil Tracer is
// valid and records nothing.
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs map[string]string) *Span {
	if t == nil || !t.enabled {
		return &Span{Operation: operation}
	}
	return &Span{
		TraceID:   TraceIDFromContext(ctx),
		SpanID:    uuid.NewString(),
		Operation: operation,
		StartTime: time.Now(),
		Status:    SpanOK,
		Attrs:     attrs,
	}
}

// EndSpan completes a span and records it.
func (t *Tracer) EndSpan(span *Span, err error) {
	if t == nil || !t.enabled || span == nil {
		return
	}

	span.EndTime = time.Now()
	span.Duration = span.EndTime.Sub(span.StartTime)
	if err != nil {
		span.Status = SpanError
		if span.Attrs == nil {
			span.Attrs = make(map[string]string)
		}
		span.Attrs["error"] = err.Error()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Ring buffer: overwrite oldest if at capacity
	if len(t.spans) >= t.maxSpans {
		t.spans = t.spans[1:]
	}
	t.spans = append(t.spans, *span)
	SpansRecorded.Inc()
}

// Spans returns up to limit of the most recent spans, oldest first.
func (t *Tracer) Spans(limit int) []Span {
	if t == nil {
		return []Span{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if limit <= 0 || limit > len(t.spans) {
		limit = len(t.spans)
	}
	start := len(t.spans) - limit
	out := make([]Span, limit)
	copy(out, t.spans[start:])
	return out
}

// SpanCount returns the number of recorded spans.
func (t *Tracer) SpanCount() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.spans)
}

// ─── Context Helpers ────────────────────────────────────────────────────────

type contextKey string

const traceIDKey contextKey = "creditgate-trace-id"

// WithTraceID returns a context carrying traceID.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceIDFromContext returns the trace id on ctx, or a fresh one.
func TraceIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok && v != "" {
		return v
	}
	return uuid.NewString()
}

// ═══════════════════════════════════════════════════════════════════════════
// Prometheus Metrics
// ═══════════════════════════════════════════════════════════════════════════

// ─── Admission Metrics ──────────────────────────────────────────────────────

// AdmissionDecisions counts submission outcomes.
var AdmissionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "creditgate",
	Subsystem: "admission",
	Name:      "decisions_total",
	Help:      "Job submissions by outcome (admitted, duplicate, insufficient_credits, missing_tenant, error).",
}, []string{"outcome"})

// AdmittedByPriority counts admitted jobs per priority class.
var AdmittedByPriority = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "creditgate",
	Subsystem: "admission",
	Name:      "admitted_total",
	Help:      "Admitted jobs by assigned priority.",
}, []string{"priority"})

// ─── Surge Metrics ──────────────────────────────────────────────────────────

// SurgeActive is 1 while the surge window applies to the last evaluated instant.
var SurgeActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "creditgate",
	Subsystem: "surge",
	Name:      "active",
	Help:      "Whether the surge window is active (1) or not (0).",
})

// SurgeMultiplier is the multiplier most recently applied.
var SurgeMultiplier = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "creditgate",
	Subsystem: "surge",
	Name:      "multiplier",
	Help:      "Most recently applied pricing multiplier.",
})

// ─── Ledger Metrics ─────────────────────────────────────────────────────────

// LedgerMutations counts debit/credit attempts by result.
var LedgerMutations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "creditgate",
	Subsystem: "ledger",
	Name:      "mutations_total",
	Help:      "Ledger mutations by kind and result (applied, refused, duplicate, error).",
}, []string{"kind", "result"})

// ─── Settlement Metrics ─────────────────────────────────────────────────────

// SettlementOutcomes counts completion settlements by outcome.
var SettlementOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "creditgate",
	Subsystem: "settlement",
	Name:      "outcomes_total",
	Help:      "Completion settlements by outcome (charged, shortfall, duplicate, error).",
}, []string{"outcome"})

// CreditsCharged sums credits debited at settlement.
var CreditsCharged = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "creditgate",
	Subsystem: "settlement",
	Name:      "credits_charged_total",
	Help:      "Total credits debited for completed jobs.",
})

// ─── Queue Metrics ──────────────────────────────────────────────────────────

// QueueJobs tracks job counts per normalized status, refreshed on each stats read.
var QueueJobs = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "creditgate",
	Subsystem: "queue",
	Name:      "jobs",
	Help:      "Jobs per status as of the last stats read.",
}, []string{"status"})

// QueueOperationSeconds tracks latency of calls into the queue engine.
var QueueOperationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "creditgate",
	Subsystem: "queue",
	Name:      "operation_seconds",
	Help:      "Queue engine call latency in seconds.",
	Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
}, []string{"operation"})

// QueueErrors counts failed calls into the queue engine.
var QueueErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "creditgate",
	Subsystem: "queue",
	Name:      "errors_total",
	Help:      "Failed queue engine calls by operation.",
}, []string{"operation"})

// ─── Worker Metrics ─────────────────────────────────────────────────────────

// WorkerActive tracks jobs currently being processed by the executor.
var WorkerActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "creditgate",
	Subsystem: "worker",
	Name:      "active_jobs",
	Help:      "Jobs currently being processed.",
})

// WorkerJobs counts processed jobs by result.
var WorkerJobs = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "creditgate",
	Subsystem: "worker",
	Name:      "jobs_total",
	Help:      "Jobs processed by the executor by result (completed, failed).",
}, []string{"result"})

// ─── Trace Metrics ──────────────────────────────────────────────────────────

// SpansRecorded tracks total spans recorded.
var SpansRecorded = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "creditgate",
	Subsystem: "traces",
	Name:      "spans_recorded_total",
	Help:      "Total trace spans recorded.",
})

// ObserveQueueCall records the latency and failure of one engine call.
func ObserveQueueCall(operation string, start time.Time, err error) {
	QueueOperationSeconds.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		QueueErrors.WithLabelValues(operation).Inc()
	}
}

// SetSurge publishes the surge state applied to a decision.
func SetSurge(active bool, multiplier float64) {
	if active {
		SurgeActive.Set(1)
	} else {
		SurgeActive.Set(0)
	}
	SurgeMultiplier.Set(multiplier)
}
