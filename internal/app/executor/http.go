package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	log "github.com/sirupsen/logrus"

	"github.com/tutu-network/creditgate/internal/domain"
)

// maxResultBytes bounds the size of a worker response accepted as a result.
const maxResultBytes = 4 << 20

// ErrResultTooLarge fails an attempt whose response exceeds maxResultBytes.
var ErrResultTooLarge = errors.New("worker result too large")

// HTTPConfig configures the HTTP worker processor.
type HTTPConfig struct {
	URL        string        // Worker endpoint receiving job POSTs
	Timeout    time.Duration // Per-request timeout (default: 2m)
	RetryMax   int           // Transport-level retries per attempt (default: 2)
	RetryWait  time.Duration // Minimum wait between transport retries (default: 500ms)
	AuthHeader string        // Optional Authorization header value
}

// DefaultHTTPConfig returns HTTP processor defaults.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Timeout:   2 * time.Minute,
		RetryMax:  2,
		RetryWait: 500 * time.Millisecond,
	}
}

// workRequest is the body POSTed to the worker.
type workRequest struct {
	JobID    string          `json:"job_id"`
	TenantID string          `json:"tenant_id"`
	Priority domain.Priority `json:"priority"`
	Attempt  int             `json:"attempt"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// HTTPProcessor hands each job to a remote worker over HTTP and uses the
// response body as the job result.
type HTTPProcessor struct {
	cfg    HTTPConfig
	client *retryablehttp.Client
}

// NewHTTPProcessor creates a processor posting to cfg.URL.
func NewHTTPProcessor(cfg HTTPConfig) *HTTPProcessor {
	def := DefaultHTTPConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = def.RetryWait
	}

	client := retryablehttp.NewClient()
	client.HTTPClient.Timeout = cfg.Timeout
	client.RetryMax = cfg.RetryMax
	client.RetryWaitMin = cfg.RetryWait
	client.RetryWaitMax = 8 * cfg.RetryWait
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.Logger = leveledLogger{log.WithField("component", "worker-http")}

	return &HTTPProcessor{cfg: cfg, client: client}
}

// Process implements Processor.
func (p *HTTPProcessor) Process(ctx context.Context, job domain.ClaimedJob) (json.RawMessage, error) {
	body, err := json.Marshal(workRequest{
		JobID:    job.ID,
		TenantID: job.Data.TenantID,
		Priority: job.Data.Priority,
		Attempt:  job.Attempt,
		Payload:  job.Data.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encode work request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build work request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.AuthHeader != "" {
		req.Header.Set("Authorization", p.cfg.AuthHeader)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("worker request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResultBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read worker response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("worker returned %d: %s", resp.StatusCode, truncate(raw, 200))
	}
	if len(raw) > maxResultBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrResultTooLarge, maxResultBytes)
	}
	return asJSON(raw), nil
}

// asJSON returns raw when it is valid JSON and a JSON string otherwise.
func asJSON(raw []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	quoted, _ := json.Marshal(string(raw))
	return quoted
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// leveledLogger adapts logrus to retryablehttp's structured logger.
type leveledLogger struct{ entry *log.Entry }

func (l leveledLogger) fields(kv []interface{}) *log.Entry {
	e := l.entry
	for i := 0; i+1 < len(kv); i += 2 {
		e = e.WithField(fmt.Sprint(kv[i]), kv[i+1])
	}
	return e
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.fields(kv).Error(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.fields(kv).Debug(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.fields(kv).Debug(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.fields(kv).Warn(msg) }
