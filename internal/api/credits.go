package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tutu-network/creditgate/internal/app/admission"
	"github.com/tutu-network/creditgate/internal/domain"
)

// ─── Credits And Pricing API ────────────────────────────────────────────────
//
// GET /v1/credits                   caller's balance
// GET /v1/credits/history?limit=    caller's transactions, newest first
// POST /v1/admin/credits/{tenant}   manual top-up
// PUT /v1/admin/credits/default     baseline for unseen tenants
// GET /v1/pricing?date=             surge summary for an instant
// GET /v1/pricing/config            current surge configuration
// PUT /v1/pricing/config            partial surge configuration update
// GET /v1/debug/spans?limit=        recent admission and settlement spans

// tenantFrom returns the caller's tenant or writes a 400.
func tenantFrom(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenant, ok := admission.TenantFromContext(r.Context())
	if !ok {
		writeDomainError(w, r, domain.ErrMissingTenant)
	}
	return tenant, ok
}

// GET /v1/credits
func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantFrom(w, r)
	if !ok {
		return
	}
	balance, err := s.svc.Ledger.CheckBalance(r.Context(), tenant)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id": tenant,
		"balance":   balance,
	})
}

// GET /v1/credits/history
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantFrom(w, r)
	if !ok {
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	history, err := s.svc.Ledger.TransactionHistory(r.Context(), tenant, limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if history == nil {
		history = []domain.CreditTransaction{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id":    tenant,
		"transactions": history,
	})
}

type amountRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description,omitempty"`
}

// POST /v1/admin/credits/{tenant}
func (s *Server) handleGrantCredits(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	tenant := strings.TrimSpace(chi.URLParam(r, "tenant"))
	if req.Description == "" {
		req.Description = "manual top-up"
	}

	if _, err := s.svc.Ledger.CreditCredits(r.Context(), tenant, req.Amount, req.Description); err != nil {
		writeDomainError(w, r, err)
		return
	}
	balance, err := s.svc.Ledger.CheckBalance(r.Context(), tenant)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id": tenant,
		"granted":   req.Amount,
		"balance":   balance,
	})
}

// PUT /v1/admin/credits/default
func (s *Server) handleSetDefaultBalance(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := s.svc.Ledger.SetDefaultBalance(req.Amount); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"default_balance": s.svc.Ledger.DefaultBalance(),
	})
}

// GET /v1/pricing
func (s *Server) handlePricing(w http.ResponseWriter, r *http.Request) {
	at := time.Now()
	if v := r.URL.Query().Get("date"); v != "" {
		t, err := parseInstant(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		at = t
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"at":      at,
		"pricing": s.svc.Pricing.PricingInfo(at),
		"config":  s.svc.Pricing.Config(),
	})
}

// parseInstant accepts an RFC 3339 timestamp or a plain date (UTC midnight).
func parseInstant(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("date must be YYYY-MM-DD or RFC 3339, got %q", v)
}

// GET /v1/pricing/config
func (s *Server) handleGetSurgeConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Pricing.Config())
}

// PUT /v1/pricing/config
func (s *Server) handleUpdateSurgeConfig(w http.ResponseWriter, r *http.Request) {
	var patch domain.SurgeConfigPatch
	if err := decodeBody(w, r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	cfg, err := s.svc.Pricing.UpdateConfig(patch)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// GET /v1/debug/spans
func (s *Server) handleSpans(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count": s.svc.Tracer.SpanCount(),
		"spans": s.svc.Tracer.Spans(limit),
	})
}
