package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/gaspardpetit/gpupool/internal/balancer"
	"github.com/gaspardpetit/gpupool/internal/metrics"
)

// selectRequest is the wire form of a selection requirement.
type selectRequest struct {
	MinMemoryMB     uint64 `json:"min_memory_mb"`
	MinComputeTier  int    `json:"min_compute_tier,omitempty"`
	Family          string `json:"family"`
	LatencyBudgetMs int64  `json:"latency_budget_ms,omitempty"`
	Priority        int    `json:"priority,omitempty"`
}

// selectResponse carries the winner plus a ticket id the dispatcher can use
// to correlate its later outcome report.
type selectResponse struct {
	TicketID string                `json:"ticket_id"`
	Instance balancer.InstanceView `json:"instance"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: code, Message: msg})
}

// SelectHandler picks the best instance for the posted requirement.
func SelectHandler(b *balancer.Balancer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req selectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
			return
		}
		requirement := balancer.Requirement{
			MinMemoryMB:    req.MinMemoryMB,
			MinComputeTier: req.MinComputeTier,
			Family:         req.Family,
			LatencyBudget:  time.Duration(req.LatencyBudgetMs) * time.Millisecond,
			Priority:       req.Priority,
		}
		start := time.Now()
		win, err := b.SelectInstance(r.Context(), requirement)
		switch {
		case errors.Is(err, balancer.ErrInvalidRequirement):
			metrics.RecordSelection(req.Family, "invalid", time.Since(start))
			writeError(w, http.StatusBadRequest, "invalid_requirement", err.Error())
			return
		case errors.Is(err, balancer.ErrNoCapacity):
			metrics.RecordSelection(req.Family, "no_capacity", time.Since(start))
			writeError(w, http.StatusServiceUnavailable, "no_capacity_available", err.Error())
			return
		case err != nil:
			metrics.RecordSelection(req.Family, "error", time.Since(start))
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		metrics.RecordSelection(req.Family, "selected", time.Since(start))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(selectResponse{TicketID: uuid.NewString(), Instance: win})
	}
}

// SuccessHandler records a successful dispatch outcome.
func SuccessHandler(b *balancer.Balancer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ResponseTimeMs float64 `json:"response_time_ms"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
			return
		}
		id := chi.URLParam(r, "id")
		if err := b.ReportSuccess(r.Context(), id, body.ResponseTimeMs); err != nil {
			writeError(w, http.StatusRequestTimeout, "cancelled", err.Error())
			return
		}
		metrics.RecordFeedback(id, true)
		w.WriteHeader(http.StatusNoContent)
	}
}

// FailureHandler records a failed dispatch outcome.
func FailureHandler(b *balancer.Balancer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ErrorCode string `json:"error_code"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
			return
		}
		id := chi.URLParam(r, "id")
		if err := b.ReportFailure(r.Context(), id, body.ErrorCode); err != nil {
			writeError(w, http.StatusRequestTimeout, "cancelled", err.Error())
			return
		}
		metrics.RecordFeedback(id, false)
		w.WriteHeader(http.StatusNoContent)
	}
}

// HealthHandler exports the full health snapshot.
func HealthHandler(b *balancer.Balancer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hs, err := b.GetHealthStatus(r.Context())
		if err != nil {
			writeError(w, http.StatusRequestTimeout, "cancelled", err.Error())
			return
		}
		metrics.ObserveSnapshot(hs)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(hs)
	}
}
