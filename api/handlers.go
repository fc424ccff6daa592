/*
handlers.go - HTTP handler implementations

PURPOSE:
  Maps HTTP requests onto the ledger and grant engines. Handlers stay thin:
  decode, call the engine, encode. Error translation follows the ledger
  error taxonomy - validation errors are 400, missing resources 404,
  exhausted retries 409, everything else 500.
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/warp/loyalty-engine/grant"
	"github.com/warp/loyalty-engine/ingest"
	"github.com/warp/loyalty-engine/ledger"
)

// Handler holds the wired engines behind the HTTP surface.
type Handler struct {
	Redeemer *ledger.Redeemer
	Queries  *ledger.Queries
	Engine   *grant.Engine
	Ingestor *ingest.Ingestor
	Rules    grant.RuleStore
	Log      zerolog.Logger
}

func NewHandler(redeemer *ledger.Redeemer, queries *ledger.Queries, engine *grant.Engine, ingestor *ingest.Ingestor, rules grant.RuleStore, log zerolog.Logger) *Handler {
	return &Handler{
		Redeemer: redeemer,
		Queries:  queries,
		Engine:   engine,
		Ingestor: ingestor,
		Rules:    rules,
		Log:      log,
	}
}

// =============================================================================
// MEMBER ENDPOINTS
// =============================================================================

// GetBalance handles GET /api/members/{id}/balance.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	memberID := ledger.MemberID(chi.URLParam(r, "id"))

	balance, err := h.Queries.Balance(r.Context(), memberID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, BalanceResponse{MemberID: string(memberID), Balance: balance})
}

// GetExpiring handles GET /api/members/{id}/expiring?days=N.
func (h *Handler) GetExpiring(w http.ResponseWriter, r *http.Request) {
	memberID := ledger.MemberID(chi.URLParam(r, "id"))

	days := 30
	if q := r.URL.Query().Get("days"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil {
			h.writeError(w, &ledger.ValidationError{Field: "days", Message: "must be an integer"})
			return
		}
		days = n
	}

	lots, err := h.Queries.ExpiringSoon(r.Context(), memberID, days)
	if err != nil {
		h.writeError(w, err)
		return
	}

	out := make([]ExpiringLotDTO, 0, len(lots))
	for _, lot := range lots {
		out = append(out, ExpiringLotDTO{
			LotID:           string(lot.LotID),
			RemainingPoints: lot.RemainingPoints,
			ExpiresAt:       lot.ExpiresAt,
			Reason:          lot.Reason,
		})
	}
	h.writeJSON(w, http.StatusOK, out)
}

// Redeem handles POST /api/members/{id}/redeem.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	memberID := ledger.MemberID(chi.URLParam(r, "id"))

	var req RedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, &ledger.ValidationError{Field: "body", Message: "invalid JSON"})
		return
	}

	result, err := h.Redeemer.Redeem(r.Context(), memberID, req.Points)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toRedeemResponse(result))
}

// =============================================================================
// EVENT ENDPOINT
// =============================================================================

// SubmitEvent handles POST /api/events.
func (h *Handler) SubmitEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, &ledger.ValidationError{Field: "body", Message: "invalid JSON"})
		return
	}

	affected, err := h.Ingestor.Submit(r.Context(), req.toEvent())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, EventResponse{AffectedCount: affected})
}

// =============================================================================
// RULE ADMINISTRATION
// =============================================================================

// ListRules handles GET /api/rules.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.Rules.ListRules(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rules)
}

// CreateRule handles POST /api/rules.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var rule grant.GrantRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		h.writeError(w, &ledger.ValidationError{Field: "body", Message: "invalid JSON"})
		return
	}
	if err := h.Engine.CreateRule(r.Context(), rule); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, rule)
}

// GetRule handles GET /api/rules/{id}.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.Rules.Rule(r.Context(), ledger.RuleID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rule)
}

// UpdateRule handles PUT /api/rules/{id}.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	var rule grant.GrantRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		h.writeError(w, &ledger.ValidationError{Field: "body", Message: "invalid JSON"})
		return
	}
	rule.ID = ledger.RuleID(chi.URLParam(r, "id"))
	if err := h.Engine.UpdateRule(r.Context(), rule); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rule)
}

// EnableRule handles POST /api/rules/{id}/enable.
func (h *Handler) EnableRule(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.EnableRule(r.Context(), ledger.RuleID(chi.URLParam(r, "id"))); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DisableRule handles POST /api/rules/{id}/disable.
func (h *Handler) DisableRule(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.DisableRule(r.Context(), ledger.RuleID(chi.URLParam(r, "id"))); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RunRule handles POST /api/rules/{id}/run (manual replay).
func (h *Handler) RunRule(w http.ResponseWriter, r *http.Request) {
	result, err := h.Engine.RunNow(r.Context(), ledger.RuleID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toRunResponse(result))
}

// EstimateRule handles POST /api/rules/{id}/estimate (dry run).
func (h *Handler) EstimateRule(w http.ResponseWriter, r *http.Request) {
	var req EstimateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, &ledger.ValidationError{Field: "body", Message: "invalid JSON"})
		return
	}

	estimates, err := h.Engine.EstimateTargets(r.Context(), ledger.RuleID(chi.URLParam(r, "id")), req.SampleSize, req.EventAmount)
	if err != nil {
		h.writeError(w, err)
		return
	}

	out := make([]EstimateDTO, 0, len(estimates))
	for _, e := range estimates {
		out = append(out, EstimateDTO{MemberID: string(e.MemberID), Points: e.Points})
	}
	h.writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.Log.Error().Err(err).Msg("failed to encode response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case ledger.IsClientError(err):
		status = http.StatusBadRequest
	case ledger.IsNotFound(err):
		status = http.StatusNotFound
	case ledger.IsRetryable(err), errors.Is(err, ledger.ErrScheduleRunning):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.Log.Error().Err(err).Msg("request failed")
	}
	h.writeJSON(w, status, errorResponse{Error: err.Error()})
}
