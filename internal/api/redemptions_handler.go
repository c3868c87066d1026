package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/alecgard/creditgate/internal/metering"
	"github.com/go-chi/chi/v5"
)

// RedemptionQuerier reads the redemption journal. Both the postgres store and
// the log journal satisfy it.
type RedemptionQuerier interface {
	List(ctx context.Context, q metering.Query) ([]*metering.Redemption, string, error)
	GetSummary(ctx context.Context, q metering.Query) (*metering.Summary, error)
}

// redemptionsHandler groups the operator's journal queries.
type redemptionsHandler struct {
	journal RedemptionQuerier
}

func newRedemptionsHandler(journal RedemptionQuerier) *redemptionsHandler {
	return &redemptionsHandler{journal: journal}
}

// parseTimeParam parses a date query param in YYYY-MM-DD or RFC3339 format.
func parseTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	// Try RFC3339 first.
	t, err := time.Parse(time.RFC3339, s)
	if err == nil {
		return t, nil
	}
	// Fall back to date-only.
	return time.Parse("2006-01-02", s)
}

// buildQuery constructs a journal query from the request's query params.
func buildQuery(r *http.Request) (metering.Query, error) {
	v := r.URL.Query()
	q := metering.Query{
		AgentID:    v.Get("agent_id"),
		PlanID:     v.Get("plan_id"),
		Subscriber: v.Get("subscriber"),
		RequestID:  v.Get("request_id"),
		Cursor:     v.Get("cursor"),
	}

	var err error
	if q.From, err = parseTimeParam(v.Get("from")); err != nil {
		return q, errors.New("invalid 'from' parameter")
	}
	if q.To, err = parseTimeParam(v.Get("to")); err != nil {
		return q, errors.New("invalid 'to' parameter")
	}
	if !q.From.IsZero() && !q.To.IsZero() && q.To.Before(q.From) {
		return q, errors.New("'to' must not be before 'from'")
	}

	if limitStr := v.Get("limit"); limitStr != "" {
		l, lErr := strconv.Atoi(limitStr)
		if lErr != nil || l < 1 || l > 500 {
			return q, errors.New("limit must be between 1 and 500")
		}
		q.Limit = l
	}
	return q, nil
}

func (h *redemptionsHandler) ready(w http.ResponseWriter) bool {
	if h.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "journal_unavailable", "no queryable redemption journal is configured")
		return false
	}
	return true
}

// List handles GET /api/v1/admin/redemptions.
func (h *redemptionsHandler) List(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	q, err := buildQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", err.Error())
		return
	}
	h.list(w, r, q)
}

// ByRequest handles GET /api/v1/admin/redemptions/requests/{requestID}: every
// partial and final redemption of one ledger request.
func (h *redemptionsHandler) ByRequest(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	q, err := buildQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", err.Error())
		return
	}
	q.RequestID = chi.URLParam(r, "requestID")
	h.list(w, r, q)
}

func (h *redemptionsHandler) list(w http.ResponseWriter, r *http.Request, q metering.Query) {
	recs, nextCursor, err := h.journal.List(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list redemptions")
		return
	}
	if recs == nil {
		recs = []*metering.Redemption{}
	}

	resp := map[string]any{"redemptions": recs}
	if nextCursor != "" {
		resp["next_cursor"] = nextCursor
	}
	writeJSON(w, http.StatusOK, resp)
}

// Summary handles GET /api/v1/admin/redemptions/summary.
func (h *redemptionsHandler) Summary(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	q, err := buildQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", err.Error())
		return
	}

	summary, err := h.journal.GetSummary(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get redemption summary")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
