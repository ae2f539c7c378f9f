// Package api exposes HTTP handlers for the pledge service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"example.com/runpledge/internal/auth"
	"example.com/runpledge/internal/domain"
	"example.com/runpledge/internal/observability"
	"example.com/runpledge/internal/persistence"
	"example.com/runpledge/internal/strava"
)

// ActivityProvider fetches the caller's recent activities from the external
// fitness provider.
type ActivityProvider interface {
	RecentActivities(ctx context.Context, userID string) ([]domain.ExternalActivity, error)
}

// Handler coordinates HTTP requests with the domain service.
type Handler struct {
	service  *domain.Service
	provider ActivityProvider
	validate *validator.Validate
}

// NewHandler builds a Handler. provider may be nil when the sync-fetch
// endpoint is not wired (tests).
func NewHandler(service *domain.Service, provider ActivityProvider) *Handler {
	return &Handler{
		service:  service,
		provider: provider,
		validate: validator.New(),
	}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/causes", h.causes)
	mux.HandleFunc("/v1/activities/unpledged", h.unpledged)
	mux.HandleFunc("/v1/pledges", h.pledges)
	mux.HandleFunc("/v1/pledges/history", h.history)
	mux.HandleFunc("/v1/impact", h.impact)
	mux.HandleFunc("/v1/rules", h.rules)
	mux.HandleFunc("/v1/sync", h.sync)
	mux.HandleFunc("/v1/sync/activities", h.syncActivities)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) causes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	if _, ok := h.readClaims(w, r); !ok {
		return
	}

	causes, err := h.service.GlobalCauses(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	items := make([]CauseView, 0, len(causes))
	for _, cause := range causes {
		items = append(items, toCauseView(cause))
	}
	writeJSON(w, http.StatusOK, CausesResponse{Items: items})
}

func (h *Handler) unpledged(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := h.readClaims(w, r)
	if !ok {
		return
	}

	activities, err := h.service.UnpledgedActivities(r.Context(), claims.Subject)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	items := make([]ActivityView, 0, len(activities))
	for _, activity := range activities {
		items = append(items, toActivityView(activity))
	}
	writeJSON(w, http.StatusOK, ActivitiesResponse{Items: items})
}

func (h *Handler) pledges(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := h.writeClaims(w, r)
	if !ok {
		return
	}

	var req PledgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	entry, err := h.service.Pledge(r.Context(), claims.Subject, req.Activity.toExternal(), req.CauseID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, PledgeResponse{
		EntryID:      entry.ID,
		ActivityID:   entry.ActivityID,
		CauseID:      entry.CauseID,
		MilesApplied: entry.MilesApplied,
		AppliedAt:    entry.AppliedAt,
	})
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := h.readClaims(w, r)
	if !ok {
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	records, next, err := h.service.History(r.Context(), claims.Subject, cursor, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	items := make([]HistoryItem, 0, len(records))
	for _, record := range records {
		items = append(items, HistoryItem{
			EntryID:      record.ID,
			ActivityID:   record.ActivityID,
			ActivityName: record.ActivityName,
			CauseID:      record.CauseID,
			CauseTitle:   record.CauseTitle,
			MilesApplied: record.MilesApplied,
			AppliedAt:    record.AppliedAt,
		})
	}
	writeJSON(w, http.StatusOK, HistoryResponse{
		Items:      items,
		NextCursor: persistence.EncodeCursor(next),
	})
}

func (h *Handler) impact(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := h.readClaims(w, r)
	if !ok {
		return
	}

	rows, err := h.service.ImpactSummary(r.Context(), claims.Subject)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	items := make([]ImpactItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, ImpactItem{
			CauseID:    row.CauseID,
			CauseTitle: row.CauseTitle,
			TotalMiles: row.TotalMiles,
		})
	}
	writeJSON(w, http.StatusOK, ImpactResponse{Items: items})
}

func (h *Handler) rules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listRules(w, r)
	case http.MethodPut:
		h.saveRule(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (h *Handler) listRules(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.readClaims(w, r)
	if !ok {
		return
	}

	rules, err := h.service.Rules(r.Context(), claims.Subject)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	items := make([]RuleView, 0, len(rules))
	for _, rule := range rules {
		items = append(items, RuleView{
			CauseID:    rule.CauseID,
			Percentage: rule.Percent,
			Enabled:    rule.Enabled,
			UpdatedAt:  rule.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, RulesResponse{Items: items})
}

func (h *Handler) saveRule(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.writeClaims(w, r)
	if !ok {
		return
	}

	var req SaveRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	if err := h.service.SaveRule(r.Context(), claims.Subject, req.CauseID, req.Percentage, req.Enabled); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) sync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := h.writeClaims(w, r)
	if !ok {
		return
	}

	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	activities := make([]domain.ExternalActivity, 0, len(req.Activities))
	for _, dto := range req.Activities {
		activities = append(activities, dto.toExternal())
	}

	pledged, err := h.service.SyncAndAutoPledge(r.Context(), claims.Subject, activities)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SyncResponse{Pledged: pledged})
}

// syncActivities fetches the caller's recent activities from the provider,
// persists them, auto-pledges, and returns the fetched list. Provider
// failures degrade to an empty list with the upstream status recorded.
func (h *Handler) syncActivities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := h.writeClaims(w, r)
	if !ok {
		return
	}
	if h.provider == nil {
		writeError(w, http.StatusServiceUnavailable, "provider_unconfigured", "activity provider not configured")
		return
	}

	activities, err := h.provider.RecentActivities(r.Context(), claims.Subject)
	if err != nil {
		status := 0
		var upstream *strava.UpstreamError
		if errors.As(err, &upstream) {
			status = upstream.Status
		}
		log.Printf("provider fetch for %s degraded to empty list: %v", claims.Subject, err)
		observability.RecordUpstreamFailure(strconv.Itoa(status))
		writeJSON(w, http.StatusOK, SyncActivitiesResponse{
			Items:          []ActivityView{},
			Pledged:        0,
			UpstreamStatus: status,
		})
		return
	}

	pledged, err := h.service.SyncAndAutoPledge(r.Context(), claims.Subject, activities)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	items := make([]ActivityView, 0, len(activities))
	for _, ext := range activities {
		items = append(items, ActivityView{
			ID:              ext.ID,
			Name:            ext.Name,
			Distance:        ext.DistanceMeters,
			MovingTime:      ext.MovingTimeSec,
			StartDate:       ext.StartedAt,
			SummaryPolyline: ext.SummaryPolyline,
		})
	}
	writeJSON(w, http.StatusOK, SyncActivitiesResponse{Items: items, Pledged: pledged, UpstreamStatus: http.StatusOK})
}

func (h *Handler) readClaims(w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	if !claims.HasScope(auth.ScopePledgesRead) && !claims.HasScope(auth.ScopePledgesWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope pledges:read required")
		return nil, false
	}
	return claims, true
}

func (h *Handler) writeClaims(w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	if !claims.HasScope(auth.ScopePledgesWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope pledges:write required")
		return nil, false
	}
	return claims, true
}

func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
	case errors.Is(err, domain.ErrCauseNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrPercentOutOfRange):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, domain.ErrRuleBudgetExceeded):
		writeError(w, http.StatusUnprocessableEntity, "rule_budget_exceeded", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
