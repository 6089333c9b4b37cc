package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"admin-security/internal/audit"
	"admin-security/internal/authz"
	"admin-security/internal/models"

	"github.com/go-chi/chi/v5"
)

const (
	defaultQueryLimit  = 100
	maxQueryLimit      = 1000
	defaultExportLimit = 1000
	maxExportLimit     = 10000
	defaultThreatSpan  = 15 * time.Minute
	defaultStatsSpan   = 24 * time.Hour
)

type resolveRequest struct {
	Notes string `json:"notes"`
}

func queryLimit(r *http.Request, def, max int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, models.NewValidationError("limit", "must be a positive integer")
	}
	if n > max {
		n = max
	}
	return n, nil
}

func queryWindow(r *http.Request, def time.Duration) (time.Duration, error) {
	raw := r.URL.Query().Get("window")
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, models.NewValidationError("window", fmt.Sprintf("invalid duration %q", raw))
	}
	return d, nil
}

func queryTime(r *http.Request, field string) (time.Time, error) {
	raw := r.URL.Query().Get(field)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, models.NewValidationError(field, "must be RFC3339")
	}
	return t, nil
}

// parseAuditFilter builds a filter from the query string.
func parseAuditFilter(r *http.Request, defLimit, maxLimit int) (models.AuditFilter, error) {
	q := r.URL.Query()
	filter := models.AuditFilter{
		Type:    models.EventType(q.Get("type")),
		ActorID: q.Get("actor_id"),
		IP:      q.Get("ip"),
	}

	if filter.Type != "" && !audit.KnownEventType(filter.Type) {
		return filter, models.NewValidationError("type", "unknown event type")
	}
	if raw := q.Get("severity"); raw != "" {
		sev, ok := audit.ParseSeverity(raw)
		if !ok {
			return filter, models.NewValidationError("severity", "unknown severity")
		}
		filter.Severity = sev
	}
	if raw := q.Get("resolved"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return filter, models.NewValidationError("resolved", "must be a boolean")
		}
		filter.Resolved = &b
	}

	var err error
	if filter.Since, err = queryTime(r, "since"); err != nil {
		return filter, err
	}
	if filter.Until, err = queryTime(r, "until"); err != nil {
		return filter, err
	}
	if filter.Limit, err = queryLimit(r, defLimit, maxLimit); err != nil {
		return filter, err
	}
	return filter, nil
}

func (h *AdminHandler) QueryAuditEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAuditFilter(r, defaultQueryLimit, maxQueryLimit)
	if err != nil {
		h.fail(w, err, "Invalid query")
		return
	}
	events, err := h.audit.Query(r.Context(), filter)
	if err != nil {
		h.fail(w, err, "Failed to query audit events")
		return
	}
	resp := successResponse(events, "")
	resp.Meta = &Meta{Total: len(events), PageSize: filter.Limit}
	h.respondWithJSON(w, http.StatusOK, resp)
}

func (h *AdminHandler) GetAuditEvent(w http.ResponseWriter, r *http.Request) {
	event, err := h.audit.Get(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		h.fail(w, err, "Failed to get audit event")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(event, ""))
}

func (h *AdminHandler) ResolveAuditEvent(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, err, "Invalid request body")
		return
	}
	event, err := h.audit.Resolve(r.Context(), principalFrom(r.Context()), chi.URLParam(r, "eventID"), req.Notes)
	if err != nil {
		h.fail(w, err, "Failed to resolve audit event")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(event, "Event resolved"))
}

func (h *AdminHandler) AssessThreat(w http.ResponseWriter, r *http.Request) {
	ip := r.URL.Query().Get("ip")
	if ip == "" {
		h.fail(w, models.NewValidationError("ip", "required"), "Invalid query")
		return
	}
	window, err := queryWindow(r, defaultThreatSpan)
	if err != nil {
		h.fail(w, err, "Invalid query")
		return
	}
	assessment, err := h.audit.Threat(r.Context(), ip, window)
	if err != nil {
		h.fail(w, err, "Failed to assess threat")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(assessment, ""))
}

func (h *AdminHandler) SearchAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var severity models.Severity
	if raw := q.Get("severity"); raw != "" {
		sev, ok := audit.ParseSeverity(raw)
		if !ok {
			h.fail(w, models.NewValidationError("severity", "unknown severity"), "Invalid query")
			return
		}
		severity = sev
	}
	limit, err := queryLimit(r, 0, maxQueryLimit)
	if err != nil {
		h.fail(w, err, "Invalid query")
		return
	}

	result, err := h.audit.Search(r.Context(), q.Get("q"), severity, limit)
	if err != nil {
		h.fail(w, err, "Audit search failed")
		return
	}
	resp := successResponse(result.Events, "")
	resp.Meta = &Meta{Total: result.Total, PageSize: len(result.Events)}
	h.respondWithJSON(w, http.StatusOK, resp)
}

func (h *AdminHandler) AuditStats(w http.ResponseWriter, r *http.Request) {
	window, err := queryWindow(r, defaultStatsSpan)
	if err != nil {
		h.fail(w, err, "Invalid query")
		return
	}
	counts, err := h.audit.Stats(r.Context(), window)
	if err != nil {
		h.fail(w, err, "Failed to load audit statistics")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(counts, ""))
}

// exportContext sizes an export request for the record ceiling of the
// export permission.
func exportContext(r *http.Request) (authz.RequestContext, error) {
	limit, err := queryLimit(r, defaultExportLimit, maxExportLimit)
	if err != nil {
		return authz.RequestContext{}, err
	}
	return authz.RequestContext{RecordCount: limit}, nil
}

// ExportAudit returns a bulk slice of the trail.
func (h *AdminHandler) ExportAudit(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAuditFilter(r, defaultExportLimit, maxExportLimit)
	if err != nil {
		h.fail(w, err, "Invalid query")
		return
	}

	events, err := h.audit.Query(r.Context(), filter)
	if err != nil {
		h.fail(w, err, "Failed to export audit events")
		return
	}
	resp := successResponse(events, "")
	resp.Meta = &Meta{Total: len(events), PageSize: filter.Limit}
	h.respondWithJSON(w, http.StatusOK, resp)
}
