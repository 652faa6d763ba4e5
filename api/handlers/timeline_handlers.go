package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"ysod-timeline/config"
	"ysod-timeline/core/auth"
	"ysod-timeline/core/incidents"
	"ysod-timeline/core/timeline"
	"ysod-timeline/core/utils"
)

type TimelineHandler struct {
	cfg    *config.AppConfig
	svc    *incidents.Service
	logger *utils.Logger
}

func NewTimelineHandler(cfg *config.AppConfig, svc *incidents.Service, logger *utils.Logger) *TimelineHandler {
	return &TimelineHandler{cfg: cfg, svc: svc, logger: logger}
}

type appendRequest struct {
	ID         string              `json:"id"`
	ActionType timeline.ActionType `json:"actionType"`
	Details    json.RawMessage     `json:"detailsJSON"`
	Media      []timeline.Media    `json:"media"`
	CreatedAt  string              `json:"createdAt"`
}

func actorID(r *http.Request) string {
	if u := auth.ActorFromContext(r.Context()); u != nil {
		return u.ID
	}
	return ""
}

func (h *TimelineHandler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.ListIncidents(r.Context(), actorID(r))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *TimelineHandler) Entries(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Entries(r.Context(), actorID(r), urlParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *TimelineHandler) Append(w http.ResponseWriter, r *http.Request) {
	var req appendRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "timeline.bad_request", "invalid json body")
		return
	}
	entry, err := h.svc.Append(r.Context(), actorID(r), timeline.Payload{
		ID:         strings.TrimSpace(req.ID),
		IncidentID: urlParam(r, "id"),
		ActionType: req.ActionType,
		Details:    req.Details,
		Media:      req.Media,
		CreatedAt:  strings.TrimSpace(req.CreatedAt),
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (h *TimelineHandler) Verify(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	res, err := h.svc.VerifyAs(r.Context(), actorID(r), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"incidentId": id, "integrity": res, "kind": res.Kind()})
}

func (h *TimelineHandler) Export(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	out, err := h.svc.Export(r.Context(), actorID(r), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="incident-`+sanitizeFilename(id)+`-timeline.md"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

// VerifyExternal checks an entry array posted by the caller, either bare or
// wrapped as {"entries": [...]}.
func (h *TimelineHandler) VerifyExternal(w http.ResponseWriter, r *http.Request) {
	entries, err := decodeEntries(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "timeline.bad_request", err.Error())
		return
	}
	res, err := h.svc.VerifyEntries(r.Context(), actorID(r), entries)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"integrity": res, "kind": res.Kind(), "entries": len(entries)})
}

func decodeEntries(r *http.Request) ([]timeline.Entry, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, err
	}
	return timeline.DecodeEntries(raw)
}

func sanitizeFilename(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
