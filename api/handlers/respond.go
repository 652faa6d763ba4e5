package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"ysod-timeline/core/incidents"
	"ysod-timeline/core/utils"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

// writeServiceError maps incidents service errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *utils.Logger, err error) {
	var corrupted *incidents.CorruptionError
	switch {
	case errors.As(err, &corrupted):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": map[string]string{
				"code":    "timeline.chain_corrupted",
				"message": err.Error(),
			},
			"integrity": corrupted.Result,
		})
	case errors.Is(err, incidents.ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, "timeline.invalid_payload", err.Error())
	case errors.Is(err, incidents.ErrForbidden):
		writeError(w, http.StatusForbidden, "timeline.forbidden", err.Error())
	case errors.Is(err, incidents.ErrConflict):
		writeError(w, http.StatusConflict, "timeline.conflict", "concurrent append, retry")
	default:
		if logger != nil {
			logger.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
		}
		writeError(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}
