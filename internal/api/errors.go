package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"pos-core/internal/core"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeServiceError maps the core error taxonomy onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrValidation):
		writeError(w, err.Error(), "VALIDATION", http.StatusBadRequest)
	case errors.Is(err, core.ErrNotFound):
		writeError(w, err.Error(), "NOT_FOUND", http.StatusNotFound)
	case errors.Is(err, core.ErrConflict):
		writeError(w, err.Error(), "CONFLICT", http.StatusConflict)
	case errors.Is(err, core.ErrForbidden):
		writeError(w, err.Error(), "FORBIDDEN", http.StatusForbidden)
	default:
		writeError(w, "internal error", "INTERNAL", http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: message, Code: code})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Join(core.ErrValidation, err)
	}
	return nil
}
