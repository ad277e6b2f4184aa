package shared

import (
	"encoding/json"
	"net/http"
)

// StatusFor maps a domain error kind onto an HTTP status code.
func StatusFor(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindState:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// RespondJSON writes v as a JSON response body.
func RespondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// RespondError writes a JSON error envelope derived from err.
func RespondError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	kind := KindOf(err)
	body := map[string]any{"error": err.Error()}
	if kind != "" {
		body["kind"] = string(kind)
	}
	if status == http.StatusInternalServerError {
		body["error"] = http.StatusText(http.StatusInternalServerError)
	}
	RespondJSON(w, status, body)
}
