package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
)

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Error  string `json:"error"`
	Field  string `json:"field,omitempty"`
	Status string `json:"status,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}

// userIDFrom reads the acting user from the X-User-ID header
func userIDFrom(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-User-ID"))
}
