package middleware

import (
	"encoding/json"
	"net/http"
)

// errorEnvelope matches the API's { "data": ..., "error": ... } shape so
// responses produced by middleware decode the same way as handler errors.
type errorEnvelope struct {
	Data  any    `json:"data"`
	Error string `json:"error"`
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorEnvelope{Error: msg}) //nolint:errcheck
}
