// Package adminapi is the operator-facing HTTP surface: JWT-protected
// endpoints to manage webhook registrations, inspect and retry dead-lettered
// deliveries, and read retry-driver metrics. Modeled directly on the
// teacher's internal/handler package — same writeJSON/writeError/decodeJSON
// helpers, same net/http.ServeMux + r.PathValue routing style, same
// auth.Middleware wrapping.
package adminapi

import (
	"encoding/json"
	"net/http"

	"github.com/mhartwig21/agents-of-treachery-sub006/internal/logger"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Get().Error().Err(err).Msg("adminapi: error encoding response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
