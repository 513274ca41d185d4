package adminapi

import (
	"net/http"

	"github.com/mhartwig21/agents-of-treachery-sub006/internal/retry"
)

// RetryHandler exposes read-only visibility into the LLM retry driver's
// accumulated Metrics, for operators watching error-class distribution and
// fallback usage across a running match.
type RetryHandler struct {
	driver *retry.Driver
}

// NewRetryHandler creates a RetryHandler.
func NewRetryHandler(driver *retry.Driver) *RetryHandler {
	return &RetryHandler{driver: driver}
}

// Metrics handles GET /admin/retry/metrics
func (h *RetryHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.driver.Metrics().Snapshot())
}
