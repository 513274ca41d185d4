package adminapi

import (
	"errors"
	"net/http"

	"github.com/mhartwig21/agents-of-treachery-sub006/internal/orcherr"
	"github.com/mhartwig21/agents-of-treachery-sub006/internal/types"
	"github.com/mhartwig21/agents-of-treachery-sub006/internal/webhook"
)

// WebhookHandler exposes CRUD over webhook registrations and dead-letter
// inspection/retry, the operator half of internal/webhook's Manager.
type WebhookHandler struct {
	mgr *webhook.Manager
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(mgr *webhook.Manager) *WebhookHandler {
	return &WebhookHandler{mgr: mgr}
}

// Register handles POST /admin/webhooks
func (h *WebhookHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL         string                    `json:"url"`
		Secret      string                    `json:"secret"`
		EventTypes  []types.WebhookEventType  `json:"event_types"`
		Description string                    `json:"description,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.URL == "" || req.Secret == "" || len(req.EventTypes) == 0 {
		writeError(w, http.StatusBadRequest, "url, secret, and event_types are required")
		return
	}

	reg, err := h.mgr.Register(req.URL, req.Secret, req.EventTypes, req.Description)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, reg)
}

// List handles GET /admin/webhooks
func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	regs := h.mgr.List()
	if regs == nil {
		writeJSON(w, http.StatusOK, []types.WebhookRegistration{})
		return
	}
	writeJSON(w, http.StatusOK, regs)
}

// Get handles GET /admin/webhooks/{id}
func (h *WebhookHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	reg, ok := h.mgr.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "webhook not found")
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

// SetActive handles PATCH /admin/webhooks/{id}/active
func (h *WebhookHandler) SetActive(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Active bool `json:"active"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.mgr.SetActive(id, req.Active); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Unregister handles DELETE /admin/webhooks/{id}
func (h *WebhookHandler) Unregister(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.mgr.Unregister(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Stats handles GET /admin/webhooks/stats
func (h *WebhookHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.mgr.Stats())
}

// ListDeadLetters handles GET /admin/webhooks/dead-letters
func (h *WebhookHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	entries := h.mgr.GetDeadLetters()
	if entries == nil {
		writeJSON(w, http.StatusOK, []types.DeadLetterEntry{})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// ClearDeadLetters handles DELETE /admin/webhooks/dead-letters
func (h *WebhookHandler) ClearDeadLetters(w http.ResponseWriter, r *http.Request) {
	n := h.mgr.ClearDeadLetters()
	writeJSON(w, http.StatusOK, struct {
		Removed int `json:"removed"`
	}{Removed: n})
}

// RetryDeadLetter handles POST /admin/webhooks/dead-letters/{id}/retry
func (h *WebhookHandler) RetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.mgr.RetryDeadLetter(id); err != nil {
		if errors.Is(err, orcherr.ErrInvalidState) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
