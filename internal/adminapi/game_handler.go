package adminapi

import (
	"errors"
	"net/http"

	"github.com/mhartwig21/agents-of-treachery-sub006/internal/engine"
	"github.com/mhartwig21/agents-of-treachery-sub006/internal/logger"
	"github.com/mhartwig21/agents-of-treachery-sub006/internal/manager"
	"github.com/mhartwig21/agents-of-treachery-sub006/internal/orcherr"
	"github.com/mhartwig21/agents-of-treachery-sub006/internal/types"
)

// GameHandler exposes the operator-facing lifecycle surface over
// manager.Manager and session.Session: create a match, start/pause/resume/
// abandon it, submit one power's orders, and force resolution early. Routed
// the same way webhook_handler.go is, one method per endpoint.
type GameHandler struct {
	mgr *manager.Manager
}

// NewGameHandler creates a GameHandler.
func NewGameHandler(mgr *manager.Manager) *GameHandler {
	return &GameHandler{mgr: mgr}
}

// Create handles POST /admin/games
func (h *GameHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GameID string `json:"game_id"`
		Name   string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.GameID == "" {
		writeError(w, http.StatusBadRequest, "game_id is required")
		return
	}

	s, err := h.mgr.CreateGame(r.Context(), req.GameID, req.Name, types.DefaultOrchestratorConfig())
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, s.Snapshot())
}

// Get handles GET /admin/games/{id}
func (h *GameHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, ok := h.mgr.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "game not found")
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

// Start handles POST /admin/games/{id}/start
func (h *GameHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.withSession(w, r, func(s sessionLike) error { return s.Start() })
}

// Pause handles POST /admin/games/{id}/pause
func (h *GameHandler) Pause(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = decodeJSON(r, &req)
	h.withSession(w, r, func(s sessionLike) error { return s.Pause(req.Reason) })
}

// Resume handles POST /admin/games/{id}/resume
func (h *GameHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.withSession(w, r, func(s sessionLike) error { return s.Resume() })
}

// Abandon handles POST /admin/games/{id}/abandon
func (h *GameHandler) Abandon(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = decodeJSON(r, &req)
	h.withSession(w, r, func(s sessionLike) error { return s.Abandon(req.Reason) })
}

// ResolvePhase handles POST /admin/games/{id}/resolve
func (h *GameHandler) ResolvePhase(w http.ResponseWriter, r *http.Request) {
	h.withSession(w, r, func(s sessionLike) error { return s.ResolvePhase() })
}

// SubmitOrders handles POST /admin/games/{id}/orders
func (h *GameHandler) SubmitOrders(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Power  types.Power    `json:"power"`
		Phase  types.Phase    `json:"phase"`
		Orders []engine.Order `json:"orders"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, ok := types.ParsePower(string(req.Power)); !ok {
		writeError(w, http.StatusBadRequest, "unknown power")
		return
	}

	h.withSession(w, r, func(s sessionLike) error {
		switch req.Phase {
		case types.PhaseDiplomacy, types.PhaseMovement:
			return s.SubmitMovementOrders(req.Power, req.Orders)
		case types.PhaseRetreat:
			return s.SubmitRetreatOrders(req.Power, req.Orders)
		case types.PhaseBuild:
			return s.SubmitBuildOrders(req.Power, req.Orders)
		default:
			return orcherr.Input("unknown phase")
		}
	})
}

// SendMessage handles POST /admin/games/{id}/messages
func (h *GameHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Sender    types.Power `json:"sender"`
		ChannelID string      `json:"channel_id"`
		Content   string      `json:"content"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, ok := types.ParsePower(string(req.Sender)); !ok {
		writeError(w, http.StatusBadRequest, "unknown power")
		return
	}
	if req.ChannelID == "" {
		writeError(w, http.StatusBadRequest, "channel_id is required")
		return
	}

	h.withSession(w, r, func(s sessionLike) error {
		return s.SendMessage(req.Sender, req.ChannelID, req.Content)
	})
}

// sessionLike is the subset of *session.Session this handler calls through,
// narrowed so withSession's helper doesn't need to import session directly
// beyond the lookup.
type sessionLike interface {
	Start() error
	Pause(reason string) error
	Resume() error
	Abandon(reason string) error
	ResolvePhase() error
	SubmitMovementOrders(power types.Power, orders []engine.Order) error
	SubmitRetreatOrders(power types.Power, orders []engine.Order) error
	SubmitBuildOrders(power types.Power, orders []engine.Order) error
	SendMessage(sender types.Power, channelID, content string) error
}

func (h *GameHandler) withSession(w http.ResponseWriter, r *http.Request, op func(sessionLike) error) {
	s, ok := h.mgr.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "game not found")
		return
	}
	if err := op(s); err != nil {
		if errors.Is(err, orcherr.ErrInvalidState) || errors.Is(err, orcherr.ErrInvalidInput) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		logger.Get().Error().Err(err).Str("gameId", s.GameID()).Msg("adminapi: game operation failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}
