// Package adminws is the operator-facing websocket tail: one connection
// subscribes to one game's GameEvent stream. Modeled directly on the
// teacher's internal/handler ws_hub.go/ws_handler.go pair, narrowed from
// multi-game pub/sub with per-user broadcast down to a single game-scoped
// fan-out, since an operator session always names the game it wants to
// watch up front via the {id} segment of the websocket route's path.
package adminws

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/mhartwig21/agents-of-treachery-sub006/internal/logger"
	"github.com/mhartwig21/agents-of-treachery-sub006/internal/types"
)

// sendBufSize bounds each connection's outbound queue; a slow reader drops
// events rather than blocking the game event dispatch it's attached to.
const sendBufSize = 256

// wsConn wraps one upgraded connection together with the game it is
// currently tailing.
type wsConn struct {
	conn   *websocket.Conn
	gameID string
	send   chan []byte
}

// Hub fans out GameEvents to every connection watching a given game.
type Hub struct {
	mu    sync.RWMutex
	games map[string]map[*wsConn]bool
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{games: make(map[string]map[*wsConn]bool)}
}

func (h *Hub) register(c *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.games[c.gameID] == nil {
		h.games[c.gameID] = make(map[*wsConn]bool)
	}
	h.games[c.gameID][c] = true
}

func (h *Hub) unregister(c *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.games[c.gameID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.games, c.gameID)
		}
	}
	close(c.send)
}

// Broadcast delivers event to every connection currently tailing gameID.
// Call this from a Session's OnEvent listener.
func (h *Hub) Broadcast(gameID string, event types.GameEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		logger.Get().Error().Err(err).Str("gameId", gameID).Msg("adminws: failed to marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.games[gameID] {
		select {
		case c.send <- data:
		default:
			logger.Get().Warn().Str("gameId", gameID).Msg("adminws: dropping event, connection buffer full")
		}
	}
}

// SubscriberCount returns how many connections are tailing gameID.
func (h *Hub) SubscriberCount(gameID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.games[gameID])
}
