package adminws

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mhartwig21/agents-of-treachery-sub006/internal/auth"
	"github.com/mhartwig21/agents-of-treachery-sub006/internal/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second // must be less than pongWait
	maxMsgSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS is handled by middleware ahead of this handler
	},
}

// Handler upgrades GET /admin/games/{id}/events into a websocket tail of
// that game's event stream.
type Handler struct {
	hub    *Hub
	jwtMgr *auth.JWTManager
}

// NewHandler creates a Handler.
func NewHandler(hub *Hub, jwtMgr *auth.JWTManager) *Handler {
	return &Handler{hub: hub, jwtMgr: jwtMgr}
}

// ServeWS handles GET /admin/games/{id}/events?token=...
// Auth is via the token query parameter since a websocket upgrade request
// cannot carry an Authorization header from a browser client.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	gameID := r.PathValue("id")
	if gameID == "" {
		http.Error(w, `{"error":"missing game id"}`, http.StatusBadRequest)
		return
	}

	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		http.Error(w, `{"error":"missing token parameter"}`, http.StatusUnauthorized)
		return
	}
	if _, err := h.jwtMgr.ValidateToken(tokenStr); err != nil {
		http.Error(w, `{"error":"invalid or expired token"}`, http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Get().Error().Err(err).Msg("adminws: upgrade failed")
		return
	}

	client := &wsConn{conn: conn, gameID: gameID, send: make(chan []byte, sendBufSize)}
	h.hub.register(client)

	welcome, _ := json.Marshal(map[string]any{"type": "connected", "game_id": gameID})
	client.send <- welcome

	go h.writePump(client)
	go h.readPump(client)

	logger.Get().Info().Str("gameId", gameID).Int("subscribers", h.hub.SubscriberCount(gameID)).
		Msg("adminws: operator connected")
}

// readPump only drains the connection for control frames (ping/pong,
// close); this tail is one-directional, so any application-level message
// from the client is ignored rather than interpreted as a command.
func (h *Handler) readPump(c *wsConn) {
	defer func() {
		h.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (h *Handler) writePump(c *wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
