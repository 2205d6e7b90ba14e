package ws

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/Benites031407/UpCarSistema-sub002/internal/tokens"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for dev; restrict in prod
	},
}

// TokenValidator authenticates the token passed in the query string. Browsers
// cannot set Authorization headers on websocket upgrades.
type TokenValidator interface {
	ValidateAccessToken(token string) (*tokens.Claims, error)
}

type Handler struct {
	hub      *Hub
	validate TokenValidator
}

func NewHandler(hub *Hub, validate TokenValidator) *Handler {
	return &Handler{hub: hub, validate: validate}
}

// ServeWS authenticates, upgrades, sends the snapshot and hands the socket to
// the pumps. GET /ws/dashboard?token=...
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	claims, err := h.validate.ValidateAccessToken(tokenStr)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	// Snapshot before the upgrade so a DB failure is still a clean HTTP error.
	snapshot, err := h.hub.snapshotPayload(r.Context())
	if err != nil {
		log.Printf("ws: snapshot failed for user %s: %v", claims.UserID, err)
		http.Error(w, "snapshot unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := newClient(h.hub, conn, h.hub.cfg.SendBuffer)
	c.send <- snapshot
	h.hub.register(c)

	log.Printf("ws: dashboard connected user=%s role=%s", claims.UserID, claims.Role)

	go c.writePump()
	go c.readPump()
}
