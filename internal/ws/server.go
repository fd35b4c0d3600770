package ws

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"chattr/internal/auth"
)

type Server struct {
	auth     *auth.Service
	hub      *Hub
	upgrader *websocket.Upgrader
}

func NewServer(auth *auth.Service, hub *Hub) *Server {
	return &Server{
		auth: auth,
		hub:  hub,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // same-origin is enforced on the login endpoints
			},
		},
	}
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("token")
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}
	if token == "" {
		token = r.URL.Query().Get("token")
	}

	accountID, err := s.auth.Session(token)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := NewConnection(s.hub, conn, accountID)
	if err := c.Handle(r.Context()); err != nil {
		slog.Debug("websocket closed", "account", accountID, "error", err)
	}
}
