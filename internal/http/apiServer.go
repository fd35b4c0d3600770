package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"chattr/internal/api"
	"chattr/internal/auth"
	"chattr/internal/blob"
	"chattr/internal/client"
	"chattr/internal/config"
	"chattr/internal/notify"
	"chattr/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAPIServer(cfg *config.Config, authService *auth.Service, sessions *client.Registry, notifier *notify.Notifier, hub *ws.Hub, blobs *blob.Local) *APIServer {
	server := ws.NewServer(authService, hub)
	apiHandlers := api.New(authService, sessions, notifier, cfg.TokenExpiry, cfg.MaxUploadSize, cfg.VAPIDPublicKey)

	loginLimit := api.NewIPLimiter(rate.Every(time.Second), 10)

	mux := http.NewServeMux()

	// Signed attachment downloads; no session required, the URL itself
	// carries the grant.
	mux.HandleFunc("GET /files/{path...}", NewFileServerHandler(blobs))

	// Account endpoints
	mux.HandleFunc("POST /api/register", api.RequireSameOrigin(api.Throttled(loginLimit, apiHandlers.RegisterHandler)))
	mux.HandleFunc("POST /api/login", api.RequireSameOrigin(api.Throttled(loginLimit, apiHandlers.LoginHandler)))
	mux.HandleFunc("POST /api/logoff", api.RequireSameOrigin(apiHandlers.LogoffHandler))
	mux.HandleFunc("GET /api/me", apiHandlers.RequireAuth(apiHandlers.MeHandler))
	mux.HandleFunc("POST /api/me/profile", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.UpdateProfileHandler)))
	mux.HandleFunc("GET /api/users/{username}", apiHandlers.RequireAuth(apiHandlers.LookupUserHandler))

	// Friendship endpoints
	mux.HandleFunc("POST /api/friends/requests", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.FriendRequestHandler)))
	mux.HandleFunc("POST /api/friends/requests/{id}/respond", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.FriendRespondHandler)))
	mux.HandleFunc("GET /api/friends", apiHandlers.RequireAuth(apiHandlers.FriendsHandler))
	mux.HandleFunc("GET /api/friends/requests/pending", apiHandlers.RequireAuth(apiHandlers.FriendsPendingHandler))
	mux.HandleFunc("GET /api/friends/requests/sent", apiHandlers.RequireAuth(apiHandlers.FriendsSentHandler))

	// Conversation endpoints
	mux.HandleFunc("GET /api/conversations", apiHandlers.RequireAuth(apiHandlers.ConversationsHandler))
	mux.HandleFunc("GET /api/conversations/{id}/messages", apiHandlers.RequireAuth(apiHandlers.MessagesHandler))
	mux.HandleFunc("POST /api/conversations/{id}/messages", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.SendMessageHandler)))
	mux.HandleFunc("POST /api/conversations/{id}/files", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.UploadHandler)))
	mux.HandleFunc("POST /api/conversations/{id}/read", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.MarkReadHandler)))

	// Web push endpoints
	mux.HandleFunc("GET /api/push/key", apiHandlers.RequireAuth(apiHandlers.PushKeyHandler))
	mux.HandleFunc("POST /api/push", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.PushSubscribeHandler)))
	mux.HandleFunc("DELETE /api/push", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.PushUnsubscribeHandler)))

	// WebSocket endpoint
	mux.HandleFunc("/api/ws", server.HandleConnections)

	mux.Handle("GET /metrics", promhttp.Handler())

	addr := cfg.APIAddr
	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *APIServer) Start() error {
	slog.Info("server started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
