package http

import (
	"context"
	"log"
	"net/http"
	"sync"

	"quad/internal/api"
	"quad/internal/auth"
	"quad/internal/chat"
	"quad/internal/presence"
	"quad/internal/pubsub"
	"quad/internal/push"
	"quad/internal/storage"
	"quad/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAPIServer(
	authService *auth.Service,
	chatService *chat.Service,
	store *storage.BboltStorage,
	broker *pubsub.Broker,
	tracker *presence.Tracker,
	pushService *push.Service,
	addr string,
) *APIServer {
	streamServer := ws.NewServer(authService, store, broker, tracker)
	apiHandlers := api.New(authService, chatService, store, pushService)

	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/messages", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.SendMessageHandler)))
	mux.HandleFunc("GET /api/messages/{id}", apiHandlers.RequireAuth(apiHandlers.HistoryHandler))
	mux.HandleFunc("GET /api/conversations", apiHandlers.RequireAuth(apiHandlers.ConversationsHandler))
	mux.HandleFunc("GET /api/unread-count", apiHandlers.RequireAuth(apiHandlers.UnreadCountHandler))
	mux.HandleFunc("GET /api/users", apiHandlers.RequireAuth(apiHandlers.UsersHandler))
	mux.HandleFunc("GET /api/me", apiHandlers.RequireAuth(apiHandlers.MeHandler))
	mux.HandleFunc("POST /api/push/subscribe", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.PushSubscribeHandler)))
	mux.HandleFunc("GET /api/push/public-key", apiHandlers.PushPublicKeyHandler)

	// WebSocket endpoint
	mux.HandleFunc("GET /api/stream", streamServer.HandleStream)

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
	log.Printf("Server started on %s", s.server.Addr)
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
