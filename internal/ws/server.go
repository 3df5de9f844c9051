package ws

import (
	"log/slog"
	"net/http"

	"quad/internal/models"
	"quad/internal/pubsub"

	"github.com/gorilla/websocket"
)

type tokenResolver interface {
	Resolve(token string) (string, error)
}

type userDirectory interface {
	GetUser(id string) (models.User, error)
}

// Server upgrades authenticated clients to the live event stream.
type Server struct {
	auth      tokenResolver
	directory userDirectory
	broker    *pubsub.Broker
	presence  presenceTracker
	upgrader  *websocket.Upgrader
}

func NewServer(auth tokenResolver, directory userDirectory, broker *pubsub.Broker, presence presenceTracker) *Server {
	return &Server{
		auth:      auth,
		directory: directory,
		broker:    broker,
		presence:  presence,
		upgrader:  &websocket.Upgrader{},
	}
}

func streamToken(r *http.Request) string {
	if token := r.Header.Get("token"); token != "" {
		return token
	}
	if c, err := r.Cookie("token"); err == nil {
		return c.Value
	}
	// Browser WebSocket API cannot set headers.
	return r.URL.Query().Get("token")
}

func (s *Server) HandleStream(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.Resolve(streamToken(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	user, err := s.directory.GetUser(userID)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	c := NewConnection(s.broker, s.presence, conn, userID, models.PresenceInfo{
		UserID:      user.ID,
		DisplayName: user.DisplayName,
		AvatarURL:   user.AvatarURL,
	})

	if err := c.Handle(r.Context()); err != nil {
		slog.Info("stream closed", "user_id", userID, "error", err)
	}
}
