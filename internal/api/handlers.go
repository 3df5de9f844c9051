package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"

	"quad/internal/auth"
	"quad/internal/chat"
	"quad/internal/content"
	"quad/internal/models"
	"quad/internal/push"
	"quad/internal/storage"

	"github.com/samber/lo"
)

const maxRequestBody = 64 << 10

type API struct {
	auth  *auth.Service
	chat  *chat.Service
	store *storage.BboltStorage
	push  *push.Service
}

func New(authService *auth.Service, chatService *chat.Service, store *storage.BboltStorage, pushService *push.Service) *API {
	return &API{
		auth:  authService,
		chat:  chatService,
		store: store,
		push:  pushService,
	}
}

func getToken(r *http.Request) string {
	token := r.Header.Get("token")
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}
	return token
}

type authedHandler func(w http.ResponseWriter, r *http.Request, userID string)

// RequireAuth resolves the caller identity before the handler runs.
// Everything behind it trusts the user id it is handed.
func (a *API) RequireAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.auth.Resolve(getToken(r))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r, userID)
	}
}

// RequireSameOrigin rejects cross-site POSTs by comparing the Origin
// header host against the request host.
func RequireSameOrigin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			u, err := url.Parse(origin)
			if err != nil || u.Host != r.Host {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	var validation *models.ValidationError
	switch {
	case errors.As(err, &validation):
		http.Error(w, validation.Reason, http.StatusBadRequest)
	case errors.Is(err, models.ErrNotFound):
		http.Error(w, "Not found", http.StatusNotFound)
	case errors.Is(err, auth.ErrUnauthorized):
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	default:
		slog.Error("request failed", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
	}
}

type SendMessageRequest struct {
	ReceiverID     string `json:"receiverId"`
	Content        string `json:"content"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

func (a *API) SendMessageHandler(w http.ResponseWriter, r *http.Request, userID string) {
	var req SendMessageRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	msg, err := a.chat.Send(r.Context(), userID, req.ReceiverID, req.Content, req.IdempotencyKey)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, msg)
}

func (a *API) HistoryHandler(w http.ResponseWriter, r *http.Request, userID string) {
	counterpartyID := r.PathValue("id")

	messages, err := a.chat.History(userID, counterpartyID)
	if err != nil {
		writeError(w, err)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}

	// format=html returns each message body rendered from markdown for
	// clients without a renderer of their own.
	if r.URL.Query().Get("format") == "html" {
		for i := range messages {
			rendered, err := content.Render(messages[i].Content)
			if err != nil {
				writeError(w, err)
				return
			}
			messages[i].Content = rendered
		}
	}

	writeJSON(w, messages)
}

func (a *API) ConversationsHandler(w http.ResponseWriter, r *http.Request, userID string) {
	conversations, err := a.chat.ListConversations(userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if conversations == nil {
		conversations = []models.Conversation{}
	}

	writeJSON(w, conversations)
}

func (a *API) UnreadCountHandler(w http.ResponseWriter, r *http.Request, userID string) {
	count, err := a.chat.UnreadCount(userID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, map[string]int{"count": count})
}

func (a *API) UsersHandler(w http.ResponseWriter, r *http.Request, userID string) {
	users, err := a.store.ListUsers()
	if err != nil {
		writeError(w, err)
		return
	}

	active := lo.Filter(users, func(u models.User, _ int) bool {
		return u.Status == models.UserStatusActive
	})
	sort.Slice(active, func(i, j int) bool {
		return active[i].DisplayName < active[j].DisplayName
	})

	writeJSON(w, active)
}

func (a *API) MeHandler(w http.ResponseWriter, r *http.Request, userID string) {
	user, err := a.store.GetUser(userID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, user)
}

func (a *API) PushSubscribeHandler(w http.ResponseWriter, r *http.Request, userID string) {
	if a.push == nil {
		http.Error(w, "Push is not configured", http.StatusServiceUnavailable)
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := a.push.Subscribe(userID, raw); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, models.APIResponse{Success: true})
}

func (a *API) PushPublicKeyHandler(w http.ResponseWriter, r *http.Request) {
	if a.push == nil {
		http.Error(w, "Push is not configured", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, map[string]string{"publicKey": a.push.PublicKey()})
}
