package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"quad/internal/auth"
	"quad/internal/content"
	"quad/internal/models"
)

// AdminHandler serves the provisioning API. It binds to a separate,
// non-public address; there is no authentication beyond that.
type AdminHandler struct {
	auth *auth.Service
}

func NewAdminHandler(authService *auth.Service) *AdminHandler {
	return &AdminHandler{auth: authService}
}

type AddUserRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

type AddUserResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	User    models.User `json:"user,omitempty"`
	// Token is the user's API token, returned exactly once.
	Token string `json:"token,omitempty"`
}

func (h *AdminHandler) AddUserHandler(w http.ResponseWriter, r *http.Request) {
	var req AddUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := content.ValidateUsername(req.Username); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	user, token, err := h.auth.CreateUser(req.Username, req.DisplayName, req.AvatarURL)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, auth.ErrUserExists) {
			status = http.StatusConflict
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(AddUserResponse{
			Success: false,
			Message: fmt.Sprintf("Failed to create user: %v", err),
		})
		return
	}

	writeJSON(w, AddUserResponse{
		Success: true,
		User:    user,
		Token:   token,
	})
}
