package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"quad/internal/models"
	"quad/internal/storage"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
)

var (
	ErrUserExists   = errors.New("user already exists")
	ErrUnauthorized = errors.New("unauthorized")
)

// Service resolves opaque API tokens to user ids. It does not
// authenticate people; identity issuance happens elsewhere and this core
// trusts the tokens it minted. Token hashes live in the store, with a
// TTL cache in front so the hot path stays off disk.
type Service struct {
	store    *storage.BboltStorage
	sessions geche.Geche[string, string]
}

func NewService(ctx context.Context, store *storage.BboltStorage, tokenExpiry time.Duration) *Service {
	return &Service{
		store:    store,
		sessions: geche.NewMapTTLCache[string, string](ctx, tokenExpiry, time.Minute),
	}
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// CreateUser registers a new active user and mints their first API
// token. The raw token is returned exactly once; only its hash is stored.
func (s *Service) CreateUser(userName, displayName, avatarURL string) (models.User, string, error) {
	existing, err := s.store.ListUsers()
	if err != nil {
		return models.User{}, "", fmt.Errorf("failed to list users: %w", err)
	}
	for _, u := range existing {
		if u.UserName == userName && u.Status != models.UserStatusDeleted {
			return models.User{}, "", ErrUserExists
		}
	}

	if displayName == "" {
		displayName = userName
	}

	user := models.User{
		ID:          uuid.NewString(),
		UserName:    userName,
		DisplayName: displayName,
		AvatarURL:   avatarURL,
		Status:      models.UserStatusActive,
	}
	if err := s.store.UpsertUser(user); err != nil {
		return models.User{}, "", fmt.Errorf("failed to store user: %w", err)
	}

	token, err := s.MintToken(user.ID)
	if err != nil {
		return models.User{}, "", err
	}

	return user, token, nil
}

// MintToken issues a fresh API token for an existing user.
func (s *Service) MintToken(userID string) (string, error) {
	token := uuid.NewString()
	if err := s.store.UpsertToken(userID, hashToken(token)); err != nil {
		return "", fmt.Errorf("failed to store token: %w", err)
	}
	return token, nil
}

// Resolve maps a presented token to the owning user id, or
// ErrUnauthorized.
func (s *Service) Resolve(token string) (string, error) {
	if token == "" {
		return "", ErrUnauthorized
	}

	hash := hashToken(token)
	if userID, err := s.sessions.Get(hash); err == nil {
		return userID, nil
	}

	userID, err := s.store.LookupToken(hash)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return "", ErrUnauthorized
		}
		return "", err
	}

	s.sessions.Set(hash, userID)
	return userID, nil
}

// Revoke invalidates a token everywhere.
func (s *Service) Revoke(token string) error {
	hash := hashToken(token)
	_ = s.sessions.Del(hash)
	return s.store.DeleteToken(hash)
}
