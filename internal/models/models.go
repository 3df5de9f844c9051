package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")
)

// ValidationError rejects a request before any state is changed.
// It maps to HTTP 400 and is never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

func Invalid(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

type UserStatus string

const (
	UserStatusActive  UserStatus = "active"
	UserStatusDeleted UserStatus = "deleted"
)

// User represents a member of the campus community.
type User struct {
	ID          string     `json:"id"`
	UserName    string     `json:"userName"`
	DisplayName string     `json:"displayName"`
	AvatarURL   string     `json:"avatarUrl"`
	Status      UserStatus `json:"status"`
}

// Message is a direct message between two users. Rows are immutable once
// stored except for Read, which only ever flips false -> true.
type Message struct {
	ID         uint64 `json:"id"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
	CreatedAt  int64  `json:"createdAt"` // Unix timestamp (seconds), non-decreasing per store
	Read       bool   `json:"isRead"`
}

// Conversation is a derived view over the message log: one entry per
// distinct counterparty, never stored independently.
type Conversation struct {
	CounterpartyID string `json:"counterpartyId"`
	Name           string `json:"name"`
	AvatarURL      string `json:"avatarUrl"`
	LastMessage    string `json:"lastMessage"`
	LastMessageID  uint64 `json:"lastMessageId"`
	LastMessageAt  int64  `json:"lastMessageAt"`
	Unread         bool   `json:"unread"`
}

// PresenceInfo describes one online user in a presence snapshot.
type PresenceInfo struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
}

// UnreadSignal is the lightweight badge event: enough to bump a counter
// and show a toast without fetching the conversation.
type UnreadSignal struct {
	SenderID string `json:"senderId"`
	Preview  string `json:"preview"`
	Unread   int    `json:"unread"`
}

type EventType string

const (
	EventNewMessage       EventType = "new-message"
	EventUnreadSignal     EventType = "unread-signal"
	EventPresenceSnapshot EventType = "presence-snapshot"
)

// Event is a message pushed to a live client over the stream.
type Event struct {
	Type    EventType      `json:"type"`
	Message *Message       `json:"message,omitempty"`
	Signal  *UnreadSignal  `json:"signal,omitempty"`
	Online  []PresenceInfo `json:"online,omitempty"`
}

type ClientEventType string

const (
	ClientEventTypePing ClientEventType = "ping"
)

// ClientEvent is sent by the client over the stream. Pings double as
// presence heartbeats.
type ClientEvent struct {
	Type ClientEventType `json:"type"`
}

type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
