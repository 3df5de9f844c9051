package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"quad/internal/content"
	"quad/internal/models"
	"quad/internal/presence"
	"quad/internal/pubsub"
	"quad/internal/push"
	"quad/internal/storage"

	"github.com/c-pro/geche"
	"github.com/samber/lo"
)

const previewLength = 120

// Service implements the messaging operations on top of the durable
// store. A message counts as sent once the store accepted it; everything
// after the write (live fan-out, web push) is best-effort and never
// reported to the sender as a failure.
type Service struct {
	store    *storage.BboltStorage
	broker   *pubsub.Broker
	presence *presence.Tracker
	push     *push.Service

	// recent deduplicates retried sends by client idempotency key
	// within a bounded window.
	recent geche.Geche[string, models.Message]

	maxMessageBytes int
}

type Config struct {
	Store           *storage.BboltStorage
	Broker          *pubsub.Broker
	Presence        *presence.Tracker
	Push            *push.Service // nil disables web push
	MaxMessageBytes int

	IdempotencyWindow time.Duration
}

func NewService(ctx context.Context, cfg Config) *Service {
	window := cfg.IdempotencyWindow
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &Service{
		store:           cfg.Store,
		broker:          cfg.Broker,
		presence:        cfg.Presence,
		push:            cfg.Push,
		recent:          geche.NewMapTTLCache[string, models.Message](ctx, window, time.Minute),
		maxMessageBytes: cfg.MaxMessageBytes,
	}
}

// Send validates, stores and fans out a new direct message. A non-empty
// idempotencyKey makes retries safe: a repeated key within the window
// returns the originally stored row instead of appending a duplicate.
func (s *Service) Send(ctx context.Context, senderID, receiverID, rawContent, idempotencyKey string) (models.Message, error) {
	text := content.Sanitize(rawContent)
	if text == "" {
		return models.Message{}, models.Invalid("message content is empty")
	}
	if len(text) > s.maxMessageBytes {
		return models.Message{}, models.Invalid("message content exceeds %d bytes", s.maxMessageBytes)
	}

	cacheKey := ""
	if idempotencyKey != "" {
		cacheKey = senderID + "\x00" + idempotencyKey
		if msg, err := s.recent.Get(cacheKey); err == nil {
			return msg, nil
		}
	}

	msg, err := s.store.AppendMessage(senderID, receiverID, text)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.Message{}, models.Invalid("unknown receiver %q", receiverID)
		}
		return models.Message{}, fmt.Errorf("failed to store message: %w", err)
	}

	if cacheKey != "" {
		s.recent.Set(cacheKey, msg)
	}

	s.fanOut(ctx, msg)

	return msg, nil
}

// fanOut publishes the stored message on the live channels. The message
// goes to both parties (the sender's other devices want the echo too);
// the badge signal goes to the receiver only. Publication happens whether
// or not the receiver is connected: history is the catch-up path.
func (s *Service) fanOut(ctx context.Context, msg models.Message) {
	event := models.Event{Type: models.EventNewMessage, Message: &msg}
	s.broker.Publish(msg.ReceiverID, pubsub.TopicMessages, event)
	if msg.SenderID == msg.ReceiverID {
		return // notes to self carry no badge signal
	}
	s.broker.Publish(msg.SenderID, pubsub.TopicMessages, event)

	unread, err := s.store.UnreadCount(msg.ReceiverID)
	if err != nil {
		slog.Error("failed to compute unread count for signal",
			"user_id", msg.ReceiverID, "error", err)
		return
	}

	signal := models.UnreadSignal{
		SenderID: msg.SenderID,
		Preview:  content.Preview(msg.Content, previewLength),
		Unread:   unread,
	}
	s.broker.Publish(msg.ReceiverID, pubsub.TopicNotifications, models.Event{
		Type:   models.EventUnreadSignal,
		Signal: &signal,
	})

	// Receiver has no live connection: try web push so the badge still
	// updates. Detached from the request so a slow push service cannot
	// stall the sender.
	if s.push != nil && !s.presence.Online(msg.ReceiverID) {
		go func() {
			pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			s.push.SendUnreadSignal(pushCtx, msg.ReceiverID, signal)
		}()
	}
}

// History returns the ordered two-way log with the counterparty and, as a
// documented side effect, marks all inbound rows read. When anything was
// flipped, the caller's other devices get a fresh badge value over the
// notifications topic.
func (s *Service) History(callerID, counterpartyID string) ([]models.Message, error) {
	messages, flipped, err := s.store.History(callerID, counterpartyID)
	if err != nil {
		return nil, err
	}

	if flipped > 0 {
		unread, err := s.store.UnreadCount(callerID)
		if err != nil {
			slog.Error("failed to compute unread count after history",
				"user_id", callerID, "error", err)
		} else {
			s.broker.Publish(callerID, pubsub.TopicNotifications, models.Event{
				Type: models.EventUnreadSignal,
				Signal: &models.UnreadSignal{
					SenderID: counterpartyID,
					Unread:   unread,
				},
			})
		}
	}

	return messages, nil
}

// ListConversations derives the caller's conversation list from the
// store, most recent first, joined with display metadata from the user
// directory.
func (s *Service) ListConversations(userID string) ([]models.Conversation, error) {
	conversations, err := s.store.Conversations(userID)
	if err != nil {
		return nil, err
	}

	users, err := s.store.ListUsers()
	if err != nil {
		return nil, err
	}
	byID := lo.KeyBy(users, func(u models.User) string { return u.ID })

	conversations = lo.Map(conversations, func(c models.Conversation, _ int) models.Conversation {
		if u, ok := byID[c.CounterpartyID]; ok {
			c.Name = u.DisplayName
			c.AvatarURL = u.AvatarURL
		}
		if c.Name == "" {
			c.Name = "Unknown User"
		}
		return c
	})

	sort.Slice(conversations, func(i, j int) bool {
		if conversations[i].LastMessageAt != conversations[j].LastMessageAt {
			return conversations[i].LastMessageAt > conversations[j].LastMessageAt
		}
		return conversations[i].LastMessageID > conversations[j].LastMessageID
	})

	return conversations, nil
}

// UnreadCount is the caller's aggregate badge value, recomputed from the
// store on every call.
func (s *Service) UnreadCount(userID string) (int, error) {
	return s.store.UnreadCount(userID)
}
