package pubsub

import (
	"log/slog"
	"sync"

	"quad/internal/models"
)

type Topic string

const (
	// TopicMessages carries full message payloads for open conversations.
	TopicMessages Topic = "messages"
	// TopicNotifications carries unread signals and presence snapshots.
	TopicNotifications Topic = "notifications"
)

const subscriptionBuffer = 64

// Subscription is one live listener on a user's topics. Events arrive on
// C in publish order. Close detaches it from the broker.
type Subscription struct {
	C chan models.Event

	userID string
	topics map[Topic]bool
	broker *Broker
}

func (s *Subscription) Close() {
	s.broker.unsubscribe(s)
}

// Broker is the in-process fan-out layer: two logical topics per user,
// any number of subscribers per topic (one per open tab or device).
// Delivery is fire-and-forget; a subscriber that cannot keep up loses
// events and recovers via the next history fetch.
type Broker struct {
	mu   sync.RWMutex
	subs map[string][]*Subscription
}

func NewBroker() *Broker {
	return &Broker{
		subs: make(map[string][]*Subscription),
	}
}

func (b *Broker) Subscribe(userID string, topics ...Topic) *Subscription {
	sub := &Subscription{
		C:      make(chan models.Event, subscriptionBuffer),
		userID: userID,
		topics: make(map[Topic]bool, len(topics)),
		broker: b,
	}
	for _, t := range topics {
		sub.topics[t] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[userID] = append(b.subs[userID], sub)
	return sub
}

func (b *Broker) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[sub.userID]
	for i, s := range list {
		if s == sub {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(b.subs, sub.userID)
	} else {
		b.subs[sub.userID] = list
	}
}

// Publish delivers an event to every subscriber of the user's topic.
// Having no subscriber is not an error, and a full subscriber buffer
// drops the event rather than blocking the caller.
func (b *Broker) Publish(userID string, topic Topic, event models.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs[userID] {
		if !sub.topics[topic] {
			continue
		}
		select {
		case sub.C <- event:
		default:
			slog.Warn("dropping event for slow subscriber",
				"user_id", userID, "topic", topic, "event_type", event.Type)
		}
	}
}

// Broadcast publishes to the given topic of every subscribed user.
func (b *Broker) Broadcast(topic Topic, event models.Event) {
	b.mu.RLock()
	users := make([]string, 0, len(b.subs))
	for userID := range b.subs {
		users = append(users, userID)
	}
	b.mu.RUnlock()

	for _, userID := range users {
		b.Publish(userID, topic, event)
	}
}
