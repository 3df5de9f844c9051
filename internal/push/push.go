package push

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"quad/internal/models"
	"quad/internal/storage"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// Service delivers badge updates over Web Push to users with no live
// connection. It is a best-effort latency optimization on top of the
// durable store: every failure here is logged and swallowed.
type Service struct {
	store      *storage.BboltStorage
	publicKey  string
	privateKey string
	contact    string
}

// NewService returns nil when VAPID keys are not configured; callers
// treat a nil service as push disabled.
func NewService(store *storage.BboltStorage, publicKey, privateKey, contact string) *Service {
	if publicKey == "" || privateKey == "" {
		return nil
	}
	return &Service{
		store:      store,
		publicKey:  publicKey,
		privateKey: privateKey,
		contact:    contact,
	}
}

func (s *Service) PublicKey() string {
	return s.publicKey
}

// Subscribe stores a browser push subscription for the user.
func (s *Service) Subscribe(userID string, raw []byte) error {
	var sub webpush.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return models.Invalid("malformed push subscription")
	}
	if sub.Endpoint == "" {
		return models.Invalid("push subscription missing endpoint")
	}
	return s.store.UpsertPushSubscription(userID, sub.Endpoint, raw)
}

// SendUnreadSignal pushes the badge payload to every subscription the
// user has registered. Subscriptions the push service reports as gone
// are pruned.
func (s *Service) SendUnreadSignal(ctx context.Context, userID string, signal models.UnreadSignal) {
	raws, err := s.store.ListPushSubscriptions(userID)
	if err != nil {
		slog.Error("failed to list push subscriptions", "user_id", userID, "error", err)
		return
	}
	if len(raws) == 0 {
		return
	}

	payload, err := json.Marshal(models.Event{
		Type:   models.EventUnreadSignal,
		Signal: &signal,
	})
	if err != nil {
		slog.Error("failed to marshal push payload", "error", err)
		return
	}

	for _, raw := range raws {
		var sub webpush.Subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			slog.Warn("skipping corrupt push subscription", "user_id", userID, "error", err)
			continue
		}

		resp, err := webpush.SendNotificationWithContext(ctx, payload, &sub, &webpush.Options{
			Subscriber:      s.contact,
			VAPIDPublicKey:  s.publicKey,
			VAPIDPrivateKey: s.privateKey,
			TTL:             60,
		})
		if err != nil {
			slog.Warn("web push delivery failed", "user_id", userID, "error", err)
			continue
		}
		_ = resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			if err := s.store.DeletePushSubscription(userID, sub.Endpoint); err != nil {
				slog.Warn("failed to prune dead push subscription", "user_id", userID, "error", err)
			}
		}
	}
}
