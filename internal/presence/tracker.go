package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"quad/internal/models"
	"quad/internal/pubsub"

	"github.com/samber/lo"
)

// entry is the presence state of one user: the set of live connection
// handles with their last heartbeat. The user is online iff the set is
// non-empty.
type entry struct {
	info    models.PresenceInfo
	handles map[string]time.Time
}

// Tracker is the ephemeral registry of who is online. Multiple
// connections per user collapse into one entry; the entry disappears
// exactly when the last connection goes away. Because disconnect
// notification over a network is best-effort, every registration must be
// refreshed by heartbeats or it expires after the TTL.
type Tracker struct {
	mu     sync.Mutex
	users  map[string]*entry
	byConn map[string]string // connection handle -> userID
	ttl    time.Duration
	broker *pubsub.Broker
	now    func() time.Time
}

func NewTracker(broker *pubsub.Broker, ttl time.Duration) *Tracker {
	return &Tracker{
		users:  make(map[string]*entry),
		byConn: make(map[string]string),
		ttl:    ttl,
		broker: broker,
		now:    time.Now,
	}
}

// Register adds a connection for the user. Registering the same handle
// again only refreshes its heartbeat.
func (t *Tracker) Register(userID, handle string, info models.PresenceInfo) {
	t.mu.Lock()
	e, ok := t.users[userID]
	if !ok {
		e = &entry{
			info:    info,
			handles: make(map[string]time.Time),
		}
		t.users[userID] = e
	}
	e.info = info
	e.handles[handle] = t.now()
	t.byConn[handle] = userID
	wentOnline := !ok
	t.mu.Unlock()

	if wentOnline {
		t.publishSnapshot()
	}
}

// Heartbeat refreshes the liveness of a connection. Unknown handles are
// ignored; the connection has already been reaped and will re-register.
func (t *Tracker) Heartbeat(handle string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	userID, ok := t.byConn[handle]
	if !ok {
		return
	}
	t.users[userID].handles[handle] = t.now()
}

// Unregister removes a connection. It is a no-op for a handle that was
// never registered or was already removed, so it is safe to call from
// every disconnect path without coordination.
func (t *Tracker) Unregister(handle string) {
	t.mu.Lock()
	userID, ok := t.byConn[handle]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.byConn, handle)

	e := t.users[userID]
	delete(e.handles, handle)
	wentOffline := len(e.handles) == 0
	if wentOffline {
		delete(t.users, userID)
	}
	t.mu.Unlock()

	if wentOffline {
		t.publishSnapshot()
	}
}

// Online reports whether the user has at least one live connection.
func (t *Tracker) Online(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.users[userID]
	return ok
}

// Snapshot returns the current online set, sorted by display name.
func (t *Tracker) Snapshot() []models.PresenceInfo {
	t.mu.Lock()
	online := lo.MapToSlice(t.users, func(_ string, e *entry) models.PresenceInfo {
		return e.info
	})
	t.mu.Unlock()

	sort.Slice(online, func(i, j int) bool {
		if online[i].DisplayName != online[j].DisplayName {
			return online[i].DisplayName < online[j].DisplayName
		}
		return online[i].UserID < online[j].UserID
	})
	return online
}

func (t *Tracker) publishSnapshot() {
	t.broker.Broadcast(pubsub.TopicNotifications, models.Event{
		Type:   models.EventPresenceSnapshot,
		Online: t.Snapshot(),
	})
}

// Run reaps connections whose heartbeat is older than the TTL. A client
// that silently drops off the network goes offline within one TTL window
// even though its unregister never fired.
func (t *Tracker) Run(ctx context.Context) error {
	interval := t.ttl / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.reap()
		}
	}
}

func (t *Tracker) reap() {
	deadline := t.now().Add(-t.ttl)

	t.mu.Lock()
	var expired []string
	for handle, userID := range t.byConn {
		if t.users[userID].handles[handle].Before(deadline) {
			expired = append(expired, handle)
		}
	}
	t.mu.Unlock()

	for _, handle := range expired {
		slog.Info("reaping stale presence connection", "handle", handle)
		t.Unregister(handle)
	}
}
