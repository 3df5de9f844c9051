// Package reconcile implements the client-side merge contract for a
// single conversation: REST-fetched history is authoritative, live
// events fill the gap until the next fetch, and a message is displayed
// at most once regardless of how many paths delivered it.
package reconcile

import (
	"sort"
	"sync"

	"quad/internal/models"
)

// Timeline is the merged, ordered view of one conversation as a client
// should render it. It is safe for concurrent use; a stream reader and a
// fetch loop may feed it from different goroutines.
type Timeline struct {
	mu     sync.Mutex
	msgs   []models.Message
	seen   map[uint64]bool
	cursor uint64 // highest id confirmed by a history fetch
}

func NewTimeline() *Timeline {
	return &Timeline{
		seen: make(map[uint64]bool),
	}
}

// ApplyHistory replaces the timeline with a freshly fetched history.
// The store's answer wins over anything buffered from the live channel:
// after a reconnect gap the buffered events may be stale, so they are
// discarded wholesale and the cursor advances to the newest fetched row.
func (t *Timeline) ApplyHistory(history []models.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.msgs = make([]models.Message, len(history))
	copy(t.msgs, history)
	t.seen = make(map[uint64]bool, len(history))
	t.cursor = 0
	for _, m := range history {
		t.seen[m.ID] = true
		if m.ID > t.cursor {
			t.cursor = m.ID
		}
	}
}

// ApplyLive merges one live event into the timeline. It reports whether
// the message was actually added: duplicates (the sender's own echo, a
// redelivered event) and events at or below the history cursor are
// dropped. Out-of-order arrivals are inserted at their store position.
func (t *Timeline) ApplyLive(msg models.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.seen[msg.ID] || msg.ID <= t.cursor {
		return false
	}
	t.seen[msg.ID] = true

	i := sort.Search(len(t.msgs), func(i int) bool {
		if t.msgs[i].CreatedAt != msg.CreatedAt {
			return t.msgs[i].CreatedAt > msg.CreatedAt
		}
		return t.msgs[i].ID > msg.ID
	})
	t.msgs = append(t.msgs, models.Message{})
	copy(t.msgs[i+1:], t.msgs[i:])
	t.msgs[i] = msg
	return true
}

// Messages returns the current ordered view.
func (t *Timeline) Messages() []models.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]models.Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}

// Cursor is the id of the newest message confirmed by history. A client
// reconnecting after a gap compares buffered live events against it.
func (t *Timeline) Cursor() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursor
}
