package reconcile

import (
	"testing"

	"quad/internal/models"
)

func msg(id uint64, at int64, content string) models.Message {
	return models.Message{ID: id, CreatedAt: at, Content: content}
}

func ids(msgs []models.Message) []uint64 {
	out := make([]uint64, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestTimeline_DeduplicatesLiveEcho(t *testing.T) {
	tl := NewTimeline()

	// The optimistic local copy arrives first, then the server echo of
	// the same stored row.
	if !tl.ApplyLive(msg(1, 100, "hi")) {
		t.Fatal("first delivery must be added")
	}
	if tl.ApplyLive(msg(1, 100, "hi")) {
		t.Error("echoed duplicate must be dropped")
	}

	if got := len(tl.Messages()); got != 1 {
		t.Errorf("expected 1 message, got %d", got)
	}
}

func TestTimeline_HistoryIsAuthoritative(t *testing.T) {
	tl := NewTimeline()

	// Live events buffered during a gap.
	tl.ApplyLive(msg(3, 103, "stale"))
	tl.ApplyLive(msg(4, 104, "stale"))

	// Reconnect: history wins wholesale.
	tl.ApplyHistory([]models.Message{
		msg(1, 101, "a"),
		msg(2, 102, "b"),
		msg(5, 105, "c"),
	})

	got := ids(tl.Messages())
	want := []uint64{1, 2, 5}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if tl.Cursor() != 5 {
		t.Errorf("cursor = %d, want 5", tl.Cursor())
	}
}

func TestTimeline_DropsEventsBehindCursor(t *testing.T) {
	tl := NewTimeline()
	tl.ApplyHistory([]models.Message{
		msg(1, 101, "a"),
		msg(2, 102, "b"),
	})

	// A redelivered or reordered event already covered by history.
	if tl.ApplyLive(msg(2, 102, "b")) {
		t.Error("event at the cursor must be dropped")
	}
	if tl.ApplyLive(msg(1, 101, "a")) {
		t.Error("event behind the cursor must be dropped")
	}

	if tl.ApplyLive(msg(3, 103, "c")) == false {
		t.Error("event past the cursor must be added")
	}
}

func TestTimeline_InsertsOutOfOrderArrivals(t *testing.T) {
	tl := NewTimeline()
	tl.ApplyHistory([]models.Message{msg(1, 100, "a")})

	// Both sides sent concurrently; the fan-out delivered the later
	// store position first.
	tl.ApplyLive(msg(3, 101, "b->a"))
	tl.ApplyLive(msg(2, 101, "a->b"))

	got := ids(tl.Messages())
	want := []uint64{1, 2, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestTimeline_EmptyHistoryResets(t *testing.T) {
	tl := NewTimeline()
	tl.ApplyLive(msg(7, 100, "x"))

	tl.ApplyHistory(nil)

	if got := len(tl.Messages()); got != 0 {
		t.Errorf("expected empty timeline, got %d messages", got)
	}
	if tl.Cursor() != 0 {
		t.Errorf("cursor = %d, want 0", tl.Cursor())
	}

	// With no confirmed history, any live event is fresh.
	if !tl.ApplyLive(msg(7, 100, "x")) {
		t.Error("live event after reset must be added")
	}
}
