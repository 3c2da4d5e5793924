package push

import "testing"

func TestNewNotification(t *testing.T) {
	t.Parallel()

	n := NewNotification("room-1", "hello", "alice")

	if n.ChatRoomIdentifier != "room-1" || n.Message != "hello" || n.AppUserIdentifier != "alice" {
		t.Errorf("NewNotification() = %+v", n)
	}
	if n.ClickAction != "CHAT_NOTIFICATION" {
		t.Errorf("ClickAction = %q, want CHAT_NOTIFICATION", n.ClickAction)
	}
}

func TestQueueNewestWins(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	q.Put("alice", NewNotification("room-1", "first", "bob"))
	q.Put("alice", NewNotification("room-1", "second", "bob"))
	q.Put("carol", NewNotification("room-2", "other", "bob"))

	pending := q.Drain()
	if len(pending) != 2 {
		t.Fatalf("Drain() returned %d entries, want 2", len(pending))
	}
	if got := pending["alice"].Message; got != "second" {
		t.Errorf("alice message = %q, want the newer one", got)
	}
	if got := pending["carol"].Message; got != "other" {
		t.Errorf("carol message = %q", got)
	}
}

func TestDrainEmptiesQueue(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	q.Put("alice", NewNotification("room-1", "hello", "bob"))

	if n := len(q.Drain()); n != 1 {
		t.Fatalf("first Drain() returned %d entries, want 1", n)
	}
	if n := len(q.Drain()); n != 0 {
		t.Errorf("second Drain() returned %d entries, want 0", n)
	}
}
