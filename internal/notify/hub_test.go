package notify

import (
	"context"
	"log/slog"
	"testing"

	"github.com/jasl/tavern-kit-sub011/internal/domain/models/scheduling"
)

func testHub() *Hub {
	return NewHub(slog.New(slog.DiscardHandler))
}

func update(revision int64) *scheduling.QueueUpdate {
	return &scheduling.QueueUpdate{
		Type:           "queue_updated",
		ConversationID: "conv-1",
		Revision:       revision,
	}
}

func TestPublishFansOut(t *testing.T) {
	hub := testHub()
	first := hub.Subscribe("conv-1")
	second := hub.Subscribe("conv-1")
	other := hub.Subscribe("conv-2")

	hub.Publish(context.Background(), "conv-1", update(1))

	for _, sub := range []*Subscription{first, second} {
		select {
		case got := <-sub.Updates():
			if got.Revision != 1 {
				t.Errorf("expected revision 1, got %d", got.Revision)
			}
		default:
			t.Fatal("subscriber did not receive the update")
		}
	}

	select {
	case got := <-other.Updates():
		t.Fatalf("other conversation received revision %d", got.Revision)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	hub := testHub()
	sub := hub.Subscribe("conv-1")

	hub.Unsubscribe(sub)

	if _, open := <-sub.Updates(); open {
		t.Fatal("channel should be closed after unsubscribe")
	}

	// Repeat unsubscribe and a publish to a now-empty conversation are safe
	hub.Unsubscribe(sub)
	hub.Publish(context.Background(), "conv-1", update(1))
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	hub := testHub()
	sub := hub.Subscribe("conv-1")

	total := subscriberBuffer + 5
	for i := 1; i <= total; i++ {
		hub.Publish(context.Background(), "conv-1", update(int64(i)))
	}

	// The oldest updates were dropped; the newest must survive
	var last int64
	for i := 0; i < subscriberBuffer; i++ {
		select {
		case got := <-sub.Updates():
			if got.Revision <= last {
				t.Fatalf("updates out of order: %d after %d", got.Revision, last)
			}
			last = got.Revision
		default:
			t.Fatalf("expected %d buffered updates, drained %d", subscriberBuffer, i)
		}
	}
	if last != int64(total) {
		t.Errorf("newest update lost: last revision %d, want %d", last, total)
	}
}

func TestStaleFiltering(t *testing.T) {
	fresh := update(5)
	if fresh.Stale(4) {
		t.Error("revision 5 should not be stale after 4")
	}
	if !fresh.Stale(5) {
		t.Error("revision 5 should be stale after 5")
	}
	if !fresh.Stale(9) {
		t.Error("revision 5 should be stale after 9")
	}
}
