package queue

import (
	"testing"
	"time"

	"github.com/HakAl/snitcher/internal/store"
)

func TestBus_PublishDeliversToSubscriber(t *testing.T) {
	t.Parallel()
	b := NewBus(4)
	sub := b.Subscribe()
	defer sub.Unsubscribe()

	f := &store.Flow{ID: "a"}
	b.Publish(f)

	select {
	case got := <-sub.Events():
		if got.ID != "a" {
			t.Errorf("got flow %q, want %q", got.ID, "a")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_FanOutToMultipleSubscribers(t *testing.T) {
	t.Parallel()
	b := NewBus(4)
	s1 := b.Subscribe()
	s2 := b.Subscribe()
	defer s1.Unsubscribe()
	defer s2.Unsubscribe()

	b.Publish(&store.Flow{ID: "a"})

	for _, s := range []*Subscription{s1, s2} {
		select {
		case got := <-s.Events():
			if got.ID != "a" {
				t.Errorf("got %q, want %q", got.ID, "a")
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestBus_OverflowDropsOldest(t *testing.T) {
	t.Parallel()
	b := NewBus(2)
	sub := b.Subscribe()
	defer sub.Unsubscribe()

	b.Publish(&store.Flow{ID: "1"})
	b.Publish(&store.Flow{ID: "2"})
	b.Publish(&store.Flow{ID: "3"}) // buffer full at 2; "1" should be dropped

	first := <-sub.Events()
	second := <-sub.Events()

	if first.ID != "2" || second.ID != "3" {
		t.Errorf("got %q, %q; want 2, 3", first.ID, second.ID)
	}
	if sub.Dropped() != 1 {
		t.Errorf("dropped count = %d, want 1", sub.Dropped())
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()
	b := NewBus(4)
	sub := b.Subscribe()
	sub.Unsubscribe()

	b.Publish(&store.Flow{ID: "a"})

	if b.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers after unsubscribe, got %d", b.SubscriberCount())
	}
}

func TestBus_CloseStopsPublish(t *testing.T) {
	t.Parallel()
	b := NewBus(4)
	sub := b.Subscribe()
	b.Close()

	// Should not panic or block.
	b.Publish(&store.Flow{ID: "a"})

	if _, ok := <-sub.Events(); ok {
		t.Error("expected subscriber channel to be closed")
	}
}
