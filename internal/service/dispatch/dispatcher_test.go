package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/krobus00/exchange-core/internal/entity"
)

func orderEvent(id string, eventType entity.OrderEventType) entity.OrderEvent {
	return entity.OrderEvent{
		Type:  eventType,
		Order: &entity.Order{ClientOrderID: id},
	}
}

func TestPublishDeliversInOrder(t *testing.T) {
	d := NewDispatcher(8)
	defer d.Close()
	sub := d.Subscribe("strategy")

	d.Publish(orderEvent("a", entity.OrderEventCreated))
	d.Publish(orderEvent("a", entity.OrderEventSubmitted))
	d.Publish(orderEvent("a", entity.OrderEventFilled))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	want := []entity.OrderEventType{
		entity.OrderEventCreated,
		entity.OrderEventSubmitted,
		entity.OrderEventFilled,
	}
	for _, wantType := range want {
		event, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if event.Type != wantType {
			t.Fatalf("event type mismatch: got %s want %s", event.Type, wantType)
		}
	}
}

func TestOverflowSynthesizesSingleMarker(t *testing.T) {
	d := NewDispatcher(4)
	defer d.Close()
	sub := d.Subscribe("slow")

	for i := 0; i < 20; i++ {
		d.Publish(orderEvent("o", entity.OrderEventPartiallyFilled))
	}

	if sub.Pending() > 4 {
		t.Fatalf("queue exceeded its bound: %d", sub.Pending())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	markers := 0
	for sub.Pending() > 0 {
		event, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if event.Type == entity.OrderEventDispatchOverflow {
			markers++
		}
	}
	if markers != 1 {
		t.Fatalf("expected exactly one overflow marker, got %d", markers)
	}

	// After a resync a fresh overflow produces a new marker.
	sub.MarkResynced()
	for i := 0; i < 20; i++ {
		d.Publish(orderEvent("o", entity.OrderEventPartiallyFilled))
	}

	markers = 0
	for sub.Pending() > 0 {
		event, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if event.Type == entity.OrderEventDispatchOverflow {
			markers++
		}
	}
	if markers != 1 {
		t.Fatalf("expected one marker after resync, got %d", markers)
	}
}

func TestMarkerSurvivesSustainedOverflow(t *testing.T) {
	d := NewDispatcher(4)
	defer d.Close()
	sub := d.Subscribe("stalled")

	// many full drop-oldest passes land after the marker is synthesized
	for i := 0; i < 500; i++ {
		d.Publish(orderEvent("o", entity.OrderEventPartiallyFilled))
	}
	if sub.Pending() > 4 {
		t.Fatalf("queue exceeded its bound: %d", sub.Pending())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	first, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if first.Type != entity.OrderEventDispatchOverflow {
		t.Fatalf("marker must precede the surviving events, got %s", first.Type)
	}

	for sub.Pending() > 0 {
		event, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if event.Type == entity.OrderEventDispatchOverflow {
			t.Fatal("marker delivered more than once for a single episode")
		}
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	d := NewDispatcher(2)
	defer d.Close()
	_ = d.Subscribe("stuck") // never consumed

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10_000; i++ {
			d.Publish(orderEvent("o", entity.OrderEventCreated))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a stuck subscriber")
	}
}

func TestSubscribersAreIndependent(t *testing.T) {
	d := NewDispatcher(4)
	defer d.Close()
	fast := d.Subscribe("fast")
	_ = d.Subscribe("slow")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		d.Publish(orderEvent("o", entity.OrderEventCreated))
		if _, err := fast.Next(ctx); err != nil {
			t.Fatalf("next: %v", err)
		}
	}

	if fast.Pending() != 0 {
		t.Fatalf("fast subscriber should be drained, pending=%d", fast.Pending())
	}
}

func TestNextUnblocksOnClose(t *testing.T) {
	d := NewDispatcher(4)
	sub := d.Subscribe("s")

	errCh := make(chan error, 1)
	go func() {
		_, err := sub.Next(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	d.Close()

	select {
	case err := <-errCh:
		if err != ErrDispatcherClosed {
			t.Fatalf("expected ErrDispatcherClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not unblock on close")
	}
}
