package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	domoutbox "github.com/shadowroute/vpnshop/internal/domain/outbox"
)

type testEvent struct{ name string }

func (e testEvent) EventName() string { return e.name }

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestBus_FanoutToAllSubscribers(t *testing.T) {
	bus := NewBus(nil)
	bus.Start(context.Background())
	defer bus.Stop(context.Background())

	var mu sync.Mutex
	got := make(map[string]int)
	done := make(chan struct{}, 2)
	for _, name := range []string{"first", "second"} {
		name := name
		bus.Subscribe("unit.lease_expired", func(ctx context.Context, e domoutbox.Event) error {
			mu.Lock()
			got[name]++
			mu.Unlock()
			done <- struct{}{}
			return nil
		})
	}

	if err := bus.Publish(context.Background(), testEvent{name: "unit.lease_expired"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, done, "first handler")
	waitFor(t, done, "second handler")

	mu.Lock()
	defer mu.Unlock()
	if got["first"] != 1 || got["second"] != 1 {
		t.Fatalf("expected one delivery per subscriber, got %v", got)
	}
}

func TestBus_UnmatchedEventIsDropped(t *testing.T) {
	bus := NewBus(nil)
	bus.Start(context.Background())
	defer bus.Stop(context.Background())

	delivered := make(chan struct{}, 1)
	bus.Subscribe("payment.confirmed", func(ctx context.Context, e domoutbox.Event) error {
		delivered <- struct{}{}
		return nil
	})

	if err := bus.Publish(context.Background(), testEvent{name: "payment.expired"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := bus.Publish(context.Background(), testEvent{name: "payment.confirmed"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// The matching event arrives; the unmatched one was silently dropped first.
	waitFor(t, delivered, "matching handler")
	select {
	case <-delivered:
		t.Fatal("unexpected second delivery")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_SurvivesPanicAndError(t *testing.T) {
	bus := NewBus(nil)
	bus.Start(context.Background())
	defer bus.Stop(context.Background())

	delivered := make(chan struct{}, 4)
	bus.Subscribe("payment.confirmed", func(ctx context.Context, e domoutbox.Event) error {
		panic("handler bug")
	})
	bus.Subscribe("payment.confirmed", func(ctx context.Context, e domoutbox.Event) error {
		return errors.New("transient")
	})
	bus.Subscribe("payment.confirmed", func(ctx context.Context, e domoutbox.Event) error {
		delivered <- struct{}{}
		return nil
	})

	for i := 0; i < 2; i++ {
		if err := bus.Publish(context.Background(), testEvent{name: "payment.confirmed"}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	waitFor(t, delivered, "healthy handler, first event")
	waitFor(t, delivered, "healthy handler, second event")
}

func TestBus_PublishNilIsNoop(t *testing.T) {
	bus := NewBus(nil)
	if err := bus.Publish(context.Background(), nil); err != nil {
		t.Fatalf("publish nil: %v", err)
	}
}
