package allocation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shadowroute/vpnshop/internal/clock"
	dominv "github.com/shadowroute/vpnshop/internal/domain/inventory"
	domoutbox "github.com/shadowroute/vpnshop/internal/domain/outbox"
	"github.com/shadowroute/vpnshop/internal/infrastructure/memory"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []domoutbox.Event
}

func (c *capturePublisher) Publish(ctx context.Context, e domoutbox.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *capturePublisher) byName(name string) []domoutbox.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domoutbox.Event
	for _, e := range c.events {
		if e.EventName() == name {
			out = append(out, e)
		}
	}
	return out
}

func seedPool(t *testing.T, pool *memory.InventoryRepository, location string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		u := dominv.NewUnit(fmt.Sprintf("unit-%d", i), fmt.Sprintf("10.8.0.%d", i+2), location)
		if err := pool.Add(context.Background(), u); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func TestEngine_ConcurrentReserveStopsAtExhaustion(t *testing.T) {
	pool := memory.NewInventoryRepository()
	const units = 5
	seedPool(t, pool, "Tokyo, Japan", units)

	engine := NewEngine(pool, clock.NewFixed(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)), nil, nil)

	var granted, exhausted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Reserve(context.Background(), "Tokyo, Japan")
			switch {
			case err == nil:
				granted.Add(1)
			case errors.Is(err, dominv.ErrExhausted):
				exhausted.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if granted.Load() != units {
		t.Fatalf("expected %d grants, got %d", units, granted.Load())
	}
	if exhausted.Load() != 20-units {
		t.Fatalf("expected %d exhausted, got %d", 20-units, exhausted.Load())
	}
}

func TestEngine_CommitSetsLeaseFromMonths(t *testing.T) {
	pool := memory.NewInventoryRepository()
	seedPool(t, pool, "Tokyo, Japan", 1)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	engine := NewEngine(pool, clock.NewFixed(now), nil, nil)

	u, err := engine.Reserve(context.Background(), "Tokyo, Japan")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	committed, err := engine.Commit(context.Background(), u.ID, "user-1", 3)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	wantExpiry := now.Add(3 * 30 * 24 * time.Hour)
	if committed.ExpiresAt == nil || !committed.ExpiresAt.Equal(wantExpiry) {
		t.Fatalf("expected expiry %v, got %v", wantExpiry, committed.ExpiresAt)
	}
	if committed.HolderID != "user-1" || committed.Status != dominv.StatusAllocated {
		t.Fatalf("unexpected committed unit: %+v", committed)
	}
}

func TestEngine_CommitWithoutReservationFails(t *testing.T) {
	pool := memory.NewInventoryRepository()
	seedPool(t, pool, "Tokyo, Japan", 1)
	engine := NewEngine(pool, clock.NewFixed(time.Now()), nil, nil)

	if _, err := engine.Commit(context.Background(), "unit-0", "user-1", 1); !errors.Is(err, dominv.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestEngine_SweepExpiredLeasesPublishesEvents(t *testing.T) {
	pool := memory.NewInventoryRepository()
	seedPool(t, pool, "Tokyo, Japan", 2)
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	pub := &capturePublisher{}
	engine := NewEngine(pool, clk, pub, nil)

	u, err := engine.Reserve(context.Background(), "Tokyo, Japan")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := engine.Commit(context.Background(), u.ID, "user-1", 1); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Lease still running: nothing to sweep.
	ids, err := engine.SweepExpiredLeases(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no expired leases, got %v", ids)
	}

	clk.Advance(31 * 24 * time.Hour)
	ids, err = engine.SweepExpiredLeases(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(ids) != 1 || ids[0] != u.ID {
		t.Fatalf("expected %s swept, got %v", u.ID, ids)
	}

	events := pub.byName("unit.lease_expired")
	if len(events) != 1 {
		t.Fatalf("expected one lease_expired event, got %d", len(events))
	}

	got, err := pool.Get(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != dominv.StatusFree {
		t.Fatalf("expected unit freed, got %s", got.Status)
	}
}

func TestEngine_ReleaseReturnsUnitToPool(t *testing.T) {
	pool := memory.NewInventoryRepository()
	seedPool(t, pool, "Tokyo, Japan", 1)
	engine := NewEngine(pool, clock.NewFixed(time.Now()), nil, nil)

	u, err := engine.Reserve(context.Background(), "Tokyo, Japan")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := engine.Release(context.Background(), u.ID); err != nil {
		t.Fatalf("release: %v", err)
	}

	again, err := engine.Reserve(context.Background(), "Tokyo, Japan")
	if err != nil {
		t.Fatalf("second reserve: %v", err)
	}
	if again.ID != u.ID {
		t.Fatalf("expected the released unit back, got %s", again.ID)
	}
}
