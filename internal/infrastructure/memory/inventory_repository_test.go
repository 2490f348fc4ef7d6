package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shadowroute/vpnshop/internal/domain/inventory"
)

func seedUnits(t *testing.T, repo *InventoryRepository, location string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		u := inventory.NewUnit(fmt.Sprintf("unit-%s-%d", location, i), fmt.Sprintf("10.8.0.%d", i+2), location)
		if err := repo.Add(context.Background(), u); err != nil {
			t.Fatalf("add unit: %v", err)
		}
	}
}

func TestInventoryRepository_ReserveFree_PicksLowestAddress(t *testing.T) {
	repo := NewInventoryRepository()
	seedUnits(t, repo, "Tokyo, Japan", 3)

	u, err := repo.ReserveFree(context.Background(), "Tokyo, Japan")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if u.Address != "10.8.0.2" {
		t.Fatalf("expected lowest address, got %s", u.Address)
	}
	if u.Status != inventory.StatusReserved {
		t.Fatalf("expected reserved, got %s", u.Status)
	}
}

func TestInventoryRepository_ReserveFree_Exhausted(t *testing.T) {
	repo := NewInventoryRepository()
	seedUnits(t, repo, "Tokyo, Japan", 1)

	if _, err := repo.ReserveFree(context.Background(), "Tokyo, Japan"); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if _, err := repo.ReserveFree(context.Background(), "Tokyo, Japan"); !errors.Is(err, inventory.ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if _, err := repo.ReserveFree(context.Background(), "Nowhere"); !errors.Is(err, inventory.ErrExhausted) {
		t.Fatalf("expected ErrExhausted for unknown location, got %v", err)
	}
}

func TestInventoryRepository_ReserveFree_NeverDoubleHandsOut(t *testing.T) {
	repo := NewInventoryRepository()
	const units = 8
	const workers = 32
	seedUnits(t, repo, "Tokyo, Japan", units)

	var mu sync.Mutex
	seen := make(map[string]int)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u, err := repo.ReserveFree(context.Background(), "Tokyo, Japan")
			if err != nil {
				return
			}
			mu.Lock()
			seen[u.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != units {
		t.Fatalf("expected %d distinct units reserved, got %d", units, len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("unit %s handed out %d times", id, n)
		}
	}
}

func TestInventoryRepository_CommitRequiresReserved(t *testing.T) {
	repo := NewInventoryRepository()
	seedUnits(t, repo, "Tokyo, Japan", 1)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if _, err := repo.Commit(context.Background(), "unit-Tokyo, Japan-0", "user-1", now, now.Add(30*24*time.Hour)); !errors.Is(err, inventory.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState committing a free unit, got %v", err)
	}

	u, err := repo.ReserveFree(context.Background(), "Tokyo, Japan")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	committed, err := repo.Commit(context.Background(), u.ID, "user-1", now, now.Add(30*24*time.Hour))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if committed.Status != inventory.StatusAllocated || committed.HolderID != "user-1" {
		t.Fatalf("unexpected committed unit: %+v", committed)
	}
	if _, err := repo.Commit(context.Background(), u.ID, "user-2", now, now); !errors.Is(err, inventory.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on double commit, got %v", err)
	}
}

func TestInventoryRepository_ReleaseIsIdempotent(t *testing.T) {
	repo := NewInventoryRepository()
	seedUnits(t, repo, "Tokyo, Japan", 1)

	u, err := repo.ReserveFree(context.Background(), "Tokyo, Japan")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := repo.Release(context.Background(), u.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := repo.Release(context.Background(), u.ID); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if err := repo.Release(context.Background(), "missing"); !errors.Is(err, inventory.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	got, err := repo.Get(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != inventory.StatusFree || got.HolderID != "" || got.ExpiresAt != nil {
		t.Fatalf("release did not clear unit: %+v", got)
	}
}

func TestInventoryRepository_ReleaseExpired(t *testing.T) {
	repo := NewInventoryRepository()
	seedUnits(t, repo, "Tokyo, Japan", 3)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, expiry := range []time.Time{now.Add(-time.Hour), now.Add(time.Hour)} {
		u, err := repo.ReserveFree(context.Background(), "Tokyo, Japan")
		if err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
		if _, err := repo.Commit(context.Background(), u.ID, "user-1", now.Add(-30*24*time.Hour), expiry); err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}

	released, err := repo.ReleaseExpired(context.Background(), now)
	if err != nil {
		t.Fatalf("release expired: %v", err)
	}
	if len(released) != 1 {
		t.Fatalf("expected 1 released unit, got %d", len(released))
	}
	if released[0].HolderID != "user-1" {
		t.Fatalf("expected pre-release state returned, got %+v", released[0])
	}

	free, err := repo.FreeCountByLocation(context.Background())
	if err != nil {
		t.Fatalf("free count: %v", err)
	}
	if free["Tokyo, Japan"] != 2 {
		t.Fatalf("expected 2 free units, got %d", free["Tokyo, Japan"])
	}
}

func TestInventoryRepository_ListByHolder(t *testing.T) {
	repo := NewInventoryRepository()
	seedUnits(t, repo, "Tokyo, Japan", 2)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	u, err := repo.ReserveFree(context.Background(), "Tokyo, Japan")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := repo.Commit(context.Background(), u.ID, "user-1", now, now.Add(time.Hour)); err != nil {
		t.Fatalf("commit: %v", err)
	}

	held, err := repo.ListByHolder(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("list by holder: %v", err)
	}
	if len(held) != 1 || held[0].ID != u.ID {
		t.Fatalf("unexpected holdings: %+v", held)
	}
}
