package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	domain "github.com/shadowroute/vpnshop/internal/domain/inventory"
)

// InventoryRepository keeps the unit pool in memory. Every conditional
// operation runs under one mutex, which is what makes ReserveFree a single
// atomic select-and-mark step.
type InventoryRepository struct {
	mu    sync.RWMutex
	units map[string]*domain.Unit
}

func NewInventoryRepository() *InventoryRepository {
	return &InventoryRepository{
		units: make(map[string]*domain.Unit),
	}
}

func (r *InventoryRepository) Add(ctx context.Context, u *domain.Unit) error {
	_ = ctx
	if u == nil || u.ID == "" {
		return domain.ErrInvalidState
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.units[u.ID]; exists {
		return domain.ErrDuplicate
	}
	r.units[u.ID] = u.Clone()
	return nil
}

func (r *InventoryRepository) Get(ctx context.Context, id string) (*domain.Unit, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.units[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return u.Clone(), nil
}

func (r *InventoryRepository) ReserveFree(ctx context.Context, location string) (*domain.Unit, error) {
	_ = ctx

	r.mu.Lock()
	defer r.mu.Unlock()

	// Lowest address first, for deterministic hand-out order.
	var pick *domain.Unit
	for _, u := range r.units {
		if u.Location != location || u.Status != domain.StatusFree {
			continue
		}
		if pick == nil || u.Address < pick.Address {
			pick = u
		}
	}
	if pick == nil {
		return nil, domain.ErrExhausted
	}

	pick.Status = domain.StatusReserved
	return pick.Clone(), nil
}

func (r *InventoryRepository) Commit(ctx context.Context, unitID, holderID string, allocatedAt, expiresAt time.Time) (*domain.Unit, error) {
	_ = ctx

	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.units[unitID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if u.Status != domain.StatusReserved {
		return nil, domain.ErrInvalidState
	}

	u.Status = domain.StatusAllocated
	u.HolderID = holderID
	at := allocatedAt
	exp := expiresAt
	u.AllocatedAt = &at
	u.ExpiresAt = &exp
	return u.Clone(), nil
}

func (r *InventoryRepository) Release(ctx context.Context, unitID string) error {
	_ = ctx

	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.units[unitID]
	if !ok {
		return domain.ErrNotFound
	}
	if u.Status == domain.StatusFree {
		return nil
	}

	u.Status = domain.StatusFree
	u.HolderID = ""
	u.AllocatedAt = nil
	u.ExpiresAt = nil
	return nil
}

func (r *InventoryRepository) ReleaseExpired(ctx context.Context, now time.Time) ([]*domain.Unit, error) {
	_ = ctx

	r.mu.Lock()
	defer r.mu.Unlock()

	var released []*domain.Unit
	for _, u := range r.units {
		if !u.LeaseExpired(now) {
			continue
		}
		released = append(released, u.Clone())
		u.Status = domain.StatusFree
		u.HolderID = ""
		u.AllocatedAt = nil
		u.ExpiresAt = nil
	}
	sort.Slice(released, func(i, j int) bool { return released[i].Address < released[j].Address })
	return released, nil
}

func (r *InventoryRepository) FreeCountByLocation(ctx context.Context) (map[string]int, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int)
	for _, u := range r.units {
		if u.Status == domain.StatusFree {
			counts[u.Location]++
		}
	}
	return counts, nil
}

func (r *InventoryRepository) ListByHolder(ctx context.Context, holderID string) ([]*domain.Unit, error) {
	_ = ctx
	if holderID == "" {
		return nil, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Unit
	for _, u := range r.units {
		if u.HolderID == holderID {
			out = append(out, u.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}
