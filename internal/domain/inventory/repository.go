package inventory

import (
	"context"
	"time"
)

// Repository stores the unit pool. The conditional operations (ReserveFree,
// Commit, Release, ReleaseExpired) must each be atomic with respect to
// concurrent callers; two ReserveFree calls for the same location must never
// hand out the same unit.
type Repository interface {
	Add(ctx context.Context, u *Unit) error
	Get(ctx context.Context, id string) (*Unit, error)

	// ReserveFree picks one free unit in the location and marks it reserved.
	// Returns ErrExhausted when the location has no free unit.
	ReserveFree(ctx context.Context, location string) (*Unit, error)

	// Commit moves a reserved unit to allocated with the given holder and
	// lease expiry. Returns ErrInvalidState unless the unit is reserved.
	Commit(ctx context.Context, unitID, holderID string, allocatedAt, expiresAt time.Time) (*Unit, error)

	// Release returns a reserved or allocated unit to free, clearing holder
	// and lease fields. Releasing a free unit is a no-op.
	Release(ctx context.Context, unitID string) error

	// ReleaseExpired frees every allocated unit whose lease expiry has passed
	// and returns the released units.
	ReleaseExpired(ctx context.Context, now time.Time) ([]*Unit, error)

	// FreeCountByLocation reports how many free units each location holds.
	FreeCountByLocation(ctx context.Context) (map[string]int, error)

	ListByHolder(ctx context.Context, holderID string) ([]*Unit, error)
}
