package allocation

import (
	"context"
	"fmt"
	"time"

	"github.com/shadowroute/vpnshop/internal/clock"
	dominv "github.com/shadowroute/vpnshop/internal/domain/inventory"
	domoutbox "github.com/shadowroute/vpnshop/internal/domain/outbox"
	"github.com/shadowroute/vpnshop/internal/observability"
)

const (
	engineComponent = "allocation_engine"

	// leaseMonth matches the billing period: 30 days per purchased month.
	leaseMonth = 30 * 24 * time.Hour
)

// Engine owns every inventory unit status transition. Reserve, Commit and
// Release delegate to the repository's atomic conditional operations, so two
// concurrent reservations for the same location can never receive the same
// unit.
type Engine struct {
	pool      dominv.Repository
	clk       clock.Clock
	publisher domoutbox.Publisher

	log      observability.Logger
	reserved observability.Counter
	released observability.Counter
}

func NewEngine(pool dominv.Repository, clk clock.Clock, publisher domoutbox.Publisher, tel observability.Observability) *Engine {
	baseLog := observability.NopLogger()
	metrics := observability.NopMetrics()
	if tel != nil {
		baseLog = tel.Logger()
		metrics = tel.Metrics()
	}
	return &Engine{
		pool:      pool,
		clk:       clk,
		publisher: publisher,
		log:       baseLog.With(observability.F("component", engineComponent)),
		reserved:  metrics.Counter(observability.MUnitsReserved),
		released:  metrics.Counter(observability.MUnitsReleased),
	}
}

// Reserve marks one free unit in the location as reserved and returns it.
// Returns inventory.ErrExhausted when the location is sold out.
func (e *Engine) Reserve(ctx context.Context, location string) (*dominv.Unit, error) {
	unit, err := e.pool.ReserveFree(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("allocation: reserve %q: %w", location, err)
	}

	e.reserved.Add(1, observability.L("location", location))
	e.log.Info("unit_reserved",
		observability.F("unit_id", unit.ID),
		observability.F("address", unit.Address),
		observability.F("location", location),
	)
	return unit, nil
}

// Commit finalizes a reservation: the unit becomes allocated to holderID with
// a lease of months billing periods starting now.
func (e *Engine) Commit(ctx context.Context, unitID, holderID string, months int) (*dominv.Unit, error) {
	if months < 1 {
		months = 1
	}
	now := e.clk.Now()
	expires := now.Add(time.Duration(months) * leaseMonth)

	unit, err := e.pool.Commit(ctx, unitID, holderID, now, expires)
	if err != nil {
		return nil, fmt.Errorf("allocation: commit %s: %w", unitID, err)
	}

	e.log.Info("unit_allocated",
		observability.F("unit_id", unit.ID),
		observability.F("address", unit.Address),
		observability.F("holder_id", holderID),
		observability.F("expires_at", expires),
	)
	return unit, nil
}

// Release returns a reserved or allocated unit to the free pool. Releasing an
// already-free unit is a no-op.
func (e *Engine) Release(ctx context.Context, unitID string) error {
	if err := e.pool.Release(ctx, unitID); err != nil {
		return fmt.Errorf("allocation: release %s: %w", unitID, err)
	}
	e.released.Add(1, observability.L("reason", "released"))
	e.log.Info("unit_released", observability.F("unit_id", unitID))
	return nil
}

// SweepExpiredLeases frees every allocated unit whose lease has run out and
// publishes a lease-expired event per unit. Returns the freed unit ids.
func (e *Engine) SweepExpiredLeases(ctx context.Context) ([]string, error) {
	now := e.clk.Now()
	units, err := e.pool.ReleaseExpired(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("allocation: sweep: %w", err)
	}

	ids := make([]string, 0, len(units))
	for _, u := range units {
		ids = append(ids, u.ID)
		e.released.Add(1, observability.L("reason", "lease_expired"))
		e.log.Info("lease_expired",
			observability.F("unit_id", u.ID),
			observability.F("address", u.Address),
			observability.F("holder_id", u.HolderID),
		)
		if e.publisher != nil {
			if err := e.publisher.Publish(ctx, dominv.NewLeaseExpiredEvent(u, now)); err != nil {
				e.log.Warn("lease_expired_event_failed",
					observability.F("unit_id", u.ID),
					observability.F("error", err.Error()),
				)
			}
		}
	}
	return ids, nil
}

// FreeByLocation reports the free-unit count per location.
func (e *Engine) FreeByLocation(ctx context.Context) (map[string]int, error) {
	return e.pool.FreeCountByLocation(ctx)
}
