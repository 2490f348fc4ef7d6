package inventory

import "time"

// LeaseExpiredEvent is emitted when the sweeper returns an allocated unit to
// the free pool because its lease ran out.
type LeaseExpiredEvent struct {
	UnitID     string
	Address    string
	Location   string
	HolderID   string
	OccurredAt time.Time
}

func (LeaseExpiredEvent) EventName() string { return "unit.lease_expired" }

func NewLeaseExpiredEvent(u *Unit, now time.Time) LeaseExpiredEvent {
	return LeaseExpiredEvent{
		UnitID:     u.ID,
		Address:    u.Address,
		Location:   u.Location,
		HolderID:   u.HolderID,
		OccurredAt: now,
	}
}
