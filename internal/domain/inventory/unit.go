package inventory

import (
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("inventory: unit not found")
	ErrExhausted    = errors.New("inventory: no free unit in location")
	ErrInvalidState = errors.New("inventory: unit not in expected state")
	ErrDuplicate    = errors.New("inventory: unit already exists")
)

type Status string

const (
	StatusFree      Status = "free"
	StatusReserved  Status = "reserved"
	StatusAllocated Status = "allocated"
)

// Unit is one allocable network address in a location. At most one payment
// may hold a unit in reserved or allocated state at any time; every status
// transition goes through the allocation engine.
type Unit struct {
	ID          string
	Address     string
	Location    string
	Status      Status
	HolderID    string
	AllocatedAt *time.Time
	ExpiresAt   *time.Time
}

func NewUnit(id, address, location string) *Unit {
	return &Unit{
		ID:       id,
		Address:  address,
		Location: location,
		Status:   StatusFree,
	}
}

// LeaseExpired reports whether an allocated unit's lease has run out.
func (u *Unit) LeaseExpired(now time.Time) bool {
	return u.Status == StatusAllocated && u.ExpiresAt != nil && u.ExpiresAt.Before(now)
}

func (u *Unit) Clone() *Unit {
	if u == nil {
		return nil
	}
	clone := *u
	if u.AllocatedAt != nil {
		t := *u.AllocatedAt
		clone.AllocatedAt = &t
	}
	if u.ExpiresAt != nil {
		t := *u.ExpiresAt
		clone.ExpiresAt = &t
	}
	return &clone
}
