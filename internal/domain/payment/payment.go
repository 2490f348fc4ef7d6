package payment

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("payment: not found")
	ErrInvalidTransition = errors.New("payment: invalid status transition")
	ErrInvalidLocation   = errors.New("payment: location is required")
	ErrInvalidDuration   = errors.New("payment: duration must be between 1 and 12 months")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusExpired   Status = "expired"
)

// Payment is one purchase intent: a reserved inventory unit, a receiving
// address, and the amount that must arrive there before the pending window
// closes. The reserved unit never changes after creation; only the ledger's
// Transition mutates status, observed amount, and settlement fields.
type Payment struct {
	ID             string
	UserID         string
	Location       string
	UnitID         string
	Address        string
	AmountBTC      decimal.Decimal
	AmountObserved decimal.Decimal
	DurationMonths int
	Status         Status
	TxHash         string
	CreatedAt      time.Time
	ConfirmedAt    *time.Time
}

func New(id, userID, location, unitID, address string, amount decimal.Decimal, months int, now time.Time) (*Payment, error) {
	if location == "" {
		return nil, ErrInvalidLocation
	}
	if months < 1 || months > 12 {
		return nil, ErrInvalidDuration
	}
	return &Payment{
		ID:             id,
		UserID:         userID,
		Location:       location,
		UnitID:         unitID,
		Address:        address,
		AmountBTC:      amount,
		AmountObserved: decimal.Zero,
		DurationMonths: months,
		Status:         StatusPending,
		CreatedAt:      now,
	}, nil
}

// Terminal reports whether the payment can no longer change status.
func (p *Payment) Terminal() bool {
	return p.Status == StatusConfirmed || p.Status == StatusExpired
}

// Age is the time elapsed since the payment was created.
func (p *Payment) Age(now time.Time) time.Duration {
	return now.Sub(p.CreatedAt)
}

func (p *Payment) Clone() *Payment {
	if p == nil {
		return nil
	}
	clone := *p
	if p.ConfirmedAt != nil {
		t := *p.ConfirmedAt
		clone.ConfirmedAt = &t
	}
	return &clone
}
