package payment

import (
	"time"

	"github.com/shopspring/decimal"
)

// ConfirmedEvent is emitted after a payment reaches StatusConfirmed and its
// unit has been committed to the paying user.
type ConfirmedEvent struct {
	PaymentID  string
	UserID     string
	UnitID     string
	Location   string
	Address    string
	TxHash     string
	Amount     decimal.Decimal
	Months     int
	OccurredAt time.Time
}

func (ConfirmedEvent) EventName() string { return "payment.confirmed" }

func NewConfirmedEvent(p *Payment, now time.Time) ConfirmedEvent {
	return ConfirmedEvent{
		PaymentID:  p.ID,
		UserID:     p.UserID,
		UnitID:     p.UnitID,
		Location:   p.Location,
		Address:    p.Address,
		TxHash:     p.TxHash,
		Amount:     p.AmountObserved,
		Months:     p.DurationMonths,
		OccurredAt: now,
	}
}

// ExpiredEvent is emitted after a pending payment ages out of the payment
// window and its reservation is released.
type ExpiredEvent struct {
	PaymentID  string
	UserID     string
	UnitID     string
	OccurredAt time.Time
}

func (ExpiredEvent) EventName() string { return "payment.expired" }

func NewExpiredEvent(p *Payment, now time.Time) ExpiredEvent {
	return ExpiredEvent{
		PaymentID:  p.ID,
		UserID:     p.UserID,
		UnitID:     p.UnitID,
		OccurredAt: now,
	}
}
