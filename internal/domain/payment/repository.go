package payment

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Repository is the payment ledger. Records are never deleted; the only
// mutation is Transition, which succeeds solely from StatusPending so that
// concurrent or repeated confirm/expire attempts collapse to one winner.
type Repository interface {
	Create(ctx context.Context, p *Payment) error
	Get(ctx context.Context, id string) (*Payment, error)

	// ListPending returns all pending payments in creation order.
	ListPending(ctx context.Context) ([]*Payment, error)
	ListByUser(ctx context.Context, userID string) ([]*Payment, error)

	// Transition moves a pending payment to a terminal status and records the
	// observed amount and settlement reference. It returns ErrInvalidTransition
	// when the payment is already terminal and ErrNotFound for unknown ids.
	Transition(ctx context.Context, id string, to Status, observed decimal.Decimal, txHash string, at time.Time) (*Payment, error)
}
