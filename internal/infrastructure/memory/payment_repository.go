package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/shadowroute/vpnshop/internal/domain/payment"
)

// PaymentRepository is the in-memory ledger. Transition is a compare-and-set
// on the pending status under the repository mutex, which makes confirm and
// expire idempotent under concurrent callers.
type PaymentRepository struct {
	mu       sync.RWMutex
	payments map[string]*domain.Payment
	order    []string // creation order, for deterministic ListPending
}

func NewPaymentRepository() *PaymentRepository {
	return &PaymentRepository{
		payments: make(map[string]*domain.Payment),
	}
}

func (r *PaymentRepository) Create(ctx context.Context, p *domain.Payment) error {
	_ = ctx
	if p == nil || p.ID == "" {
		return fmt.Errorf("payment repository: id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.payments[p.ID]; exists {
		return fmt.Errorf("payment repository: duplicate id %s", p.ID)
	}
	r.payments[p.ID] = p.Clone()
	r.order = append(r.order, p.ID)
	return nil
}

func (r *PaymentRepository) Get(ctx context.Context, id string) (*domain.Payment, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.payments[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return p.Clone(), nil
}

func (r *PaymentRepository) ListPending(ctx context.Context) ([]*domain.Payment, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Payment
	for _, id := range r.order {
		if p := r.payments[id]; p.Status == domain.StatusPending {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

func (r *PaymentRepository) ListByUser(ctx context.Context, userID string) ([]*domain.Payment, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Payment
	for _, id := range r.order {
		if p := r.payments[id]; p.UserID == userID {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

func (r *PaymentRepository) Transition(ctx context.Context, id string, to domain.Status, observed decimal.Decimal, txHash string, at time.Time) (*domain.Payment, error) {
	_ = ctx

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.payments[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if p.Status != domain.StatusPending {
		return nil, domain.ErrInvalidTransition
	}

	p.Status = to
	p.AmountObserved = observed
	if to == domain.StatusConfirmed {
		p.TxHash = txHash
		t := at
		p.ConfirmedAt = &t
	}
	return p.Clone(), nil
}
