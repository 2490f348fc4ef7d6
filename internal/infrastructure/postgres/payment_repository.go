package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	dompay "github.com/shadowroute/vpnshop/internal/domain/payment"
)

const paymentColumns = `id, user_id, location, unit_id, address, amount_sats, observed_sats, duration_months, status, tx_hash, created_at, confirmed_at`

// PaymentRepository is the pgx-backed ledger. Transition is a single
// conditional UPDATE, so concurrent confirm/expire attempts for one payment
// collapse to a single winner without explicit locking.
type PaymentRepository struct {
	pool *pgxpool.Pool
}

func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

func (r *PaymentRepository) Create(ctx context.Context, p *dompay.Payment) error {
	const stmt = `
INSERT INTO payments (` + paymentColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := r.pool.Exec(ctx, stmt,
		p.ID, p.UserID, p.Location, p.UnitID, p.Address,
		toSats(p.AmountBTC), toSats(p.AmountObserved),
		p.DurationMonths, string(p.Status), p.TxHash, p.CreatedAt, p.ConfirmedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("payment %s already exists", p.ID)
		}
		return fmt.Errorf("create payment: %w", err)
	}
	return nil
}

func (r *PaymentRepository) Get(ctx context.Context, id string) (*dompay.Payment, error) {
	const query = `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	p, err := scanPayment(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, dompay.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

func (r *PaymentRepository) ListPending(ctx context.Context) ([]*dompay.Payment, error) {
	const query = `SELECT ` + paymentColumns + ` FROM payments WHERE status = 'pending' ORDER BY created_at, id`
	return r.list(ctx, query)
}

func (r *PaymentRepository) ListByUser(ctx context.Context, userID string) ([]*dompay.Payment, error) {
	const query = `SELECT ` + paymentColumns + ` FROM payments WHERE user_id = $1 ORDER BY created_at, id`
	return r.list(ctx, query, userID)
}

func (r *PaymentRepository) Transition(ctx context.Context, id string, to dompay.Status, observed decimal.Decimal, txHash string, at time.Time) (*dompay.Payment, error) {
	const stmt = `
UPDATE payments
SET status = $2,
    observed_sats = $3,
    tx_hash = CASE WHEN $2 = 'confirmed' THEN $4 ELSE tx_hash END,
    confirmed_at = CASE WHEN $2 = 'confirmed' THEN $5::timestamptz ELSE confirmed_at END
WHERE id = $1 AND status = 'pending'
RETURNING ` + paymentColumns

	p, err := scanPayment(r.pool.QueryRow(ctx, stmt, id, string(to), toSats(observed), txHash, at))
	if errors.Is(err, pgx.ErrNoRows) {
		// Either unknown or already terminal; one more read tells which.
		if _, getErr := r.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, dompay.ErrInvalidTransition
	}
	if err != nil {
		return nil, fmt.Errorf("transition payment: %w", err)
	}
	return p, nil
}

func (r *PaymentRepository) list(ctx context.Context, query string, args ...any) ([]*dompay.Payment, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var out []*dompay.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPayment(row pgx.Row) (*dompay.Payment, error) {
	var (
		p            dompay.Payment
		amountSats   int64
		observedSats int64
		status       string
	)
	err := row.Scan(
		&p.ID, &p.UserID, &p.Location, &p.UnitID, &p.Address,
		&amountSats, &observedSats,
		&p.DurationMonths, &status, &p.TxHash, &p.CreatedAt, &p.ConfirmedAt,
	)
	if err != nil {
		return nil, err
	}
	p.AmountBTC = fromSats(amountSats)
	p.AmountObserved = fromSats(observedSats)
	p.Status = dompay.Status(status)
	return &p, nil
}
