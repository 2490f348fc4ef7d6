package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	dominv "github.com/shadowroute/vpnshop/internal/domain/inventory"
)

const unitColumns = `id, address, location, status, COALESCE(holder_id, ''), allocated_at, expires_at`

// InventoryRepository keeps the unit pool in Postgres. Each conditional
// operation is one statement; ReserveFree uses FOR UPDATE SKIP LOCKED so
// concurrent reservations in the same location never collide on a unit.
type InventoryRepository struct {
	pool *pgxpool.Pool
}

func NewInventoryRepository(pool *pgxpool.Pool) *InventoryRepository {
	return &InventoryRepository{pool: pool}
}

func (r *InventoryRepository) Add(ctx context.Context, u *dominv.Unit) error {
	const stmt = `
INSERT INTO units (id, address, location, status, holder_id, allocated_at, expires_at)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)`

	_, err := r.pool.Exec(ctx, stmt, u.ID, u.Address, u.Location, string(u.Status), u.HolderID, u.AllocatedAt, u.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return dominv.ErrDuplicate
		}
		return fmt.Errorf("add unit: %w", err)
	}
	return nil
}

func (r *InventoryRepository) Get(ctx context.Context, id string) (*dominv.Unit, error) {
	const query = `SELECT ` + unitColumns + ` FROM units WHERE id = $1`
	u, err := scanUnit(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, dominv.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get unit: %w", err)
	}
	return u, nil
}

func (r *InventoryRepository) ReserveFree(ctx context.Context, location string) (*dominv.Unit, error) {
	const stmt = `
UPDATE units SET status = 'reserved'
WHERE id = (
	SELECT id FROM units
	WHERE location = $1 AND status = 'free'
	ORDER BY address
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING ` + unitColumns

	u, err := scanUnit(r.pool.QueryRow(ctx, stmt, location))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, dominv.ErrExhausted
	}
	if err != nil {
		return nil, fmt.Errorf("reserve unit: %w", err)
	}
	return u, nil
}

func (r *InventoryRepository) Commit(ctx context.Context, unitID, holderID string, allocatedAt, expiresAt time.Time) (*dominv.Unit, error) {
	const stmt = `
UPDATE units
SET status = 'allocated', holder_id = $2, allocated_at = $3, expires_at = $4
WHERE id = $1 AND status = 'reserved'
RETURNING ` + unitColumns

	u, err := scanUnit(r.pool.QueryRow(ctx, stmt, unitID, holderID, allocatedAt, expiresAt))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.Get(ctx, unitID); getErr != nil {
			return nil, getErr
		}
		return nil, dominv.ErrInvalidState
	}
	if err != nil {
		return nil, fmt.Errorf("commit unit: %w", err)
	}
	return u, nil
}

func (r *InventoryRepository) Release(ctx context.Context, unitID string) error {
	const stmt = `
UPDATE units
SET status = 'free', holder_id = NULL, allocated_at = NULL, expires_at = NULL
WHERE id = $1`

	tag, err := r.pool.Exec(ctx, stmt, unitID)
	if err != nil {
		return fmt.Errorf("release unit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return dominv.ErrNotFound
	}
	return nil
}

func (r *InventoryRepository) ReleaseExpired(ctx context.Context, now time.Time) ([]*dominv.Unit, error) {
	// RETURNING reports the post-update row, so the pre-release state events
	// need is carried through the locked subselect.
	const stmt = `
UPDATE units
SET status = 'free', holder_id = NULL, allocated_at = NULL, expires_at = NULL
FROM (
	SELECT id, address, location, status, COALESCE(holder_id, '') AS holder_id, allocated_at, expires_at
	FROM units
	WHERE status = 'allocated' AND expires_at <= $1
	ORDER BY address
	FOR UPDATE SKIP LOCKED
) prev
WHERE units.id = prev.id
RETURNING prev.id, prev.address, prev.location, prev.status, prev.holder_id, prev.allocated_at, prev.expires_at`

	rows, err := r.pool.Query(ctx, stmt, now)
	if err != nil {
		return nil, fmt.Errorf("release expired units: %w", err)
	}
	defer rows.Close()

	var out []*dominv.Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired unit: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (r *InventoryRepository) FreeCountByLocation(ctx context.Context) (map[string]int, error) {
	const query = `SELECT location, COUNT(*) FROM units WHERE status = 'free' GROUP BY location`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("count free units: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var location string
		var count int
		if err := rows.Scan(&location, &count); err != nil {
			return nil, fmt.Errorf("scan free count: %w", err)
		}
		out[location] = count
	}
	return out, rows.Err()
}

func (r *InventoryRepository) ListByHolder(ctx context.Context, holderID string) ([]*dominv.Unit, error) {
	const query = `SELECT ` + unitColumns + ` FROM units WHERE holder_id = $1 ORDER BY address`

	rows, err := r.pool.Query(ctx, query, holderID)
	if err != nil {
		return nil, fmt.Errorf("list units by holder: %w", err)
	}
	defer rows.Close()

	var out []*dominv.Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func scanUnit(row pgx.Row) (*dominv.Unit, error) {
	var (
		u      dominv.Unit
		status string
	)
	if err := row.Scan(&u.ID, &u.Address, &u.Location, &status, &u.HolderID, &u.AllocatedAt, &u.ExpiresAt); err != nil {
		return nil, err
	}
	u.Status = dominv.Status(status)
	return &u, nil
}
