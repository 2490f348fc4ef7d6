package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	domuser "github.com/shadowroute/vpnshop/internal/domain/user"
)

const userColumns = `id, username, email, password_hash, active, created_at`

type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

func (r *UserRepository) Create(ctx context.Context, u *domuser.User) error {
	const stmt = `
INSERT INTO users (` + userColumns + `)
VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.pool.Exec(ctx, stmt, u.ID, u.Username, u.Email, u.PasswordHash, u.Active, u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domuser.ErrConflict
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (r *UserRepository) Get(ctx context.Context, id string) (*domuser.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return r.one(ctx, query, id)
}

func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*domuser.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE LOWER(username) = LOWER($1)`
	return r.one(ctx, query, username)
}

func (r *UserRepository) one(ctx context.Context, query string, arg any) (*domuser.User, error) {
	var u domuser.User
	err := r.pool.QueryRow(ctx, query, arg).
		Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Active, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domuser.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}
