package user

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("user: not found")
	ErrConflict        = errors.New("user: username or email taken")
	ErrInvalidUsername = errors.New("user: username is required")
	ErrInvalidPassword = errors.New("user: password too short")
)

type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	Active       bool
	CreatedAt    time.Time
}

func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	clone := *u
	return &clone
}

type Repository interface {
	Create(ctx context.Context, u *User) error
	Get(ctx context.Context, id string) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
}
