package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/shadowroute/vpnshop/internal/clock"
	domuser "github.com/shadowroute/vpnshop/internal/domain/user"
	"github.com/shadowroute/vpnshop/internal/observability"
)

const (
	minUsernameLen = 3
	maxUsernameLen = 64
	minPasswordLen = 8

	defaultTokenTTL = 24 * time.Hour
)

var (
	ErrBadCredentials = errors.New("auth: bad credentials")
	ErrInvalidToken   = errors.New("auth: invalid token")
)

// dummyHash keeps the login path cost flat when the username is unknown.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

type IDGenerator interface {
	NewID() string
}

// Service handles registration, login and bearer-token validation. Tokens
// are HS256 JWTs whose subject is the user id.
type Service struct {
	users    domuser.Repository
	clk      clock.Clock
	idGen    IDGenerator
	secret   []byte
	tokenTTL time.Duration
	log      observability.Logger
}

type Option func(*Service)

func WithTokenTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.tokenTTL = d
		}
	}
}

func NewService(users domuser.Repository, clk clock.Clock, idGen IDGenerator, secret string, tel observability.Observability, opts ...Option) *Service {
	baseLog := observability.NopLogger()
	if tel != nil {
		baseLog = tel.Logger()
	}
	s := &Service{
		users:    users,
		clk:      clk,
		idGen:    idGen,
		secret:   []byte(secret),
		tokenTTL: defaultTokenTTL,
		log:      baseLog.With(observability.F("component", "auth_service")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register creates a new account. The username is stored as given but
// conflicts are checked case-insensitively by the repository.
func (s *Service) Register(ctx context.Context, username, email, password string) (*domuser.User, error) {
	username = strings.TrimSpace(username)
	if l := len(username); l < minUsernameLen || l > maxUsernameLen {
		return nil, domuser.ErrInvalidUsername
	}
	if len(password) < minPasswordLen {
		return nil, domuser.ErrInvalidPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	u := &domuser.User{
		ID:           s.idGen.NewID(),
		Username:     username,
		Email:        strings.TrimSpace(email),
		PasswordHash: string(hash),
		Active:       true,
		CreatedAt:    s.clk.Now(),
	}
	if err := s.users.Create(ctx, u); err != nil {
		return nil, err
	}

	s.log.Info("user_registered",
		observability.F("user_id", u.ID),
		observability.F("username", u.Username),
	)
	return u, nil
}

// Login checks the password and mints a signed token.
func (s *Service) Login(ctx context.Context, username, password string) (string, *domuser.User, error) {
	u, err := s.users.GetByUsername(ctx, strings.TrimSpace(username))
	if errors.Is(err, domuser.ErrNotFound) {
		// Hash anyway so a missing user costs the same as a wrong password.
		_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
		return "", nil, ErrBadCredentials
	}
	if err != nil {
		return "", nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return "", nil, ErrBadCredentials
	}

	now := s.clk.Now()
	claims := jwt.RegisteredClaims{
		Subject:   u.ID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", nil, fmt.Errorf("auth: sign token: %w", err)
	}

	s.log.Info("user_logged_in", observability.F("user_id", u.ID))
	return token, u, nil
}

// ParseToken validates a bearer token and returns the user id it names.
func (s *Service) ParseToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) {
			if t.Method != jwt.SigningMethodHS256 {
				return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
			}
			return s.secret, nil
		},
		jwt.WithTimeFunc(s.clk.Now),
	)
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
