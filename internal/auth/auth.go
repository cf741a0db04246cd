// Package auth разрешает bearer-токен в идентичность пользователя.
// Выпуск сессий вне этого сервиса, здесь только проверка и выпуск токенов для тестов и dev.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"storefront/internal/domain"
)

type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// Identity аутентифицированный вызывающий
type Identity struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

func (i Identity) IsAdmin() bool { return i.Role == RoleAdmin }

// ErrInvalidToken токен не прошёл проверку
var ErrInvalidToken = fmt.Errorf("%w: invalid token", domain.ErrUnauthorized)

type Resolver interface {
	Resolve(ctx context.Context, token string) (Identity, error)
}

type claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// JWTResolver проверяет токены HS256 с claims sub и role
type JWTResolver struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

func NewJWTResolver(secret, issuer string, ttl time.Duration) *JWTResolver {
	return &JWTResolver{secret: []byte(secret), issuer: issuer, ttl: ttl}
}

var _ Resolver = (*JWTResolver)(nil)

func (r *JWTResolver) Resolve(_ context.Context, token string) (Identity, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if r.issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.issuer))
	}
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) { return r.secret, nil }, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if c.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	role := c.Role
	if role == "" {
		role = RoleUser
	}
	if role != RoleUser && role != RoleAdmin {
		return Identity{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, role)
	}
	return Identity{UserID: c.Subject, Role: role}, nil
}

// Issue подписывает токен для userID
func (r *JWTResolver) Issue(userID string, role Role) (string, error) {
	if userID == "" {
		return "", errors.New("auth: empty user id")
	}
	now := time.Now()
	c := claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    r.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(r.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(r.secret)
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
