package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sentinel/fraud-engine/internal/clock"
)

// RoleAdmin is the only role the admin surface accepts.
const RoleAdmin = "admin"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// Claims are the JWT claims issued to admin sessions.
type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// JWTManager issues and validates admin tokens.
type JWTManager struct {
	secret   []byte
	lifetime time.Duration
	clock    clock.Clock
}

// NewJWTManager creates a manager signing with the process secret.
func NewJWTManager(secret string, lifetime time.Duration, clk clock.Clock) *JWTManager {
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	return &JWTManager{secret: []byte(secret), lifetime: lifetime, clock: clk}
}

// GenerateToken issues a signed token for an admin session.
func (m *JWTManager) GenerateToken(email, role string) (string, error) {
	now := m.clock.Now()
	claims := Claims{
		Email: email,
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.lifetime)),
			Subject:   email,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// ValidateToken parses and verifies a token.
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.clock.Now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
