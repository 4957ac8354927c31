// Package auth issues and verifies the JWTs that gate the gateway's
// administrative and transfer surfaces.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles carried in token claims.
const (
	RoleAdmin   = "admin"
	RoleRelayer = "relayer"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrUnauthorized = errors.New("unauthorized")
)

// Claims are the JWT claims the gateway understands.
type Claims struct {
	Identity string `json:"identity"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Service signs and verifies gateway tokens.
type Service struct {
	secret string
	ttl    time.Duration
}

// NewService creates a token service. ttl bounds how long issued tokens
// stay valid.
func NewService(secret string, ttl time.Duration) *Service {
	return &Service{secret: secret, ttl: ttl}
}

// GenerateToken signs a token for the given identity and role.
func (s *Service) GenerateToken(identity, role string) (string, error) {
	claims := &Claims{
		Identity: identity,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.secret))
}

// VerifyToken parses and validates a token, with or without the
// "Bearer " prefix.
func (s *Service) VerifyToken(tokenString string) (*Claims, error) {
	if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
		tokenString = tokenString[7:]
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.secret), nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// RequireRole checks that the claims carry one of the allowed roles. Admin
// satisfies every check.
func RequireRole(claims *Claims, roles ...string) error {
	if claims.Role == RoleAdmin {
		return nil
	}
	for _, role := range roles {
		if claims.Role == role {
			return nil
		}
	}
	return ErrUnauthorized
}
