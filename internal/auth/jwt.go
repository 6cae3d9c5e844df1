// Package auth issues and validates the bearer tokens that carry a caller's
// account, actor and role. Tokens come from an external identity provider in
// production; IssueToken exists for operators and tests.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "meterchain"

// Claims holds the JWT token payload.
type Claims struct {
	jwt.RegisteredClaims
	AccountID string `json:"aid"`
	ActorID   string `json:"uid"`
	Role      string `json:"role"`
}

// Identity is the verified caller. It is trusted as given.
type Identity struct {
	AccountID uuid.UUID
	ActorID   uuid.UUID
	Role      string
}

// ErrInvalidToken is returned when a JWT cannot be parsed or has expired.
var ErrInvalidToken = errors.New("auth: invalid or expired token")

// IssueToken creates a signed HS256 token for id.
func IssueToken(secret string, id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ActorID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    issuer,
		},
		AccountID: id.AccountID.String(),
		ActorID:   id.ActorID.String(),
		Role:      id.Role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("auth.IssueToken: %w", err)
	}

	return signed, nil
}

// ValidateToken parses and validates a JWT token string and returns the
// identity it carries.
func ValidateToken(secret, tokenString string) (*Identity, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("auth.ValidateToken: %w", ErrInvalidToken)
	}

	if !token.Valid {
		return nil, fmt.Errorf("auth.ValidateToken: %w", ErrInvalidToken)
	}

	accountID, err := uuid.Parse(claims.AccountID)
	if err != nil {
		return nil, fmt.Errorf("auth.ValidateToken: account: %w", ErrInvalidToken)
	}

	actorID, err := uuid.Parse(claims.ActorID)
	if err != nil {
		return nil, fmt.Errorf("auth.ValidateToken: actor: %w", ErrInvalidToken)
	}

	if claims.Role == "" {
		return nil, fmt.Errorf("auth.ValidateToken: missing role: %w", ErrInvalidToken)
	}

	return &Identity{AccountID: accountID, ActorID: actorID, Role: claims.Role}, nil
}
