// Package identity adapts the external identity provider. Authentication
// itself happens elsewhere; we only read who the caller already is.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/huddlekit/huddle/internal/domain"
)

var ErrNoIdentity = errors.New("no current identity")

// Provider yields the authenticated caller, or ErrNoIdentity for an
// anonymous one (a guest joining by token).
type Provider interface {
	Current(ctx context.Context) (*domain.Identity, error)
}

// Static returns a fixed identity, or ErrNoIdentity when empty. Used for
// configured clients and tests.
type Static struct {
	Identity *domain.Identity
}

func (s Static) Current(ctx context.Context) (*domain.Identity, error) {
	if s.Identity == nil || s.Identity.ID == "" {
		return nil, ErrNoIdentity
	}
	cp := *s.Identity
	return &cp, nil
}

// Claims carried by the identity provider's HMAC-signed tokens.
type Claims struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"name"`
	Email       string `json:"email"`
	jwt.RegisteredClaims
}

// JWT resolves the identity from a bearer token issued by the external
// provider.
type JWT struct {
	Secret string
	Token  string
}

func (j JWT) Current(ctx context.Context) (*domain.Identity, error) {
	if j.Token == "" {
		return nil, ErrNoIdentity
	}
	claims, err := Parse(j.Token, j.Secret)
	if err != nil {
		return nil, err
	}
	return &domain.Identity{ID: claims.UserID, DisplayName: claims.DisplayName, Email: claims.Email}, nil
}

// Parse validates an HMAC-signed identity token and returns its claims.
func Parse(tokenString, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse identity token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, errors.New("invalid identity token claims")
	}
	return claims, nil
}
