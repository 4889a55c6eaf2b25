package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"supportchat-ws/internal/domain"

	"github.com/golang-jwt/jwt/v5"
)

type Claims struct {
	Role domain.Role `json:"role"`
	Name string      `json:"name"`
	jwt.RegisteredClaims
}

// Provider resolves session tokens to identities.
type Provider struct {
	secret []byte
	now    func() time.Time
}

func NewProvider(secret string) (*Provider, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is empty")
	}
	return &Provider{secret: []byte(secret), now: time.Now}, nil
}

// Issue signs a token for ident that expires after ttl.
func (p *Provider) Issue(ident domain.Identity, ttl time.Duration) (string, error) {
	if err := ident.Validate(); err != nil {
		return "", err
	}
	now := p.now()
	claims := Claims{
		Role: ident.Role,
		Name: ident.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ident.UserID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(p.secret)
}

// Resolve validates a token. Missing, malformed, expired and foreign tokens all
// report ErrUnauthenticated.
func (p *Provider) Resolve(tokenStr string) (domain.Identity, error) {
	tokenStr = strings.TrimSpace(tokenStr)
	if tokenStr == "" {
		return domain.Identity{}, fmt.Errorf("missing token: %w", domain.ErrUnauthenticated)
	}

	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return p.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(p.now), jwt.WithExpirationRequired())
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return domain.Identity{}, fmt.Errorf("invalid token: %w", domain.ErrUnauthenticated)
	}

	ident := domain.Identity{UserID: claims.Subject, Role: claims.Role, DisplayName: claims.Name}
	if err := ident.Validate(); err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}
	return ident, nil
}

// BearerToken extracts the token of an Authorization header value.
func BearerToken(header string) string {
	if len(header) < len("Bearer ") || !strings.EqualFold(header[:len("Bearer ")], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[len("Bearer "):])
}

// Peek reads the identity claims of a token without verifying its signature.
// Only for clients that hold their own token; servers must use Resolve.
func Peek(tokenStr string) (domain.Identity, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(tokenStr), claims); err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}
	ident := domain.Identity{UserID: claims.Subject, Role: claims.Role, DisplayName: claims.Name}
	if err := ident.Validate(); err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}
	return ident, nil
}
