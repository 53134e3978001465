// Package auth resolves caller identity from bearer tokens. Tenant functions
// receive the resolved user, or nil when the call is anonymous; identity is
// never required to dispatch.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// User is the identity handed to tenant functions.
type User struct {
	ID     string
	Email  string
	Name   string
	Claims map[string]any
}

// Verifier turns a raw bearer token into a User. Implementations validate
// signature and expiry; the caller decides what an absent token means.
type Verifier interface {
	Verify(ctx context.Context, rawToken string) (*User, error)
}

// BearerToken extracts the bearer credential from a request, or "" when none
// is present.
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}

// TokenVerifier validates JWTs with a caller-supplied key resolver, so the
// signing arrangement of the external identity provider stays outside this
// package.
type TokenVerifier struct {
	parser  *jwt.Parser
	keyfunc jwt.Keyfunc
}

// NewTokenVerifier builds a verifier around a key resolver.
func NewTokenVerifier(keyfunc jwt.Keyfunc, methods ...string) *TokenVerifier {
	if len(methods) == 0 {
		methods = []string{"HS256", "RS256"}
	}
	return &TokenVerifier{
		parser:  jwt.NewParser(jwt.WithValidMethods(methods), jwt.WithExpirationRequired()),
		keyfunc: keyfunc,
	}
}

// NewHMAC builds a verifier for tokens signed with a shared secret.
func NewHMAC(secret []byte) *TokenVerifier {
	return NewTokenVerifier(func(token *jwt.Token) (any, error) {
		return secret, nil
	}, "HS256")
}

func (v *TokenVerifier) Verify(ctx context.Context, rawToken string) (*User, error) {
	claims := jwt.MapClaims{}
	token, err := v.parser.ParseWithClaims(rawToken, claims, v.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("auth: parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("auth: token rejected")
	}

	user := &User{Claims: map[string]any(claims)}
	if sub, ok := claims["sub"].(string); ok {
		user.ID = sub
	}
	if email, ok := claims["email"].(string); ok {
		user.Email = email
	}
	if name, ok := claims["name"].(string); ok {
		user.Name = name
	}
	return user, nil
}
