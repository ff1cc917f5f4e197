// Package auth verifies and issues the HS256 bearer tokens that carry a caller's
// identity and role. Accounts and login live outside this service.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
)

// Role is the caller's function in the attendance flow.
type Role string

const (
	RoleStaff   Role = "staff"
	RoleStudent Role = "student"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return r == RoleStaff || r == RoleStudent }

// Identity is a verified caller.
type Identity struct {
	UserID uuid.UUID
	Role   Role
}

// Claims is the JWT payload: sub is the user uuid.
type Claims struct {
	jwt.RegisteredClaims
	Role Role `json:"role"`
}

var (
	ErrNoToken    = errors.New("no bearer token")
	ErrBadToken   = errors.New("invalid token")
	ErrBadSubject = errors.New("bad subject")
	ErrBadRole    = errors.New("bad role")
)

// Verifier checks bearer tokens against a shared signing key.
type Verifier struct {
	key    []byte
	leeway time.Duration
}

// NewVerifier returns a Verifier with a 30s clock leeway.
func NewVerifier(key []byte) *Verifier {
	return &Verifier{key: key, leeway: 30 * time.Second}
}

// Verify parses tok, enforces HS256 and time claims, and returns the identity.
func (v *Verifier) Verify(tok string) (Identity, error) {
	if tok == "" {
		return Identity{}, ErrNoToken
	}
	var claims Claims
	parsed, err := jwt.ParseWithClaims(tok, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return v.key, nil
	}, jwt.WithLeeway(v.leeway))
	if err != nil || !parsed.Valid {
		return Identity{}, ErrBadToken
	}
	id, err := uuid.FromString(claims.Subject)
	if err != nil || id == uuid.Nil {
		return Identity{}, ErrBadSubject
	}
	if !claims.Role.Valid() {
		return Identity{}, ErrBadRole
	}
	return Identity{UserID: id, Role: claims.Role}, nil
}

// Issue creates a signed HS256 JWT for the given identity.
func Issue(key []byte, who Identity, ttl time.Duration, now time.Time) (string, time.Time, error) {
	if !who.Role.Valid() {
		return "", time.Time{}, ErrBadRole
	}
	exp := now.Add(ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   who.UserID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Role: who.Role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	return signed, exp, err
}

// BearerFromHeader extracts the token from an "Authorization: Bearer <jwt>" value.
func BearerFromHeader(v string) (string, bool) {
	v = strings.TrimSpace(v)
	if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
		t := strings.TrimSpace(v[7:])
		if t != "" {
			return t, true
		}
	}
	return "", false
}

type ctxKey string

const identityKey ctxKey = "presence.identity"

// WithIdentity stores the authenticated caller in context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromCtx fetches the caller from context.
func IdentityFromCtx(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}
