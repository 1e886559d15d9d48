/*
auth.go - Bearer token identity

PURPOSE:
  Identity is issued elsewhere. This layer only verifies HS256 bearer
  tokens and puts the caller's user id and role on the request context.

CLAIMS:
  sub   user UUID (required)
  role  "staff" or "member" (missing means member)
  exp   expiry (enforced when present)

SEE ALSO:
  - server.go: where Authenticate and RequireStaff are mounted
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Role of an authenticated caller.
type Role string

const (
	RoleMember Role = "member"
	RoleStaff  Role = "staff"
)

// Token errors
var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// Identity is the verified caller.
type Identity struct {
	UserID uuid.UUID
	Role   Role
}

// IsStaff reports whether the caller may perform staff operations.
func (i Identity) IsStaff() bool { return i.Role == RoleStaff }

// TokenVerifier verifies HS256 signed JWTs.
type TokenVerifier struct {
	secret []byte
}

func NewTokenVerifier(secret []byte) *TokenVerifier {
	return &TokenVerifier{secret: secret}
}

// Verify validates the token and extracts the caller identity.
func (v *TokenVerifier) Verify(tokenString string) (Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Identity{}, ErrInvalidToken
	}

	sub, _ := claims["sub"].(string)
	userID, err := uuid.Parse(sub)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: sub must be a UUID", ErrInvalidToken)
	}

	role := RoleMember
	if r, _ := claims["role"].(string); r != "" {
		role = Role(r)
	}
	if role != RoleMember && role != RoleStaff {
		return Identity{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, role)
	}

	return Identity{UserID: userID, Role: role}, nil
}

// Generate signs a token for the identity. Used by tests and the CLI.
func (v *TokenVerifier) Generate(id Identity, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  id.UserID.String(),
		"role": string(id.Role),
		"iat":  now.Unix(),
		"exp":  now.Add(expiresIn).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

type identityKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity set by Authenticate.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// Authenticate rejects requests without a valid bearer token.
func Authenticate(v *TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || raw == "" {
				writeError(w, http.StatusUnauthorized, "Authentication required", ErrMissingToken)
				return
			}

			id, err := v.Verify(raw)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Authentication failed", err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireStaff rejects authenticated callers without the staff role.
func RequireStaff(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFrom(r.Context())
		if !ok || !id.IsStaff() {
			writeError(w, http.StatusForbidden, "Staff role required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
