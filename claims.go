package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthClaims is the read-side view of a verified access token.
type AuthClaims interface {
	Subject() string
	AccountID() string
	Role() string
	HasRole(role string) bool
	IsAtLeast(minRole RoleName) bool
	Expires() time.Time
	IssuedAt() time.Time
}

// SessionClaims is the concrete JWT claim set carried by access tokens:
// the account id and role name on top of the registered claims.
type SessionClaims struct {
	jwt.RegisteredClaims
	UID         string `json:"uid,omitempty"`
	AccountRole string `json:"role,omitempty"`
}

var _ AuthClaims = (*SessionClaims)(nil)

// Subject returns the subject claim
func (c *SessionClaims) Subject() string {
	return c.RegisteredClaims.Subject
}

// AccountID returns the account id the token was issued for.
func (c *SessionClaims) AccountID() string {
	if c.UID != "" {
		return c.UID
	}
	return c.Subject()
}

// Role returns the role claim.
func (c *SessionClaims) Role() string {
	return c.AccountRole
}

// HasRole checks if the token carries the given role.
func (c *SessionClaims) HasRole(role string) bool {
	return c.AccountRole == role
}

// IsAtLeast checks if the token's role is at least the minimum required role.
func (c *SessionClaims) IsAtLeast(minRole RoleName) bool {
	return roleRank(c.AccountRole) >= roleRank(minRole)
}

// Expires returns the expiration time
func (c *SessionClaims) Expires() time.Time {
	if c.RegisteredClaims.ExpiresAt != nil {
		return c.RegisteredClaims.ExpiresAt.Time
	}
	return time.Time{}
}

// IssuedAt returns the issued at time
func (c *SessionClaims) IssuedAt() time.Time {
	if c.RegisteredClaims.IssuedAt != nil {
		return c.RegisteredClaims.IssuedAt.Time
	}
	return time.Time{}
}
