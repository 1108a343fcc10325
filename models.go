package auth

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// RoleName is the name of an authorization role
type RoleName = string

const (
	// RoleAdmin is the administrative role, assigned to the first account ever registered
	RoleAdmin RoleName = "Admin"
	// RoleUser is the default role for every subsequent account
	RoleUser RoleName = "User"
)

// Role is a name-keyed authorization role. Roles are created lazily on
// first reference and never duplicated; the name column carries a unique
// constraint so concurrent first-registrations cannot race two rows in.
type Role struct {
	bun.BaseModel `bun:"table:roles,alias:rol"`
	ID            uuid.UUID  `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	Name          RoleName   `bun:"name,notnull,unique" json:"name,omitempty"`
	CreatedAt     *time.Time `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
}

// Account is the account model. It owns its ordered refresh token history;
// verification and reset tokens live directly on the account row.
type Account struct {
	bun.BaseModel       `bun:"table:accounts,alias:acct"`
	ID                  uuid.UUID       `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	Email               string          `bun:"email,notnull,unique" json:"email,omitempty"`
	FirstName           string          `bun:"first_name" json:"first_name,omitempty"`
	LastName            string          `bun:"last_name" json:"last_name,omitempty"`
	Phone               string          `bun:"phone_number" json:"phone_number,omitempty"`
	PasswordHash        string          `bun:"password_hash" json:"-"`
	RoleID              *uuid.UUID      `bun:"role_id,type:uuid" json:"role_id,omitempty"`
	Role                *Role           `bun:"rel:belongs-to,join:role_id=id" json:"role,omitempty"`
	VerificationToken   string          `bun:"verification_token,nullzero" json:"-"`
	VerifiedAt          *time.Time      `bun:"verified_at,nullzero" json:"verified_at,omitempty"`
	ResetToken          string          `bun:"reset_token,nullzero" json:"-"`
	ResetTokenExpiresAt *time.Time      `bun:"reset_token_expires_at,nullzero" json:"-"`
	PasswordResetAt     *time.Time      `bun:"password_reset_at,nullzero" json:"password_reset_at,omitempty"`
	LoginAttempts       int             `bun:"login_attempts" json:"login_attempts,omitempty"`
	LoginAttemptAt      *time.Time      `bun:"login_attempt_at,nullzero" json:"login_attempt_at,omitempty"`
	RefreshTokens       []*RefreshToken `bun:"rel:has-many,join:id=account_id" json:"-"`
	CreatedAt           *time.Time      `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
	UpdatedAt           *time.Time      `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at,omitempty"`
}

// IsVerified reports whether the account completed email verification.
// An account is verified iff its verification timestamp is set; unverified
// accounts may not authenticate.
func (a *Account) IsVerified() bool {
	return a != nil && a.VerifiedAt != nil
}

// RoleName returns the resolved role name, empty if the relation was not loaded.
func (a *Account) RoleName() RoleName {
	if a == nil || a.Role == nil {
		return ""
	}
	return a.Role.Name
}

// FindRefreshToken returns the owned token matching the given opaque string.
func (a *Account) FindRefreshToken(token string) (*RefreshToken, bool) {
	if a == nil || token == "" {
		return nil, false
	}
	for _, t := range a.RefreshTokens {
		if t != nil && t.Token == token {
			return t, true
		}
	}
	return nil, false
}

// AddRefreshToken appends a token to the account's ordered history.
func (a *Account) AddRefreshToken(token *RefreshToken) *Account {
	if token != nil {
		token.AccountID = a.ID
		a.RefreshTokens = append(a.RefreshTokens, token)
	}
	return a
}

// RefreshToken is one entry in an account's rotation chain. ReplacedBy is a
// same-account lookup key holding the successor's opaque string, not an
// ownership edge; the chain is reconstructed by following those keys.
type RefreshToken struct {
	bun.BaseModel `bun:"table:refresh_tokens,alias:rtk"`
	ID            uuid.UUID  `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	AccountID     uuid.UUID  `bun:"account_id,notnull,type:uuid" json:"account_id,omitempty"`
	Token         string     `bun:"token,notnull,unique" json:"-"`
	CreatedByIP   string     `bun:"created_by_ip" json:"created_by_ip,omitempty"`
	CreatedAt     time.Time  `bun:"created_at,notnull" json:"created_at,omitempty"`
	ExpiresAt     time.Time  `bun:"expires_at,notnull" json:"expires_at,omitempty"`
	RevokedAt     *time.Time `bun:"revoked_at,nullzero" json:"revoked_at,omitempty"`
	RevokedByIP   string     `bun:"revoked_by_ip,nullzero" json:"revoked_by_ip,omitempty"`
	ReplacedBy    string     `bun:"replaced_by,nullzero" json:"-"`
}

// IsExpired reports whether the token is past its expiry at the given
// instant. Expiry is exact, no skew tolerance.
func (t *RefreshToken) IsExpired(now time.Time) bool {
	return t == nil || !now.Before(t.ExpiresAt)
}

// IsRevoked reports whether the token has a revocation timestamp.
func (t *RefreshToken) IsRevoked() bool {
	return t == nil || t.RevokedAt != nil
}

// IsActive reports whether the token may still be exchanged: not expired
// and not revoked. At most one token per rotation chain is ever active.
func (t *RefreshToken) IsActive(now time.Time) bool {
	return t != nil && !t.IsRevoked() && !t.IsExpired(now)
}
