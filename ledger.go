package auth

import (
	"time"
)

// Ledger holds the rotation rules for an account's refresh token history.
// It mutates in-memory state only; callers persist the outcome inside the
// same transactional unit so a rotation is never observable half-applied.
type Ledger struct {
	ttl   time.Duration
	clock Clock
}

// NewLedger creates a Ledger. ttl is the refresh token lifetime, which
// also bounds how long inactive tokens are retained before pruning.
func NewLedger(ttl time.Duration) *Ledger {
	if ttl <= 0 {
		ttl = time.Duration(DefaultRefreshTokenHours) * time.Hour
	}
	return &Ledger{
		ttl:   ttl,
		clock: systemClock{},
	}
}

// WithClock overrides the time source, mainly for tests.
func (l *Ledger) WithClock(clock Clock) *Ledger {
	l.clock = normalizeClock(clock)
	return l
}

// Rotate revokes old and appends replacement to the account's history,
// linking the chain through the replaced-by key. A token that is already
// revoked fails as reuse: the losing side of a rotation race, or a replay
// of a stolen token. An expired token fails as invalid.
func (l *Ledger) Rotate(account *Account, old, replacement *RefreshToken, revokingIP string) error {
	if account == nil || old == nil {
		return NewResourceNotFoundError("refresh token not found")
	}
	if replacement == nil {
		return NewInvalidTokenError("replacement token is required")
	}

	now := l.clock.Now()

	if old.IsRevoked() {
		return NewTokenReuseError("refresh token has already been rotated or revoked")
	}
	if old.IsExpired(now) {
		return NewInvalidTokenError("refresh token is expired")
	}

	old.RevokedAt = &now
	old.RevokedByIP = revokingIP
	old.ReplacedBy = replacement.Token

	account.AddRefreshToken(replacement)

	return nil
}

// Revoke terminates a chain without issuing a replacement. Revoking an
// already revoked token is a no-op so client retries stay harmless; the
// return value reports whether this call performed the revocation.
func (l *Ledger) Revoke(token *RefreshToken, revokingIP string) bool {
	if token == nil || token.IsRevoked() {
		return false
	}

	now := l.clock.Now()
	token.RevokedAt = &now
	token.RevokedByIP = revokingIP

	return true
}

// Prune drops tokens that are no longer active and have been held past
// the retention window (creation plus one full token lifetime). It only
// bounds storage growth; correctness never depends on it. Returns the
// removed entries so callers can delete the matching rows.
func (l *Ledger) Prune(account *Account) []*RefreshToken {
	if account == nil || len(account.RefreshTokens) == 0 {
		return nil
	}

	now := l.clock.Now()

	kept := account.RefreshTokens[:0]
	var removed []*RefreshToken
	for _, t := range account.RefreshTokens {
		if t == nil {
			continue
		}
		stale := !t.IsActive(now) && !now.Before(t.CreatedAt.Add(l.ttl))
		if stale {
			removed = append(removed, t)
			continue
		}
		kept = append(kept, t)
	}
	account.RefreshTokens = kept

	return removed
}

// Chain reconstructs the rotation chain starting at the given token by
// following replaced-by keys through the account's history.
func (l *Ledger) Chain(account *Account, token string) []*RefreshToken {
	var chain []*RefreshToken

	seen := map[string]bool{}
	for token != "" && !seen[token] {
		seen[token] = true
		current, ok := account.FindRefreshToken(token)
		if !ok {
			break
		}
		chain = append(chain, current)
		token = current.ReplacedBy
	}

	return chain
}

// ActiveHead returns the single active token of the chain containing the
// given token, if any.
func (l *Ledger) ActiveHead(account *Account, token string) (*RefreshToken, bool) {
	now := l.clock.Now()
	for _, t := range l.Chain(account, token) {
		if t.IsActive(now) {
			return t, true
		}
	}
	return nil, false
}
