package auth

import (
	"context"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-print"
	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// MaxLoginAttempts is the maximum number of failed attempts an account
// gets before cooling down.
var MaxLoginAttempts = 5

// CoolDownPeriod is the window in which we enforce a cool down.
var CoolDownPeriod = "24h"

// Sessions is the session orchestrator: it authenticates credentials,
// exchanges and revokes refresh tokens, and verifies access tokens. Every
// mutation runs inside a per-account transaction so rotation is atomic:
// of two callers racing to rotate the same token, exactly one succeeds
// and the loser observes the token already revoked.
type Sessions struct {
	repo      RepositoryManager
	mint      *TokenMint
	hasher    *Hasher
	ledger    *Ledger
	clock     Clock
	logger    Logger
	activity  ActivitySink
	validator TokenValidator
}

// NewSessions creates the orchestrator from config values.
func NewSessions(repo RepositoryManager, cfg Config) *Sessions {
	mint := NewTokenMint(cfg, defLogger{})
	return &Sessions{
		repo:     repo,
		mint:     mint,
		hasher:   NewHasher(cfg.GetPasswordHashCost()),
		ledger:   NewLedger(mint.RefreshTokenTTL()),
		clock:    systemClock{},
		logger:   defLogger{},
		activity: noopActivitySink{},
	}
}

func (s *Sessions) WithLogger(logger Logger) *Sessions {
	if logger != nil {
		s.logger = logger
		s.mint.logger = logger
	}
	return s
}

// WithActivitySink configures an ActivitySink for emitting auth events.
func (s *Sessions) WithActivitySink(sink ActivitySink) *Sessions {
	s.activity = normalizeActivitySink(sink)
	return s
}

// WithTokenValidator sets a fallback validator for externally issued
// access tokens, tried when the local key rejects a token as malformed.
func (s *Sessions) WithTokenValidator(validator TokenValidator) *Sessions {
	s.validator = validator
	return s
}

// WithClock overrides the time source across the orchestrator, mint and
// ledger, mainly for tests.
func (s *Sessions) WithClock(clock Clock) *Sessions {
	s.clock = normalizeClock(clock)
	s.mint.WithClock(s.clock)
	s.ledger.WithClock(s.clock)
	return s
}

// TokenMint exposes the mint so registration and reset flows share the
// same token source.
func (s *Sessions) TokenMint() *TokenMint {
	return s.mint
}

// Hasher exposes the configured password hasher.
func (s *Sessions) Hasher() *Hasher {
	return s.hasher
}

// Ledger exposes the rotation ledger.
func (s *Sessions) Ledger() *Ledger {
	return s.ledger
}

// Authenticate verifies email and password and, on success, issues a new
// access/refresh token pair, appending the refresh token to the account's
// ledger and pruning stale history. Unknown and unverified accounts fail
// with the same not-found error so callers cannot enumerate addresses.
func (s *Sessions) Authenticate(ctx context.Context, email, password, clientIP string) (*TokenPair, error) {
	var pair *TokenPair
	var attempted *Account

	err := s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		account, err := s.repo.Accounts().GetByEmailTx(ctx, tx, email)
		if err != nil {
			if repository.IsRecordNotFound(err) {
				return NewResourceNotFoundError("no verified account matches the given credentials")
			}
			return NewDataAccessError(err, "failed to load account for authentication")
		}

		if !account.IsVerified() {
			return NewResourceNotFoundError("no verified account matches the given credentials")
		}

		if err := s.checkLoginThrottle(account); err != nil {
			return err
		}

		if err := s.hasher.ComparePasswordAndHash(password, account.PasswordHash); err != nil {
			attempted = account
			return ErrMismatchedHashAndPassword
		}

		if err := s.repo.Accounts().TrackSuccessfulLoginTx(ctx, tx, account); err != nil {
			s.logger.Error("failed to track successful login: %v", err)
		}

		pair, err = s.issuePairTx(ctx, tx, account, clientIP)
		return err
	})

	if err != nil {
		// Attempt tracking happens outside the failed transaction so the
		// counter survives the rollback.
		if attempted != nil && goerrors.Is(err, ErrMismatchedHashAndPassword) {
			if err2 := s.repo.Accounts().TrackAttemptedLogin(ctx, attempted); err2 != nil {
				s.logger.Error("failed to track login attempt: %v", err2)
			}
		}

		s.emit(ctx, ActivityEventLoginFailure, "", clientIP, map[string]any{
			"email": email,
			"error": err.Error(),
		})
		return nil, normalizeTxError(err, "authentication failed")
	}

	s.emit(ctx, ActivityEventLoginSuccess, "", clientIP, map[string]any{"email": email})

	return pair, nil
}

// RefreshSession rotates the presented refresh token: the old token is
// revoked and chained to a fresh replacement, and a new access token is
// issued, all in one atomic unit. On any failure the transaction rolls
// back and the original token remains valid. Replay of an already rotated
// token fails as reuse and is logged at elevated severity.
func (s *Sessions) RefreshSession(ctx context.Context, refreshToken, clientIP string) (*TokenPair, error) {
	var pair *TokenPair
	var accountID string

	err := s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		account, old, err := s.lookupTx(ctx, tx, refreshToken)
		if err != nil {
			return err
		}
		accountID = account.ID.String()

		replacement, err := s.mint.IssueRefreshToken(clientIP)
		if err != nil {
			return err
		}

		if err := s.ledger.Rotate(account, old, replacement, clientIP); err != nil {
			if IsTokenReuse(err) {
				s.reportTokenReuse(ctx, account, old, clientIP)
			}
			return err
		}

		revoked, err := s.repo.Accounts().RevokeRefreshTokenTx(ctx, tx, old)
		if err != nil {
			return NewDataAccessError(err, "failed to persist token revocation")
		}
		if !revoked {
			// A concurrent rotation committed between our read and this
			// write; the losing copy is treated as replay.
			s.reportTokenReuse(ctx, account, old, clientIP)
			return NewTokenReuseError("refresh token was already rotated")
		}
		if err := s.repo.Accounts().InsertRefreshTokenTx(ctx, tx, replacement); err != nil {
			return NewDataAccessError(err, "failed to persist replacement token")
		}
		if err := s.pruneTx(ctx, tx, account); err != nil {
			return err
		}

		access, err := s.mint.IssueAccessToken(account.ID, account.RoleName())
		if err != nil {
			return err
		}

		pair = &TokenPair{AccessToken: access, RefreshToken: replacement.Token}
		return nil
	})

	if err != nil {
		return nil, normalizeTxError(err, "session refresh failed")
	}

	s.emit(ctx, ActivityEventSessionRefreshed, accountID, clientIP, nil)

	return pair, nil
}

// RevokeSession terminates the chain holding the presented token without
// issuing a replacement. Revoking an already revoked token is a no-op so
// client retries stay harmless.
func (s *Sessions) RevokeSession(ctx context.Context, refreshToken, clientIP string) error {
	var accountID string

	err := s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		account, token, err := s.lookupTx(ctx, tx, refreshToken)
		if err != nil {
			return err
		}
		accountID = account.ID.String()

		if !s.ledger.Revoke(token, clientIP) {
			return nil
		}

		// A concurrent revocation beating this write is fine, the token
		// ends up revoked either way.
		if _, err := s.repo.Accounts().RevokeRefreshTokenTx(ctx, tx, token); err != nil {
			return NewDataAccessError(err, "failed to persist token revocation")
		}
		return nil
	})

	if err != nil {
		return normalizeTxError(err, "session revocation failed")
	}

	s.emit(ctx, ActivityEventSessionRevoked, accountID, clientIP, nil)

	return nil
}

// LookupRefreshToken resolves the owning account and token entry for an
// opaque refresh token string.
func (s *Sessions) LookupRefreshToken(ctx context.Context, refreshToken string) (*RefreshToken, *Account, error) {
	account, err := s.repo.Accounts().GetByRefreshToken(ctx, refreshToken)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, nil, NewResourceNotFoundError("refresh token not found")
		}
		return nil, nil, NewDataAccessError(err, "failed to look up refresh token")
	}

	token, ok := account.FindRefreshToken(refreshToken)
	if !ok {
		return nil, nil, NewResourceNotFoundError("refresh token not found")
	}

	return token, account, nil
}

// VerifyAccessToken validates a signed access token and returns its
// claims. When a fallback validator is configured, tokens the local key
// rejects as malformed get one more chance there (externally issued
// tokens, e.g. via JWKS).
func (s *Sessions) VerifyAccessToken(tokenString string) (AuthClaims, error) {
	claims, err := s.mint.VerifyAccessToken(tokenString)
	if err == nil {
		return claims, nil
	}

	if s.validator != nil && !IsTokenExpiredError(err) {
		if claims, vErr := s.validator.Validate(tokenString); vErr == nil {
			return claims, nil
		}
	}

	return nil, err
}

// AuthorizeAccountAccess checks that the authenticated principal may act
// on the target account: admins may act on any account, everyone else
// only on their own.
func (s *Sessions) AuthorizeAccountAccess(claims AuthClaims, accountID uuid.UUID) error {
	if claims == nil {
		return NewAuthorizationError("caller is not authenticated")
	}

	if claims.HasRole(RoleAdmin) || claims.AccountID() == accountID.String() {
		return nil
	}

	return NewAuthorizationError("caller may not act on the target account")
}

func (s *Sessions) lookupTx(ctx context.Context, tx bun.Tx, refreshToken string) (*Account, *RefreshToken, error) {
	account, err := s.repo.Accounts().GetByRefreshTokenTx(ctx, tx, refreshToken)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, nil, NewResourceNotFoundError("refresh token not found")
		}
		return nil, nil, NewDataAccessError(err, "failed to look up refresh token")
	}

	token, ok := account.FindRefreshToken(refreshToken)
	if !ok {
		return nil, nil, NewResourceNotFoundError("refresh token not found")
	}

	return account, token, nil
}

func (s *Sessions) issuePairTx(ctx context.Context, tx bun.Tx, account *Account, clientIP string) (*TokenPair, error) {
	refresh, err := s.mint.IssueRefreshToken(clientIP)
	if err != nil {
		return nil, err
	}

	account.AddRefreshToken(refresh)

	if err := s.repo.Accounts().InsertRefreshTokenTx(ctx, tx, refresh); err != nil {
		return nil, NewDataAccessError(err, "failed to persist refresh token")
	}
	if err := s.pruneTx(ctx, tx, account); err != nil {
		return nil, err
	}

	access, err := s.mint.IssueAccessToken(account.ID, account.RoleName())
	if err != nil {
		return nil, err
	}

	return &TokenPair{AccessToken: access, RefreshToken: refresh.Token}, nil
}

func (s *Sessions) pruneTx(ctx context.Context, tx bun.Tx, account *Account) error {
	removed := s.ledger.Prune(account)
	if len(removed) == 0 {
		return nil
	}
	if err := s.repo.Accounts().DeleteRefreshTokensTx(ctx, tx, removed); err != nil {
		return NewDataAccessError(err, "failed to prune refresh token history")
	}
	return nil
}

func (s *Sessions) checkLoginThrottle(account *Account) error {
	if account.LoginAttemptAt != nil {
		expired, err := IsOutsideThresholdPeriod(*account.LoginAttemptAt, CoolDownPeriod)
		if err != nil {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to calculate login attempt cooldown")
		}
		if expired {
			account.LoginAttempts = 0
		}
	}

	if account.LoginAttempts > MaxLoginAttempts {
		return ErrTooManyLoginAttempts
	}

	return nil
}

func (s *Sessions) reportTokenReuse(ctx context.Context, account *Account, token *RefreshToken, clientIP string) {
	metadata := map[string]any{
		"account_id": account.ID.String(),
		"client_ip":  clientIP,
	}
	if token != nil {
		metadata["revoked_at"] = token.RevokedAt
		metadata["replaced_by_set"] = token.ReplacedBy != ""
	}

	s.logger.Error("refresh token reuse detected: %s", print.MaybePrettyJSON(metadata))
	s.emit(ctx, ActivityEventTokenReuseDetected, account.ID.String(), clientIP, metadata)
}

func (s *Sessions) emit(ctx context.Context, event ActivityEventType, accountID, clientIP string, metadata map[string]any) {
	evt := ActivityEvent{
		EventType:  event,
		Actor:      ActorRef{ID: accountID, Type: "account"},
		AccountID:  accountID,
		ClientIP:   clientIP,
		Metadata:   metadata,
		OccurredAt: s.clock.Now(),
	}

	if err := s.activity.Record(ctx, evt); err != nil {
		s.logger.Warn("activity sink error: %v", err)
	}
}

// normalizeTxError keeps typed business errors intact and wraps anything
// else (driver faults, rollbacks) as a data access failure.
func normalizeTxError(err error, msg string) error {
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return richErr
	}
	return NewDataAccessError(err, msg)
}
