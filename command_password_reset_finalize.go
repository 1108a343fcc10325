package auth

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

// ConsumeResetTokenSQL rehashes the password, stamps the reset time, and
// clears both reset fields in one statement. The verified timestamp is
// backfilled for accounts that never finished email verification: a
// completed reset proves control of the address. Raw SQL because the ORM
// update path will not null out cleared columns.
var ConsumeResetTokenSQL = `UPDATE "accounts" AS "acct"
SET
	"password_hash" = ?,
	"password_reset_at" = ?,
	"verified_at" = COALESCE("verified_at", ?),
	"reset_token" = NULL,
	"reset_token_expires_at" = NULL
WHERE
	"acct"."id" = ?
RETURNING *;`

// ValidateResetTokenMessage checks a reset token without consuming it, so
// a reset form can be rendered before asking for the new password.
type ValidateResetTokenMessage struct {
	Token      string `json:"token"`
	OnResponse func(resp *ResetTokenValidation)
}

func (e ValidateResetTokenMessage) Type() string { return "account.validate_reset_token" }

// ResetTokenValidation reports the outcome of a token check.
type ResetTokenValidation struct {
	Valid bool `json:"valid"`
}

// FinalizePasswordResetMessage consumes a reset token and sets a new password.
type FinalizePasswordResetMessage struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

func (e FinalizePasswordResetMessage) Type() string { return "account.password_reset_finalize" }

// FinalizePasswordResetHandler owns both halves of the reset consumption
// flow: non-destructive validation and the final single-use consume.
// Wrong token and expired token are indistinguishable to the caller.
type FinalizePasswordResetHandler struct {
	repo     RepositoryManager
	hasher   *Hasher
	activity ActivitySink
	logger   Logger
	clock    Clock
}

// NewFinalizePasswordResetHandler creates a handler with sane defaults.
func NewFinalizePasswordResetHandler(repo RepositoryManager, cfg Config) *FinalizePasswordResetHandler {
	return &FinalizePasswordResetHandler{
		repo:     repo,
		hasher:   NewHasher(cfg.GetPasswordHashCost()),
		activity: noopActivitySink{},
		logger:   defLogger{},
		clock:    systemClock{},
	}
}

// WithActivitySink sets the sink used to emit password reset events.
func (h *FinalizePasswordResetHandler) WithActivitySink(sink ActivitySink) *FinalizePasswordResetHandler {
	h.activity = normalizeActivitySink(sink)
	return h
}

// WithLogger overrides the logger used by the handler.
func (h *FinalizePasswordResetHandler) WithLogger(logger Logger) *FinalizePasswordResetHandler {
	if logger != nil {
		h.logger = logger
	}
	return h
}

// WithClock overrides the time source, mainly for tests.
func (h *FinalizePasswordResetHandler) WithClock(clock Clock) *FinalizePasswordResetHandler {
	h.clock = normalizeClock(clock)
	return h
}

// Validate checks the token without consuming it.
func (h *FinalizePasswordResetHandler) Validate(ctx context.Context, event ValidateResetTokenMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during reset token validation",
		)
	default:
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	resp := &ResetTokenValidation{}

	_, err := h.lookupConsumable(ctx, h.repo.Accounts(), event.Token)
	if err == nil {
		resp.Valid = true
	} else if !IsInvalidToken(err) {
		return err
	}

	if event.OnResponse != nil {
		event.OnResponse(resp)
	}

	if !resp.Valid {
		return NewInvalidTokenError("invalid or expired password reset token")
	}

	return nil
}

func (h *FinalizePasswordResetHandler) Execute(ctx context.Context, event FinalizePasswordResetMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during password reset finalization",
		)
	default:
		return h.execute(ctx, event)
	}
}

func (h *FinalizePasswordResetHandler) execute(ctx context.Context, event FinalizePasswordResetMessage) error {
	account := &Account{}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	err := h.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		found, err := h.lookupConsumableTx(ctx, tx, event.Token)
		if err != nil {
			return err
		}
		account = found

		passwordHash, err := h.hasher.HashPassword(event.Password)
		if err != nil {
			return goerrors.Wrap(err, goerrors.CategoryValidation, "invalid new password provided")
		}

		now := h.clock.Now()
		res, err := h.repo.Accounts().RawTx(ctx, tx, ConsumeResetTokenSQL, passwordHash, now, now, account.ID.String())
		if err != nil {
			return NewDataAccessError(err, "failed to update account password")
		}
		if len(res) == 0 {
			return NewInvalidTokenError("invalid or expired password reset token")
		}

		return nil
	})

	if err != nil {
		return normalizeTxError(err, "failed to finalize password reset")
	}

	h.recordActivity(ctx, account)

	return nil
}

type resetTokenLookup interface {
	GetByResetToken(ctx context.Context, token string) (*Account, error)
}

func (h *FinalizePasswordResetHandler) lookupConsumable(ctx context.Context, store resetTokenLookup, token string) (*Account, error) {
	account, err := store.GetByResetToken(ctx, token)
	return h.checkConsumable(account, err)
}

func (h *FinalizePasswordResetHandler) lookupConsumableTx(ctx context.Context, tx bun.IDB, token string) (*Account, error) {
	account, err := h.repo.Accounts().GetByResetTokenTx(ctx, tx, token)
	return h.checkConsumable(account, err)
}

// checkConsumable folds "no such token" and "token expired" into one
// error kind so callers cannot tell which condition failed.
func (h *FinalizePasswordResetHandler) checkConsumable(account *Account, err error) (*Account, error) {
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, NewInvalidTokenError("invalid or expired password reset token")
		}
		return nil, NewDataAccessError(err, "failed to look up reset token")
	}

	if account.ResetTokenExpiresAt == nil || !h.clock.Now().Before(*account.ResetTokenExpiresAt) {
		return nil, NewInvalidTokenError("invalid or expired password reset token")
	}

	return account, nil
}

func (h *FinalizePasswordResetHandler) recordActivity(ctx context.Context, account *Account) {
	event := ActivityEvent{
		EventType: ActivityEventPasswordResetSuccess,
		Actor: ActorRef{
			ID:   account.ID.String(),
			Type: "account",
		},
		AccountID:  account.ID.String(),
		OccurredAt: h.clock.Now(),
	}

	if err := h.activity.Record(ctx, event); err != nil {
		h.logger.Warn("activity sink error during password reset: %v", err)
	}
}
