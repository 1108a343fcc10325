package auth

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

// IssueResetTokenSQL overwrites any prior unconsumed reset token with a
// fresh one; only the newest reset request for an account stays valid.
var IssueResetTokenSQL = `UPDATE "accounts" AS "acct"
SET
	"reset_token" = ?,
	"reset_token_expires_at" = ?
WHERE
	"acct"."id" = ?
RETURNING *;`

// InitializePasswordResetMessage starts a reset flow for an email address.
type InitializePasswordResetMessage struct {
	Email  string `json:"email"`
	Origin string `json:"-"`
}

func (e InitializePasswordResetMessage) Type() string { return "account.password_reset" }

// InitializePasswordResetHandler issues single-use reset tokens and
// dispatches the reset email. An unknown email returns silently so the
// endpoint cannot be used to enumerate registered addresses.
type InitializePasswordResetHandler struct {
	repo     RepositoryManager
	mint     *TokenMint
	resetTTL time.Duration
	mailer   Mailer
	activity ActivitySink
	logger   Logger
	clock    Clock
}

// DefaultResetTokenHours is the reset token lifetime, 1 day.
const DefaultResetTokenHours = 24

// NewInitializePasswordResetHandler creates a handler with sane defaults.
func NewInitializePasswordResetHandler(repo RepositoryManager, cfg Config) *InitializePasswordResetHandler {
	resetHours := DefaultResetTokenHours
	if cfg.GetResetTokenDuration() > 0 {
		resetHours = cfg.GetResetTokenDuration()
	}

	return &InitializePasswordResetHandler{
		repo:     repo,
		mint:     NewTokenMint(cfg, defLogger{}),
		resetTTL: time.Duration(resetHours) * time.Hour,
		mailer:   noopMailer{},
		activity: noopActivitySink{},
		logger:   defLogger{},
		clock:    systemClock{},
	}
}

// WithMailer sets the sender used for reset notices.
func (h *InitializePasswordResetHandler) WithMailer(mailer Mailer) *InitializePasswordResetHandler {
	h.mailer = normalizeMailer(mailer)
	return h
}

// WithActivitySink sets the sink used to emit reset events.
func (h *InitializePasswordResetHandler) WithActivitySink(sink ActivitySink) *InitializePasswordResetHandler {
	h.activity = normalizeActivitySink(sink)
	return h
}

// WithLogger overrides the logger used by the handler.
func (h *InitializePasswordResetHandler) WithLogger(logger Logger) *InitializePasswordResetHandler {
	if logger != nil {
		h.logger = logger
	}
	return h
}

// WithClock overrides the time source, mainly for tests.
func (h *InitializePasswordResetHandler) WithClock(clock Clock) *InitializePasswordResetHandler {
	h.clock = normalizeClock(clock)
	h.mint.WithClock(h.clock)
	return h
}

// WithTokenMint overrides the token source, mainly for tests.
func (h *InitializePasswordResetHandler) WithTokenMint(mint *TokenMint) *InitializePasswordResetHandler {
	if mint != nil {
		h.mint = mint
	}
	return h
}

func (h *InitializePasswordResetHandler) Execute(ctx context.Context, event InitializePasswordResetMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during password reset initialization",
		)
	default:
		return h.execute(ctx, event)
	}
}

func (h *InitializePasswordResetHandler) execute(ctx context.Context, event InitializePasswordResetMessage) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	var account *Account
	var token string

	err := h.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		found, err := h.repo.Accounts().GetByEmailTx(ctx, tx, event.Email)
		if err != nil {
			if repository.IsRecordNotFound(err) {
				// Expected flow, not an application error: respond
				// exactly as if the email existed.
				return nil
			}
			return NewDataAccessError(err, "failed to retrieve account for password reset")
		}
		account = found

		token, err = h.mint.RandomSingleUseToken()
		if err != nil {
			return err
		}

		expiresAt := h.clock.Now().Add(h.resetTTL)
		res, err := h.repo.Accounts().RawTx(ctx, tx, IssueResetTokenSQL, token, expiresAt, account.ID.String())
		if err != nil {
			return NewDataAccessError(err, "failed to store reset token")
		}
		if len(res) == 0 {
			return NewDataAccessError(nil, "reset token update matched no account")
		}

		return nil
	})

	if err != nil {
		return normalizeTxError(err, "failed to initialize password reset")
	}

	if account == nil {
		return nil
	}

	if err := h.mailer.Send(ctx, MailTemplatePasswordReset, account.Email, map[string]string{
		"first_name": account.FirstName,
		"email":      account.Email,
		"reset_url":  PasswordResetURL(event.Origin, token),
	}); err != nil {
		h.logger.Warn("failed to send password reset email: %v", err)
	}

	h.recordActivity(ctx, account)

	return nil
}

func (h *InitializePasswordResetHandler) recordActivity(ctx context.Context, account *Account) {
	event := ActivityEvent{
		EventType: ActivityEventPasswordResetRequest,
		Actor: ActorRef{
			ID:   account.ID.String(),
			Type: "account",
		},
		AccountID:  account.ID.String(),
		OccurredAt: h.clock.Now(),
	}

	if err := h.activity.Record(ctx, event); err != nil {
		h.logger.Warn("activity sink error during password reset request: %v", err)
	}
}
