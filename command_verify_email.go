package auth

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

// VerifyAccountEmailSQL clears the single-use verification token and
// stamps the verification time in one statement. Raw SQL because the ORM
// update path will not null out cleared columns.
var VerifyAccountEmailSQL = `UPDATE "accounts" AS "acct"
SET
	"verified_at" = ?,
	"verification_token" = NULL
WHERE
	"acct"."id" = ?
RETURNING *;`

// VerifyEmailMessage carries the single-use verification token from the
// emailed link.
type VerifyEmailMessage struct {
	Token string `json:"token"`
}

func (e VerifyEmailMessage) Type() string { return "account.verify_email" }

// VerifyEmailHandler consumes verification tokens: the matching account
// gets its verified timestamp set and the token cleared. Verification
// tokens have no expiry; they die by being consumed.
type VerifyEmailHandler struct {
	repo     RepositoryManager
	activity ActivitySink
	logger   Logger
	clock    Clock
}

// NewVerifyEmailHandler creates a handler with sane defaults.
func NewVerifyEmailHandler(repo RepositoryManager) *VerifyEmailHandler {
	return &VerifyEmailHandler{
		repo:     repo,
		activity: noopActivitySink{},
		logger:   defLogger{},
		clock:    systemClock{},
	}
}

// WithActivitySink sets the sink used to emit verification events.
func (h *VerifyEmailHandler) WithActivitySink(sink ActivitySink) *VerifyEmailHandler {
	h.activity = normalizeActivitySink(sink)
	return h
}

// WithLogger overrides the logger used by the handler.
func (h *VerifyEmailHandler) WithLogger(logger Logger) *VerifyEmailHandler {
	if logger != nil {
		h.logger = logger
	}
	return h
}

// WithClock overrides the time source, mainly for tests.
func (h *VerifyEmailHandler) WithClock(clock Clock) *VerifyEmailHandler {
	h.clock = normalizeClock(clock)
	return h
}

func (h *VerifyEmailHandler) Execute(ctx context.Context, event VerifyEmailMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during email verification",
		)
	default:
		return h.execute(ctx, event)
	}
}

func (h *VerifyEmailHandler) execute(ctx context.Context, event VerifyEmailMessage) error {
	account := &Account{}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	err := h.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		found, err := h.repo.Accounts().GetByVerificationTokenTx(ctx, tx, event.Token)
		if err != nil {
			if repository.IsRecordNotFound(err) {
				return NewInvalidVerificationTokenError("no account holds this verification token")
			}
			return NewDataAccessError(err, "failed to look up verification token")
		}
		account = found

		res, err := h.repo.Accounts().RawTx(ctx, tx, VerifyAccountEmailSQL, h.clock.Now(), account.ID.String())
		if err != nil {
			return NewDataAccessError(err, "failed to mark account as verified")
		}
		if len(res) == 0 {
			return NewInvalidVerificationTokenError("no account holds this verification token")
		}

		return nil
	})

	if err != nil {
		return normalizeTxError(err, "email verification transaction failed")
	}

	h.recordActivity(ctx, account)

	return nil
}

func (h *VerifyEmailHandler) recordActivity(ctx context.Context, account *Account) {
	event := ActivityEvent{
		EventType: ActivityEventEmailVerified,
		Actor: ActorRef{
			ID:   account.ID.String(),
			Type: "account",
		},
		AccountID:  account.ID.String(),
		OccurredAt: h.clock.Now(),
	}

	if err := h.activity.Record(ctx, event); err != nil {
		h.logger.Warn("activity sink error during email verification: %v", err)
	}
}
