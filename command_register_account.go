package auth

import (
	"context"
	"database/sql"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/nyaruka/phonenumbers"
	"github.com/uptrace/bun"
)

// RegisterAccountMessage carries a new registration request. Origin is
// the base URL the verification link is built from; it is required
// configuration, not a security check.
type RegisterAccountMessage struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	Password  string `json:"password"`
	Origin    string `json:"-"`
	UseHashid bool   `json:"-"`
}

func (e RegisterAccountMessage) Type() string { return "account.register" }

// Validate applies field level rules before any side effect fires.
func (e RegisterAccountMessage) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.FirstName, validation.Length(0, 200)),
		validation.Field(&e.LastName, validation.Length(0, 200)),
		validation.Field(&e.Email, validation.Required, validation.Length(6, 100), is.Email),
		validation.Field(&e.Password, validation.Required, validation.Length(8, 100)),
	)
}

// RegisterAccountHandler creates accounts: resolves the registration role
// (first account ever becomes Admin), hashes the password, stamps
// creation time, persists, and dispatches a verification email. A
// duplicate email short-circuits registration and notifies the existing
// registrant instead.
type RegisterAccountHandler struct {
	repo     RepositoryManager
	mint     *TokenMint
	hasher   *Hasher
	resolver *RoleResolver
	mailer   Mailer
	activity ActivitySink
	logger   Logger
	clock    Clock
}

// NewRegisterAccountHandler creates a handler with sane defaults.
func NewRegisterAccountHandler(repo RepositoryManager, cfg Config) *RegisterAccountHandler {
	return &RegisterAccountHandler{
		repo:     repo,
		mint:     NewTokenMint(cfg, defLogger{}),
		hasher:   NewHasher(cfg.GetPasswordHashCost()),
		resolver: NewRoleResolver(repo),
		mailer:   noopMailer{},
		activity: noopActivitySink{},
		logger:   defLogger{},
		clock:    systemClock{},
	}
}

// WithMailer sets the sender used for verification and duplicate notices.
func (h *RegisterAccountHandler) WithMailer(mailer Mailer) *RegisterAccountHandler {
	h.mailer = normalizeMailer(mailer)
	return h
}

// WithActivitySink sets the sink used to emit registration events.
func (h *RegisterAccountHandler) WithActivitySink(sink ActivitySink) *RegisterAccountHandler {
	h.activity = normalizeActivitySink(sink)
	return h
}

// WithLogger overrides the logger used by the handler.
func (h *RegisterAccountHandler) WithLogger(logger Logger) *RegisterAccountHandler {
	if logger != nil {
		h.logger = logger
	}
	return h
}

// WithClock overrides the time source, mainly for tests.
func (h *RegisterAccountHandler) WithClock(clock Clock) *RegisterAccountHandler {
	h.clock = normalizeClock(clock)
	h.mint.WithClock(h.clock)
	return h
}

// WithTokenMint overrides the token source, mainly for tests.
func (h *RegisterAccountHandler) WithTokenMint(mint *TokenMint) *RegisterAccountHandler {
	if mint != nil {
		h.mint = mint
	}
	return h
}

func (h *RegisterAccountHandler) Execute(ctx context.Context, event RegisterAccountMessage) error {
	select {
	case <-ctx.Done():
		return goerrors.Wrap(
			ctx.Err(),
			goerrors.CategoryOperation,
			"context cancelled during account registration",
		)
	default:
		return h.execute(ctx, event)
	}
}

func (h *RegisterAccountHandler) execute(ctx context.Context, event RegisterAccountMessage) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	if event.Origin == "" {
		return NewResourceNotFoundError("request origin is required to build the verification link")
	}

	if err := event.Validate(); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryValidation, "invalid registration request")
	}

	phone, err := normalizePhone(event.Phone)
	if err != nil {
		return err
	}

	account := &Account{}
	var duplicate *Account

	// Serializable so two racing first registrations cannot both read an
	// empty accounts table and both come out Admin.
	err = h.repo.RunInTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable}, func(ctx context.Context, tx bun.Tx) error {
		existing, err := h.repo.Accounts().GetByEmailTx(ctx, tx, event.Email)
		if err == nil {
			duplicate = existing
			return NewResourceAlreadyExistsError("an account with this email already exists")
		}
		if !repository.IsRecordNotFound(err) {
			return NewDataAccessError(err, "failed to check for an existing account")
		}

		role, err := h.resolver.ResolveRegistrationRoleTx(ctx, tx)
		if err != nil {
			return err
		}

		hash, err := h.hasher.HashPassword(event.Password)
		if err != nil {
			return goerrors.Wrap(err, goerrors.CategoryValidation, "invalid password provided")
		}

		verification, err := h.mint.RandomSingleUseToken()
		if err != nil {
			return err
		}

		now := h.clock.Now()
		account.Email = event.Email
		account.FirstName = event.FirstName
		account.LastName = event.LastName
		account.Phone = phone
		account.PasswordHash = hash
		account.RoleID = &role.ID
		account.Role = role
		account.VerificationToken = verification
		account.CreatedAt = &now

		if event.UseHashid {
			if id, err := hashid.NewUUID(event.Email); err == nil {
				account.ID = id
			}
		}

		if account, err = h.repo.Accounts().CreateTx(ctx, tx, account); err != nil {
			return goerrors.Wrap(err, goerrors.CategoryConflict, "could not create account")
		}

		return nil
	})

	if err != nil {
		// The duplicate path still notifies the existing registrant so
		// they learn about the attempt; the caller sees only the
		// conflict error.
		if duplicate != nil && IsResourceAlreadyExists(err) {
			h.notify(ctx, MailTemplateAlreadyRegistered, duplicate.Email, map[string]string{
				"first_name": duplicate.FirstName,
				"email":      duplicate.Email,
			})
		}
		return normalizeTxError(err, "account registration transaction failed")
	}

	h.notify(ctx, MailTemplateVerification, account.Email, map[string]string{
		"first_name":       account.FirstName,
		"email":            account.Email,
		"verification_url": VerificationURL(event.Origin, account.VerificationToken),
	})

	h.recordActivity(ctx, account)

	return nil
}

// notify dispatches fire-and-forget: email failures never fail the
// registration itself.
func (h *RegisterAccountHandler) notify(ctx context.Context, template, recipient string, values map[string]string) {
	if err := h.mailer.Send(ctx, template, recipient, values); err != nil {
		h.logger.Warn("failed to send %s email: %v", template, err)
	}
}

func (h *RegisterAccountHandler) recordActivity(ctx context.Context, account *Account) {
	event := ActivityEvent{
		EventType: ActivityEventRegistration,
		Actor: ActorRef{
			ID:   account.ID.String(),
			Type: "account",
		},
		AccountID: account.ID.String(),
		Metadata: map[string]any{
			"role": account.RoleName(),
		},
		OccurredAt: h.clock.Now(),
	}

	if err := h.activity.Record(ctx, event); err != nil {
		h.logger.Warn("activity sink error during registration: %v", err)
	}
}

func normalizePhone(phone string) (string, error) {
	if phone == "" {
		return "", nil
	}

	num, err := phonenumbers.Parse(phone, "US")
	if err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryValidation, "invalid phone number").
			WithMetadata(map[string]any{"phone": phone})
	}

	return phonenumbers.Format(num, phonenumbers.E164), nil
}
