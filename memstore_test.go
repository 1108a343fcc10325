package auth_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	auth "github.com/ezenity/Ezenity-VPN-Server"
	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// memRepo is an in-memory RepositoryManager for scenario tests. RunInTx
// serializes through a mutex and restores a snapshot when the closure
// fails, so transactional rollback and rotation races behave like the
// real store without a database.
type memRepo struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*auth.Account
	roles    map[auth.RoleName]*auth.Role

	accountsStore *memAccounts
	rolesStore    *memRoles
}

func newMemRepo() *memRepo {
	r := &memRepo{
		accounts: map[uuid.UUID]*auth.Account{},
		roles:    map[auth.RoleName]*auth.Role{},
	}
	r.accountsStore = &memAccounts{repo: r}
	r.rolesStore = &memRoles{repo: r}
	return r
}

var _ auth.RepositoryManager = (*memRepo)(nil)

func (r *memRepo) Accounts() auth.Accounts { return r.accountsStore }
func (r *memRepo) Roles() auth.Roles       { return r.rolesStore }
func (r *memRepo) Validate() error         { return nil }
func (r *memRepo) MustValidate()           {}

func (r *memRepo) RunInTx(ctx context.Context, opts *sql.TxOptions, f func(ctx context.Context, tx bun.Tx) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	snapAccounts, snapRoles := r.snapshot()

	var tx bun.Tx
	if err := f(ctx, tx); err != nil {
		r.accounts = snapAccounts
		r.roles = snapRoles
		return err
	}

	return nil
}

func (r *memRepo) snapshot() (map[uuid.UUID]*auth.Account, map[auth.RoleName]*auth.Role) {
	accounts := make(map[uuid.UUID]*auth.Account, len(r.accounts))
	for id, a := range r.accounts {
		accounts[id] = cloneAccount(a)
	}
	roles := make(map[auth.RoleName]*auth.Role, len(r.roles))
	for name, rl := range r.roles {
		roles[name] = cloneRole(rl)
	}
	return accounts, roles
}

// seed stores an account directly, bypassing registration.
func (r *memRepo) seed(account *auth.Account) *auth.Account {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := cloneAccount(account)
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	for _, t := range stored.RefreshTokens {
		if t.ID == uuid.Nil {
			t.ID = uuid.New()
		}
		t.AccountID = stored.ID
	}
	if stored.Role != nil {
		if stored.Role.ID == uuid.Nil {
			stored.Role.ID = uuid.New()
		}
		r.roles[stored.Role.Name] = cloneRole(stored.Role)
		stored.RoleID = &stored.Role.ID
	}

	r.accounts[stored.ID] = stored
	return cloneAccount(stored)
}

func (r *memRepo) account(id uuid.UUID) *auth.Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneAccount(r.accounts[id])
}

func (r *memRepo) accountByEmail(email string) *auth.Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.accounts {
		if a.Email == email {
			return cloneAccount(a)
		}
	}
	return nil
}

// memAccounts implements the account store over memRepo state. The Tx
// variants assume the RunInTx mutex is held; the plain variants lock.
type memAccounts struct {
	auth.Accounts
	repo *memRepo
}

func (s *memAccounts) GetByEmail(ctx context.Context, email string) (*auth.Account, error) {
	s.repo.mu.Lock()
	defer s.repo.mu.Unlock()
	return s.GetByEmailTx(ctx, nil, email)
}

func (s *memAccounts) GetByEmailTx(ctx context.Context, tx bun.IDB, email string) (*auth.Account, error) {
	return s.findTx(func(a *auth.Account) bool { return a.Email == email })
}

func (s *memAccounts) GetByRefreshToken(ctx context.Context, token string) (*auth.Account, error) {
	s.repo.mu.Lock()
	defer s.repo.mu.Unlock()
	return s.GetByRefreshTokenTx(ctx, nil, token)
}

func (s *memAccounts) GetByRefreshTokenTx(ctx context.Context, tx bun.IDB, token string) (*auth.Account, error) {
	if token == "" {
		return nil, repository.NewRecordNotFound()
	}
	return s.findTx(func(a *auth.Account) bool {
		_, ok := a.FindRefreshToken(token)
		return ok
	})
}

func (s *memAccounts) GetByVerificationTokenTx(ctx context.Context, tx bun.IDB, token string) (*auth.Account, error) {
	if token == "" {
		return nil, repository.NewRecordNotFound()
	}
	return s.findTx(func(a *auth.Account) bool { return a.VerificationToken == token })
}

func (s *memAccounts) GetByResetToken(ctx context.Context, token string) (*auth.Account, error) {
	s.repo.mu.Lock()
	defer s.repo.mu.Unlock()
	return s.GetByResetTokenTx(ctx, nil, token)
}

func (s *memAccounts) GetByResetTokenTx(ctx context.Context, tx bun.IDB, token string) (*auth.Account, error) {
	if token == "" {
		return nil, repository.NewRecordNotFound()
	}
	return s.findTx(func(a *auth.Account) bool { return a.ResetToken == token })
}

func (s *memAccounts) findTx(match func(*auth.Account) bool) (*auth.Account, error) {
	for _, a := range s.repo.accounts {
		if match(a) {
			return cloneAccount(a), nil
		}
	}
	return nil, repository.NewRecordNotFound()
}

func (s *memAccounts) CountTx(ctx context.Context, tx bun.IDB, criteria ...repository.SelectCriteria) (int, error) {
	return len(s.repo.accounts), nil
}

func (s *memAccounts) CreateTx(ctx context.Context, tx bun.IDB, record *auth.Account, criteria ...repository.InsertCriteria) (*auth.Account, error) {
	for _, a := range s.repo.accounts {
		if a.Email == record.Email {
			return nil, errors.New("UNIQUE constraint failed: accounts.email")
		}
	}

	stored := cloneAccount(record)
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	s.repo.accounts[stored.ID] = stored

	return cloneAccount(stored), nil
}

func (s *memAccounts) TrackAttemptedLogin(ctx context.Context, account *auth.Account) error {
	s.repo.mu.Lock()
	defer s.repo.mu.Unlock()
	return s.TrackAttemptedLoginTx(ctx, nil, account)
}

func (s *memAccounts) TrackAttemptedLoginTx(ctx context.Context, tx bun.IDB, account *auth.Account) error {
	stored, ok := s.repo.accounts[account.ID]
	if !ok {
		return repository.NewRecordNotFound()
	}
	now := time.Now()
	stored.LoginAttempts = account.LoginAttempts + 1
	stored.LoginAttemptAt = &now
	return nil
}

func (s *memAccounts) TrackSuccessfulLoginTx(ctx context.Context, tx bun.IDB, account *auth.Account) error {
	stored, ok := s.repo.accounts[account.ID]
	if !ok {
		return repository.NewRecordNotFound()
	}
	stored.LoginAttempts = 0
	stored.LoginAttemptAt = nil
	return nil
}

func (s *memAccounts) InsertRefreshTokenTx(ctx context.Context, tx bun.IDB, token *auth.RefreshToken) error {
	for _, a := range s.repo.accounts {
		if _, ok := a.FindRefreshToken(token.Token); ok {
			return errors.New("UNIQUE constraint failed: refresh_tokens.token")
		}
	}

	stored, ok := s.repo.accounts[token.AccountID]
	if !ok {
		return errors.New("FOREIGN KEY constraint failed: refresh_tokens.account_id")
	}

	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}
	stored.RefreshTokens = append(stored.RefreshTokens, cloneToken(token))
	return nil
}

func (s *memAccounts) RevokeRefreshTokenTx(ctx context.Context, tx bun.IDB, token *auth.RefreshToken) (bool, error) {
	for _, a := range s.repo.accounts {
		for i, t := range a.RefreshTokens {
			if t.ID == token.ID {
				if t.RevokedAt != nil {
					return false, nil
				}
				a.RefreshTokens[i] = cloneToken(token)
				return true, nil
			}
		}
	}
	return false, repository.NewRecordNotFound()
}

func (s *memAccounts) DeleteRefreshTokensTx(ctx context.Context, tx bun.IDB, tokens []*auth.RefreshToken) error {
	drop := map[uuid.UUID]bool{}
	for _, t := range tokens {
		drop[t.ID] = true
	}

	for _, a := range s.repo.accounts {
		kept := a.RefreshTokens[:0]
		for _, t := range a.RefreshTokens {
			if !drop[t.ID] {
				kept = append(kept, t)
			}
		}
		a.RefreshTokens = kept
	}
	return nil
}

// RawTx interprets the fixed statements the handlers issue, applying the
// same column effects the SQL would.
func (s *memAccounts) RawTx(ctx context.Context, tx bun.IDB, sql string, params ...any) ([]*auth.Account, error) {
	switch sql {
	case auth.VerifyAccountEmailSQL:
		now := params[0].(time.Time)
		id := uuid.MustParse(params[1].(string))
		stored, ok := s.repo.accounts[id]
		if !ok {
			return nil, nil
		}
		stored.VerifiedAt = &now
		stored.VerificationToken = ""
		return []*auth.Account{cloneAccount(stored)}, nil

	case auth.IssueResetTokenSQL:
		token := params[0].(string)
		expiresAt := params[1].(time.Time)
		id := uuid.MustParse(params[2].(string))
		stored, ok := s.repo.accounts[id]
		if !ok {
			return nil, nil
		}
		stored.ResetToken = token
		stored.ResetTokenExpiresAt = &expiresAt
		return []*auth.Account{cloneAccount(stored)}, nil

	case auth.ConsumeResetTokenSQL:
		hash := params[0].(string)
		resetAt := params[1].(time.Time)
		verifiedAt := params[2].(time.Time)
		id := uuid.MustParse(params[3].(string))
		stored, ok := s.repo.accounts[id]
		if !ok {
			return nil, nil
		}
		stored.PasswordHash = hash
		stored.PasswordResetAt = &resetAt
		if stored.VerifiedAt == nil {
			stored.VerifiedAt = &verifiedAt
		}
		stored.ResetToken = ""
		stored.ResetTokenExpiresAt = nil
		return []*auth.Account{cloneAccount(stored)}, nil
	}

	return nil, errors.New("unexpected raw statement: " + sql)
}

type memRoles struct {
	auth.Roles
	repo *memRepo
}

func (s *memRoles) GetByNameTx(ctx context.Context, tx bun.IDB, name auth.RoleName) (*auth.Role, error) {
	role, ok := s.repo.roles[name]
	if !ok {
		return nil, repository.NewRecordNotFound()
	}
	return cloneRole(role), nil
}

func (s *memRoles) GetOrCreateByNameTx(ctx context.Context, tx bun.IDB, name auth.RoleName) (*auth.Role, error) {
	if role, ok := s.repo.roles[name]; ok {
		return cloneRole(role), nil
	}
	role := &auth.Role{ID: uuid.New(), Name: name}
	s.repo.roles[name] = cloneRole(role)
	return role, nil
}

func cloneAccount(a *auth.Account) *auth.Account {
	if a == nil {
		return nil
	}

	c := *a
	c.RoleID = cloneUUIDPtr(a.RoleID)
	c.Role = cloneRole(a.Role)
	c.VerifiedAt = cloneTimePtr(a.VerifiedAt)
	c.ResetTokenExpiresAt = cloneTimePtr(a.ResetTokenExpiresAt)
	c.PasswordResetAt = cloneTimePtr(a.PasswordResetAt)
	c.LoginAttemptAt = cloneTimePtr(a.LoginAttemptAt)
	c.CreatedAt = cloneTimePtr(a.CreatedAt)
	c.UpdatedAt = cloneTimePtr(a.UpdatedAt)

	c.RefreshTokens = make([]*auth.RefreshToken, 0, len(a.RefreshTokens))
	for _, t := range a.RefreshTokens {
		c.RefreshTokens = append(c.RefreshTokens, cloneToken(t))
	}

	return &c
}

func cloneToken(t *auth.RefreshToken) *auth.RefreshToken {
	if t == nil {
		return nil
	}
	c := *t
	c.RevokedAt = cloneTimePtr(t.RevokedAt)
	return &c
}

func cloneRole(r *auth.Role) *auth.Role {
	if r == nil {
		return nil
	}
	c := *r
	c.CreatedAt = cloneTimePtr(r.CreatedAt)
	return &c
}

func cloneTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneUUIDPtr(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	c := *id
	return &c
}
