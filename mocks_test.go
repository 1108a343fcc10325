package auth_test

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	auth "github.com/ezenity/Ezenity-VPN-Server"
	"github.com/goliatone/go-repository-bun"
	"github.com/stretchr/testify/mock"
	"github.com/uptrace/bun"
)

type testConfig struct {
	signingKey       string
	issuer           string
	audience         []string
	tokenExpiration  int
	refreshDuration  int
	resetDuration    int
	passwordHashCost int
}

func newTestConfig() *testConfig {
	return &testConfig{
		signingKey:       "test-signing-key",
		issuer:           "test-issuer",
		tokenExpiration:  15,
		refreshDuration:  24 * 7,
		resetDuration:    24,
		passwordHashCost: 4,
	}
}

func (c *testConfig) GetSigningKey() string        { return c.signingKey }
func (c *testConfig) GetIssuer() string            { return c.issuer }
func (c *testConfig) GetAudience() []string        { return c.audience }
func (c *testConfig) GetTokenExpiration() int      { return c.tokenExpiration }
func (c *testConfig) GetRefreshTokenDuration() int { return c.refreshDuration }
func (c *testConfig) GetResetTokenDuration() int   { return c.resetDuration }
func (c *testConfig) GetPasswordHashCost() int     { return c.passwordHashCost }

type testLogger struct {
	t *testing.T
}

func (l testLogger) Debug(format string, args ...any) { l.t.Logf("[DBG] "+format, args...) }
func (l testLogger) Info(format string, args ...any)  { l.t.Logf("[INF] "+format, args...) }
func (l testLogger) Warn(format string, args ...any)  { l.t.Logf("[WRN] "+format, args...) }
func (l testLogger) Error(format string, args ...any) { l.t.Logf("[ERR] "+format, args...) }

// captureLogger renders lines the way a printf-style logger would, so
// tests can assert on the final output.
type captureLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *captureLogger) logf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *captureLogger) Debug(format string, args ...any) { l.logf(format, args...) }
func (l *captureLogger) Info(format string, args ...any)  { l.logf(format, args...) }
func (l *captureLogger) Warn(format string, args ...any)  { l.logf(format, args...) }
func (l *captureLogger) Error(format string, args ...any) { l.logf(format, args...) }

func (l *captureLogger) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

// fixedClock is a deterministic, manually advanced time source.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFixedClock(now time.Time) *fixedClock {
	return &fixedClock{now: now}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type MockRepositoryManager struct {
	mock.Mock
	AccountsStore *MockAccounts
	RolesStore    *MockRoles
}

func NewMockRepositoryManager() *MockRepositoryManager {
	return &MockRepositoryManager{
		AccountsStore: &MockAccounts{},
		RolesStore:    &MockRoles{},
	}
}

func (m *MockRepositoryManager) Accounts() auth.Accounts { return m.AccountsStore }
func (m *MockRepositoryManager) Roles() auth.Roles       { return m.RolesStore }

func (m *MockRepositoryManager) Validate() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockRepositoryManager) MustValidate() {
	m.Called()
}

// RunInTx runs the closure against the zero bun.Tx and propagates its
// error; the store mocks ignore the tx argument. A non-nil Return on the
// expectation simulates a failure to begin the transaction.
func (m *MockRepositoryManager) RunInTx(ctx context.Context, opts *sql.TxOptions, f func(ctx context.Context, tx bun.Tx) error) error {
	args := m.Called(ctx, opts, f)
	if err := args.Error(0); err != nil {
		return err
	}
	var tx bun.Tx
	return f(ctx, tx)
}

func expectRunInTx(repo *MockRepositoryManager) {
	repo.On("RunInTx", mock.Anything, (*sql.TxOptions)(nil), mock.Anything).Return(nil)
}

// MockAccounts embeds the store interface so only the methods the code
// under test calls need mock expectations.
type MockAccounts struct {
	mock.Mock
	auth.Accounts
}

func (m *MockAccounts) GetByEmailTx(ctx context.Context, tx bun.IDB, email string) (*auth.Account, error) {
	args := m.Called(ctx, tx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*auth.Account), args.Error(1)
}

func (m *MockAccounts) GetByRefreshToken(ctx context.Context, token string) (*auth.Account, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*auth.Account), args.Error(1)
}

func (m *MockAccounts) GetByRefreshTokenTx(ctx context.Context, tx bun.IDB, token string) (*auth.Account, error) {
	args := m.Called(ctx, tx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*auth.Account), args.Error(1)
}

func (m *MockAccounts) GetByVerificationTokenTx(ctx context.Context, tx bun.IDB, token string) (*auth.Account, error) {
	args := m.Called(ctx, tx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*auth.Account), args.Error(1)
}

func (m *MockAccounts) GetByResetToken(ctx context.Context, token string) (*auth.Account, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*auth.Account), args.Error(1)
}

func (m *MockAccounts) GetByResetTokenTx(ctx context.Context, tx bun.IDB, token string) (*auth.Account, error) {
	args := m.Called(ctx, tx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*auth.Account), args.Error(1)
}

func (m *MockAccounts) CountTx(ctx context.Context, tx bun.IDB, criteria ...repository.SelectCriteria) (int, error) {
	args := m.Called(ctx, tx)
	return args.Int(0), args.Error(1)
}

func (m *MockAccounts) CreateTx(ctx context.Context, tx bun.IDB, record *auth.Account, criteria ...repository.InsertCriteria) (*auth.Account, error) {
	args := m.Called(ctx, tx, record)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*auth.Account), args.Error(1)
}

func (m *MockAccounts) TrackAttemptedLoginTx(ctx context.Context, tx bun.IDB, account *auth.Account) error {
	args := m.Called(ctx, tx, account)
	return args.Error(0)
}

func (m *MockAccounts) TrackSuccessfulLoginTx(ctx context.Context, tx bun.IDB, account *auth.Account) error {
	args := m.Called(ctx, tx, account)
	return args.Error(0)
}

func (m *MockAccounts) InsertRefreshTokenTx(ctx context.Context, tx bun.IDB, token *auth.RefreshToken) error {
	args := m.Called(ctx, tx, token)
	return args.Error(0)
}

func (m *MockAccounts) RevokeRefreshTokenTx(ctx context.Context, tx bun.IDB, token *auth.RefreshToken) (bool, error) {
	args := m.Called(ctx, tx, token)
	return args.Bool(0), args.Error(1)
}

func (m *MockAccounts) DeleteRefreshTokensTx(ctx context.Context, tx bun.IDB, tokens []*auth.RefreshToken) error {
	args := m.Called(ctx, tx, tokens)
	return args.Error(0)
}

func (m *MockAccounts) RawTx(ctx context.Context, tx bun.IDB, sql string, params ...any) ([]*auth.Account, error) {
	callArgs := append([]any{ctx, tx, sql}, params...)
	args := m.Called(callArgs...)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*auth.Account), args.Error(1)
}

type MockRoles struct {
	mock.Mock
	auth.Roles
}

func (m *MockRoles) GetByNameTx(ctx context.Context, tx bun.IDB, name auth.RoleName) (*auth.Role, error) {
	args := m.Called(ctx, tx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*auth.Role), args.Error(1)
}

func (m *MockRoles) GetOrCreateByNameTx(ctx context.Context, tx bun.IDB, name auth.RoleName) (*auth.Role, error) {
	args := m.Called(ctx, tx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*auth.Role), args.Error(1)
}

type MockActivitySink struct {
	mock.Mock
}

func (m *MockActivitySink) Record(ctx context.Context, event auth.ActivityEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

type MockMailer struct {
	mock.Mock
}

func (m *MockMailer) Send(ctx context.Context, template, recipient string, values map[string]string) error {
	args := m.Called(ctx, template, recipient, values)
	return args.Error(0)
}
