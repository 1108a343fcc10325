package auth

import (
	"context"
	"fmt"
	"time"
)

type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Clock abstracts the time source so expiry logic is testable.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time {
	if f == nil {
		return time.Now()
	}
	return f()
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func normalizeClock(c Clock) Clock {
	if c == nil {
		return systemClock{}
	}
	return c
}

// RandomSource produces the opaque strings backing refresh, verification
// and reset tokens. Implementations must yield at least 256 bits of
// entropy per token, URL-safe encoded.
type RandomSource interface {
	Token() (string, error)
}

// RandomSourceFunc adapts a function to the RandomSource interface.
type RandomSourceFunc func() (string, error)

// Token implements RandomSource.
func (f RandomSourceFunc) Token() (string, error) {
	if f == nil {
		return "", ErrNoEmptyString
	}
	return f()
}

// Identity holds the attributes of an authenticated principal
type Identity interface {
	ID() string
	Email() string
	Role() string
}

// TokenPair is the result of a successful authenticate or refresh call.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Config holds auth options
type Config interface {
	GetSigningKey() string
	GetIssuer() string
	GetAudience() []string
	// GetTokenExpiration is the access token lifetime in minutes.
	GetTokenExpiration() int
	// GetRefreshTokenDuration is the refresh token lifetime in hours.
	GetRefreshTokenDuration() int
	// GetResetTokenDuration is the reset token lifetime in hours.
	GetResetTokenDuration() int
	GetPasswordHashCost() int
}

// Mailer dispatches templated email. Implementations are fire-and-forget
// from the orchestrator's point of view: failures are logged, never
// propagated to the calling operation.
type Mailer interface {
	Send(ctx context.Context, template, recipient string, values map[string]string) error
}

type defLogger struct{}

func (d defLogger) Error(format string, args ...any) {
	fmt.Printf("[ERR] AUTH "+newline(format), args...)
}

func (d defLogger) Warn(format string, args ...any) {
	fmt.Printf("[WRN] AUTH "+newline(format), args...)
}

func (d defLogger) Info(format string, args ...any) {
	fmt.Printf("[INF] AUTH "+newline(format), args...)
}

func (d defLogger) Debug(format string, args ...any) {
	fmt.Printf("[DBG] AUTH "+newline(format), args...)
}

func newline(s string) string {
	if len(s) > 0 && s[len(s)-1] != '\n' {
		s += "\n"
	}
	return s
}
