package auth

import (
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

// Text codes identifying the error kinds this package returns. Callers
// should match on these rather than on message strings.
const (
	TextCodeResourceNotFound     = "RESOURCE_NOT_FOUND"
	TextCodeAlreadyExists        = "RESOURCE_ALREADY_EXISTS"
	TextCodeInvalidToken         = "INVALID_TOKEN"
	TextCodeInvalidVerification  = "INVALID_VERIFICATION_TOKEN"
	TextCodeTokenReuse           = "TOKEN_REUSE"
	TextCodeAuthorizationFailure = "AUTHORIZATION_FAILED"
	TextCodeDataAccess           = "DATA_ACCESS"
	TextCodeTokenSigning         = "TOKEN_SIGNING"
	TextCodeTokenExpired         = "TOKEN_EXPIRED"
	TextCodeTokenMalformed       = "TOKEN_MALFORMED"
)

// ErrMismatchedHashAndPassword is returned when a password does not match
// the stored hash.
var ErrMismatchedHashAndPassword = goerrors.New("incorrect password", goerrors.CategoryAuth).
	WithCode(goerrors.CodeUnauthorized)

// ErrNoEmptyString rejects empty password input to the hasher.
var ErrNoEmptyString = goerrors.New("value must not be an empty string", goerrors.CategoryBadInput)

// ErrTooManyLoginAttempts is returned while an account is cooling down.
var ErrTooManyLoginAttempts = goerrors.New("too many login attempts", goerrors.CategoryAuth).
	WithCode(goerrors.CodeUnauthorized)

// NewResourceNotFoundError masks both genuinely absent resources and
// resources whose state disqualifies them, so callers cannot enumerate.
func NewResourceNotFoundError(msg string) *goerrors.Error {
	return goerrors.New(msg, goerrors.CategoryNotFound).
		WithCode(goerrors.CodeNotFound).
		WithTextCode(TextCodeResourceNotFound)
}

// NewResourceAlreadyExistsError signals a duplicate unique value, e.g. email.
func NewResourceAlreadyExistsError(msg string) *goerrors.Error {
	return goerrors.New(msg, goerrors.CategoryConflict).
		WithTextCode(TextCodeAlreadyExists)
}

// NewInvalidTokenError covers bad signature, malformed structure, expiry,
// and mismatched single-use tokens under one kind; it deliberately does
// not leak which condition failed.
func NewInvalidTokenError(msg string) *goerrors.Error {
	return goerrors.New(msg, goerrors.CategoryAuth).
		WithCode(goerrors.CodeUnauthorized).
		WithTextCode(TextCodeInvalidToken)
}

// WrapInvalidTokenError keeps the parser failure as the cause while
// presenting the same uniform invalid-token kind.
func WrapInvalidTokenError(err error, msg string) *goerrors.Error {
	if err == nil {
		return NewInvalidTokenError(msg)
	}
	return goerrors.Wrap(err, goerrors.CategoryAuth, msg).
		WithCode(goerrors.CodeUnauthorized).
		WithTextCode(TextCodeInvalidToken)
}

// NewInvalidVerificationTokenError is returned when no account holds the
// presented verification token.
func NewInvalidVerificationTokenError(msg string) *goerrors.Error {
	return goerrors.New(msg, goerrors.CategoryAuth).
		WithCode(goerrors.CodeUnauthorized).
		WithTextCode(TextCodeInvalidVerification)
}

// NewTokenReuseError signals replay of an already rotated or revoked
// refresh token. Security significant: log at elevated severity.
func NewTokenReuseError(msg string) *goerrors.Error {
	return goerrors.New(msg, goerrors.CategoryConflict).
		WithTextCode(TextCodeTokenReuse)
}

// NewAuthorizationError signals the caller lacks rights for the target account.
func NewAuthorizationError(msg string) *goerrors.Error {
	return goerrors.New(msg, goerrors.CategoryAuthz).
		WithCode(goerrors.CodeForbidden).
		WithTextCode(TextCodeAuthorizationFailure)
}

// NewDataAccessError wraps an underlying store failure so callers can
// distinguish infrastructure faults from business-rule rejections.
func NewDataAccessError(err error, msg string) *goerrors.Error {
	if err == nil {
		return goerrors.New(msg, goerrors.CategoryInternal).
			WithTextCode(TextCodeDataAccess)
	}
	return goerrors.Wrap(err, goerrors.CategoryInternal, msg).
		WithTextCode(TextCodeDataAccess)
}

// NewSigningError wraps a JWT signing failure.
func NewSigningError(err error, msg string) *goerrors.Error {
	if err == nil {
		return goerrors.New(msg, goerrors.CategoryInternal).
			WithTextCode(TextCodeTokenSigning)
	}
	return goerrors.Wrap(err, goerrors.CategoryInternal, msg).
		WithTextCode(TextCodeTokenSigning)
}

func hasTextCode(err error, code string) bool {
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return false
	}
	return richErr.TextCode == code
}

// IsResourceNotFound matches errors produced by NewResourceNotFoundError.
func IsResourceNotFound(err error) bool {
	return hasTextCode(err, TextCodeResourceNotFound)
}

// IsResourceAlreadyExists matches duplicate-resource errors.
func IsResourceAlreadyExists(err error) bool {
	return hasTextCode(err, TextCodeAlreadyExists)
}

// IsInvalidToken matches invalid/expired/mismatched token errors.
func IsInvalidToken(err error) bool {
	return hasTextCode(err, TextCodeInvalidToken)
}

// IsInvalidVerificationToken matches unknown verification token errors.
func IsInvalidVerificationToken(err error) bool {
	return hasTextCode(err, TextCodeInvalidVerification)
}

// IsTokenReuse matches refresh token replay errors.
func IsTokenReuse(err error) bool {
	return hasTextCode(err, TextCodeTokenReuse)
}

// IsAuthorizationError matches authorization failures.
func IsAuthorizationError(err error) bool {
	return hasTextCode(err, TextCodeAuthorizationFailure)
}

// IsDataAccessError matches wrapped store failures.
func IsDataAccessError(err error) bool {
	return hasTextCode(err, TextCodeDataAccess)
}

// IsSigningError matches JWT signing failures.
func IsSigningError(err error) bool {
	return hasTextCode(err, TextCodeTokenSigning)
}

// IsTokenExpiredError will check for expired tokens
func IsTokenExpiredError(err error) bool {
	if err == nil {
		return false
	}
	if hasTextCode(err, TextCodeTokenExpired) {
		return true
	}
	return strings.Contains(err.Error(), "token is expired")
}

// IsMalformedError will check for error message
func IsMalformedError(err error) bool {
	if err == nil {
		return false
	}
	if hasTextCode(err, TextCodeTokenMalformed) {
		return true
	}
	return strings.Contains(err.Error(), "token is malformed") ||
		strings.Contains(err.Error(), "missing or malformed JWT")
}
