package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

const (
	// DefaultAccessTokenMinutes is the access token lifetime when the
	// config does not provide one.
	DefaultAccessTokenMinutes = 15
	// DefaultRefreshTokenHours is the refresh token lifetime, 7 days.
	DefaultRefreshTokenHours = 7 * 24
	// randomTokenBytes yields 256 bits of entropy per opaque token.
	randomTokenBytes = 32
)

// TokenMint issues and verifies the credentials handled by this package:
// signed JWT access tokens, opaque refresh tokens, and the single-use
// strings backing verification and reset tokens.
type TokenMint struct {
	signingKey []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	issuer     string
	audience   jwt.ClaimStrings
	clock      Clock
	random     RandomSource
	logger     Logger
}

// NewTokenMint creates a TokenMint from config values.
func NewTokenMint(cfg Config, logger Logger) *TokenMint {
	if logger == nil {
		logger = defLogger{}
	}

	accessMinutes := DefaultAccessTokenMinutes
	if cfg.GetTokenExpiration() > 0 {
		accessMinutes = cfg.GetTokenExpiration()
	}

	refreshHours := DefaultRefreshTokenHours
	if cfg.GetRefreshTokenDuration() > 0 {
		refreshHours = cfg.GetRefreshTokenDuration()
	}

	return &TokenMint{
		signingKey: []byte(cfg.GetSigningKey()),
		accessTTL:  time.Duration(accessMinutes) * time.Minute,
		refreshTTL: time.Duration(refreshHours) * time.Hour,
		issuer:     cfg.GetIssuer(),
		audience:   cfg.GetAudience(),
		clock:      systemClock{},
		random:     RandomSourceFunc(randomToken),
		logger:     logger,
	}
}

// WithClock overrides the time source, mainly for tests.
func (m *TokenMint) WithClock(clock Clock) *TokenMint {
	m.clock = normalizeClock(clock)
	return m
}

// WithRandomSource overrides the opaque token source.
func (m *TokenMint) WithRandomSource(source RandomSource) *TokenMint {
	if source != nil {
		m.random = source
	}
	return m
}

// IssueAccessToken creates a signed JWT embedding the account id and role
// name, valid for the configured short lifetime.
func (m *TokenMint) IssueAccessToken(accountID uuid.UUID, role RoleName) (string, error) {
	now := m.clock.Now()
	claims := &SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   accountID.String(),
			Audience:  m.audience,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.accessTTL)),
		},
		UID:         accountID.String(),
		AccountRole: role,
	}

	ensureTokenID(&claims.RegisteredClaims)

	return m.SignClaims(claims)
}

// SignClaims signs arbitrary session claims using the configured signing key.
func (m *TokenMint) SignClaims(claims *SessionClaims) (string, error) {
	if claims == nil {
		return "", NewSigningError(nil, "claims must not be nil")
	}

	if len(m.signingKey) == 0 {
		return "", NewSigningError(nil, "signing key is not configured")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signedString, err := token.SignedString(m.signingKey)
	if err != nil {
		return "", NewSigningError(err, "failed to sign JWT")
	}

	return signedString, nil
}

// VerifyAccessToken parses and validates a token string, returning the
// structured claims. Bad signature, malformed structure and expiry all
// surface as the same invalid-token kind; tokens expire exactly at their
// stated instant, no skew allowance.
func (m *TokenMint) VerifyAccessToken(tokenString string) (AuthClaims, error) {
	parserOptions := make([]jwt.ParserOption, 0, 2)
	if m.issuer != "" {
		parserOptions = append(parserOptions, jwt.WithIssuer(m.issuer))
	}
	if len(m.audience) > 0 {
		parserOptions = append(parserOptions, jwt.WithAudience(m.audience...))
	}
	parserOptions = append(parserOptions, jwt.WithTimeFunc(m.clock.Now))

	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			m.logger.Error("TokenMint verify encountered unexpected signing method: %v", t.Header["alg"])
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.signingKey, nil
	}, parserOptions...)

	if err != nil {
		if goerrors.Is(err, jwt.ErrTokenExpired) {
			return nil, NewInvalidTokenError("token is expired")
		}
		return nil, WrapInvalidTokenError(err, "token is malformed or has an invalid signature")
	}

	if claims, ok := token.Claims.(*SessionClaims); ok && token.Valid {
		return claims, nil
	}

	m.logger.Error("TokenMint verify could not decode or validate claims")
	return nil, NewInvalidTokenError("unable to decode token claims")
}

// IssueRefreshToken produces a new opaque refresh token recording the
// issuing IP, valid for the configured refresh lifetime.
func (m *TokenMint) IssueRefreshToken(issuingIP string) (*RefreshToken, error) {
	opaque, err := m.random.Token()
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to generate refresh token")
	}

	now := m.clock.Now()
	return &RefreshToken{
		ID:          uuid.New(),
		Token:       opaque,
		CreatedByIP: issuingIP,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.refreshTTL),
	}, nil
}

// RefreshTokenTTL exposes the configured refresh token lifetime.
func (m *TokenMint) RefreshTokenTTL() time.Duration {
	return m.refreshTTL
}

// RandomSingleUseToken produces an opaque string for verification and
// reset tokens, same entropy requirement as refresh tokens.
func (m *TokenMint) RandomSingleUseToken() (string, error) {
	opaque, err := m.random.Token()
	if err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to generate single use token")
	}
	return opaque, nil
}

func randomToken() (string, error) {
	buf := make([]byte, randomTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func ensureTokenID(claims *jwt.RegisteredClaims) {
	if claims != nil && claims.ID == "" {
		claims.ID = uuid.NewString()
	}
}
