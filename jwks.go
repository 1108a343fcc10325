package auth

import (
	"log"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	goerrors "github.com/goliatone/go-errors"
)

// RemoteKeyValidator verifies access tokens signed by an external issuer
// against one or more JWK Set endpoints, so federated tokens can pass the
// same verification path as locally minted ones.
type RemoteKeyValidator struct {
	keyfunc jwt.Keyfunc
	issuer  string
	clock   Clock
}

// NewRemoteKeyValidator fetches and caches the JWK Sets at the given URLs.
func NewRemoteKeyValidator(jwkSetURLs []string, issuer string) (*RemoteKeyValidator, error) {
	if len(jwkSetURLs) == 0 {
		return nil, goerrors.New("at least one JWK Set URL is required", goerrors.CategoryBadInput)
	}

	opts := keyfunc.Options{
		RefreshErrorHandler: func(err error) {
			log.Printf("failed to do a background refresh of JWT set: %s", err)
		},
		RefreshInterval:   time.Hour,
		RefreshRateLimit:  time.Minute * 5,
		RefreshTimeout:    time.Second * 10,
		RefreshUnknownKID: true,
	}

	m := make(map[string]keyfunc.Options, len(jwkSetURLs))
	for _, url := range jwkSetURLs {
		m[url] = opts
	}

	multi, err := keyfunc.GetMultiple(m, keyfunc.MultipleOptions{
		KeySelector: keyfunc.KeySelectorFirst,
	})
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to fetch JWK Sets")
	}

	return &RemoteKeyValidator{
		keyfunc: multi.Keyfunc,
		issuer:  issuer,
		clock:   systemClock{},
	}, nil
}

// WithClock overrides the time source, mainly for tests.
func (v *RemoteKeyValidator) WithClock(clock Clock) *RemoteKeyValidator {
	v.clock = normalizeClock(clock)
	return v
}

// Validate implements TokenValidator.
func (v *RemoteKeyValidator) Validate(tokenString string) (AuthClaims, error) {
	parserOptions := []jwt.ParserOption{
		jwt.WithTimeFunc(v.clock.Now),
	}
	if v.issuer != "" {
		parserOptions = append(parserOptions, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, v.keyfunc, parserOptions...)
	if err != nil {
		if goerrors.Is(err, jwt.ErrTokenExpired) {
			return nil, NewInvalidTokenError("token is expired")
		}
		return nil, WrapInvalidTokenError(err, "token is malformed or has an invalid signature")
	}

	if claims, ok := token.Claims.(*SessionClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, NewInvalidTokenError("unable to decode token claims")
}

var _ TokenValidator = (*RemoteKeyValidator)(nil)
