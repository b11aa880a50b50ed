package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// Principal is the authenticated caller extracted from a bearer token.
type Principal struct {
	Subject   string
	Issuer    string
	Email     string
	Username  string
	ExpiresAt time.Time
}

// TokenValidator validates bearer tokens against an upstream JWKS endpoint.
// The gallery usually sits behind a gateway that already authenticated the
// caller; this validator exists for deployments exposed directly.
type TokenValidator struct {
	issuer  string
	jwksURL string
	logger  zerolog.Logger
	jwks    atomic.Pointer[keyfunc.JWKS]
}

const jwksRefreshInterval = 15 * time.Minute

func NewTokenValidator(ctx context.Context, jwksURL, issuer string, logger zerolog.Logger) (*TokenValidator, error) {
	if jwksURL == "" {
		return nil, errors.New("jwks url is required")
	}

	v := &TokenValidator{
		issuer:  issuer,
		jwksURL: jwksURL,
		logger:  logger.With().Str("component", "token-validator").Logger(),
	}

	options := keyfunc.Options{
		Ctx:               ctx,
		RefreshInterval:   jwksRefreshInterval,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			if err != nil {
				v.logger.Error().Err(err).Msg("jwks refresh failed")
			}
		},
	}
	jwks, err := keyfunc.Get(jwksURL, options)
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	v.jwks.Store(jwks)
	return v, nil
}

// Validate parses and verifies a bearer token, returning the principal.
func (v *TokenValidator) Validate(ctx context.Context, rawToken string) (*Principal, error) {
	rawToken = strings.TrimSpace(strings.TrimPrefix(rawToken, "Bearer "))
	if rawToken == "" {
		return nil, errors.New("missing bearer token")
	}

	jwks := v.jwks.Load()
	if jwks == nil {
		return nil, errors.New("jwks not initialized")
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(rawToken, claims, jwks.Keyfunc,
		jwt.WithValidMethods([]string{"RS256", "ES256"}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("token is not valid")
	}

	principal := &Principal{Issuer: v.issuer}
	if sub, err := claims.GetSubject(); err == nil {
		principal.Subject = sub
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		principal.ExpiresAt = exp.Time
	}
	if email, ok := claims["email"].(string); ok {
		principal.Email = email
	}
	if username, ok := claims["preferred_username"].(string); ok {
		principal.Username = username
	}
	return principal, nil
}
