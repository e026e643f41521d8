// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/samber/oops"
)

// Session token configuration.
const (
	TokenTTL = 30 * time.Minute

	// MinSigningKeyBytes is the shortest accepted HMAC key.
	MinSigningKeyBytes = 32
)

// Claims is the payload of a session token.
type Claims struct {
	Email string   `json:"email"`
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// Identity returns the token subject.
func (c *Claims) Identity() string { return c.RegisteredClaims.Subject }

// Authorities returns the roles claim.
func (c *Claims) Authorities() []string { return c.Roles }

// IsEnabled is always true: only enabled accounts are issued tokens.
func (c *Claims) IsEnabled() bool { return true }

// HasAuthority reports whether the claims grant the authority.
func (c *Claims) HasAuthority(authority string) bool {
	for _, r := range c.Roles {
		if r == authority {
			return true
		}
	}
	return false
}

// TokenService issues and validates HS256 session tokens.
type TokenService struct {
	key    []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// TokenOption configures a TokenService.
type TokenOption func(*TokenService)

// WithTokenTTL overrides the token lifetime.
func WithTokenTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithIssuer sets the iss claim and requires it on validation.
func WithIssuer(issuer string) TokenOption {
	return func(s *TokenService) { s.issuer = issuer }
}

// WithTokenClock replaces the time source used for iat, exp and validation.
func WithTokenClock(now func() time.Time) TokenOption {
	return func(s *TokenService) { s.now = now }
}

// NewTokenService creates a TokenService. A missing or short key is a
// configuration error and must stop the process before it serves requests.
func NewTokenService(key []byte, opts ...TokenOption) (*TokenService, error) {
	if len(key) == 0 {
		return nil, oops.Code("CONFIG_SIGNING_KEY_MISSING").Wrap(ErrConfig)
	}
	if len(key) < MinSigningKeyBytes {
		return nil, oops.Code("CONFIG_SIGNING_KEY_WEAK").
			With("min_bytes", MinSigningKeyBytes).
			With("bytes", len(key)).
			Wrap(ErrConfig)
	}
	s := &TokenService{
		key: append([]byte(nil), key...),
		ttl: TokenTTL,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// TTL returns the lifetime given to issued tokens.
func (s *TokenService) TTL() time.Duration {
	return s.ttl
}

// Issue signs a token for the principal.
func (s *TokenService) Issue(p Principal) (string, error) {
	now := s.now()
	claims := &Claims{
		Email: p.Identity(),
		Roles: p.Authorities(),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   p.Identity(),
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", oops.Code("TOKEN_SIGN_FAILED").With("subject", p.Identity()).Wrap(err)
	}
	return signed, nil
}

// Validate verifies the signature and expiry and returns the claims.
// Every failure, including malformed input, is reported as ErrUnauthorized.
func (s *TokenService) Validate(token string) (*Claims, error) {
	if strings.TrimSpace(token) == "" {
		return nil, oops.Code("TOKEN_INVALID").With("reason", "empty").Wrap(ErrUnauthorized)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, oops.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.key, nil
	}, opts...)
	if err != nil {
		reason := "invalid"
		if errors.Is(err, jwt.ErrTokenExpired) {
			reason = "expired"
		}
		return nil, oops.Code("TOKEN_INVALID").With("reason", reason).Wrap(errors.Join(ErrUnauthorized, err))
	}
	if !parsed.Valid || claims.RegisteredClaims.Subject == "" {
		return nil, oops.Code("TOKEN_INVALID").With("reason", "invalid").Wrap(ErrUnauthorized)
	}
	return claims, nil
}

// ExtractSubject reads the subject without verifying the signature.
// It only screens input before Validate; never authorize on its result.
func (s *TokenService) ExtractSubject(token string) (string, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", oops.Code("TOKEN_INVALID").With("reason", "malformed").Wrap(ErrUnauthorized)
	}
	if claims.RegisteredClaims.Subject == "" {
		return "", oops.Code("TOKEN_INVALID").With("reason", "no subject").Wrap(ErrUnauthorized)
	}
	return claims.RegisteredClaims.Subject, nil
}
