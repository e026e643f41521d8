// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth_test

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhdcl/identity/internal/auth"
	"github.com/nhdcl/identity/pkg/errutil"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func TestNewTokenService_KeyRequirements(t *testing.T) {
	_, err := auth.NewTokenService(nil)
	require.ErrorIs(t, err, auth.ErrConfig)
	errutil.AssertErrorCode(t, err, "CONFIG_SIGNING_KEY_MISSING")

	_, err = auth.NewTokenService([]byte("short"))
	require.ErrorIs(t, err, auth.ErrConfig)
	errutil.AssertErrorCode(t, err, "CONFIG_SIGNING_KEY_WEAK")

	svc, err := auth.NewTokenService(testKey)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, svc.TTL())
}

func TestTokenService_IssueAndValidate(t *testing.T) {
	c := &clock{t: time.Now()}
	svc, err := auth.NewTokenService(testKey, auth.WithTokenClock(c.Now), auth.WithIssuer("identity"))
	require.NoError(t, err)

	account := &auth.Account{Email: "x@example.bt", Role: "admin", Enabled: true}
	token, err := svc.Issue(account)
	require.NoError(t, err)

	claims, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "x@example.bt", claims.Identity())
	assert.Equal(t, "x@example.bt", claims.Email)
	assert.Equal(t, []string{"ROLE_ADMIN"}, claims.Authorities())
	assert.True(t, claims.HasAuthority("ROLE_ADMIN"))
	assert.False(t, claims.HasAuthority("ROLE_USER"))
	assert.NotEmpty(t, claims.ID)
	assert.Equal(t, "identity", claims.Issuer)

	subject, err := svc.ExtractSubject(token)
	require.NoError(t, err)
	assert.Equal(t, "x@example.bt", subject)
}

func TestTokenService_Expiry(t *testing.T) {
	c := &clock{t: time.Now()}
	svc, err := auth.NewTokenService(testKey, auth.WithTokenClock(c.Now))
	require.NoError(t, err)

	token, err := svc.Issue(&auth.Account{Email: "x@example.bt"})
	require.NoError(t, err)

	c.t = c.t.Add(svc.TTL() - time.Second)
	_, err = svc.Validate(token)
	require.NoError(t, err)

	c.t = c.t.Add(2 * time.Second)
	_, err = svc.Validate(token)
	require.ErrorIs(t, err, auth.ErrUnauthorized)
	errutil.AssertErrorContext(t, err, "reason", "expired")
}

func TestTokenService_RejectsTampering(t *testing.T) {
	svc, err := auth.NewTokenService(testKey)
	require.NoError(t, err)
	token, err := svc.Issue(&auth.Account{Email: "x@example.bt"})
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	require.NoError(t, err)
	for i := range sig {
		flipped := append([]byte(nil), sig...)
		flipped[i] ^= 0xFF
		bad := parts[0] + "." + parts[1] + "." + base64.RawURLEncoding.EncodeToString(flipped)
		_, err := svc.Validate(bad)
		require.ErrorIs(t, err, auth.ErrUnauthorized, "signature byte %d", i)
	}

	payload := parts[0] + "." + parts[1] + "x." + parts[2]
	_, err = svc.Validate(payload)
	require.ErrorIs(t, err, auth.ErrUnauthorized)
}

func TestTokenService_RejectsForeignTokens(t *testing.T) {
	svc, err := auth.NewTokenService(testKey)
	require.NoError(t, err)

	other, err := auth.NewTokenService([]byte("ffffffffffffffffffffffffffffffff"))
	require.NoError(t, err)
	foreign, err := other.Issue(&auth.Account{Email: "x@example.bt"})
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "x@example.bt",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "x@example.bt",
	}).SignedString(testKey)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"empty":         "",
		"garbage":       "not.a.jwt",
		"other key":     foreign,
		"alg none":      none,
		"no expiration": noExp,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Validate(token)
			require.ErrorIs(t, err, auth.ErrUnauthorized)
			errutil.AssertErrorCode(t, err, "TOKEN_INVALID")
		})
	}
}

func TestTokenService_ExtractSubjectMalformed(t *testing.T) {
	svc, err := auth.NewTokenService(testKey)
	require.NoError(t, err)

	_, err = svc.ExtractSubject("garbage")
	require.ErrorIs(t, err, auth.ErrUnauthorized)
}

func TestRoleAuthority(t *testing.T) {
	tests := map[string]string{
		"admin":      "ROLE_ADMIN",
		" User ":     "ROLE_USER",
		"ROLE_STAFF": "ROLE_STAFF",
		"":           auth.UnknownAuthority,
	}
	for in, want := range tests {
		assert.Equal(t, want, auth.RoleAuthority(in), in)
	}
}
