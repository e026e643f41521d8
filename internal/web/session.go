// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package web

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/samber/oops"

	"github.com/nhdcl/identity/internal/auth"
)

// CookieName is the session cookie that carries the token for browsers.
const CookieName = "JWT-TOKEN"

const bearerPrefix = "Bearer "

type principalLocal struct{}

// TokenValidator checks a session token and returns its claims.
type TokenValidator interface {
	Validate(token string) (*auth.Claims, error)
}

// TokenFromRequest returns the bearer token from the Authorization header,
// falling back to the session cookie. It returns "" when neither is present.
func TokenFromRequest(c *fiber.Ctx) string {
	if header := c.Get(fiber.HeaderAuthorization); len(header) > len(bearerPrefix) &&
		strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		if token := strings.TrimSpace(header[len(bearerPrefix):]); token != "" {
			return token
		}
	}
	return c.Cookies(CookieName)
}

// SessionFilter resolves the caller from the request token. A missing or
// invalid token leaves the request anonymous; rejecting it is the job of
// RequireAuth.
func SessionFilter(tokens TokenValidator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := TokenFromRequest(c)
		if token == "" {
			return c.Next()
		}
		claims, err := tokens.Validate(token)
		if err != nil {
			return c.Next()
		}
		c.Locals(principalLocal{}, claims)
		c.SetUserContext(auth.WithPrincipal(c.UserContext(), claims))
		return c.Next()
	}
}

// PrincipalFrom returns the claims attached by SessionFilter.
func PrincipalFrom(c *fiber.Ctx) (*auth.Claims, bool) {
	claims, ok := c.Locals(principalLocal{}).(*auth.Claims)
	return claims, ok && claims != nil
}

func unauthenticated() error {
	return oops.Code("AUTH_REQUIRED").Wrapf(auth.ErrUnauthorized, "authentication required")
}

// RequireAuth rejects anonymous requests.
func RequireAuth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if _, ok := PrincipalFrom(c); !ok {
			return unauthenticated()
		}
		return c.Next()
	}
}

// RequireRole rejects requests whose principal lacks authority.
func RequireRole(authority string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		claims, ok := PrincipalFrom(c)
		if !ok {
			return unauthenticated()
		}
		if !claims.HasAuthority(authority) {
			return fiber.NewError(fiber.StatusForbidden, "forbidden")
		}
		return c.Next()
	}
}
