// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import "context"

type principalKey struct{}

// WithPrincipal returns a context carrying the authenticated claims.
func WithPrincipal(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, principalKey{}, claims)
}

// PrincipalFromContext returns the claims attached by the session filter.
// The second result is false for anonymous requests.
func PrincipalFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(principalKey{}).(*Claims)
	return claims, ok && claims != nil
}
