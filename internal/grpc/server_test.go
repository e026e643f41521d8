// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package grpc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/nhdcl/identity/internal/auth"
	"github.com/nhdcl/identity/internal/observability"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

type harness struct {
	server  *Server
	client  *Client
	tokens  *auth.TokenService
	metrics *observability.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	tokens, err := auth.NewTokenService(testKey)
	require.NoError(t, err)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	srv := NewServer("127.0.0.1:0", tokens,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMetrics(metrics))

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.GRPCServer().Serve(lis) }()
	t.Cleanup(srv.GRPCServer().Stop)

	client, err := NewClient(ClientConfig{
		Address: "passthrough:///bufnet",
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return &harness{server: srv, client: client, tokens: tokens, metrics: metrics}
}

func (h *harness) issue(t *testing.T, email, role string) string {
	t.Helper()
	account, err := auth.NewAccount(email, "$2a$10$hash", auth.Profile{Name: "Test", Role: role})
	require.NoError(t, err)
	token, err := h.tokens.Issue(account)
	require.NoError(t, err)
	return token
}

func callContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestHealth_FollowsServingState(t *testing.T) {
	h := newHarness(t)
	ctx := callContext(t)

	serving, err := h.client.Serving(ctx)
	require.NoError(t, err)
	assert.False(t, serving, "not serving until marked")

	h.server.SetServing(true)
	serving, err = h.client.Serving(ctx)
	require.NoError(t, err)
	assert.True(t, serving)

	h.server.SetServing(false)
	serving, err = h.client.Serving(ctx)
	require.NoError(t, err)
	assert.False(t, serving)
}

func TestIntrospect(t *testing.T) {
	h := newHarness(t)
	ctx := callContext(t)

	t.Run("valid token returns claims", func(t *testing.T) {
		token := h.issue(t, "ada@example.com", "admin")
		claims, err := h.client.Introspect(ctx, token)
		require.NoError(t, err)
		fields := claims.AsMap()
		assert.Equal(t, "ada@example.com", fields["subject"])
		assert.Equal(t, "ada@example.com", fields["email"])
		assert.Equal(t, []any{"ROLE_ADMIN"}, fields["roles"])
		assert.NotEmpty(t, fields["expires_at"])
	})

	t.Run("invalid token is unauthenticated", func(t *testing.T) {
		_, err := h.client.Introspect(ctx, "not-a-token")
		require.Error(t, err)
		assert.Equal(t, codes.Unauthenticated, status.Code(err))
	})

	t.Run("empty token is invalid argument", func(t *testing.T) {
		_, err := h.client.Introspect(ctx, "")
		require.Error(t, err)
		assert.Equal(t, codes.InvalidArgument, status.Code(err))
	})
}

func TestWhoAmI(t *testing.T) {
	h := newHarness(t)
	ctx := callContext(t)

	t.Run("anonymous caller is rejected", func(t *testing.T) {
		_, err := h.client.WhoAmI(ctx, "")
		assert.Equal(t, codes.Unauthenticated, status.Code(err))
	})

	t.Run("invalid token stays anonymous", func(t *testing.T) {
		_, err := h.client.WhoAmI(ctx, "garbage")
		assert.Equal(t, codes.Unauthenticated, status.Code(err))
	})

	t.Run("bearer token resolves the caller", func(t *testing.T) {
		token := h.issue(t, "grace@example.com", "user")
		claims, err := h.client.WhoAmI(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, "grace@example.com", claims.AsMap()["subject"])
		assert.Equal(t, []any{"ROLE_USER"}, claims.AsMap()["roles"])
	})
}

func TestSessionInterceptor_RecordsMetrics(t *testing.T) {
	h := newHarness(t)
	ctx := callContext(t)

	_, err := h.client.Introspect(ctx, h.issue(t, "ada@example.com", ""))
	require.NoError(t, err)
	_, err = h.client.Introspect(ctx, "bad")
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RequestsTotal.WithLabelValues("grpc", "OK")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RequestsTotal.WithLabelValues("grpc", "Unauthenticated")))
}

func TestTokenFromMetadata(t *testing.T) {
	tests := []struct {
		name string
		md   metadata.MD
		want string
	}{
		{"none", nil, ""},
		{"bearer", metadata.Pairs("authorization", "Bearer abc"), "abc"},
		{"lowercase scheme", metadata.Pairs("authorization", "bearer abc"), "abc"},
		{"other scheme", metadata.Pairs("authorization", "Basic abc"), ""},
		{"empty token", metadata.Pairs("authorization", "Bearer   "), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.md != nil {
				ctx = metadata.NewIncomingContext(ctx, tt.md)
			}
			assert.Equal(t, tt.want, tokenFromMetadata(ctx))
		})
	}
}

func TestStatusFromError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"not found", oops.Code("ACCOUNT_NOT_FOUND").Wrap(auth.ErrNotFound), codes.NotFound},
		{"conflict", oops.Code("ACCOUNT_EMAIL_TAKEN").Wrap(auth.ErrConflict), codes.AlreadyExists},
		{"unauthorized", oops.Code("TOKEN_INVALID").Wrap(auth.ErrUnauthorized), codes.Unauthenticated},
		{"expired", auth.ErrExpired, codes.Unauthenticated},
		{"invalid input", errors.Join(auth.ErrInvalidInput, errors.New("bad")), codes.InvalidArgument},
		{"delivery", auth.ErrDeliveryFailure, codes.Unavailable},
		{"other", errors.New("connection reset"), codes.Internal},
		{"existing status", status.Error(codes.ResourceExhausted, "slow down"), codes.ResourceExhausted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, status.Code(StatusFromError(tt.err)))
		})
	}

	assert.NoError(t, StatusFromError(nil))
	st, _ := status.FromError(StatusFromError(errors.New("dial tcp 10.0.0.5:5432")))
	assert.Equal(t, "internal error", st.Message(), "internal detail never reaches the caller")
}

func TestServer_StartStop(t *testing.T) {
	tokens, err := auth.NewTokenService(testKey)
	require.NoError(t, err)
	srv := NewServer("127.0.0.1:0", tokens, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	assert.Empty(t, srv.Addr())
	errCh, err := srv.Start()
	require.NoError(t, err)
	assert.NotEmpty(t, srv.Addr())

	_, err = srv.Start()
	assert.Error(t, err, "double start is rejected")

	client, err := NewClient(ClientConfig{Address: srv.Addr()})
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	serving, err := client.Serving(callContext(t))
	require.NoError(t, err)
	assert.True(t, serving)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	require.NoError(t, srv.Stop(ctx), "stop is idempotent")

	select {
	case err, ok := <-errCh:
		if ok {
			assert.NoError(t, err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve loop did not exit")
	}
}

func TestNewClient_RequiresAddress(t *testing.T) {
	_, err := NewClient(ClientConfig{})
	require.Error(t, err)
}
