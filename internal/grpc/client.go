// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package grpc

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/samber/oops"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client wraps a connection to the session and health services.
type Client struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
}

// ClientConfig holds configuration for the gRPC client.
type ClientConfig struct {
	// Address is the target server address (e.g., "localhost:9090").
	Address string

	// TLSConfig enables TLS. If nil, an insecure connection is used.
	TLSConfig *tls.Config

	// KeepaliveTime is how often to ping the server (default: 10s).
	KeepaliveTime time.Duration

	// KeepaliveTimeout is how long to wait for a ping response (default: 5s).
	KeepaliveTimeout time.Duration

	// DialOptions are appended after the options derived from the fields above.
	DialOptions []grpc.DialOption
}

// NewClient creates a client. The connection is established lazily on the
// first call.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Address == "" {
		return nil, oops.Code("GRPC_INVALID_CONFIG").Errorf("address is required")
	}
	if cfg.KeepaliveTime == 0 {
		cfg.KeepaliveTime = 10 * time.Second
	}
	if cfg.KeepaliveTimeout == 0 {
		cfg.KeepaliveTimeout = 5 * time.Second
	}

	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveTime,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
	}
	if cfg.TLSConfig != nil {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(cfg.TLSConfig)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	opts = append(opts, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, oops.Code("GRPC_DIAL_FAILED").With("address", cfg.Address).Wrap(err)
	}
	return &Client{conn: conn, health: healthpb.NewHealthClient(conn)}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		return oops.With("operation", "close_grpc_client").Wrap(err)
	}
	return nil
}

// Serving reports whether the session service answers health checks as
// SERVING.
func (c *Client) Serving(ctx context.Context) (bool, error) {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return false, oops.With("operation", "health_check").Wrap(err)
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// Introspect asks the server to validate token and returns its claims.
func (c *Client) Introspect(ctx context.Context, token string) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, IntrospectMethod, wrapperspb.String(token), out); err != nil {
		return nil, oops.With("operation", "introspect").Wrap(err)
	}
	return out, nil
}

// WhoAmI returns the claims the server resolves for token.
func (c *Client) WhoAmI(ctx context.Context, token string) (*structpb.Struct, error) {
	if token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, authorizationKey, "Bearer "+token)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, WhoAmIMethod, &emptypb.Empty{}, out); err != nil {
		return nil, oops.With("operation", "whoami").Wrap(err)
	}
	return out, nil
}
