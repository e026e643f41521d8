// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package grpc exposes token introspection and health checking over gRPC.
package grpc

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"

	"github.com/samber/oops"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/nhdcl/identity/internal/auth"
	"github.com/nhdcl/identity/internal/observability"
	"github.com/nhdcl/identity/pkg/errutil"
)

// ServiceName is the health-check name of the identity service.
const ServiceName = "identity.v1.Session"

const (
	authorizationKey = "authorization"
	bearerPrefix     = "bearer "
)

// TokenValidator checks a session token and returns its claims.
type TokenValidator interface {
	Validate(token string) (*auth.Claims, error)
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records one request counter sample per RPC.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithServerOptions appends raw grpc.ServerOptions, such as credentials.
func WithServerOptions(opts ...grpc.ServerOption) Option {
	return func(s *Server) { s.serverOpts = append(s.serverOpts, opts...) }
}

// Server runs the identity gRPC endpoint.
type Server struct {
	addr       string
	tokens     TokenValidator
	logger     *slog.Logger
	metrics    *observability.Metrics
	serverOpts []grpc.ServerOption

	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	running    atomic.Bool
}

// NewServer builds the gRPC server and registers the health and session
// services. addr is the listen address in "host:port" form.
func NewServer(addr string, tokens TokenValidator, opts ...Option) *Server {
	s := &Server{
		addr:   addr,
		tokens: tokens,
		logger: slog.Default(),
		health: health.NewServer(),
	}
	for _, opt := range opts {
		opt(s)
	}

	serverOpts := append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(s.SessionInterceptor()),
		grpc.ChainStreamInterceptor(s.StreamSessionInterceptor()),
	}, s.serverOpts...)
	s.grpcServer = grpc.NewServer(serverOpts...)

	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	registerSessionServer(s.grpcServer, &sessionService{tokens: tokens})
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// GRPCServer returns the underlying server, mainly for tests serving on a
// custom listener.
func (s *Server) GRPCServer() *grpc.Server {
	return s.grpcServer
}

// SetServing flips the health status of the session service.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, st)
	s.health.SetServingStatus("", st)
}

// Start begins serving. The returned channel receives the serve error, if
// any, and is closed when the server stops.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Errorf("grpc server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.Code("GRPC_LISTEN_FAILED").With("addr", s.addr).Wrap(err)
	}
	s.listener = listener
	s.SetServing(true)

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if serveErr := s.grpcServer.Serve(listener); serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			s.logger.Error("grpc server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	s.logger.Info("grpc server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop marks the service as not serving and drains in-flight RPCs. If ctx
// ends first the server is stopped hard.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpcServer.Stop()
		<-done
		s.logger.Warn("grpc server stopped before draining", "error", ctx.Err())
		return nil
	}
	s.logger.Info("grpc server stopped")
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// tokenFromMetadata returns the bearer token of the incoming call, or "".
func tokenFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, v := range md.Get(authorizationKey) {
		if len(v) > len(bearerPrefix) && strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
			if token := strings.TrimSpace(v[len(bearerPrefix):]); token != "" {
				return token
			}
		}
	}
	return ""
}

// authenticate attaches the caller's claims to ctx. A missing or invalid
// token leaves the call anonymous.
func (s *Server) authenticate(ctx context.Context) context.Context {
	token := tokenFromMetadata(ctx)
	if token == "" {
		return ctx
	}
	claims, err := s.tokens.Validate(token)
	if err != nil {
		s.logger.DebugContext(ctx, "grpc call with invalid token", "error", err)
		return ctx
	}
	return auth.WithPrincipal(ctx, claims)
}

func (s *Server) observe(ctx context.Context, method string, err error) {
	code := status.Code(err)
	if s.metrics != nil {
		s.metrics.RequestsTotal.WithLabelValues("grpc", code.String()).Inc()
	}
	if code != codes.OK && code != codes.Unauthenticated && code != codes.NotFound {
		s.logger.WarnContext(ctx, "grpc call failed", "method", method, "code", code.String())
		return
	}
	s.logger.DebugContext(ctx, "grpc call", "method", method, "code", code.String())
}

// SessionInterceptor resolves the session and converts domain errors to
// gRPC statuses.
func (s *Server) SessionInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx = s.authenticate(ctx)
		resp, err := handler(ctx, req)
		err = StatusFromError(err)
		s.observe(ctx, info.FullMethod, err)
		return resp, err
	}
}

type sessionStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *sessionStream) Context() context.Context { return w.ctx }

// StreamSessionInterceptor is the streaming counterpart of SessionInterceptor.
func (s *Server) StreamSessionInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := s.authenticate(ss.Context())
		err := StatusFromError(handler(srv, &sessionStream{ServerStream: ss, ctx: ctx}))
		s.observe(ctx, info.FullMethod, err)
		return err
	}
}

// StatusFromError maps the account error taxonomy onto gRPC status codes.
// Errors that already carry a status pass through unchanged.
func StatusFromError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var c codes.Code
	msg := "internal error"
	switch {
	case errors.Is(err, auth.ErrNotFound):
		c, msg = codes.NotFound, "not found"
	case errors.Is(err, auth.ErrConflict):
		c, msg = codes.AlreadyExists, "already exists"
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, auth.ErrExpired):
		c, msg = codes.Unauthenticated, "unauthenticated"
	case errors.Is(err, auth.ErrInvalidInput):
		c, msg = codes.InvalidArgument, "invalid argument"
	case errors.Is(err, auth.ErrDeliveryFailure):
		c, msg = codes.Unavailable, "unavailable"
	default:
		c = codes.Internal
	}
	if code := errutil.Code(err); code == "OTP_EXPIRED" {
		msg += ": OTP_INVALID"
	} else if code != "" {
		msg += ": " + code
	}
	return status.Error(c, msg)
}
