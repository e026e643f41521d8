// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package web serves the identity HTTP API.
package web

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/samber/oops"

	"github.com/nhdcl/identity/internal/auth"
	"github.com/nhdcl/identity/internal/observability"
)

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

// WithMetrics records one request counter sample per response.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithSecureCookie controls the Secure attribute of the session cookie.
// It defaults to true.
func WithSecureCookie(secure bool) Option {
	return func(s *Server) { s.handlers.secureCookie = secure }
}

// Server is the HTTP front end of the identity service.
type Server struct {
	addr     string
	app      *fiber.App
	handlers *handlers
	tokens   TokenValidator
	logger   *slog.Logger
	metrics  *observability.Metrics
	listener net.Listener
	running  atomic.Bool
}

// NewServer builds the fiber app and registers every route.
// addr is the listen address in "host:port" form.
func NewServer(addr string, accounts AccountService, tokens *auth.TokenService, opts ...Option) *Server {
	s := &Server{
		addr:   addr,
		tokens: tokens,
		logger: slog.Default(),
		handlers: &handlers{
			accounts:     accounts,
			tokenTTL:     tokens.TTL(),
			secureCookie: true,
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "identity",
		DisableStartupMessage: true,
		Immutable:             true,
		UnescapePath:          true,
		ReadTimeout:           15 * time.Second,
		WriteTimeout:          15 * time.Second,
		IdleTimeout:           60 * time.Second,
		ErrorHandler:          newErrorHandler(s.logger),
	})
	s.app.Use(s.requestLogger())
	s.app.Use(SessionFilter(s.tokens))
	s.routes()
	return s
}

func (s *Server) routes() {
	h := s.handlers
	admin := RequireRole(AdminAuthority)

	api := s.app.Group("/api")
	api.Post("/auth/login", h.login)
	api.Post("/auth/logout", h.logout)
	api.Get("/auth/me", RequireAuth(), h.me)

	users := api.Group("/users")
	users.Post("/", h.register)
	users.Get("/", admin, h.list)
	users.Get("/check-email", h.checkEmail)
	users.Get("/check-employee-id", h.checkEmployeeID)
	users.Get("/by-email/:email", RequireAuth(), h.getByEmail)
	users.Post("/forgot-password", h.forgotPassword)
	users.Post("/verify-otp", h.verifyOTP)
	users.Post("/resend-otp", h.resendOTP)
	users.Post("/reset-password", h.resetPassword)
	users.Post("/change-password", RequireAuth(), h.changePassword)
	users.Get("/:id", RequireAuth(), h.get)
	users.Put("/:id/enabled", admin, h.setEnabled)
	users.Put("/:id/image", RequireAuth(), h.updateImage)
	users.Delete("/:id/permanent", admin, h.purge)
	users.Delete("/:id", admin, h.softDelete)
}

// requestLogger emits one log line per request.
func (s *Server) requestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		if err != nil {
			// Render now so the logged status matches the response.
			if handlerErr := s.app.ErrorHandler(c, err); handlerErr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError) //nolint:errcheck // last resort
			}
		}

		status := c.Response().StatusCode()
		if s.metrics != nil {
			s.metrics.RequestsTotal.WithLabelValues("http", strconv.Itoa(status)).Inc()
		}
		s.logger.InfoContext(c.UserContext(), "http request",
			"method", c.Method(),
			"path", c.Path(),
			"status", status,
			"duration", time.Since(start),
			"ip", c.IP())
		return nil
	}
}

// App exposes the fiber app, mainly for app.Test.
func (s *Server) App() *fiber.App {
	return s.app
}

// Start begins serving. The returned channel receives a serve error, if any,
// and is closed when the server stops.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Errorf("http server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.Code("HTTP_LISTEN_FAILED").With("addr", s.addr).Wrap(err)
	}
	s.listener = listener

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if serveErr := s.app.Listener(listener); serveErr != nil {
			s.logger.Error("http server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	s.logger.Info("http server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		s.running.Store(true)
		return oops.With("operation", "shutdown_http_server").Wrap(err)
	}
	s.logger.Info("http server stopped")
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
