// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/nhdcl/identity/internal/auth"
	"github.com/nhdcl/identity/internal/auth/postgres"
	authredis "github.com/nhdcl/identity/internal/auth/redis"
	"github.com/nhdcl/identity/internal/auth/sqlite"
	"github.com/nhdcl/identity/internal/config"
	identitygrpc "github.com/nhdcl/identity/internal/grpc"
	"github.com/nhdcl/identity/internal/logging"
	"github.com/nhdcl/identity/internal/notify"
	"github.com/nhdcl/identity/internal/observability"
	"github.com/nhdcl/identity/internal/store"
	identitytls "github.com/nhdcl/identity/internal/tls"
	"github.com/nhdcl/identity/internal/web"
	"github.com/nhdcl/identity/internal/xdg"
)

const (
	shutdownTimeout = 10 * time.Second
	readinessProbe  = 2 * time.Second
)

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the identity HTTP and gRPC servers",
		Long: `Run the identity service: the HTTP API, the gRPC session service and
the metrics and health endpoints. Shuts down gracefully on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServeWithDeps(cmd.Context(), cmd, nil)
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func applyServeDefaults(deps *ServeDeps) {
	if deps.BackendOpener == nil {
		deps.BackendOpener = openBackend
	}
	if deps.ThrottleCounterOpener == nil {
		deps.ThrottleCounterOpener = openThrottleCounter
	}
	if deps.ObservabilityServerFactory == nil {
		deps.ObservabilityServerFactory = func(addr string, ready observability.ReadinessChecker) ObservabilityServer {
			return observability.NewServer(addr, ready)
		}
	}
	if deps.SignalSource == nil {
		deps.SignalSource = func() (<-chan os.Signal, func()) {
			ch := make(chan os.Signal, 1)
			signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
			return ch, func() { signal.Stop(ch) }
		}
	}
}

// runServeWithDeps starts the service with injectable dependencies.
// If deps is nil, default implementations are used.
func runServeWithDeps(ctx context.Context, cmd *cobra.Command, deps *ServeDeps) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if deps == nil {
		deps = &ServeDeps{}
	}
	applyServeDefaults(deps)

	cfg, err := loadConfig(cmd, true)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return oops.With("operation", "validate configuration").Wrap(err)
	}

	logger := logging.New(logging.Options{
		Service: "identity",
		Version: version,
		Format:  cfg.Log.Format,
		Level:   cfg.Log.Level,
	}, cmd.ErrOrStderr())
	slog.SetDefault(logger)

	logger.Info("starting identity service",
		"store_driver", cfg.Store.Driver,
		"http_addr", cfg.HTTP.Addr,
		"grpc_addr", cfg.GRPC.Addr)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tokens, err := auth.NewTokenService([]byte(cfg.Auth.SigningKey),
		auth.WithTokenTTL(cfg.Auth.TokenTTL),
		auth.WithIssuer(cfg.Auth.Issuer))
	if err != nil {
		return err
	}

	backend, err := deps.BackendOpener(ctx, cfg)
	if err != nil {
		return oops.With("operation", "open credential store").Wrap(err)
	}
	defer backend.Close()
	logger.Info("credential store ready", "driver", cfg.Store.Driver)

	templates, err := notify.NewTemplates(cfg.SMTP.SenderName)
	if err != nil {
		return err
	}
	notifier, err := newNotifier(cfg, logger)
	if err != nil {
		return err
	}

	ledger := auth.NewOTPLedger(auth.WithOTPExpiry(cfg.Auth.OTPExpiry))
	go ledger.Run(ctx, cfg.Auth.OTPSweepInterval)

	managerOpts := []auth.ManagerOption{auth.WithLogger(logger)}
	if cfg.Auth.LoginThrottle {
		counter, closeCounter, err := deps.ThrottleCounterOpener(ctx, cfg)
		if err != nil {
			return oops.With("operation", "open login throttle").Wrap(err)
		}
		defer closeCounter()
		throttle, err := auth.NewLoginThrottle(counter)
		if err != nil {
			return err
		}
		managerOpts = append(managerOpts, auth.WithThrottle(throttle))
	}

	manager, err := auth.NewManager(auth.Dependencies{
		Store:    backend.Store,
		Hasher:   auth.NewBcryptHasher(cfg.Auth.BcryptCost),
		Tokens:   tokens,
		Ledger:   ledger,
		Notifier: notifier,
		Renderer: templates,
	}, managerOpts...)
	if err != nil {
		return err
	}

	var (
		addrs   ServeAddrs
		metrics *observability.Metrics
		stops   []func(context.Context) error
	)
	stopAll := func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		for i := len(stops) - 1; i >= 0; i-- {
			if err := stops[i](shutdownCtx); err != nil {
				logger.Warn("error stopping server", "error", err)
			}
		}
	}
	defer stopAll()

	if cfg.Metrics.Addr != "" {
		obsServer := deps.ObservabilityServerFactory(cfg.Metrics.Addr, func() bool {
			probeCtx, probeCancel := context.WithTimeout(ctx, readinessProbe)
			defer probeCancel()
			return backend.Ping(probeCtx) == nil
		})
		obsErrCh, err := obsServer.Start()
		if err != nil {
			return oops.With("operation", "start observability server").Wrap(err)
		}
		stops = append(stops, obsServer.Stop)
		go monitorServerErrors(ctx, cancel, obsErrCh, "observability")
		metrics = obsServer.Metrics()
		addrs.Metrics = obsServer.Addr()
	}

	if cfg.GRPC.Addr != "" {
		grpcOpts := []identitygrpc.Option{
			identitygrpc.WithLogger(logger),
			identitygrpc.WithMetrics(metrics),
		}
		if cfg.GRPC.TLS {
			creds, err := grpcCredentials(cfg)
			if err != nil {
				return err
			}
			grpcOpts = append(grpcOpts, identitygrpc.WithServerOptions(grpc.Creds(creds)))
		}
		grpcServer := identitygrpc.NewServer(cfg.GRPC.Addr, tokens, grpcOpts...)
		grpcErrCh, err := grpcServer.Start()
		if err != nil {
			return err
		}
		stops = append(stops, grpcServer.Stop)
		go monitorServerErrors(ctx, cancel, grpcErrCh, "grpc")
		addrs.GRPC = grpcServer.Addr()
	}

	httpServer := web.NewServer(cfg.HTTP.Addr, manager, tokens,
		web.WithLogger(logger),
		web.WithMetrics(metrics),
		web.WithSecureCookie(cfg.HTTP.SecureCookie))
	httpErrCh, err := httpServer.Start()
	if err != nil {
		return err
	}
	stops = append(stops, httpServer.Stop)
	go monitorServerErrors(ctx, cancel, httpErrCh, "http")
	addrs.HTTP = httpServer.Addr()

	sigChan, stopSignals := deps.SignalSource()
	defer stopSignals()

	cmd.Println("Identity service started")
	logger.Info("identity service ready",
		"http_addr", addrs.HTTP,
		"grpc_addr", addrs.GRPC,
		"metrics_addr", addrs.Metrics)
	if deps.OnReady != nil {
		deps.OnReady(addrs)
	}

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}

	stopAll()
	stops = nil
	logger.Info("shutdown complete")
	return nil
}

// certsDir is where the gRPC CA and server certificate live.
func certsDir(cfg *config.Config) (string, error) {
	if cfg.GRPC.CertsDir != "" {
		return cfg.GRPC.CertsDir, nil
	}
	dir, err := xdg.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "certs"), nil
}

// grpcCredentials issues or reuses the gRPC server certificate.
func grpcCredentials(cfg *config.Config) (credentials.TransportCredentials, error) {
	dir, err := certsDir(cfg)
	if err != nil {
		return nil, err
	}
	var hosts []string
	if host, _, err := net.SplitHostPort(cfg.GRPC.Addr); err == nil && host != "" {
		hosts = append(hosts, host)
	}
	tlsConfig, err := identitytls.EnsureServerTLS(dir, cfg.Auth.Issuer, "grpc", hosts)
	if err != nil {
		return nil, oops.With("operation", "provision grpc certificate").Wrap(err)
	}
	return credentials.NewTLS(tlsConfig), nil
}

// newNotifier sends through SMTP when a relay is configured and logs
// messages otherwise.
func newNotifier(cfg *config.Config, logger *slog.Logger) (auth.Notifier, error) {
	if cfg.SMTP.Host == "" {
		logger.Warn("no smtp relay configured, emails will be logged")
		return notify.NewLogNotifier(logger), nil
	}
	return notify.NewSMTPNotifier(notify.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
		StartTLS: cfg.SMTP.StartTLS,
	}, notify.WithSMTPLogger(logger))
}

// openBackend connects the store named by cfg.Store.Driver and brings its
// schema up to date.
func openBackend(ctx context.Context, cfg *config.Config) (*Backend, error) {
	switch cfg.Store.Driver {
	case config.DriverSQLite:
		return openSQLite(ctx, cfg)
	default:
		return openPostgres(ctx, cfg)
	}
}

func openPostgres(ctx context.Context, cfg *config.Config) (*Backend, error) {
	if cfg.Store.AutoMigrate {
		m, err := store.NewMigrator(cfg.Store.DatabaseURL)
		if err != nil {
			return nil, err
		}
		upErr := m.Up()
		closeErr := m.Close()
		if upErr != nil {
			return nil, upErr
		}
		if closeErr != nil {
			slog.Warn("error closing migrator", "error", closeErr)
		}
	}

	opts := store.DefaultPoolOptions()
	if cfg.Store.MaxConns > 0 {
		opts.MaxConns = cfg.Store.MaxConns
	}
	if cfg.Store.ConnectAttempts > 0 {
		opts.ConnectAttempts = cfg.Store.ConnectAttempts
	}
	pool, err := store.Connect(ctx, cfg.Store.DatabaseURL, opts)
	if err != nil {
		return nil, err
	}
	return &Backend{
		Store: postgres.NewCredentialStore(pool),
		Ping:  pool.Ping,
		Close: pool.Close,
	}, nil
}

func openSQLite(ctx context.Context, cfg *config.Config) (*Backend, error) {
	path := cfg.Store.SQLitePath
	if path == "" {
		dir, err := xdg.DataDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "identity.db")
	}
	if err := xdg.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}

	db, err := sqlite.Open("file:" + path)
	if err != nil {
		return nil, err
	}
	accounts := sqlite.NewCredentialStore(db)
	if err := accounts.CreateSchema(ctx); err != nil {
		_ = db.Close() //nolint:errcheck // schema error takes precedence
		return nil, err
	}
	return &Backend{
		Store: accounts,
		Ping:  db.PingContext,
		Close: func() {
			if err := db.Close(); err != nil {
				slog.Warn("error closing sqlite database", "error", err)
			}
		},
	}, nil
}

// openThrottleCounter shares failure counts through Redis when a URL is
// configured, so every replica sees the same lockout state.
func openThrottleCounter(ctx context.Context, cfg *config.Config) (auth.FailureCounter, func(), error) {
	if cfg.Redis.URL == "" {
		return auth.NewMemoryFailureCounter(), func() {}, nil
	}
	client, err := authredis.Connect(ctx, cfg.Redis.URL)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := client.Close(); err != nil {
			slog.Warn("error closing redis client", "error", err)
		}
	}
	return authredis.NewFailureCounter(client, cfg.Redis.Prefix), closeFn, nil
}

// monitorServerErrors cancels ctx when a server reports an error, so one
// failed listener shuts the whole process down.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
	}
}
