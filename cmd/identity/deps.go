// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"os"

	"github.com/nhdcl/identity/internal/auth"
	"github.com/nhdcl/identity/internal/config"
	"github.com/nhdcl/identity/internal/observability"
)

// ServeDeps contains injectable dependencies for the serve command.
// All fields with nil values will use their default implementations.
type ServeDeps struct {
	// BackendOpener connects the credential store selected by the config.
	// Default: openBackend
	BackendOpener func(ctx context.Context, cfg *config.Config) (*Backend, error)

	// ThrottleCounterOpener returns the login failure counter.
	// Default: openThrottleCounter (redis when configured, else memory)
	ThrottleCounterOpener func(ctx context.Context, cfg *config.Config) (auth.FailureCounter, func(), error)

	// ObservabilityServerFactory creates an observability server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer

	// SignalSource delivers shutdown signals. The returned func stops delivery.
	// Default: signal.Notify on SIGINT and SIGTERM
	SignalSource func() (<-chan os.Signal, func())

	// OnReady is called once every listener is bound.
	OnReady func(addrs ServeAddrs)
}

// ServeAddrs are the bound listener addresses. Disabled listeners are "".
type ServeAddrs struct {
	HTTP    string
	GRPC    string
	Metrics string
}

// Backend is an opened credential store.
type Backend struct {
	Store auth.CredentialStore
	// Ping reports whether the database answers.
	Ping func(ctx context.Context) error
	// Close releases the database handle.
	Close func()
}

// ObservabilityServer interface wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
	Metrics() *observability.Metrics
}
