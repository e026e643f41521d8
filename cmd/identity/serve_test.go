// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhdcl/identity/internal/config"
	identitygrpc "github.com/nhdcl/identity/internal/grpc"
	identitytls "github.com/nhdcl/identity/internal/tls"
	"github.com/nhdcl/identity/internal/web"
	"github.com/nhdcl/identity/pkg/errutil"
)

const testSigningKey = "serve-test-signing-key-0123456789abcdef"

// restoreDefaultLogger undoes the slog.SetDefault performed by serve.
func restoreDefaultLogger(t *testing.T) {
	t.Helper()
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
}

func sqliteServeConfig(t *testing.T) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "identity.db")
	return writeConfig(t, fmt.Sprintf(`log:
  level: error
http:
  addr: 127.0.0.1:0
grpc:
  addr: 127.0.0.1:0
metrics:
  addr: ""
store:
  driver: sqlite
  sqlite_path: %s
auth:
  bcrypt_cost: 4
`, dbPath))
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw)) //nolint:noctx // test helper
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestServe_EndToEndWithSQLite(t *testing.T) {
	isolateConfig(t)
	t.Setenv("IDENTITY_JWT_SECRET", testSigningKey)
	configFile = sqliteServeConfig(t)
	restoreDefaultLogger(t)
	out := new(bytes.Buffer)

	cmd := NewServeCmd()
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan ServeAddrs, 1)
	done := make(chan error, 1)
	go func() {
		done <- runServeWithDeps(ctx, cmd, &ServeDeps{
			OnReady: func(addrs ServeAddrs) { ready <- addrs },
		})
	}()

	var addrs ServeAddrs
	select {
	case addrs = <-ready:
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not become ready")
	}
	require.NotEmpty(t, addrs.HTTP)
	require.NotEmpty(t, addrs.GRPC)
	assert.Empty(t, addrs.Metrics, "metrics listener disabled")

	base := "http://" + addrs.HTTP
	resp := postJSON(t, base+"/api/users", web.RegisterRequest{
		Email:    "serve@example.com",
		Password: "correct-horse",
		Name:     "Serve Test",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = postJSON(t, base+"/api/auth/login", web.LoginRequest{
		Email:    "serve@example.com",
		Password: "correct-horse",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var login web.LoginResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&login))
	require.NotEmpty(t, login.JWT)

	client, err := identitygrpc.NewClient(identitygrpc.ClientConfig{Address: addrs.GRPC})
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	rpcCtx, rpcCancel := context.WithTimeout(ctx, 5*time.Second)
	defer rpcCancel()
	serving, err := client.Serving(rpcCtx)
	require.NoError(t, err)
	assert.True(t, serving)

	claims, err := client.Introspect(rpcCtx, login.JWT)
	require.NoError(t, err)
	assert.Equal(t, "serve@example.com", claims.GetFields()["subject"].GetStringValue())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not shut down")
	}
	assert.Contains(t, out.String(), "Identity service started")
}

func TestServe_StopsOnSignal(t *testing.T) {
	isolateConfig(t)
	t.Setenv("IDENTITY_JWT_SECRET", testSigningKey)
	configFile = sqliteServeConfig(t)
	restoreDefaultLogger(t)

	cmd := NewServeCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)

	sigCh := make(chan os.Signal, 1)
	stopped := false
	done := make(chan error, 1)
	go func() {
		done <- runServeWithDeps(context.Background(), cmd, &ServeDeps{
			SignalSource: func() (<-chan os.Signal, func()) {
				return sigCh, func() { stopped = true }
			},
			OnReady: func(ServeAddrs) { sigCh <- os.Interrupt },
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not shut down on signal")
	}
	assert.True(t, stopped, "signal delivery is stopped on exit")
}

func TestServe_RequiresSigningKey(t *testing.T) {
	isolateConfig(t)
	configFile = sqliteServeConfig(t)
	restoreDefaultLogger(t)

	cmd := NewServeCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)

	err := runServeWithDeps(context.Background(), cmd, &ServeDeps{
		BackendOpener: func(context.Context, *config.Config) (*Backend, error) {
			t.Fatal("backend must not be opened with an invalid config")
			return nil, nil
		},
	})
	errutil.AssertErrorCode(t, err, "CONFIG_SIGNING_KEY_MISSING")
}

func TestServe_BackendErrorPropagates(t *testing.T) {
	isolateConfig(t)
	t.Setenv("IDENTITY_JWT_SECRET", testSigningKey)
	configFile = sqliteServeConfig(t)
	restoreDefaultLogger(t)

	cmd := NewServeCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)

	err := runServeWithDeps(context.Background(), cmd, &ServeDeps{
		BackendOpener: func(context.Context, *config.Config) (*Backend, error) {
			return nil, errors.New("database unavailable")
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database unavailable")
}

func TestServe_MetricsListenerReportsReadiness(t *testing.T) {
	isolateConfig(t)
	t.Setenv("IDENTITY_JWT_SECRET", testSigningKey)
	configFile = sqliteServeConfig(t)
	restoreDefaultLogger(t)

	cmd := NewServeCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	require.NoError(t, cmd.Flags().Set("metrics-addr", "127.0.0.1:0"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan ServeAddrs, 1)
	done := make(chan error, 1)
	go func() {
		done <- runServeWithDeps(ctx, cmd, &ServeDeps{
			OnReady: func(addrs ServeAddrs) { ready <- addrs },
		})
	}()

	var addrs ServeAddrs
	select {
	case addrs = <-ready:
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not become ready")
	}
	require.NotEmpty(t, addrs.Metrics)

	resp, err := http.Get("http://" + addrs.Metrics + "/healthz/readiness") //nolint:noctx // test helper
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	require.NoError(t, <-done)
}

func TestServe_GRPCOverTLS(t *testing.T) {
	isolateConfig(t)
	t.Setenv("IDENTITY_JWT_SECRET", testSigningKey)
	configHome := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", configHome)
	configFile = sqliteServeConfig(t)
	restoreDefaultLogger(t)

	cmd := NewServeCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	require.NoError(t, cmd.Flags().Set("grpc-tls", "true"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan ServeAddrs, 1)
	done := make(chan error, 1)
	go func() {
		done <- runServeWithDeps(ctx, cmd, &ServeDeps{
			OnReady: func(addrs ServeAddrs) { ready <- addrs },
		})
	}()

	var addrs ServeAddrs
	select {
	case addrs = <-ready:
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not become ready")
	}

	clientTLS, err := identitytls.LoadClientTLS(filepath.Join(configHome, "identity", "certs"), "localhost")
	require.NoError(t, err)
	client, err := identitygrpc.NewClient(identitygrpc.ClientConfig{Address: addrs.GRPC, TLSConfig: clientTLS})
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	rpcCtx, rpcCancel := context.WithTimeout(ctx, 5*time.Second)
	defer rpcCancel()
	serving, err := client.Serving(rpcCtx)
	require.NoError(t, err)
	assert.True(t, serving)

	cancel()
	require.NoError(t, <-done)
}
