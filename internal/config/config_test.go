// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhdcl/identity/internal/auth"
	"github.com/nhdcl/identity/internal/config"
	"github.com/nhdcl/identity/pkg/errutil"
)

const testKey = "0123456789abcdef0123456789abcdef"

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := config.Load(config.LoadOptions{Getenv: env(nil)})
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.True(t, cfg.HTTP.SecureCookie)
	assert.Equal(t, config.DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, auth.TokenTTL, cfg.Auth.TokenTTL)
	assert.Equal(t, auth.OTPExpiry, cfg.Auth.OTPExpiry)
	assert.Equal(t, auth.DefaultBcryptCost, cfg.Auth.BcryptCost)
	assert.Equal(t, 587, cfg.SMTP.Port)
	assert.False(t, cfg.GRPC.TLS)
	assert.Empty(t, cfg.Auth.SigningKey)
}

func TestLoad_DefaultFileFromXDG(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "identity"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "identity", "config.yaml"),
		[]byte("http:\n  addr: \":7000\"\n"), 0o600))

	cfg, err := config.Load(config.LoadOptions{Getenv: env(nil)})
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.HTTP.Addr)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
log:
  level: debug
store:
  driver: sqlite
  sqlite_path: /var/lib/identity/identity.db
auth:
  token_ttl: 1h
  otp_expiry: 10m
smtp:
  host: smtp.example.com
  from: noreply@example.com
`)

	cfg, err := config.Load(config.LoadOptions{Path: path, Getenv: env(nil)})
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format, "untouched keys keep defaults")
	assert.Equal(t, config.DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "/var/lib/identity/identity.db", cfg.Store.SQLitePath)
	assert.Equal(t, time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, 10*time.Minute, cfg.Auth.OTPExpiry)
	assert.Equal(t, "smtp.example.com", cfg.SMTP.Host)
}

func TestLoad_MissingExplicitFileFails(t *testing.T) {
	_, err := config.Load(config.LoadOptions{Path: filepath.Join(t.TempDir(), "nope.yaml"), Getenv: env(nil)})
	require.Error(t, err)
	assert.ErrorIs(t, err, auth.ErrConfig)
	errutil.AssertErrorCode(t, err, "CONFIG_LOAD_FAILED")
}

func TestLoad_MalformedFileFails(t *testing.T) {
	path := writeFile(t, "http: [unclosed\n")
	_, err := config.Load(config.LoadOptions{Path: path, Getenv: env(nil)})
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "CONFIG_LOAD_FAILED")
}

func TestLoad_EnvSecretsOverlayFile(t *testing.T) {
	path := writeFile(t, "store:\n  database_url: postgres://file@db/identity\n")

	cfg, err := config.Load(config.LoadOptions{Path: path, Getenv: env(map[string]string{
		"DATABASE_URL":           "postgres://env@db/identity",
		"IDENTITY_JWT_SECRET":    testKey,
		"IDENTITY_SMTP_PASSWORD": "mail-secret",
		"REDIS_URL":              "redis://cache:6379/0",
	})})
	require.NoError(t, err)

	assert.Equal(t, "postgres://env@db/identity", cfg.Store.DatabaseURL)
	assert.Equal(t, testKey, cfg.Auth.SigningKey)
	assert.Equal(t, "mail-secret", cfg.SMTP.Password)
	assert.Equal(t, "redis://cache:6379/0", cfg.Redis.URL)
}

func TestLoad_FlagsWinWhenChanged(t *testing.T) {
	path := writeFile(t, "http:\n  addr: \":7000\"\ngrpc:\n  addr: \":7001\"\n")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	config.RegisterFlags(flags)
	require.NoError(t, flags.Parse([]string{"--http-addr", ":9000", "--store-driver", "sqlite", "--auto-migrate=false", "--grpc-tls"}))

	cfg, err := config.Load(config.LoadOptions{Path: path, Flags: flags, Getenv: env(nil)})
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.HTTP.Addr)
	assert.Equal(t, ":7001", cfg.GRPC.Addr, "unchanged flags do not mask the file")
	assert.Equal(t, config.DriverSQLite, cfg.Store.Driver)
	assert.False(t, cfg.Store.AutoMigrate)
	assert.True(t, cfg.GRPC.TLS)
}

func validConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg, err := config.Load(config.LoadOptions{Getenv: env(map[string]string{
		"DATABASE_URL":        "postgres://identity:pw@db:5432/identity",
		"IDENTITY_JWT_SECRET": testKey,
	})})
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		code   string
	}{
		{"missing signing key", func(c *config.Config) { c.Auth.SigningKey = "" }, "CONFIG_SIGNING_KEY_MISSING"},
		{"weak signing key", func(c *config.Config) { c.Auth.SigningKey = "short" }, "CONFIG_SIGNING_KEY_WEAK"},
		{"zero token ttl", func(c *config.Config) { c.Auth.TokenTTL = 0 }, "CONFIG_INVALID_DURATION"},
		{"zero otp expiry", func(c *config.Config) { c.Auth.OTPExpiry = 0 }, "CONFIG_INVALID_DURATION"},
		{"bad http addr", func(c *config.Config) { c.HTTP.Addr = "nonsense" }, "CONFIG_INVALID_ADDR"},
		{"bad grpc addr", func(c *config.Config) { c.GRPC.Addr = "host:99999" }, "CONFIG_INVALID_ADDR"},
		{"postgres without url", func(c *config.Config) { c.Store.DatabaseURL = "" }, "CONFIG_DATABASE_URL_MISSING"},
		{"unknown driver", func(c *config.Config) { c.Store.Driver = "mongo" }, "CONFIG_INVALID_DRIVER"},
		{"smtp without from", func(c *config.Config) { c.SMTP.Host = "smtp.example.com" }, "CONFIG_INVALID_SMTP"},
		{"smtp bad port", func(c *config.Config) {
			c.SMTP.Host, c.SMTP.From, c.SMTP.Port = "smtp.example.com", "noreply@example.com", 0
		}, "CONFIG_INVALID_SMTP"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, auth.ErrConfig)
			errutil.AssertErrorCode(t, err, tt.code)
		})
	}
}

func TestValidate_AcceptsOptionalListenersDisabled(t *testing.T) {
	cfg := validConfig(t)
	cfg.GRPC.Addr = ""
	cfg.Metrics.Addr = ""
	assert.NoError(t, cfg.Validate())
}

func TestValidate_SQLiteNeedsNoURL(t *testing.T) {
	cfg := validConfig(t)
	cfg.Store.Driver = config.DriverSQLite
	cfg.Store.DatabaseURL = ""
	assert.NoError(t, cfg.Validate())
}

func TestRedact(t *testing.T) {
	cfg := validConfig(t)
	cfg.SMTP.Password = "mail-secret"
	cfg.Redis.URL = "redis://:cachepw@cache:6379/0"

	out := cfg.Redact()

	assert.Equal(t, config.Redacted, out.Auth.SigningKey)
	assert.Equal(t, config.Redacted, out.SMTP.Password)
	assert.False(t, strings.Contains(out.Store.DatabaseURL, ":pw@"), "database password hidden: %s", out.Store.DatabaseURL)
	assert.Contains(t, out.Store.DatabaseURL, "db:5432/identity")
	assert.NotContains(t, out.Redis.URL, "cachepw")
	assert.Equal(t, testKey, cfg.Auth.SigningKey, "original is untouched")
}
