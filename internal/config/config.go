// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package config loads the service configuration. Sources are layered in
// order: built-in defaults, the YAML file, environment secrets, then command
// line flags.
package config

import (
	"errors"
	"io/fs"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/nhdcl/identity/internal/auth"
	"github.com/nhdcl/identity/internal/xdg"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Redacted replaces secrets in Redact output.
const Redacted = "[REDACTED]"

// Config is the effective service configuration.
type Config struct {
	Log     LogConfig     `koanf:"log" yaml:"log"`
	HTTP    HTTPConfig    `koanf:"http" yaml:"http"`
	GRPC    GRPCConfig    `koanf:"grpc" yaml:"grpc"`
	Metrics MetricsConfig `koanf:"metrics" yaml:"metrics"`
	Store   StoreConfig   `koanf:"store" yaml:"store"`
	Redis   RedisConfig   `koanf:"redis" yaml:"redis"`
	Auth    AuthConfig    `koanf:"auth" yaml:"auth"`
	SMTP    SMTPConfig    `koanf:"smtp" yaml:"smtp"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `koanf:"level" yaml:"level"`
	Format string `koanf:"format" yaml:"format"`
}

// HTTPConfig controls the HTTP API listener.
type HTTPConfig struct {
	Addr         string `koanf:"addr" yaml:"addr"`
	SecureCookie bool   `koanf:"secure_cookie" yaml:"secure_cookie"`
}

// GRPCConfig controls the gRPC listener. An empty Addr disables it.
type GRPCConfig struct {
	Addr string `koanf:"addr" yaml:"addr"`
	// TLS serves with a certificate issued by a local CA kept in CertsDir.
	TLS bool `koanf:"tls" yaml:"tls"`
	// CertsDir defaults to XDG_CONFIG_HOME/identity/certs.
	CertsDir string `koanf:"certs_dir" yaml:"certs_dir"`
}

// MetricsConfig controls the metrics and health listener. An empty Addr
// disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr" yaml:"addr"`
}

// StoreConfig selects and tunes the credential store.
type StoreConfig struct {
	Driver          string `koanf:"driver" yaml:"driver"`
	DatabaseURL     string `koanf:"database_url" yaml:"database_url"`
	SQLitePath      string `koanf:"sqlite_path" yaml:"sqlite_path"`
	MaxConns        int32  `koanf:"max_conns" yaml:"max_conns"`
	ConnectAttempts uint64 `koanf:"connect_attempts" yaml:"connect_attempts"`
	AutoMigrate     bool   `koanf:"auto_migrate" yaml:"auto_migrate"`
}

// RedisConfig points the login throttle at a shared counter. An empty URL
// keeps the counter in process memory.
type RedisConfig struct {
	URL    string `koanf:"url" yaml:"url"`
	Prefix string `koanf:"prefix" yaml:"prefix"`
}

// AuthConfig tunes tokens, hashing and OTPs.
type AuthConfig struct {
	SigningKey       string        `koanf:"signing_key" yaml:"signing_key"`
	Issuer           string        `koanf:"issuer" yaml:"issuer"`
	TokenTTL         time.Duration `koanf:"token_ttl" yaml:"token_ttl"`
	BcryptCost       int           `koanf:"bcrypt_cost" yaml:"bcrypt_cost"`
	OTPExpiry        time.Duration `koanf:"otp_expiry" yaml:"otp_expiry"`
	OTPSweepInterval time.Duration `koanf:"otp_sweep_interval" yaml:"otp_sweep_interval"`
	LoginThrottle    bool          `koanf:"login_throttle" yaml:"login_throttle"`
}

// SMTPConfig describes the mail relay. An empty Host logs messages instead of
// sending them.
type SMTPConfig struct {
	Host     string `koanf:"host" yaml:"host"`
	Port     int    `koanf:"port" yaml:"port"`
	Username string `koanf:"username" yaml:"username"`
	Password string `koanf:"password" yaml:"password"`
	From     string `koanf:"from" yaml:"from"`
	StartTLS bool   `koanf:"starttls" yaml:"starttls"`
	// SenderName signs the email templates.
	SenderName string `koanf:"sender_name" yaml:"sender_name"`
}

// Defaults returns the built-in configuration.
func Defaults() map[string]any {
	return map[string]any{
		"log.level":               "info",
		"log.format":              "json",
		"http.addr":               ":8080",
		"http.secure_cookie":      true,
		"grpc.addr":               ":9090",
		"grpc.tls":                false,
		"metrics.addr":            ":9100",
		"store.driver":            DriverPostgres,
		"store.max_conns":         10,
		"store.connect_attempts":  5,
		"store.auto_migrate":      true,
		"redis.prefix":            "identity:",
		"auth.issuer":             "identity",
		"auth.token_ttl":          auth.TokenTTL,
		"auth.bcrypt_cost":        auth.DefaultBcryptCost,
		"auth.otp_expiry":         auth.OTPExpiry,
		"auth.otp_sweep_interval": time.Minute,
		"auth.login_throttle":     true,
		"smtp.port":               587,
		"smtp.starttls":           true,
		"smtp.sender_name":        "Identity Service",
	}
}

// envSecrets maps environment variables onto config keys. Secrets are only
// read from the environment or the file, never from flags.
var envSecrets = map[string]string{
	"DATABASE_URL":           "store.database_url",
	"IDENTITY_JWT_SECRET":    "auth.signing_key",
	"IDENTITY_SMTP_PASSWORD": "smtp.password",
	"REDIS_URL":              "redis.url",
}

// flagKeys maps command line flags onto config keys.
var flagKeys = map[string]string{
	"http-addr":    "http.addr",
	"grpc-addr":    "grpc.addr",
	"grpc-tls":     "grpc.tls",
	"metrics-addr": "metrics.addr",
	"log-level":    "log.level",
	"log-format":   "log.format",
	"store-driver": "store.driver",
	"sqlite-path":  "store.sqlite_path",
	"auto-migrate": "store.auto_migrate",
}

// RegisterFlags adds the overridable settings to flags. Flag defaults are
// empty so an unset flag never masks the file.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("http-addr", "", "HTTP API listen address")
	flags.String("grpc-addr", "", "gRPC listen address (empty disables)")
	flags.Bool("grpc-tls", false, "serve gRPC over TLS with a locally issued certificate")
	flags.String("metrics-addr", "", "metrics and health listen address (empty disables)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (json, text)")
	flags.String("store-driver", "", "credential store driver (postgres, sqlite)")
	flags.String("sqlite-path", "", "sqlite database file")
	flags.Bool("auto-migrate", false, "apply pending migrations on start")
}

// LoadOptions controls Load.
type LoadOptions struct {
	// Path is the YAML file. Empty means the XDG default, which may be absent.
	Path string
	// Flags overlays changed flags registered with RegisterFlags.
	Flags *pflag.FlagSet
	// Getenv reads the environment. Defaults to os.Getenv.
	Getenv func(string) string
}

func loadFailed(err error, source string) error {
	return oops.Code("CONFIG_LOAD_FAILED").With("source", source).Wrap(errors.Join(auth.ErrConfig, err))
}

// Load builds the configuration. It does not validate it.
func Load(opts LoadOptions) (*Config, error) {
	k := koanf.New(".")
	for key, val := range Defaults() {
		if err := k.Set(key, val); err != nil {
			return nil, loadFailed(err, "defaults")
		}
	}

	path, explicit := opts.Path, opts.Path != ""
	if !explicit {
		var err error
		if path, err = xdg.ConfigFile(); err != nil {
			return nil, loadFailed(err, "xdg")
		}
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, loadFailed(err, path)
		}
	}

	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	for env, key := range envSecrets {
		if v := getenv(env); v != "" {
			if err := k.Set(key, v); err != nil {
				return nil, loadFailed(err, env)
			}
		}
	}

	if opts.Flags != nil {
		provider := posflag.ProviderWithFlag(opts.Flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(opts.Flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, loadFailed(err, "flags")
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.Code("CONFIG_DECODE_FAILED").Wrap(errors.Join(auth.ErrConfig, err))
	}
	return &cfg, nil
}

func invalid(code, key string, format string, args ...any) error {
	return oops.Code(code).With("key", key).Wrapf(auth.ErrConfig, format, args...)
}

func validAddr(addr string) bool {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	n, err := strconv.Atoi(port)
	return err == nil && n >= 0 && n <= 65535
}

// Validate reports the first setting that would stop the service from
// running correctly.
func (c *Config) Validate() error {
	switch {
	case c.Auth.SigningKey == "":
		return invalid("CONFIG_SIGNING_KEY_MISSING", "auth.signing_key", "signing key is required (set IDENTITY_JWT_SECRET)")
	case len(c.Auth.SigningKey) < auth.MinSigningKeyBytes:
		return invalid("CONFIG_SIGNING_KEY_WEAK", "auth.signing_key", "signing key must be at least %d bytes", auth.MinSigningKeyBytes)
	case c.Auth.TokenTTL <= 0:
		return invalid("CONFIG_INVALID_DURATION", "auth.token_ttl", "token ttl must be positive")
	case c.Auth.OTPExpiry <= 0:
		return invalid("CONFIG_INVALID_DURATION", "auth.otp_expiry", "otp expiry must be positive")
	case c.Auth.OTPSweepInterval <= 0:
		return invalid("CONFIG_INVALID_DURATION", "auth.otp_sweep_interval", "otp sweep interval must be positive")
	case !validAddr(c.HTTP.Addr):
		return invalid("CONFIG_INVALID_ADDR", "http.addr", "invalid listen address %q", c.HTTP.Addr)
	case c.GRPC.Addr != "" && !validAddr(c.GRPC.Addr):
		return invalid("CONFIG_INVALID_ADDR", "grpc.addr", "invalid listen address %q", c.GRPC.Addr)
	case c.Metrics.Addr != "" && !validAddr(c.Metrics.Addr):
		return invalid("CONFIG_INVALID_ADDR", "metrics.addr", "invalid listen address %q", c.Metrics.Addr)
	}

	switch c.Store.Driver {
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			return invalid("CONFIG_DATABASE_URL_MISSING", "store.database_url", "database url is required (set DATABASE_URL)")
		}
	case DriverSQLite:
	default:
		return invalid("CONFIG_INVALID_DRIVER", "store.driver", "unknown store driver %q", c.Store.Driver)
	}

	if c.Redis.URL != "" {
		if _, err := url.Parse(c.Redis.URL); err != nil {
			return oops.Code("CONFIG_INVALID_REDIS_URL").With("key", "redis.url").Wrap(errors.Join(auth.ErrConfig, err))
		}
	}

	if c.SMTP.Host != "" {
		if c.SMTP.Port <= 0 || c.SMTP.Port > 65535 {
			return invalid("CONFIG_INVALID_SMTP", "smtp.port", "smtp port %d out of range", c.SMTP.Port)
		}
		if c.SMTP.From == "" {
			return invalid("CONFIG_INVALID_SMTP", "smtp.from", "smtp from address is required when smtp.host is set")
		}
	}
	return nil
}

func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Redacted
	}
	return u.Redacted()
}

// Redact returns a copy safe to print.
func (c Config) Redact() Config {
	if c.Auth.SigningKey != "" {
		c.Auth.SigningKey = Redacted
	}
	if c.SMTP.Password != "" {
		c.SMTP.Password = Redacted
	}
	c.Store.DatabaseURL = redactURL(c.Store.DatabaseURL)
	c.Redis.URL = redactURL(c.Redis.URL)
	return c
}
