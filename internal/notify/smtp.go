// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/samber/oops"

	"github.com/nhdcl/identity/internal/auth"
	"github.com/nhdcl/identity/internal/observability"
	"github.com/nhdcl/identity/pkg/errutil"
)

// DefaultSendTimeout bounds a single delivery when the caller's context has
// no deadline.
const DefaultSendTimeout = 15 * time.Second

// SMTPConfig describes the mail relay.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// StartTLS upgrades the connection when the server offers it.
	StartTLS bool
}

// Addr returns host:port.
func (c SMTPConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Envelope is one outgoing message.
type Envelope struct {
	From string
	To   string
	Body []byte
}

// Sender transmits an envelope. The default dials the relay with net/smtp.
type Sender func(ctx context.Context, cfg SMTPConfig, env Envelope) error

// SMTPOption configures an SMTPNotifier.
type SMTPOption func(*SMTPNotifier)

// WithSender replaces the transport.
func WithSender(s Sender) SMTPOption {
	return func(n *SMTPNotifier) { n.send = s }
}

// WithSMTPLogger sets the logger.
func WithSMTPLogger(logger *slog.Logger) SMTPOption {
	return func(n *SMTPNotifier) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// SMTPNotifier delivers HTML email through an SMTP relay.
type SMTPNotifier struct {
	cfg     SMTPConfig
	send    Sender
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
}

// NewSMTPNotifier validates cfg and returns a notifier.
func NewSMTPNotifier(cfg SMTPConfig, opts ...SMTPOption) (*SMTPNotifier, error) {
	if cfg.Host == "" {
		return nil, oops.Code("NOTIFY_INVALID_CONFIG").Errorf("smtp host is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, oops.Code("NOTIFY_INVALID_CONFIG").With("port", cfg.Port).Errorf("smtp port out of range")
	}
	if _, err := mailAddress(cfg.From); err != nil {
		return nil, oops.Code("NOTIFY_INVALID_CONFIG").With("from", cfg.From).Wrap(err)
	}

	n := &SMTPNotifier{
		cfg:     cfg,
		send:    dialAndSend,
		logger:  slog.Default(),
		timeout: DefaultSendTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Deliver sends one message. Failures are logged and reported as false.
func (n *SMTPNotifier) Deliver(ctx context.Context, to, subject, html string) bool {
	body, err := n.compose(to, subject, html)
	if err == nil {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, n.timeout)
			defer cancel()
		}
		err = n.send(ctx, n.cfg, Envelope{From: n.cfg.From, To: to, Body: body})
	}

	observability.RecordNotification("smtp", err == nil)
	if err != nil {
		errutil.LogErrorContext(ctx, n.logger, "email delivery failed",
			oops.Code("NOTIFY_DELIVERY_FAILED").
				With("to", to).
				With("relay", n.cfg.Addr()).
				Wrap(joinDelivery(err)))
		return false
	}
	n.logger.DebugContext(ctx, "email delivered", "to", to, "subject", subject)
	return true
}

func joinDelivery(err error) error {
	return fmt.Errorf("%w: %w", auth.ErrDeliveryFailure, err)
}

// compose builds an RFC 5322 message with a single HTML part.
func (n *SMTPNotifier) compose(to, subject, html string) ([]byte, error) {
	if _, err := mailAddress(to); err != nil {
		return nil, oops.Code("NOTIFY_INVALID_RECIPIENT").Wrap(err)
	}
	if strings.ContainsAny(subject, "\r\n") {
		return nil, oops.Code("NOTIFY_INVALID_SUBJECT").Errorf("subject contains a line break")
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", n.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&b, "Date: %s\r\n", n.now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(strings.ReplaceAll(html, "\r\n", "\n"), "\n", "\r\n"))
	return b.Bytes(), nil
}

func mailAddress(addr string) (string, error) {
	if addr == "" || strings.ContainsAny(addr, "\r\n") || !strings.Contains(addr, "@") {
		return "", oops.With("address", addr).Errorf("invalid mail address")
	}
	return addr, nil
}

// dialAndSend runs one SMTP transaction, honouring ctx for the dial and the
// overall deadline.
func dialAndSend(ctx context.Context, cfg SMTPConfig, env Envelope) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", cfg.Addr())
	if err != nil {
		return oops.With("operation", "dial").Wrap(err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline) //nolint:errcheck // best effort on a fresh conn
	}

	client, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		_ = conn.Close()
		return oops.With("operation", "handshake").Wrap(err)
	}
	defer func() { _ = client.Close() }()

	if cfg.StartTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
				return oops.With("operation", "starttls").Wrap(err)
			}
		}
	}
	if cfg.Username != "" {
		if err := client.Auth(smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)); err != nil {
			return oops.With("operation", "auth").Wrap(err)
		}
	}
	if err := client.Mail(env.From); err != nil {
		return oops.With("operation", "mail from").Wrap(err)
	}
	if err := client.Rcpt(env.To); err != nil {
		return oops.With("operation", "rcpt to").Wrap(err)
	}
	w, err := client.Data()
	if err != nil {
		return oops.With("operation", "data").Wrap(err)
	}
	if _, err := w.Write(env.Body); err != nil {
		_ = w.Close()
		return oops.With("operation", "write body").Wrap(err)
	}
	if err := w.Close(); err != nil {
		return oops.With("operation", "end data").Wrap(err)
	}
	return client.Quit()
}

var _ auth.Notifier = (*SMTPNotifier)(nil)
