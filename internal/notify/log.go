// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package notify

import (
	"context"
	"log/slog"

	"github.com/nhdcl/identity/internal/auth"
	"github.com/nhdcl/identity/internal/observability"
)

// LogNotifier writes messages to the log instead of sending them. It is the
// notifier used when no SMTP relay is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier. A nil logger uses slog.Default().
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Deliver logs the message and always succeeds.
func (n *LogNotifier) Deliver(ctx context.Context, to, subject, html string) bool {
	n.logger.InfoContext(ctx, "email not sent, no relay configured",
		"to", to,
		"subject", subject,
		"body", html)
	observability.RecordNotification("log", true)
	return true
}

var _ auth.Notifier = (*LogNotifier)(nil)
