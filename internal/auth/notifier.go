// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"time"
)

// Notifier delivers an HTML email. It reports success as a bool; transport
// details are logged by the implementation.
type Notifier interface {
	Deliver(ctx context.Context, to, subject, html string) bool
}

// Message is a rendered email.
type Message struct {
	Subject string
	HTML    string
}

// MessageRenderer produces the emails the manager sends.
type MessageRenderer interface {
	// Welcome renders the account-created notice. It must not include the password.
	Welcome(account *Account) (Message, error)

	// OTP renders the passcode notice with its validity window.
	OTP(email, code string, validFor time.Duration) (Message, error)
}
