// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package notify

import (
	"embed"
	"time"

	"github.com/flosch/pongo2/v6"
	"github.com/samber/oops"

	"github.com/nhdcl/identity/internal/auth"
)

// Subjects of the messages rendered by Templates.
const (
	WelcomeSubject = "Welcome to your new account"
	OTPSubject     = "Your One-Time Password (OTP) for Secure Access"
)

// DefaultSender signs rendered messages when no sender name is configured.
const DefaultSender = "Identity Service"

//go:embed templates/*.html
var templateFS embed.FS

// Templates renders the welcome and OTP emails from embedded pongo2
// templates. It implements auth.MessageRenderer.
type Templates struct {
	welcome *pongo2.Template
	otp     *pongo2.Template
	sender  string
}

// NewTemplates parses the embedded templates. An empty sender uses
// DefaultSender.
func NewTemplates(sender string) (*Templates, error) {
	if sender == "" {
		sender = DefaultSender
	}
	set := pongo2.NewSet("notify", pongo2.NewFSLoader(templateFS))

	welcome, err := set.FromFile("templates/welcome.html")
	if err != nil {
		return nil, oops.Code("TEMPLATE_PARSE_FAILED").With("template", "welcome").Wrap(err)
	}
	otp, err := set.FromFile("templates/otp.html")
	if err != nil {
		return nil, oops.Code("TEMPLATE_PARSE_FAILED").With("template", "otp").Wrap(err)
	}
	return &Templates{welcome: welcome, otp: otp, sender: sender}, nil
}

// Welcome renders the account-created notice. The password is never part of
// the template context.
func (t *Templates) Welcome(account *auth.Account) (auth.Message, error) {
	html, err := t.welcome.Execute(pongo2.Context{
		"name":        account.Name,
		"email":       account.Email,
		"employee_id": account.EmployeeID,
		"role":        account.Role,
		"sender":      t.sender,
	})
	if err != nil {
		return auth.Message{}, oops.Code("TEMPLATE_RENDER_FAILED").
			With("template", "welcome").
			With("email", account.Email).
			Wrap(err)
	}
	return auth.Message{Subject: WelcomeSubject, HTML: html}, nil
}

// OTP renders the passcode notice.
func (t *Templates) OTP(email, code string, validFor time.Duration) (auth.Message, error) {
	html, err := t.otp.Execute(pongo2.Context{
		"email":   email,
		"code":    code,
		"minutes": int(validFor.Round(time.Minute) / time.Minute),
		"sender":  t.sender,
	})
	if err != nil {
		return auth.Message{}, oops.Code("TEMPLATE_RENDER_FAILED").
			With("template", "otp").
			With("email", email).
			Wrap(err)
	}
	return auth.Message{Subject: OTPSubject, HTML: html}, nil
}

var _ auth.MessageRenderer = (*Templates)(nil)
