// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import "errors"

// Sentinel errors forming the account error taxonomy. Callers match them with
// errors.Is; concrete failures wrap them with an oops code and context.
var (
	// ErrNotFound is returned when a requested account does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when an email or employee id is already bound.
	ErrConflict = errors.New("conflict")

	// ErrUnauthorized covers bad credentials, disabled accounts, bad OTPs and
	// invalid tokens. Its message never says which check failed.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrExpired is returned when an OTP is past its deadline.
	ErrExpired = errors.New("expired")

	// ErrDeliveryFailure is returned when a notification could not be sent.
	ErrDeliveryFailure = errors.New("delivery failed")

	// ErrInvalidInput is returned when caller-supplied values fail validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConfig marks unrecoverable configuration problems detected at boot.
	ErrConfig = errors.New("invalid configuration")
)
