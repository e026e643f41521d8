// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package auth provides the account authentication and recovery engine.
//
// # Domain Types
//
// Account is the identity record. New accounts should be built with
// NewAccount, which validates the email and normalizes optional fields.
// AccountState (None, Active, Disabled) is derived from an account and is the
// only state the lifecycle manager reasons about.
//
// # Components
//
//   - TokenService - issues and validates signed session tokens
//   - OTPLedger - in-memory one-time passcodes with a hard expiry
//   - PasswordHasher - bcrypt hashing and verification
//   - LoginThrottle - failure counting and temporary lockout
//   - Manager - registration, soft delete, login and password recovery
//
// Collaborators are consumed through narrow interfaces: CredentialStore for
// persistence, Notifier for email delivery and MessageRenderer for email
// content. Implementations live in sub-packages and in internal/notify.
//
// Components are created with New* constructors that validate dependencies.
package auth
