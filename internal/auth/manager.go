// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/nhdcl/identity/internal/observability"
)

// Password policy for passwords set through the manager.
const (
	MinPasswordLength = 8
	MaxPasswordLength = 72
)

// RegisterInput is the data required to create an account.
type RegisterInput struct {
	Email    string
	Password string
	Profile  Profile
}

// Validate checks the registration payload.
func (in RegisterInput) Validate() error {
	if err := ValidateEmail(in.Email); err != nil {
		return err
	}
	return validatePassword(in.Password)
}

func validatePassword(password string) error {
	err := validation.Validate(password,
		validation.Required,
		// bcrypt truncates past 72 bytes, so the bound is in bytes.
		validation.Length(MinPasswordLength, MaxPasswordLength),
	)
	if err != nil {
		return oops.Code("ACCOUNT_INVALID_PASSWORD").
			With("min", MinPasswordLength).
			With("max", MaxPasswordLength).
			Wrap(errors.Join(ErrInvalidInput, err))
	}
	return nil
}

// LoginResult is returned by a successful login.
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	Account   *Account
}

// Dependencies are the collaborators a Manager requires.
type Dependencies struct {
	Store    CredentialStore
	Hasher   PasswordHasher
	Tokens   *TokenService
	Ledger   *OTPLedger
	Notifier Notifier
	Renderer MessageRenderer
}

// ManagerOption configures optional Manager behaviour.
type ManagerOption func(*Manager)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithThrottle enables login lockout.
func WithThrottle(t *LoginThrottle) ManagerOption {
	return func(m *Manager) { m.throttle = t }
}

// Manager runs account lifecycle and recovery operations. All state changes
// for one email are serialized, so a reclaim and a concurrent registration
// for the same address cannot interleave.
type Manager struct {
	store    CredentialStore
	hasher   PasswordHasher
	tokens   *TokenService
	ledger   *OTPLedger
	notifier Notifier
	renderer MessageRenderer
	throttle *LoginThrottle
	logger   *slog.Logger
	locks    *keyedMutex

	dummyOnce sync.Once
	dummyHash string
}

// NewManager creates a Manager after checking every required dependency.
func NewManager(deps Dependencies, opts ...ManagerOption) (*Manager, error) {
	switch {
	case deps.Store == nil:
		return nil, oops.Code("MANAGER_INVALID_CONFIG").Errorf("credential store is required")
	case deps.Hasher == nil:
		return nil, oops.Code("MANAGER_INVALID_CONFIG").Errorf("password hasher is required")
	case deps.Tokens == nil:
		return nil, oops.Code("MANAGER_INVALID_CONFIG").Errorf("token service is required")
	case deps.Ledger == nil:
		return nil, oops.Code("MANAGER_INVALID_CONFIG").Errorf("otp ledger is required")
	case deps.Notifier == nil:
		return nil, oops.Code("MANAGER_INVALID_CONFIG").Errorf("notifier is required")
	case deps.Renderer == nil:
		return nil, oops.Code("MANAGER_INVALID_CONFIG").Errorf("message renderer is required")
	}

	m := &Manager{
		store:    deps.Store,
		hasher:   deps.Hasher,
		tokens:   deps.Tokens,
		ledger:   deps.Ledger,
		notifier: deps.Notifier,
		renderer: deps.Renderer,
		logger:   slog.Default(),
		locks:    newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// outcome maps an operation error to a metrics label.
func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrExpired):
		return "rejected"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidInput):
		return "invalid"
	default:
		return "error"
	}
}

func invalidCredentials() error {
	return oops.Code("AUTH_INVALID_CREDENTIALS").Wrapf(ErrUnauthorized, "invalid email or password")
}

// timingHash returns a hash for a throwaway password. Verifying against it
// makes a login for an unknown email cost the same as a real one.
func (m *Manager) timingHash() string {
	m.dummyOnce.Do(func() {
		buf := make([]byte, 16)
		_, _ = rand.Read(buf) //nolint:errcheck // crypto/rand does not fail on supported platforms
		hash, err := m.hasher.Hash(hex.EncodeToString(buf))
		if err != nil {
			m.logger.Warn("failed to prepare timing hash", "error", err)
			return
		}
		m.dummyHash = hash
	})
	return m.dummyHash
}

// findByEmail returns the account or nil when absent.
func (m *Manager) findByEmail(ctx context.Context, email string) (*Account, error) {
	acc, err := m.store.FindByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return acc, nil
}

// Register creates an active account for the email. An active account with
// the same email is a conflict; a disabled one is replaced in the same
// store transaction so its email can be reused. The welcome email is best
// effort.
func (m *Manager) Register(ctx context.Context, in RegisterInput) (_ *Account, err error) {
	defer func() { observability.RecordRegistration(outcome(err)) }()

	if err := in.Validate(); err != nil {
		return nil, err
	}
	// Stored employee ids are trimmed, so the uniqueness check must be too.
	in.Profile.EmployeeID = strings.TrimSpace(in.Profile.EmployeeID)

	unlock := m.locks.Lock(in.Email)
	defer unlock()

	existing, err := m.findByEmail(ctx, in.Email)
	if err != nil {
		return nil, oops.Code("ACCOUNT_REGISTER_FAILED").
			With("operation", "find by email").
			With("email", in.Email).
			Wrap(err)
	}

	state := StateOf(existing)
	if state == StateActive {
		return nil, oops.Code("ACCOUNT_EMAIL_TAKEN").
			With("email", in.Email).
			Wrapf(ErrConflict, "email is already in use")
	}

	// The record being reclaimed releases its own employee id.
	if id := in.Profile.EmployeeID; id != "" && (existing == nil || existing.EmployeeID != id) {
		taken, err := m.store.ExistsByEmployeeID(ctx, id)
		if err != nil {
			return nil, oops.Code("ACCOUNT_REGISTER_FAILED").
				With("operation", "check employee id").
				With("employee_id", id).
				Wrap(err)
		}
		if taken {
			return nil, oops.Code("ACCOUNT_EMPLOYEE_ID_TAKEN").
				With("employee_id", id).
				Wrapf(ErrConflict, "employee id is already in use")
		}
	}

	hash, err := m.hasher.Hash(in.Password)
	if err != nil {
		return nil, oops.Code("ACCOUNT_REGISTER_FAILED").
			With("operation", "hash password").
			Wrap(err)
	}

	account, err := NewAccount(in.Email, hash, in.Profile)
	if err != nil {
		return nil, err
	}

	if state == StateDisabled {
		if err := m.store.Reclaim(ctx, existing.ID, account); err != nil {
			return nil, oops.Code("ACCOUNT_REGISTER_FAILED").
				With("operation", "reclaim disabled account").
				With("id", existing.ID.String()).
				Wrap(err)
		}
		m.logger.InfoContext(ctx, "reclaimed disabled account",
			"email", in.Email,
			"previous_id", existing.ID.String())
	} else if err := m.store.Save(ctx, account); err != nil {
		return nil, oops.Code("ACCOUNT_REGISTER_FAILED").
			With("operation", "save account").
			With("email", in.Email).
			Wrap(err)
	}

	m.sendWelcome(ctx, account)
	return account, nil
}

func (m *Manager) sendWelcome(ctx context.Context, account *Account) {
	msg, err := m.renderer.Welcome(account)
	if err != nil {
		m.logger.WarnContext(ctx, "failed to render welcome notification",
			"email", account.Email,
			"error", err)
		return
	}
	if !m.notifier.Deliver(ctx, account.Email, msg.Subject, msg.HTML) {
		m.logger.WarnContext(ctx, "welcome notification not delivered",
			"email", account.Email,
			"error", ErrDeliveryFailure)
	}
}

// lockByID loads the account and takes its email lock. The caller must call
// the returned release func.
func (m *Manager) lockByID(ctx context.Context, id ulid.ULID) (*Account, func(), error) {
	acc, err := m.store.FindByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return acc, m.locks.Lock(acc.Email), nil
}

// SoftDelete disables the account, keeping the record.
func (m *Manager) SoftDelete(ctx context.Context, id ulid.ULID) error {
	exists, err := m.store.ExistsByID(ctx, id)
	if err != nil {
		return oops.Code("ACCOUNT_UPDATE_FAILED").With("id", id.String()).Wrap(err)
	}
	if !exists {
		return oops.Code("ACCOUNT_NOT_FOUND").With("id", id.String()).Wrap(ErrNotFound)
	}
	if err := m.setEnabled(ctx, id, false); err != nil {
		return oops.With("operation", "soft delete").Wrap(err)
	}
	return nil
}

// SetEnabled toggles the enabled flag.
func (m *Manager) SetEnabled(ctx context.Context, id ulid.ULID, enabled bool) error {
	if err := m.setEnabled(ctx, id, enabled); err != nil {
		return oops.With("operation", "set enabled").Wrap(err)
	}
	return nil
}

func (m *Manager) setEnabled(ctx context.Context, id ulid.ULID, enabled bool) error {
	acc, unlock, err := m.lockByID(ctx, id)
	if err != nil {
		return m.wrapLookup(err, "ACCOUNT_UPDATE_FAILED", id)
	}
	defer unlock()

	if err := m.store.UpdateField(ctx, id, FieldEnabled, enabled); err != nil {
		return m.wrapLookup(err, "ACCOUNT_UPDATE_FAILED", id)
	}
	m.logger.InfoContext(ctx, "account enabled flag changed",
		"id", id.String(),
		"email", acc.Email,
		"enabled", enabled)
	return nil
}

// wrapLookup keeps ErrNotFound visible and tags other failures with code.
func (m *Manager) wrapLookup(err error, code string, id ulid.ULID) error {
	if errors.Is(err, ErrNotFound) {
		return oops.Code("ACCOUNT_NOT_FOUND").With("id", id.String()).Wrap(err)
	}
	return oops.Code(code).With("id", id.String()).Wrap(err)
}

// Purge permanently deletes an account.
func (m *Manager) Purge(ctx context.Context, id ulid.ULID) error {
	_, unlock, err := m.lockByID(ctx, id)
	if err != nil {
		return m.wrapLookup(err, "ACCOUNT_DELETE_FAILED", id)
	}
	defer unlock()

	if err := m.store.DeleteByID(ctx, id); err != nil {
		return m.wrapLookup(err, "ACCOUNT_DELETE_FAILED", id)
	}
	return nil
}

// UpdateImage replaces the avatar URL.
func (m *Manager) UpdateImage(ctx context.Context, id ulid.ULID, imageURL string) error {
	if err := validation.Validate(imageURL, validation.Length(0, 2048)); err != nil {
		return oops.Code("ACCOUNT_INVALID_IMAGE").Wrap(errors.Join(ErrInvalidInput, err))
	}
	if err := m.store.UpdateField(ctx, id, FieldImage, imageURL); err != nil {
		return m.wrapLookup(err, "ACCOUNT_UPDATE_FAILED", id)
	}
	return nil
}

// Login verifies credentials and issues a session token. Unknown emails,
// disabled accounts, wrong passwords and locked out accounts all produce the
// same error.
func (m *Manager) Login(ctx context.Context, email, password string) (_ *LoginResult, err error) {
	defer func() { observability.RecordLogin(outcome(err)) }()

	account, lookupErr := m.findByEmail(ctx, email)
	if lookupErr != nil {
		return nil, oops.Code("AUTH_LOGIN_FAILED").
			With("operation", "find by email").
			Wrap(lookupErr)
	}

	exists := account != nil
	var target string
	if exists {
		target = account.PasswordHash
	} else {
		target = m.timingHash()
	}

	// Always verify so both branches take the same time.
	valid, verifyErr := m.hasher.Verify(password, target)
	if verifyErr != nil {
		if !exists {
			return nil, invalidCredentials()
		}
		return nil, oops.Code("AUTH_LOGIN_FAILED").
			With("operation", "verify password").
			Wrap(verifyErr)
	}

	if !exists || !valid {
		if exists {
			m.recordFailure(ctx, email)
		}
		return nil, invalidCredentials()
	}

	if !account.Enabled {
		m.logger.InfoContext(ctx, "login rejected for disabled account", "email", email)
		return nil, invalidCredentials()
	}

	if m.lockedOut(ctx, email) {
		return nil, invalidCredentials()
	}

	m.recordSuccess(ctx, email)

	if m.hasher.NeedsUpgrade(account.PasswordHash) {
		m.upgradeHash(ctx, account, password)
	}

	token, err := m.tokens.Issue(account)
	if err != nil {
		return nil, oops.Code("AUTH_LOGIN_FAILED").
			With("operation", "issue token").
			Wrap(err)
	}

	return &LoginResult{
		Token:     token,
		ExpiresAt: m.tokens.now().Add(m.tokens.TTL()),
		Account:   account,
	}, nil
}

func (m *Manager) recordFailure(ctx context.Context, email string) {
	if m.throttle == nil {
		return
	}
	result, err := m.throttle.Failure(ctx, email)
	if err != nil {
		m.logger.WarnContext(ctx, "failed to record login failure", "email", email, "error", err)
		return
	}
	if result.IsLockedOut {
		m.logger.WarnContext(ctx, "account locked after repeated login failures",
			"email", email,
			"failures", result.Failures)
	}
}

// upgradeHash rehashes at the current cost. Login succeeds regardless.
func (m *Manager) upgradeHash(ctx context.Context, account *Account, password string) {
	upgraded, err := m.hasher.Hash(password)
	if err == nil {
		err = m.store.UpdateField(ctx, account.ID, FieldPassword, upgraded)
	}
	if err != nil {
		m.logger.WarnContext(ctx, "failed to upgrade password hash",
			"account_id", account.ID.String(), "error", err)
	}
}

func (m *Manager) recordSuccess(ctx context.Context, email string) {
	if m.throttle == nil {
		return
	}
	if err := m.throttle.Success(ctx, email); err != nil {
		m.logger.WarnContext(ctx, "failed to reset login failures", "email", email, "error", err)
	}
}

// lockedOut fails open when the throttle backend is unavailable.
func (m *Manager) lockedOut(ctx context.Context, email string) bool {
	if m.throttle == nil {
		return false
	}
	result, err := m.throttle.Check(ctx, email)
	if err != nil {
		m.logger.WarnContext(ctx, "login throttle unavailable", "email", email, "error", err)
		return false
	}
	if result.IsLockedOut {
		m.logger.InfoContext(ctx, "login rejected for locked account", "email", email)
	}
	return result.IsLockedOut
}

// ForgotPassword issues an OTP and emails it. It returns false when the
// email has no active account or the email could not be delivered.
func (m *Manager) ForgotPassword(ctx context.Context, email string) (bool, error) {
	account, err := m.findByEmail(ctx, email)
	if err != nil {
		return false, oops.Code("RESET_REQUEST_FAILED").
			With("operation", "find by email").
			Wrap(err)
	}
	if StateOf(account) != StateActive {
		m.logger.InfoContext(ctx, "password recovery requested for unknown email", "email", email)
		return false, nil
	}

	code, err := m.ledger.Generate(email)
	if err != nil {
		return false, oops.Code("RESET_REQUEST_FAILED").
			With("operation", "generate otp").
			Wrap(err)
	}

	msg, err := m.renderer.OTP(email, code, m.ledger.expiry)
	if err != nil {
		m.ledger.Consume(email)
		return false, oops.Code("RESET_REQUEST_FAILED").
			With("operation", "render otp").
			Wrap(err)
	}

	if !m.notifier.Deliver(ctx, email, msg.Subject, msg.HTML) {
		// An undelivered code is useless to the user.
		m.ledger.Consume(email)
		observability.RecordOTPEvent("discarded")
		m.logger.WarnContext(ctx, "otp notification not delivered",
			"email", email,
			"error", ErrDeliveryFailure)
		return false, nil
	}
	observability.RecordOTPEvent("issued")
	return true, nil
}

// ResendOTP replaces any outstanding OTP with a fresh one.
func (m *Manager) ResendOTP(ctx context.Context, email string) (bool, error) {
	return m.ForgotPassword(ctx, email)
}

// VerifyOTP checks a passcode without consuming it.
func (m *Manager) VerifyOTP(_ context.Context, email, code string) error {
	if err := m.ledger.Validate(email, code); err != nil {
		observability.RecordOTPEvent(outcome(err))
		return err
	}
	observability.RecordOTPEvent("verified")
	return nil
}

// ResetPassword sets a new password once the OTP validates, then consumes
// the OTP so it cannot be replayed.
func (m *Manager) ResetPassword(ctx context.Context, email, code, newPassword string) error {
	if err := validatePassword(newPassword); err != nil {
		return err
	}

	unlock := m.locks.Lock(email)
	defer unlock()

	if err := m.ledger.Validate(email, code); err != nil {
		return err
	}

	account, err := m.store.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return oops.Code("ACCOUNT_NOT_FOUND").With("email", email).Wrap(err)
		}
		return oops.Code("RESET_PASSWORD_FAILED").
			With("operation", "find by email").
			Wrap(err)
	}

	hash, err := m.hasher.Hash(newPassword)
	if err != nil {
		return oops.Code("RESET_PASSWORD_FAILED").
			With("operation", "hash password").
			Wrap(err)
	}

	if err := m.store.UpdateField(ctx, account.ID, FieldPassword, hash); err != nil {
		return oops.Code("RESET_PASSWORD_FAILED").
			With("operation", "update password").
			With("id", account.ID.String()).
			Wrap(err)
	}

	m.ledger.Consume(email)
	observability.RecordOTPEvent("consumed")
	m.logger.InfoContext(ctx, "password reset", "email", email)
	return nil
}

// ChangePassword replaces the password after verifying the current one.
func (m *Manager) ChangePassword(ctx context.Context, email, oldPassword, newPassword string) error {
	if err := validatePassword(newPassword); err != nil {
		return err
	}

	unlock := m.locks.Lock(email)
	defer unlock()

	account, err := m.store.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return oops.Code("ACCOUNT_NOT_FOUND").With("email", email).Wrap(err)
		}
		return oops.Code("CHANGE_PASSWORD_FAILED").
			With("operation", "find by email").
			Wrap(err)
	}
	if !account.Enabled {
		return oops.Code("ACCOUNT_DISABLED").With("email", email).Wrapf(ErrUnauthorized, "account is disabled")
	}

	valid, err := m.hasher.Verify(oldPassword, account.PasswordHash)
	if err != nil {
		return oops.Code("CHANGE_PASSWORD_FAILED").
			With("operation", "verify password").
			Wrap(err)
	}
	if !valid {
		return oops.Code("AUTH_OLD_PASSWORD_INCORRECT").
			With("email", email).
			Wrapf(ErrUnauthorized, "old password is incorrect")
	}

	hash, err := m.hasher.Hash(newPassword)
	if err != nil {
		return oops.Code("CHANGE_PASSWORD_FAILED").
			With("operation", "hash password").
			Wrap(err)
	}
	if err := m.store.UpdateField(ctx, account.ID, FieldPassword, hash); err != nil {
		return oops.Code("CHANGE_PASSWORD_FAILED").
			With("operation", "update password").
			With("id", account.ID.String()).
			Wrap(err)
	}
	return nil
}

// Get returns an account by ID.
func (m *Manager) Get(ctx context.Context, id ulid.ULID) (*Account, error) {
	acc, err := m.store.FindByID(ctx, id)
	if err != nil {
		return nil, m.wrapLookup(err, "ACCOUNT_GET_FAILED", id)
	}
	return acc, nil
}

// GetByEmail returns an account by email.
func (m *Manager) GetByEmail(ctx context.Context, email string) (*Account, error) {
	acc, err := m.store.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, oops.Code("ACCOUNT_NOT_FOUND").With("email", email).Wrap(err)
		}
		return nil, oops.Code("ACCOUNT_GET_FAILED").With("email", email).Wrap(err)
	}
	return acc, nil
}

// ListActive returns every enabled account.
func (m *Manager) ListActive(ctx context.Context) ([]*Account, error) {
	accounts, err := m.store.ListEnabled(ctx)
	if err != nil {
		return nil, oops.Code("ACCOUNT_LIST_FAILED").Wrap(err)
	}
	return accounts, nil
}

// EmailTaken reports whether an active account holds the email. A disabled
// account does not count since registration would reclaim it.
func (m *Manager) EmailTaken(ctx context.Context, email string) (bool, error) {
	acc, err := m.findByEmail(ctx, email)
	if err != nil {
		return false, oops.Code("ACCOUNT_GET_FAILED").With("email", email).Wrap(err)
	}
	return StateOf(acc) == StateActive, nil
}

// EmployeeIDTaken reports whether any account holds the employee id.
func (m *Manager) EmployeeIDTaken(ctx context.Context, employeeID string) (bool, error) {
	taken, err := m.store.ExistsByEmployeeID(ctx, employeeID)
	if err != nil {
		return false, oops.Code("ACCOUNT_GET_FAILED").With("employee_id", employeeID).Wrap(err)
	}
	return taken, nil
}
