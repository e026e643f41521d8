// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Profile length limits.
const (
	MaxEmailLength      = 254
	MaxNameLength       = 200
	MaxEmployeeIDLength = 64
)

// UnknownAuthority is granted to accounts that carry no role.
const UnknownAuthority = "ROLE_UNKNOWN"

// AccountState is the lifecycle state of the identity bound to an email.
type AccountState int

// Account states.
const (
	// StateNone means no record exists for the email.
	StateNone AccountState = iota
	// StateActive means an enabled record exists.
	StateActive
	// StateDisabled means a soft-deleted record exists and may be reclaimed.
	StateDisabled
)

// String returns the state name.
func (s AccountState) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateActive:
		return "ACTIVE"
	case StateDisabled:
		return "DISABLED"
	default:
		return "UNKNOWN"
	}
}

// StateOf derives the lifecycle state of a possibly nil account.
func StateOf(a *Account) AccountState {
	switch {
	case a == nil:
		return StateNone
	case a.Enabled:
		return StateActive
	default:
		return StateDisabled
	}
}

// Account is an identity record.
type Account struct {
	ID           ulid.ULID
	Email        string
	PasswordHash string
	Enabled      bool
	Name         string
	EmployeeID   string
	AcademyID    string
	DepartmentID string
	RoleID       string
	Role         string
	Image        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Profile carries the non-credential fields supplied at registration.
type Profile struct {
	Name         string
	EmployeeID   string
	AcademyID    string
	DepartmentID string
	RoleID       string
	Role         string
	Image        string
}

// NewAccount creates a validated, enabled Account.
// The password hash must already be computed; plaintext never reaches this type.
func NewAccount(email, passwordHash string, profile Profile) (*Account, error) {
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}
	if passwordHash == "" {
		return nil, oops.Code("ACCOUNT_INVALID_HASH").Wrapf(ErrInvalidInput, "password hash cannot be empty")
	}
	if err := validation.Validate(profile.Name, validation.Length(0, MaxNameLength)); err != nil {
		return nil, oops.Code("ACCOUNT_INVALID_NAME").With("max", MaxNameLength).Wrap(errors.Join(ErrInvalidInput, err))
	}
	if err := validation.Validate(profile.EmployeeID, validation.Length(0, MaxEmployeeIDLength)); err != nil {
		return nil, oops.Code("ACCOUNT_INVALID_EMPLOYEE_ID").With("max", MaxEmployeeIDLength).Wrap(errors.Join(ErrInvalidInput, err))
	}

	now := time.Now()
	return &Account{
		ID:           ulid.Make(),
		Email:        email,
		PasswordHash: passwordHash,
		Enabled:      true,
		Name:         strings.TrimSpace(profile.Name),
		EmployeeID:   strings.TrimSpace(profile.EmployeeID),
		AcademyID:    profile.AcademyID,
		DepartmentID: profile.DepartmentID,
		RoleID:       profile.RoleID,
		Role:         profile.Role,
		Image:        profile.Image,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// ValidateEmail checks that email is present, bounded and well formed.
// Emails are compared exactly as stored; no case folding is applied.
func ValidateEmail(email string) error {
	err := validation.Validate(email,
		validation.Required,
		validation.Length(3, MaxEmailLength),
		is.Email,
	)
	if err != nil {
		return oops.Code("ACCOUNT_INVALID_EMAIL").With("email", email).Wrap(errors.Join(ErrInvalidInput, err))
	}
	return nil
}

// Principal is the authenticated identity exposed to authorization checks.
type Principal interface {
	// Identity returns the email the principal authenticated as.
	Identity() string

	// Authorities returns granted authorities such as ROLE_ADMIN.
	Authorities() []string

	// IsEnabled reports whether the principal may act.
	IsEnabled() bool
}

// Identity returns the account email.
func (a *Account) Identity() string { return a.Email }

// IsEnabled reports whether the account is active.
func (a *Account) IsEnabled() bool { return a.Enabled }

// Authorities maps the account role to a single ROLE_ prefixed authority.
func (a *Account) Authorities() []string {
	return []string{RoleAuthority(a.Role)}
}

// RoleAuthority converts a role name into an authority string.
func RoleAuthority(role string) string {
	role = strings.TrimSpace(role)
	if role == "" {
		return UnknownAuthority
	}
	role = strings.ToUpper(role)
	if strings.HasPrefix(role, "ROLE_") {
		return role
	}
	return "ROLE_" + role
}

// Field names a single column that may be updated without touching the rest
// of the record.
type Field string

// Updatable fields.
const (
	FieldEnabled  Field = "enabled"
	FieldPassword Field = "password_hash"
	FieldImage    Field = "image"
)

// CredentialStore manages identity record persistence.
type CredentialStore interface {
	// FindByEmail retrieves an account by exact email.
	// Returns ErrNotFound if no account has the email.
	FindByEmail(ctx context.Context, email string) (*Account, error)

	// FindByID retrieves an account by ID.
	// Returns ErrNotFound if the ID is absent.
	FindByID(ctx context.Context, id ulid.ULID) (*Account, error)

	// Save inserts the account, or replaces every column if the ID exists.
	// Returns ErrConflict when a unique email or employee id is violated.
	Save(ctx context.Context, account *Account) error

	// ExistsByID reports whether an account with the ID exists.
	ExistsByID(ctx context.Context, id ulid.ULID) (bool, error)

	// ExistsByEmployeeID reports whether any account, enabled or not, holds
	// the employee id.
	ExistsByEmployeeID(ctx context.Context, employeeID string) (bool, error)

	// DeleteByID permanently removes an account.
	DeleteByID(ctx context.Context, id ulid.ULID) error

	// Reclaim deletes the account with oldID and saves account atomically.
	// On any error both records are left as they were. Returns ErrNotFound
	// if oldID is absent and ErrConflict on a unique violation.
	Reclaim(ctx context.Context, oldID ulid.ULID, account *Account) error

	// UpdateField sets a single column. Returns ErrNotFound if the ID is absent.
	UpdateField(ctx context.Context, id ulid.ULID, field Field, value any) error

	// ListEnabled returns every enabled account ordered by creation time.
	ListEnabled(ctx context.Context) ([]*Account, error)
}
