// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package postgres implements auth.CredentialStore on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/nhdcl/identity/internal/auth"
)

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// execer is satisfied by both DB and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const accountColumns = `id, email, password_hash, enabled, name, employee_id,
		       academy_id, department_id, role_id, role, image,
		       created_at, updated_at`

// fieldColumns whitelists the columns UpdateField may touch.
var fieldColumns = map[auth.Field]string{
	auth.FieldEnabled:  "enabled",
	auth.FieldPassword: "password_hash",
	auth.FieldImage:    "image",
}

// CredentialStore implements auth.CredentialStore using PostgreSQL.
type CredentialStore struct {
	db DB
}

// NewCredentialStore creates a new CredentialStore.
func NewCredentialStore(db DB) *CredentialStore {
	return &CredentialStore{db: db}
}

// FindByEmail retrieves an account by exact email.
func (s *CredentialStore) FindByEmail(ctx context.Context, email string) (*auth.Account, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE email = $1
	`, email)

	account, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").
			With("email", email).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("ACCOUNT_FIND_FAILED").
			With("operation", "find account by email").
			With("email", email).
			Wrap(err)
	}
	return account, nil
}

// FindByID retrieves an account by ID.
func (s *CredentialStore) FindByID(ctx context.Context, id ulid.ULID) (*auth.Account, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE id = $1
	`, id.String())

	account, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").
			With("id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("ACCOUNT_FIND_FAILED").
			With("operation", "find account by id").
			With("id", id.String()).
			Wrap(err)
	}
	return account, nil
}

// Save inserts the account or replaces the existing row with the same ID.
func (s *CredentialStore) Save(ctx context.Context, account *auth.Account) error {
	return upsert(ctx, s.db, account)
}

// Reclaim deletes the account with oldID and saves account in one
// transaction. Any failure rolls back and leaves the old row in place.
func (s *CredentialStore) Reclaim(ctx context.Context, oldID ulid.ULID, account *auth.Account) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if err := deleteByID(ctx, tx, oldID); err != nil {
			return err
		}
		return upsert(ctx, tx, account)
	})
}

func upsert(ctx context.Context, db execer, account *auth.Account) error {
	_, err := db.Exec(ctx, `
		INSERT INTO accounts (
			id, email, password_hash, enabled, name, employee_id,
			academy_id, department_id, role_id, role, image,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			password_hash = EXCLUDED.password_hash,
			enabled = EXCLUDED.enabled,
			name = EXCLUDED.name,
			employee_id = EXCLUDED.employee_id,
			academy_id = EXCLUDED.academy_id,
			department_id = EXCLUDED.department_id,
			role_id = EXCLUDED.role_id,
			role = EXCLUDED.role,
			image = EXCLUDED.image,
			updated_at = EXCLUDED.updated_at
	`,
		account.ID.String(),
		account.Email,
		account.PasswordHash,
		account.Enabled,
		account.Name,
		nullable(account.EmployeeID),
		account.AcademyID,
		account.DepartmentID,
		account.RoleID,
		account.Role,
		account.Image,
		account.CreatedAt,
		account.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return oops.Code("ACCOUNT_DUPLICATE").
				With("constraint", pgErr.ConstraintName).
				With("email", account.Email).
				Wrap(errors.Join(auth.ErrConflict, err))
		}
		return oops.Code("ACCOUNT_SAVE_FAILED").
			With("operation", "upsert account").
			With("id", account.ID.String()).
			Wrap(err)
	}
	return nil
}

// ExistsByID reports whether an account with the ID exists.
func (s *CredentialStore) ExistsByID(ctx context.Context, id ulid.ULID) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`,
		id.String()).Scan(&exists)
	if err != nil {
		return false, oops.Code("ACCOUNT_EXISTS_FAILED").
			With("operation", "exists by id").
			With("id", id.String()).
			Wrap(err)
	}
	return exists, nil
}

// ExistsByEmployeeID reports whether any account holds the employee id.
func (s *CredentialStore) ExistsByEmployeeID(ctx context.Context, employeeID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM accounts WHERE employee_id = $1)`,
		employeeID).Scan(&exists)
	if err != nil {
		return false, oops.Code("ACCOUNT_EXISTS_FAILED").
			With("operation", "exists by employee id").
			With("employee_id", employeeID).
			Wrap(err)
	}
	return exists, nil
}

// DeleteByID permanently removes an account.
func (s *CredentialStore) DeleteByID(ctx context.Context, id ulid.ULID) error {
	return deleteByID(ctx, s.db, id)
}

func deleteByID(ctx context.Context, db execer, id ulid.ULID) error {
	result, err := db.Exec(ctx, `DELETE FROM accounts WHERE id = $1`, id.String())
	if err != nil {
		return oops.Code("ACCOUNT_DELETE_FAILED").
			With("operation", "delete account").
			With("id", id.String()).
			Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("ACCOUNT_NOT_FOUND").
			With("id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	return nil
}

// UpdateField sets a single whitelisted column and bumps updated_at.
func (s *CredentialStore) UpdateField(ctx context.Context, id ulid.ULID, field auth.Field, value any) error {
	column, ok := fieldColumns[field]
	if !ok {
		return oops.Code("ACCOUNT_FIELD_UNKNOWN").
			With("field", string(field)).
			Errorf("field %q cannot be updated", field)
	}

	//nolint:gosec // G202: column comes from a fixed whitelist
	result, err := s.db.Exec(ctx,
		`UPDATE accounts SET `+column+` = $2, updated_at = $3 WHERE id = $1`,
		id.String(), value, time.Now())
	if err != nil {
		return oops.Code("ACCOUNT_UPDATE_FAILED").
			With("operation", "update field").
			With("field", string(field)).
			With("id", id.String()).
			Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("ACCOUNT_NOT_FOUND").
			With("id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	return nil
}

// ListEnabled returns every enabled account ordered by creation time.
func (s *CredentialStore) ListEnabled(ctx context.Context) ([]*auth.Account, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE enabled
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, oops.Code("ACCOUNT_LIST_FAILED").With("operation", "list enabled accounts").Wrap(err)
	}
	defer rows.Close()

	var accounts []*auth.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, oops.Code("ACCOUNT_LIST_FAILED").With("operation", "scan account").Wrap(err)
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("ACCOUNT_LIST_FAILED").With("operation", "iterate accounts").Wrap(err)
	}
	return accounts, nil
}

// scanAccount scans a single row into an Account.
// Scan errors, pgx.ErrNoRows included, are returned unwrapped for the
// caller to code.
func scanAccount(row pgx.Row) (*auth.Account, error) {
	var (
		idStr      string
		a          auth.Account
		employeeID *string
	)

	err := row.Scan(
		&idStr,
		&a.Email,
		&a.PasswordHash,
		&a.Enabled,
		&a.Name,
		&employeeID,
		&a.AcademyID,
		&a.DepartmentID,
		&a.RoleID,
		&a.Role,
		&a.Image,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err //nolint:wrapcheck // callers wrap with lookup context
	}

	id, err := ulid.Parse(idStr)
	if err != nil {
		return nil, oops.Code("ACCOUNT_INVALID_ID").
			With("operation", "parse account id").
			With("id", idStr).
			Wrap(err)
	}
	a.ID = id
	if employeeID != nil {
		a.EmployeeID = *employeeID
	}
	return &a, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Compile-time interface check.
var _ auth.CredentialStore = (*CredentialStore)(nil)
