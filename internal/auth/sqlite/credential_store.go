// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package sqlite implements auth.CredentialStore on an embedded SQLite
// database through bun. It backs single-node deployments and local
// development where PostgreSQL is not available.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"github.com/nhdcl/identity/internal/auth"
)

type accountModel struct {
	bun.BaseModel `bun:"table:accounts"`

	ID           string    `bun:"id,pk"`
	Email        string    `bun:"email,notnull,unique"`
	PasswordHash string    `bun:"password_hash,notnull"`
	Enabled      bool      `bun:"enabled,notnull"`
	Name         string    `bun:"name,notnull"`
	EmployeeID   string    `bun:"employee_id,nullzero,unique"`
	AcademyID    string    `bun:"academy_id,notnull"`
	DepartmentID string    `bun:"department_id,notnull"`
	RoleID       string    `bun:"role_id,notnull"`
	Role         string    `bun:"role,notnull"`
	Image        string    `bun:"image,notnull"`
	CreatedAt    time.Time `bun:"created_at,notnull"`
	UpdatedAt    time.Time `bun:"updated_at,notnull"`
}

func toModel(a *auth.Account) *accountModel {
	return &accountModel{
		ID:           a.ID.String(),
		Email:        a.Email,
		PasswordHash: a.PasswordHash,
		Enabled:      a.Enabled,
		Name:         a.Name,
		EmployeeID:   a.EmployeeID,
		AcademyID:    a.AcademyID,
		DepartmentID: a.DepartmentID,
		RoleID:       a.RoleID,
		Role:         a.Role,
		Image:        a.Image,
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
	}
}

func (m *accountModel) toAccount() (*auth.Account, error) {
	id, err := ulid.Parse(m.ID)
	if err != nil {
		return nil, oops.Code("ACCOUNT_INVALID_ID").With("id", m.ID).Wrap(err)
	}
	return &auth.Account{
		ID:           id,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		Enabled:      m.Enabled,
		Name:         m.Name,
		EmployeeID:   m.EmployeeID,
		AcademyID:    m.AcademyID,
		DepartmentID: m.DepartmentID,
		RoleID:       m.RoleID,
		Role:         m.Role,
		Image:        m.Image,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}, nil
}

var fieldColumns = map[auth.Field]string{
	auth.FieldEnabled:  "enabled",
	auth.FieldPassword: "password_hash",
	auth.FieldImage:    "image",
}

// CredentialStore implements auth.CredentialStore on SQLite.
type CredentialStore struct {
	db *bun.DB
}

// Open opens the SQLite database at dsn and returns a bun handle. Use
// "file::memory:?cache=shared" for an in-memory database.
func Open(dsn string) (*bun.DB, error) {
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		return nil, oops.Code("DB_CONNECT_FAILED").With("driver", "sqlite").Wrap(err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
	sqldb.SetMaxOpenConns(1)
	return bun.NewDB(sqldb, sqlitedialect.New()), nil
}

// NewCredentialStore wraps db.
func NewCredentialStore(db *bun.DB) *CredentialStore {
	return &CredentialStore{db: db}
}

// CreateSchema creates the accounts table when missing.
func (s *CredentialStore) CreateSchema(ctx context.Context) error {
	_, err := s.db.NewCreateTable().
		Model((*accountModel)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return oops.Code("MIGRATION_UP_FAILED").With("driver", "sqlite").Wrap(err)
	}
	return nil
}

func (s *CredentialStore) findOne(ctx context.Context, column string, value any) (*auth.Account, error) {
	var m accountModel
	err := s.db.NewSelect().
		Model(&m).
		Where("? = ?", bun.Ident(column), value).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").With(column, value).Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("ACCOUNT_FIND_FAILED").With(column, value).Wrap(err)
	}
	return m.toAccount()
}

// FindByEmail retrieves an account by exact email.
func (s *CredentialStore) FindByEmail(ctx context.Context, email string) (*auth.Account, error) {
	return s.findOne(ctx, "email", email)
}

// FindByID retrieves an account by ID.
func (s *CredentialStore) FindByID(ctx context.Context, id ulid.ULID) (*auth.Account, error) {
	return s.findOne(ctx, "id", id.String())
}

// Save inserts the account or replaces the row with the same ID.
func (s *CredentialStore) Save(ctx context.Context, account *auth.Account) error {
	return upsert(ctx, s.db, account)
}

// Reclaim deletes the account with oldID and saves account in a single
// transaction. Any failure rolls back and leaves the old row in place.
func (s *CredentialStore) Reclaim(ctx context.Context, oldID ulid.ULID, account *auth.Account) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewDelete().
			Model((*accountModel)(nil)).
			Where("id = ?", oldID.String()).
			Exec(ctx)
		if err != nil {
			return oops.Code("ACCOUNT_DELETE_FAILED").With("id", oldID.String()).Wrap(err)
		}
		if err := requireRow(res, oldID); err != nil {
			return err
		}
		return upsert(ctx, tx, account)
	})
}

func upsert(ctx context.Context, db bun.IDB, account *auth.Account) error {
	_, err := db.NewInsert().
		Model(toModel(account)).
		On("CONFLICT (id) DO UPDATE").
		Set("email = EXCLUDED.email").
		Set("password_hash = EXCLUDED.password_hash").
		Set("enabled = EXCLUDED.enabled").
		Set("name = EXCLUDED.name").
		Set("employee_id = EXCLUDED.employee_id").
		Set("academy_id = EXCLUDED.academy_id").
		Set("department_id = EXCLUDED.department_id").
		Set("role_id = EXCLUDED.role_id").
		Set("role = EXCLUDED.role").
		Set("image = EXCLUDED.image").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		if isUniqueViolation(err) {
			return oops.Code("ACCOUNT_DUPLICATE").
				With("email", account.Email).
				Wrap(errors.Join(auth.ErrConflict, err))
		}
		return oops.Code("ACCOUNT_SAVE_FAILED").With("id", account.ID.String()).Wrap(err)
	}
	return nil
}

// isUniqueViolation matches the message both the cgo and pure-Go SQLite
// drivers produce.
func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *CredentialStore) exists(ctx context.Context, column string, value any) (bool, error) {
	ok, err := s.db.NewSelect().
		Model((*accountModel)(nil)).
		Where("? = ?", bun.Ident(column), value).
		Exists(ctx)
	if err != nil {
		return false, oops.Code("ACCOUNT_EXISTS_FAILED").With(column, value).Wrap(err)
	}
	return ok, nil
}

// ExistsByID reports whether an account with the ID exists.
func (s *CredentialStore) ExistsByID(ctx context.Context, id ulid.ULID) (bool, error) {
	return s.exists(ctx, "id", id.String())
}

// ExistsByEmployeeID reports whether any account holds the employee id.
func (s *CredentialStore) ExistsByEmployeeID(ctx context.Context, employeeID string) (bool, error) {
	return s.exists(ctx, "employee_id", employeeID)
}

// DeleteByID permanently removes an account.
func (s *CredentialStore) DeleteByID(ctx context.Context, id ulid.ULID) error {
	res, err := s.db.NewDelete().
		Model((*accountModel)(nil)).
		Where("id = ?", id.String()).
		Exec(ctx)
	if err != nil {
		return oops.Code("ACCOUNT_DELETE_FAILED").With("id", id.String()).Wrap(err)
	}
	return requireRow(res, id)
}

// UpdateField sets one whitelisted column and bumps updated_at.
func (s *CredentialStore) UpdateField(ctx context.Context, id ulid.ULID, field auth.Field, value any) error {
	column, ok := fieldColumns[field]
	if !ok {
		return oops.Code("ACCOUNT_FIELD_UNKNOWN").
			With("field", string(field)).
			Errorf("field %q cannot be updated", field)
	}

	res, err := s.db.NewUpdate().
		Model((*accountModel)(nil)).
		Set("? = ?", bun.Ident(column), value).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id.String()).
		Exec(ctx)
	if err != nil {
		return oops.Code("ACCOUNT_UPDATE_FAILED").
			With("field", string(field)).
			With("id", id.String()).
			Wrap(err)
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id ulid.ULID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return oops.Code("ACCOUNT_UPDATE_FAILED").With("id", id.String()).Wrap(err)
	}
	if n == 0 {
		return oops.Code("ACCOUNT_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	return nil
}

// ListEnabled returns every enabled account ordered by creation time.
func (s *CredentialStore) ListEnabled(ctx context.Context) ([]*auth.Account, error) {
	var models []accountModel
	err := s.db.NewSelect().
		Model(&models).
		Where("enabled = ?", true).
		Order("created_at ASC", "id ASC").
		Scan(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, oops.Code("ACCOUNT_LIST_FAILED").Wrap(err)
	}

	accounts := make([]*auth.Account, 0, len(models))
	for i := range models {
		acc, err := models[i].toAccount()
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, nil
}

var _ auth.CredentialStore = (*CredentialStore)(nil)
