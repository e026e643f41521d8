// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package authtest provides test doubles for the auth package.
package authtest

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/mock"

	"github.com/nhdcl/identity/internal/auth"
)

// TestingT is satisfied by *testing.T and GinkgoT().
type TestingT interface {
	mock.TestingT
	Cleanup(func())
}

// MockCredentialStore is a testify mock of auth.CredentialStore.
type MockCredentialStore struct {
	mock.Mock
}

// NewMockCredentialStore creates a mock that asserts its expectations on cleanup.
func NewMockCredentialStore(t TestingT) *MockCredentialStore {
	m := &MockCredentialStore{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func accountResult(args mock.Arguments, i int) *auth.Account {
	if v := args.Get(i); v != nil {
		return v.(*auth.Account) //nolint:forcetypeassert // mock contract
	}
	return nil
}

// FindByEmail provides a mock function.
func (m *MockCredentialStore) FindByEmail(ctx context.Context, email string) (*auth.Account, error) {
	args := m.Called(ctx, email)
	return accountResult(args, 0), args.Error(1)
}

// FindByID provides a mock function.
func (m *MockCredentialStore) FindByID(ctx context.Context, id ulid.ULID) (*auth.Account, error) {
	args := m.Called(ctx, id)
	return accountResult(args, 0), args.Error(1)
}

// Save provides a mock function.
func (m *MockCredentialStore) Save(ctx context.Context, account *auth.Account) error {
	return m.Called(ctx, account).Error(0)
}

// ExistsByID provides a mock function.
func (m *MockCredentialStore) ExistsByID(ctx context.Context, id ulid.ULID) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

// ExistsByEmployeeID provides a mock function.
func (m *MockCredentialStore) ExistsByEmployeeID(ctx context.Context, employeeID string) (bool, error) {
	args := m.Called(ctx, employeeID)
	return args.Bool(0), args.Error(1)
}

// DeleteByID provides a mock function.
func (m *MockCredentialStore) DeleteByID(ctx context.Context, id ulid.ULID) error {
	return m.Called(ctx, id).Error(0)
}

// Reclaim provides a mock function.
func (m *MockCredentialStore) Reclaim(ctx context.Context, oldID ulid.ULID, account *auth.Account) error {
	return m.Called(ctx, oldID, account).Error(0)
}

// UpdateField provides a mock function.
func (m *MockCredentialStore) UpdateField(ctx context.Context, id ulid.ULID, field auth.Field, value any) error {
	return m.Called(ctx, id, field, value).Error(0)
}

// ListEnabled provides a mock function.
func (m *MockCredentialStore) ListEnabled(ctx context.Context) ([]*auth.Account, error) {
	args := m.Called(ctx)
	var out []*auth.Account
	if v := args.Get(0); v != nil {
		out = v.([]*auth.Account) //nolint:forcetypeassert // mock contract
	}
	return out, args.Error(1)
}

// MockPasswordHasher is a testify mock of auth.PasswordHasher.
type MockPasswordHasher struct {
	mock.Mock
}

// NewMockPasswordHasher creates a mock that asserts its expectations on cleanup.
func NewMockPasswordHasher(t TestingT) *MockPasswordHasher {
	m := &MockPasswordHasher{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

// Hash provides a mock function.
func (m *MockPasswordHasher) Hash(password string) (string, error) {
	args := m.Called(password)
	return args.String(0), args.Error(1)
}

// Verify provides a mock function.
func (m *MockPasswordHasher) Verify(password, hash string) (bool, error) {
	args := m.Called(password, hash)
	return args.Bool(0), args.Error(1)
}

// NeedsUpgrade provides a mock function.
func (m *MockPasswordHasher) NeedsUpgrade(hash string) bool {
	return m.Called(hash).Bool(0)
}

// MockNotifier is a testify mock of auth.Notifier.
type MockNotifier struct {
	mock.Mock
}

// NewMockNotifier creates a mock that asserts its expectations on cleanup.
func NewMockNotifier(t TestingT) *MockNotifier {
	m := &MockNotifier{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

// Deliver provides a mock function.
func (m *MockNotifier) Deliver(ctx context.Context, to, subject, html string) bool {
	return m.Called(ctx, to, subject, html).Bool(0)
}

// MockMessageRenderer is a testify mock of auth.MessageRenderer.
type MockMessageRenderer struct {
	mock.Mock
}

// NewMockMessageRenderer creates a mock that asserts its expectations on cleanup.
func NewMockMessageRenderer(t TestingT) *MockMessageRenderer {
	m := &MockMessageRenderer{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

// Welcome provides a mock function.
func (m *MockMessageRenderer) Welcome(account *auth.Account) (auth.Message, error) {
	args := m.Called(account)
	return args.Get(0).(auth.Message), args.Error(1) //nolint:forcetypeassert // mock contract
}

// OTP provides a mock function.
func (m *MockMessageRenderer) OTP(email, code string, validFor time.Duration) (auth.Message, error) {
	args := m.Called(email, code, validFor)
	return args.Get(0).(auth.Message), args.Error(1) //nolint:forcetypeassert // mock contract
}

var (
	_ auth.CredentialStore = (*MockCredentialStore)(nil)
	_ auth.PasswordHasher  = (*MockPasswordHasher)(nil)
	_ auth.Notifier        = (*MockNotifier)(nil)
	_ auth.MessageRenderer = (*MockMessageRenderer)(nil)
)
