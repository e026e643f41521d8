// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package authtest

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/nhdcl/identity/internal/auth"
)

// MemoryStore is an in-memory auth.CredentialStore with the same uniqueness
// rules as the SQL stores: one row per email, one per non-empty employee id.
type MemoryStore struct {
	mu   sync.Mutex
	byID map[ulid.ULID]auth.Account
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[ulid.ULID]auth.Account)}
}

// Put stores a copy of account, bypassing uniqueness checks.
func (s *MemoryStore) Put(account *auth.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[account.ID] = *account
}

// Len returns the number of stored accounts.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

func notFound(key string, value any) error {
	return oops.Code("ACCOUNT_NOT_FOUND").With(key, value).Wrap(auth.ErrNotFound)
}

// FindByEmail implements auth.CredentialStore.
func (s *MemoryStore) FindByEmail(_ context.Context, email string) (*auth.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.byID {
		if a.Email == email {
			return &a, nil
		}
	}
	return nil, notFound("email", email)
}

// FindByID implements auth.CredentialStore.
func (s *MemoryStore) FindByID(_ context.Context, id ulid.ULID) (*auth.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return nil, notFound("id", id.String())
	}
	return &a, nil
}

// Save implements auth.CredentialStore.
func (s *MemoryStore) Save(_ context.Context, account *auth.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUnique(account); err != nil {
		return err
	}
	s.byID[account.ID] = *account
	return nil
}

// Reclaim implements auth.CredentialStore. The store is unchanged when
// any check fails.
func (s *MemoryStore) Reclaim(_ context.Context, oldID ulid.ULID, account *auth.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[oldID]; !ok {
		return notFound("id", oldID.String())
	}
	if err := s.checkUnique(account, oldID); err != nil {
		return err
	}
	delete(s.byID, oldID)
	s.byID[account.ID] = *account
	return nil
}

// checkUnique must be called with mu held. Rows with account's ID or any
// of the skipped IDs are ignored.
func (s *MemoryStore) checkUnique(account *auth.Account, skip ...ulid.ULID) error {
	for id, a := range s.byID {
		if id == account.ID || slices.Contains(skip, id) {
			continue
		}
		if a.Email == account.Email ||
			(account.EmployeeID != "" && a.EmployeeID == account.EmployeeID) {
			return oops.Code("ACCOUNT_DUPLICATE").
				With("email", account.Email).
				Wrap(fmt.Errorf("%w: unique constraint", auth.ErrConflict))
		}
	}
	return nil
}

// ExistsByID implements auth.CredentialStore.
func (s *MemoryStore) ExistsByID(_ context.Context, id ulid.ULID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byID[id]
	return ok, nil
}

// ExistsByEmployeeID implements auth.CredentialStore.
func (s *MemoryStore) ExistsByEmployeeID(_ context.Context, employeeID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.byID {
		if a.EmployeeID == employeeID {
			return true, nil
		}
	}
	return false, nil
}

// DeleteByID implements auth.CredentialStore.
func (s *MemoryStore) DeleteByID(_ context.Context, id ulid.ULID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return notFound("id", id.String())
	}
	delete(s.byID, id)
	return nil
}

// UpdateField implements auth.CredentialStore.
func (s *MemoryStore) UpdateField(_ context.Context, id ulid.ULID, field auth.Field, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return notFound("id", id.String())
	}
	switch field {
	case auth.FieldEnabled:
		v, ok := value.(bool)
		if !ok {
			return oops.Code("ACCOUNT_FIELD_TYPE").Errorf("enabled expects bool, got %T", value)
		}
		a.Enabled = v
	case auth.FieldPassword, auth.FieldImage:
		v, ok := value.(string)
		if !ok {
			return oops.Code("ACCOUNT_FIELD_TYPE").Errorf("%s expects string, got %T", field, value)
		}
		if field == auth.FieldPassword {
			a.PasswordHash = v
		} else {
			a.Image = v
		}
	default:
		return oops.Code("ACCOUNT_FIELD_UNKNOWN").Errorf("field %q cannot be updated", field)
	}
	a.UpdatedAt = time.Now()
	s.byID[id] = a
	return nil
}

// ListEnabled implements auth.CredentialStore.
func (s *MemoryStore) ListEnabled(_ context.Context) ([]*auth.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*auth.Account
	for _, a := range s.byID {
		if a.Enabled {
			out = append(out, &a)
		}
	}
	slices.SortFunc(out, func(x, y *auth.Account) int {
		if c := x.CreatedAt.Compare(y.CreatedAt); c != 0 {
			return c
		}
		return x.ID.Compare(y.ID)
	})
	return out, nil
}

// Delivery is one message captured by RecordingNotifier.
type Delivery struct {
	To, Subject, HTML string
}

// RecordingNotifier captures deliveries. Set Fail to simulate an outage.
type RecordingNotifier struct {
	mu         sync.Mutex
	deliveries []Delivery
	Fail       bool
}

// Deliver implements auth.Notifier.
func (n *RecordingNotifier) Deliver(_ context.Context, to, subject, html string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Fail {
		return false
	}
	n.deliveries = append(n.deliveries, Delivery{To: to, Subject: subject, HTML: html})
	return true
}

// Deliveries returns a copy of what was sent.
func (n *RecordingNotifier) Deliveries() []Delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.deliveries)
}

// PlainRenderer renders minimal messages. The OTP body is the bare code so
// tests can read it back.
type PlainRenderer struct{}

// Welcome implements auth.MessageRenderer.
func (PlainRenderer) Welcome(a *auth.Account) (auth.Message, error) {
	return auth.Message{Subject: "Welcome", HTML: "welcome " + a.Name}, nil
}

// OTP implements auth.MessageRenderer.
func (PlainRenderer) OTP(_, code string, _ time.Duration) (auth.Message, error) {
	return auth.Message{Subject: "OTP", HTML: code}, nil
}

var (
	_ auth.CredentialStore = (*MemoryStore)(nil)
	_ auth.Notifier        = (*RecordingNotifier)(nil)
	_ auth.MessageRenderer = PlainRenderer{}
)
