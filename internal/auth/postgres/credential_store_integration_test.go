// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package postgres_test

import (
	"context"
	"sync"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/nhdcl/identity/internal/auth"
	"github.com/nhdcl/identity/internal/auth/postgres"
)

var _ = Describe("CredentialStore", func() {
	var (
		ctx   context.Context
		store *postgres.CredentialStore
	)

	BeforeEach(func() {
		ctx = context.Background()
		_, err := testPool.Exec(ctx, `TRUNCATE accounts`)
		Expect(err).NotTo(HaveOccurred())
		store = postgres.NewCredentialStore(testPool)
	})

	newAccount := func(email, employeeID string) *auth.Account {
		acc, err := auth.NewAccount(email, "$2a$12$abcdefghijklmnopqrstuv", auth.Profile{
			Name:       "Karma Wangchuk",
			EmployeeID: employeeID,
			Role:       "user",
		})
		Expect(err).NotTo(HaveOccurred())
		return acc
	}

	It("round-trips an account", func() {
		acc := newAccount("karma@example.bt", "E-1")
		Expect(store.Save(ctx, acc)).To(Succeed())

		got, err := store.FindByEmail(ctx, "karma@example.bt")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.ID).To(Equal(acc.ID))
		Expect(got.EmployeeID).To(Equal("E-1"))
		Expect(got.Enabled).To(BeTrue())

		byID, err := store.FindByID(ctx, acc.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(byID.Email).To(Equal(acc.Email))
	})

	It("stores an empty employee id as NULL so many accounts may omit it", func() {
		Expect(store.Save(ctx, newAccount("a@example.bt", ""))).To(Succeed())
		Expect(store.Save(ctx, newAccount("b@example.bt", ""))).To(Succeed())

		taken, err := store.ExistsByEmployeeID(ctx, "")
		Expect(err).NotTo(HaveOccurred())
		Expect(taken).To(BeFalse())
	})

	It("rejects a second row for the same email as a conflict", func() {
		Expect(store.Save(ctx, newAccount("dup@example.bt", ""))).To(Succeed())
		err := store.Save(ctx, newAccount("dup@example.bt", ""))
		Expect(err).To(MatchError(auth.ErrConflict))
	})

	It("updates single fields", func() {
		acc := newAccount("field@example.bt", "")
		Expect(store.Save(ctx, acc)).To(Succeed())

		Expect(store.UpdateField(ctx, acc.ID, auth.FieldEnabled, false)).To(Succeed())
		Expect(store.UpdateField(ctx, acc.ID, auth.FieldPassword, "$2a$12$changed")).To(Succeed())

		got, err := store.FindByID(ctx, acc.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Enabled).To(BeFalse())
		Expect(got.PasswordHash).To(Equal("$2a$12$changed"))
		Expect(got.UpdatedAt).To(BeTemporally(">=", acc.UpdatedAt))

		list, err := store.ListEnabled(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(list).To(BeEmpty())
	})

	It("deletes and reports missing rows", func() {
		acc := newAccount("gone@example.bt", "E-9")
		Expect(store.Save(ctx, acc)).To(Succeed())
		Expect(store.DeleteByID(ctx, acc.ID)).To(Succeed())

		exists, err := store.ExistsByID(ctx, acc.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(exists).To(BeFalse())

		Expect(store.DeleteByID(ctx, acc.ID)).To(MatchError(auth.ErrNotFound))
		_, err = store.FindByEmail(ctx, "gone@example.bt")
		Expect(err).To(MatchError(auth.ErrNotFound))
	})

	It("keeps the disabled row when a reclaim insert conflicts", func() {
		old := newAccount("karma@example.bt", "E-1")
		old.Enabled = false
		Expect(store.Save(ctx, old)).To(Succeed())
		Expect(store.Save(ctx, newAccount("other@example.bt", "E-2"))).To(Succeed())

		err := store.Reclaim(ctx, old.ID, newAccount("karma@example.bt", "E-2"))
		Expect(err).To(MatchError(auth.ErrConflict))

		got, err := store.FindByID(ctx, old.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Enabled).To(BeFalse())

		fresh := newAccount("karma@example.bt", "E-1")
		Expect(store.Reclaim(ctx, old.ID, fresh)).To(Succeed())
		got, err = store.FindByEmail(ctx, "karma@example.bt")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.ID).To(Equal(fresh.ID))
	})

	It("allows exactly one concurrent insert per email", func() {
		var wins atomic.Int32
		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				if err := store.Save(ctx, newAccount("race@example.bt", "")); err == nil {
					wins.Add(1)
				} else {
					Expect(err).To(MatchError(auth.ErrConflict))
				}
			}()
		}
		wg.Wait()
		Expect(wins.Load()).To(Equal(int32(1)))
	})
})
