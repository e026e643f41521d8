// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"hash/fnv"
	"math/big"
	"sync"
	"time"

	"github.com/samber/oops"
)

// OTP configuration.
const (
	OTPDigits = 6
	OTPExpiry = 5 * time.Minute

	otpShardCount = 32
)

var otpSpace = big.NewInt(1_000_000)

// otpEntry is immutable once stored; replacement swaps the whole value.
type otpEntry struct {
	code      string
	expiresAt time.Time
}

type otpShard struct {
	mu      sync.Mutex
	entries map[string]otpEntry
}

// OTPLedger holds at most one outstanding passcode per email.
// It is process-local; a restart drops every outstanding code.
type OTPLedger struct {
	shards   [otpShardCount]*otpShard
	expiry   time.Duration
	now      func() time.Time
	generate func() (string, error)
}

// LedgerOption configures an OTPLedger.
type LedgerOption func(*OTPLedger)

// WithClock replaces the time source.
func WithClock(now func() time.Time) LedgerOption {
	return func(l *OTPLedger) { l.now = now }
}

// WithOTPExpiry overrides the validity window.
func WithOTPExpiry(d time.Duration) LedgerOption {
	return func(l *OTPLedger) {
		if d > 0 {
			l.expiry = d
		}
	}
}

// WithCodeGenerator replaces the random code source.
func WithCodeGenerator(gen func() (string, error)) LedgerOption {
	return func(l *OTPLedger) { l.generate = gen }
}

// NewOTPLedger creates an empty ledger.
func NewOTPLedger(opts ...LedgerOption) *OTPLedger {
	l := &OTPLedger{
		expiry:   OTPExpiry,
		now:      time.Now,
		generate: RandomOTP,
	}
	for i := range l.shards {
		l.shards[i] = &otpShard{entries: make(map[string]otpEntry)}
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RandomOTP draws a uniformly random zero-padded 6 digit code.
func RandomOTP() (string, error) {
	n, err := rand.Int(rand.Reader, otpSpace)
	if err != nil {
		return "", oops.Code("OTP_GENERATE_FAILED").Wrap(err)
	}
	return fmt.Sprintf("%0*d", OTPDigits, n.Int64()), nil
}

func (l *OTPLedger) shard(email string) *otpShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(email)) //nolint:errcheck // fnv never fails
	return l.shards[h.Sum32()%otpShardCount]
}

// Generate issues a fresh code for email, replacing any outstanding one.
func (l *OTPLedger) Generate(email string) (string, error) {
	if email == "" {
		return "", oops.Code("OTP_EMAIL_EMPTY").Errorf("email cannot be empty")
	}
	code, err := l.generate()
	if err != nil {
		return "", oops.Code("OTP_GENERATE_FAILED").With("email", email).Wrap(err)
	}

	s := l.shard(email)
	s.mu.Lock()
	s.entries[email] = otpEntry{code: code, expiresAt: l.now().Add(l.expiry)}
	s.mu.Unlock()

	return code, nil
}

// Validate checks code against the outstanding entry for email.
// A match leaves the entry in place; Consume removes it once the guarded
// action has been committed. An expired entry is evicted.
func (l *OTPLedger) Validate(email, code string) error {
	s := l.shard(email)
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[email]
	if !ok {
		return oops.Code("OTP_INVALID").With("email", email).Wrap(ErrUnauthorized)
	}
	if l.now().After(entry.expiresAt) {
		delete(s.entries, email)
		return oops.Code("OTP_EXPIRED").
			With("email", email).
			With("expired_at", entry.expiresAt).
			Wrap(ErrExpired)
	}
	if subtle.ConstantTimeCompare([]byte(entry.code), []byte(code)) != 1 {
		return oops.Code("OTP_INVALID").With("email", email).Wrap(ErrUnauthorized)
	}
	return nil
}

// Consume removes the outstanding entry for email, if any.
func (l *OTPLedger) Consume(email string) {
	s := l.shard(email)
	s.mu.Lock()
	delete(s.entries, email)
	s.mu.Unlock()
}

// ExpiresAt returns the deadline of the outstanding entry for email.
func (l *OTPLedger) ExpiresAt(email string) (time.Time, bool) {
	s := l.shard(email)
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[email]
	return entry.expiresAt, ok
}

// Len returns the number of stored entries, expired ones included.
func (l *OTPLedger) Len() int {
	n := 0
	for _, s := range l.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// Sweep evicts every expired entry and returns how many were removed.
func (l *OTPLedger) Sweep() int {
	now := l.now()
	removed := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for email, entry := range s.entries {
			if now.After(entry.expiresAt) {
				delete(s.entries, email)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Run sweeps on every interval tick until ctx is cancelled.
func (l *OTPLedger) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}
