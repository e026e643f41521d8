// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"sync"
	"time"

	"github.com/samber/oops"
)

// Rate limiting configuration.
const (
	// LockoutDuration is how long failures are remembered, and so how long a
	// lockout lasts after the last failure.
	LockoutDuration = 15 * time.Minute

	// LockoutThreshold is the number of failures that triggers a lockout.
	LockoutThreshold = 7

	maxDelay = 32 * time.Second
)

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	// Failures is the number of recent failed attempts.
	Failures int

	// Delay is the time a client should wait before another attempt.
	Delay time.Duration

	// IsLockedOut indicates the account is temporarily locked.
	IsLockedOut bool
}

// CheckFailures evaluates the rate limit state based on failure count.
func CheckFailures(failures, threshold int) RateLimitResult {
	result := RateLimitResult{Failures: failures}

	// Progressive delay: 2^(failures-1) seconds, capped before lockout
	if failures > 0 && failures < threshold {
		result.Delay = time.Duration(1<<(failures-1)) * time.Second
		if result.Delay > maxDelay {
			result.Delay = maxDelay
		}
	}

	if failures >= threshold {
		result.IsLockedOut = true
	}

	return result
}

// FailureCounter stores recent login failures per key.
type FailureCounter interface {
	// Increment records one failure and returns the new count. The count
	// expires window after the most recent failure.
	Increment(ctx context.Context, key string, window time.Duration) (int, error)

	// Count returns the current failure count for key.
	Count(ctx context.Context, key string) (int, error)

	// Reset clears the failures for key.
	Reset(ctx context.Context, key string) error
}

// LoginThrottle locks an email out after repeated failed logins.
type LoginThrottle struct {
	counter   FailureCounter
	threshold int
	window    time.Duration
}

// NewLoginThrottle creates a LoginThrottle using the default policy.
func NewLoginThrottle(counter FailureCounter) (*LoginThrottle, error) {
	if counter == nil {
		return nil, oops.Code("THROTTLE_INVALID_CONFIG").Errorf("failure counter is required")
	}
	return &LoginThrottle{
		counter:   counter,
		threshold: LockoutThreshold,
		window:    LockoutDuration,
	}, nil
}

// Check returns the current limit state for email.
func (t *LoginThrottle) Check(ctx context.Context, email string) (RateLimitResult, error) {
	n, err := t.counter.Count(ctx, throttleKey(email))
	if err != nil {
		return RateLimitResult{}, oops.Code("THROTTLE_CHECK_FAILED").With("email", email).Wrap(err)
	}
	return CheckFailures(n, t.threshold), nil
}

// Failure records a failed attempt for email.
func (t *LoginThrottle) Failure(ctx context.Context, email string) (RateLimitResult, error) {
	n, err := t.counter.Increment(ctx, throttleKey(email), t.window)
	if err != nil {
		return RateLimitResult{}, oops.Code("THROTTLE_RECORD_FAILED").With("email", email).Wrap(err)
	}
	return CheckFailures(n, t.threshold), nil
}

// Success clears the failures for email.
func (t *LoginThrottle) Success(ctx context.Context, email string) error {
	if err := t.counter.Reset(ctx, throttleKey(email)); err != nil {
		return oops.Code("THROTTLE_RESET_FAILED").With("email", email).Wrap(err)
	}
	return nil
}

func throttleKey(email string) string {
	return "login_failures:" + email
}

type failureWindow struct {
	count     int
	expiresAt time.Time
}

// MemoryFailureCounter is a process-local FailureCounter.
type MemoryFailureCounter struct {
	mu      sync.Mutex
	entries map[string]failureWindow
	now     func() time.Time
}

// NewMemoryFailureCounter creates an empty MemoryFailureCounter.
func NewMemoryFailureCounter() *MemoryFailureCounter {
	return &MemoryFailureCounter{
		entries: make(map[string]failureWindow),
		now:     time.Now,
	}
}

// Increment records a failure for key.
func (c *MemoryFailureCounter) Increment(_ context.Context, key string, window time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	w := c.entries[key]
	if !w.expiresAt.After(now) {
		w = failureWindow{}
	}
	w.count++
	w.expiresAt = now.Add(window)
	c.entries[key] = w
	return w.count, nil
}

// Count returns the live failure count for key.
func (c *MemoryFailureCounter) Count(_ context.Context, key string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.entries[key]
	if !ok {
		return 0, nil
	}
	if !w.expiresAt.After(c.now()) {
		delete(c.entries, key)
		return 0, nil
	}
	return w.count, nil
}

// Reset clears key.
func (c *MemoryFailureCounter) Reset(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}
