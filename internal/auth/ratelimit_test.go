// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckFailures(t *testing.T) {
	t.Run("no failures returns no delay", func(t *testing.T) {
		result := CheckFailures(0, LockoutThreshold)
		assert.Zero(t, result.Delay)
		assert.False(t, result.IsLockedOut)
	})

	t.Run("delay doubles per failure", func(t *testing.T) {
		assert.Equal(t, time.Second, CheckFailures(1, LockoutThreshold).Delay)
		assert.Equal(t, 2*time.Second, CheckFailures(2, LockoutThreshold).Delay)
		assert.Equal(t, 4*time.Second, CheckFailures(3, LockoutThreshold).Delay)
		assert.Equal(t, 32*time.Second, CheckFailures(6, LockoutThreshold).Delay)
	})

	t.Run("delay is capped", func(t *testing.T) {
		assert.Equal(t, maxDelay, CheckFailures(9, 20).Delay)
	})

	t.Run("threshold causes lockout", func(t *testing.T) {
		result := CheckFailures(LockoutThreshold, LockoutThreshold)
		assert.True(t, result.IsLockedOut)
		assert.Zero(t, result.Delay)
		assert.Equal(t, LockoutThreshold, result.Failures)
	})
}

func TestNewLoginThrottle_RequiresCounter(t *testing.T) {
	_, err := NewLoginThrottle(nil)
	require.Error(t, err)
}

func TestLoginThrottle_LockoutAndReset(t *testing.T) {
	ctx := context.Background()
	throttle, err := NewLoginThrottle(NewMemoryFailureCounter())
	require.NoError(t, err)

	for i := 1; i < LockoutThreshold; i++ {
		result, err := throttle.Failure(ctx, "a@x.com")
		require.NoError(t, err)
		assert.False(t, result.IsLockedOut, "failure %d", i)
	}

	result, err := throttle.Failure(ctx, "a@x.com")
	require.NoError(t, err)
	assert.True(t, result.IsLockedOut)

	other, err := throttle.Check(ctx, "b@x.com")
	require.NoError(t, err)
	assert.False(t, other.IsLockedOut)

	require.NoError(t, throttle.Success(ctx, "a@x.com"))
	result, err = throttle.Check(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Zero(t, result.Failures)
}

func TestMemoryFailureCounter_WindowSlides(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemoryFailureCounter()
	c.now = func() time.Time { return now }

	n, err := c.Increment(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	now = now.Add(50 * time.Second)
	n, err = c.Increment(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "window extends from the latest failure")

	now = now.Add(50 * time.Second)
	n, err = c.Count(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	now = now.Add(11 * time.Second)
	n, err = c.Count(ctx, "k")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = c.Increment(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "expired window restarts the count")
}
