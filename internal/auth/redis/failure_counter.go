// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package redis implements auth.FailureCounter on Redis so login lockouts
// are shared by every replica.
package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/samber/oops"

	"github.com/nhdcl/identity/internal/auth"
)

// DefaultPrefix namespaces the keys written by FailureCounter.
const DefaultPrefix = "identity:"

// FailureCounter counts login failures with INCR and a sliding EXPIRE.
type FailureCounter struct {
	client goredis.UniversalClient
	prefix string
}

// NewFailureCounter creates a FailureCounter. An empty prefix selects
// DefaultPrefix.
func NewFailureCounter(client goredis.UniversalClient, prefix string) *FailureCounter {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &FailureCounter{client: client, prefix: prefix}
}

// Connect parses url, dials Redis and pings it.
func Connect(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, oops.Code("REDIS_CONFIG_INVALID").Wrap(err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, oops.Code("REDIS_CONNECT_FAILED").With("addr", opts.Addr).Wrap(err)
	}
	return client, nil
}

// Increment adds one failure and pushes the expiry window forward.
func (c *FailureCounter) Increment(ctx context.Context, key string, window time.Duration) (int, error) {
	k := c.prefix + key

	var incr *goredis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		incr = p.Incr(ctx, k)
		p.Expire(ctx, k, window)
		return nil
	})
	if err != nil {
		return 0, oops.Code("REDIS_INCR_FAILED").With("key", k).Wrap(err)
	}
	return int(incr.Val()), nil
}

// Count returns the live failure count, zero when the key has expired.
func (c *FailureCounter) Count(ctx context.Context, key string) (int, error) {
	k := c.prefix + key
	n, err := c.client.Get(ctx, k).Int()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, oops.Code("REDIS_GET_FAILED").With("key", k).Wrap(err)
	}
	return n, nil
}

// Reset deletes the counter.
func (c *FailureCounter) Reset(ctx context.Context, key string) error {
	k := c.prefix + key
	if err := c.client.Del(ctx, k).Err(); err != nil {
		return oops.Code("REDIS_DEL_FAILED").With("key", k).Wrap(err)
	}
	return nil
}

var _ auth.FailureCounter = (*FailureCounter)(nil)
