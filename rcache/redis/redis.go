// Copyright 2024 The Tributary Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package redis provides a Redis-backed delegate for the rcache contract,
// storing raw byte values under optionally prefixed string keys.
package redis

import (
	"context"
	"time"

	"github.com/gomodule/redigo/redis"
	"go.chromium.org/luci/common/errors"
)

// Options configures a Cache.
type Options struct {
	// KeyPrefix is prepended to every key.
	KeyPrefix string

	// TTL expires entries after the given duration. Zero means no expiry.
	TTL time.Duration
}

// Cache is an rcache.Cache[string, []byte] backed by a redigo pool.
//
// The pool is shared, not owned; closing it is the caller's concern.
type Cache struct {
	pool *redis.Pool
	opts Options
}

// New returns a Cache reading and writing through pool.
func New(pool *redis.Pool, opts Options) *Cache {
	return &Cache{pool: pool, opts: opts}
}

// Get fetches the value stored under key.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	conn, err := c.pool.GetContext(ctx)
	if err != nil {
		return nil, false, errors.Fmt("redis cache: acquiring connection: %w", err)
	}
	defer conn.Close()

	value, err := redis.Bytes(conn.Do("GET", c.opts.KeyPrefix+key))
	switch {
	case err == redis.ErrNil:
		return nil, false, nil
	case err != nil:
		return nil, false, errors.Fmt("redis cache: GET %q: %w", key, err)
	}
	return value, true, nil
}

// Put stores value under key, applying the configured TTL.
func (c *Cache) Put(ctx context.Context, key string, value []byte) error {
	conn, err := c.pool.GetContext(ctx)
	if err != nil {
		return errors.Fmt("redis cache: acquiring connection: %w", err)
	}
	defer conn.Close()

	fullKey := c.opts.KeyPrefix + key
	if c.opts.TTL > 0 {
		_, err = conn.Do("SET", fullKey, value, "PX", c.opts.TTL.Milliseconds())
	} else {
		_, err = conn.Do("SET", fullKey, value)
	}
	if err != nil {
		return errors.Fmt("redis cache: SET %q: %w", key, err)
	}
	return nil
}
