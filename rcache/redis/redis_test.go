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

package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gomodule/redigo/redis"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	"github.com/tributary-io/coalesce/breaker"
	"github.com/tributary-io/coalesce/rcache"
)

var _ rcache.Cache[string, []byte] = (*Cache)(nil)

func testPool(t *ftt.Test, mr *miniredis.Miniredis) *redis.Pool {
	pool := &redis.Pool{
		MaxIdle: 2,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", mr.Addr())
		},
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

func TestRedisCache(t *testing.T) {
	t.Parallel()

	ftt.Run(`With a Redis-backed cache`, t, func(t *ftt.Test) {
		ctx := context.Background()
		mr := miniredis.RunT(t)
		pool := testPool(t, mr)

		t.Run(`miss, put, hit`, func(t *ftt.Test) {
			cache := New(pool, Options{})

			_, ok, err := cache.Get(ctx, "k")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, ok, should.BeFalse)

			assert.Loosely(t, cache.Put(ctx, "k", []byte("v")), should.BeNil)

			v, ok, err := cache.Get(ctx, "k")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, ok, should.BeTrue)
			assert.Loosely(t, v, should.Resemble([]byte("v")))
		})

		t.Run(`key prefix keeps caches apart`, func(t *ftt.Test) {
			a := New(pool, Options{KeyPrefix: "a:"})
			b := New(pool, Options{KeyPrefix: "b:"})

			assert.Loosely(t, a.Put(ctx, "k", []byte("from-a")), should.BeNil)

			_, ok, err := b.Get(ctx, "k")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, ok, should.BeFalse)
			assert.Loosely(t, mr.Exists("a:k"), should.BeTrue)
		})

		t.Run(`TTL expires entries`, func(t *ftt.Test) {
			cache := New(pool, Options{TTL: time.Minute})
			assert.Loosely(t, cache.Put(ctx, "k", []byte("v")), should.BeNil)

			_, ok, err := cache.Get(ctx, "k")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, ok, should.BeTrue)

			mr.FastForward(2 * time.Minute)

			_, ok, err = cache.Get(ctx, "k")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, ok, should.BeFalse)
		})

		t.Run(`backend errors surface`, func(t *ftt.Test) {
			cache := New(pool, Options{})
			mr.Close()

			_, _, err := cache.Get(ctx, "k")
			assert.Loosely(t, err, should.NotBeNil)
		})

		t.Run(`composes with the resilient wrapper`, func(t *ftt.Test) {
			cache := New(pool, Options{})
			resilient, err := rcache.NewResilient[string, []byte](cache, "redis", time.Second, breaker.Config{}, nil)
			assert.Loosely(t, err, should.BeNil)

			assert.Loosely(t, resilient.Put(ctx, "k", []byte("v")), should.BeNil)
			v, ok, err := resilient.Get(ctx, "k")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, ok, should.BeTrue)
			assert.Loosely(t, v, should.Resemble([]byte("v")))
		})
	})
}
