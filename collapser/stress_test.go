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

package collapser

import (
	"context"
	"math/rand"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"
	"golang.org/x/sync/errgroup"
)

// Runs on the system clock: many goroutines race arrivals against size and
// time triggers, with the provider failing a fraction of the batches.
func TestCollapserUnderContention(t *testing.T) {
	t.Parallel()

	ftt.Run(`Every request resolves exactly once under load`, t, func(t *ftt.Test) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		errInjected := errors.New("injected provider error")
		var batches atomic.Int64
		c, err := New(ctx, Options[int, string]{
			Provider: func(ctx context.Context, keys []int) ([]string, error) {
				if batches.Add(1)%7 == 0 {
					return nil, errInjected
				}
				values := make([]string, len(keys))
				for i, k := range keys {
					values[i] = strconv.Itoa(k)
				}
				return values, nil
			},
			Matcher:             intMatcher,
			BatchSize:           7,
			MaxWait:             2 * time.Millisecond,
			BatchMaxConcurrency: 4,
		})
		assert.Loosely(t, err, should.BeNil)
		defer c.Cancel()

		const (
			workers           = 8
			requestsPerWorker = 100
		)
		var resolved, failed atomic.Int64
		var eg errgroup.Group
		for w := range workers {
			rng := rand.New(rand.NewSource(int64(w)))
			eg.Go(func() error {
				for range requestsPerWorker {
					key := rng.Intn(50)
					v, ok, err := c.Get(ctx, key)
					switch {
					case err == errInjected:
						failed.Add(1)
					case err != nil:
						return errors.Fmt("unexpected error for %d: %w", key, err)
					case !ok:
						return errors.Fmt("request %d completed empty", key)
					case v != strconv.Itoa(key):
						return errors.Fmt("request %d resolved to %q", key, v)
					default:
						resolved.Add(1)
					}
				}
				return nil
			})
		}

		assert.Loosely(t, eg.Wait(), should.BeNil)
		assert.Loosely(t, resolved.Load()+failed.Load(), should.Equal(workers*requestsPerWorker))
	})
}
