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

package rcache

import (
	"context"
	"time"

	"go.chromium.org/luci/common/errors"

	"github.com/tributary-io/coalesce/breaker"
	"github.com/tributary-io/coalesce/metrics"
)

// timeoutMetricName is the dimensional name shared by all per-operation
// timeout counters; cache and operation are carried as tags.
const timeoutMetricName = "cache_request_timeouts"

// Resilient wraps a delegate Cache with a per-operation deadline and a
// circuit breaker shared by Get and Put.
//
// Composition order, innermost out: delegate call, then the deadline, then
// the breaker. Timeouts and delegate errors are recorded by the breaker as
// failures; once the breaker opens, calls fail with
// breaker.ErrCallNotPermitted before either the deadline timer or the
// delegate is touched.
type Resilient[K comparable, V any] struct {
	delegate Cache[K, V]
	name     string
	timeout  time.Duration
	brk      *breaker.Breaker

	getTimeouts metrics.Counter
	putTimeouts metrics.Counter
}

// NewResilient wraps delegate under the given cache name.
//
// The breaker is built from cfg and named after the cache; m may be nil to
// run without instrumentation.
func NewResilient[K comparable, V any](delegate Cache[K, V], name string, timeout time.Duration, cfg breaker.Config, m *metrics.Registry) (*Resilient[K, V], error) {
	if delegate == nil {
		return nil, errors.New("rcache: delegate is required")
	}
	if name == "" {
		return nil, errors.New("rcache: cache name is required")
	}
	if timeout <= 0 {
		return nil, errors.Fmt("rcache %q: timeout must be > 0, got %s", name, timeout)
	}
	brk, err := breaker.New(name, cfg, m, metrics.NewID(
		"cache_circuit",
		"reactive-cache."+name+".circuit",
		metrics.Tag{Key: "name", Value: name},
	))
	if err != nil {
		return nil, errors.Fmt("rcache %q: %w", name, err)
	}
	return &Resilient[K, V]{
		delegate:    delegate,
		name:        name,
		timeout:     timeout,
		brk:         brk,
		getTimeouts: m.Counter(timeoutID(name, "get")),
		putTimeouts: m.Counter(timeoutID(name, "put")),
	}, nil
}

func timeoutID(name, op string) metrics.ID {
	return metrics.NewID(
		timeoutMetricName,
		"reactive-cache."+name+"."+op+".timeout",
		metrics.Tag{Key: "name", Value: name},
		metrics.Tag{Key: "operation", Value: op},
	)
}

// Get looks up key through the breaker and deadline.
func (r *Resilient[K, V]) Get(ctx context.Context, key K) (V, bool, error) {
	type hit struct {
		value V
		ok    bool
	}
	var out hit
	err := r.brk.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = withDeadline(ctx, r.name, "get", r.timeout, r.getTimeouts, func(ctx context.Context) (hit, error) {
			v, ok, err := r.delegate.Get(ctx, key)
			return hit{v, ok}, err
		})
		return err
	})
	if err != nil {
		var zero V
		return zero, false, err
	}
	return out.value, out.ok, nil
}

// Put stores key/value through the breaker and deadline.
func (r *Resilient[K, V]) Put(ctx context.Context, key K, value V) error {
	return r.brk.Execute(ctx, func(ctx context.Context) error {
		_, err := withDeadline(ctx, r.name, "put", r.timeout, r.putTimeouts, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, r.delegate.Put(ctx, key, value)
		})
		return err
	})
}

// Breaker exposes the shared circuit breaker (for state inspection).
func (r *Resilient[K, V]) Breaker() *breaker.Breaker {
	return r.brk
}
