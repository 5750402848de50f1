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
	"time"

	"golang.org/x/time/rate"

	"go.chromium.org/luci/common/errors"

	"github.com/tributary-io/coalesce/metrics"
)

// Provider is the downstream bulk call: given the contexts of one batch in
// arrival order, it returns the corresponding values in any order.
//
// A Provider must be safe for up to Options.BatchMaxConcurrency overlapping
// invocations.
type Provider[K, V any] func(ctx context.Context, keys []K) ([]V, error)

// Matcher decides whether a returned value answers a given context.
type Matcher[K, V any] func(key K, value V) bool

// Options configures a Collapser.
type Options[K, V any] struct {
	// [REQUIRED] Provider is the bulk call collapsed requests are folded
	// into.
	Provider Provider[K, V]

	// [REQUIRED] Matcher routes each returned value back to a waiting
	// request. For every value the earliest still-unmatched context wins.
	Matcher Matcher[K, V]

	// [REQUIRED] MaxWait bounds how long the first request of a batch waits
	// before the batch is dispatched regardless of fill.
	MaxWait time.Duration

	// [OPTIONAL] BatchSize is the number of requests that closes a batch
	// immediately.
	//
	// Default: 1.
	BatchSize int

	// [OPTIONAL] BatchMaxConcurrency bounds overlapping Provider
	// invocations. Closed batches queue fairly (FIFO) for a free slot.
	//
	// Default: 1.
	BatchMaxConcurrency int

	// [OPTIONAL] QPSLimit throttles Provider invocations.
	//
	// Default: unlimited.
	QPSLimit *rate.Limiter

	// [OPTIONAL] Metrics receives the collapser's instrumentation. Nil runs
	// uninstrumented.
	Metrics *metrics.Registry

	// [OPTIONAL] MetricID qualifies the emitted metric names; see package
	// metrics for how per-instrument names derive from it. Only consulted
	// when Metrics is set.
	MetricID metrics.ID
}

func (o *Options[K, V]) normalize() error {
	if o.Provider == nil {
		return errors.New("Provider is required")
	}
	if o.Matcher == nil {
		return errors.New("Matcher is required")
	}
	if o.MaxWait <= 0 {
		return errors.Fmt("MaxWait must be > 0, got %s", o.MaxWait)
	}
	if o.BatchSize == 0 {
		o.BatchSize = 1
	}
	if o.BatchSize < 1 {
		return errors.Fmt("BatchSize must be >= 1, got %d", o.BatchSize)
	}
	if o.BatchMaxConcurrency == 0 {
		o.BatchMaxConcurrency = 1
	}
	if o.BatchMaxConcurrency < 1 {
		return errors.Fmt("BatchMaxConcurrency must be >= 1, got %d", o.BatchMaxConcurrency)
	}
	if o.QPSLimit != nil && o.QPSLimit.Limit() != rate.Inf && o.QPSLimit.Burst() < 1 {
		return errors.New("QPSLimit has burst size < 1")
	}
	return nil
}
