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

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"

	"github.com/tributary-io/coalesce/metrics"
)

// TimeoutTimerTag tags the deadline timers armed by the wrapper, so tests can
// tell them apart from timers the delegate itself may create.
const TimeoutTimerTag = "rcache-timeout"

// withDeadline runs fn with deadline d on the Context clock.
//
// If fn finishes first, its result passes through unchanged. Otherwise the
// call fails with an error wrapping ErrTimeout, the timeout counter for this
// (cache, operation) pair is bumped, and the Context handed to fn is
// canceled so the delegate can stop working.
func withDeadline[T any](ctx context.Context, cacheName, op string, d time.Duration, timeouts metrics.Counter, fn func(context.Context) (T, error)) (T, error) {
	fnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(fnCtx)
		done <- outcome{v, err}
	}()

	var zero T
	select {
	case out := <-done:
		return out.value, out.err
	case tr := <-clock.After(clock.Tag(fnCtx, TimeoutTimerTag), d):
		if tr.Incomplete() {
			// Context canceled before the deadline elapsed.
			return zero, tr.Err
		}
		timeouts.Inc()
		return zero, errors.Fmt("%s %s did not finish within %s: %w", cacheName, op, d, ErrTimeout)
	}
}
