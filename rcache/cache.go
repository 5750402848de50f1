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

// Package rcache defines an asynchronous key/value cache contract and a
// resiliency wrapper that adds a per-operation deadline and a circuit
// breaker shared across all operations of one cache.
package rcache

import (
	"context"

	"go.chromium.org/luci/common/errors"
)

// Cache is an asynchronous key/value cache.
//
// Get reports (value, true, nil) on a hit and (zero, false, nil) on a miss;
// errors are reserved for the backend failing, not for absent keys.
// Implementations must tolerate concurrent calls.
type Cache[K comparable, V any] interface {
	Get(ctx context.Context, key K) (V, bool, error)
	Put(ctx context.Context, key K, value V) error
}

// ErrTimeout is wrapped into the error returned when a cache operation
// exceeds the wrapper's deadline.
var ErrTimeout = errors.New("rcache: operation timed out")
