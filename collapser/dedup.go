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
	"fmt"

	"golang.org/x/sync/singleflight"
)

// Dedup shares one in-flight collapsed request among all concurrent callers
// asking for the same key; the slot is released as soon as the request
// finishes, so later callers trigger a fresh request.
//
// Layered in front of a Collapser it keeps duplicate keys from occupying
// several batch slots during fan-in spikes.
type Dedup[K comparable, V any] struct {
	c     *Collapser[K, V]
	group singleflight.Group
}

// NewDedup wraps c.
func NewDedup[K comparable, V any](c *Collapser[K, V]) *Dedup[K, V] {
	return &Dedup[K, V]{c: c}
}

type dedupOutcome[V any] struct {
	value V
	ok    bool
}

// Get resolves key through the underlying Collapser, joining an identical
// in-flight request if one exists.
//
// Joined callers all receive the shared outcome, including a shared error.
func (d *Dedup[K, V]) Get(ctx context.Context, key K) (V, bool, error) {
	out, err, _ := d.group.Do(fmt.Sprint(key), func() (any, error) {
		v, ok, err := d.c.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		return dedupOutcome[V]{value: v, ok: ok}, nil
	})
	if err != nil {
		var zero V
		return zero, false, err
	}
	res := out.(dedupOutcome[V])
	return res.value, res.ok, nil
}
