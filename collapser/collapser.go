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

// Package collapser folds many concurrent single-key requests into bounded
// bulk calls and routes each bulk result back to the caller that asked for
// it.
//
// Requests buffer into the current open batch until either Options.BatchSize
// is reached or Options.MaxWait elapses since the batch's first request;
// the closed batch is then handed to the bulk Provider, subject to
// a bounded number of overlapping invocations. Each value of the bulk
// response is matched back to the earliest unmatched request via
// Options.Matcher. Requests nothing matched complete empty, and a Provider
// error fans out to every request of its batch.
//
// Internally the collapser runs three kinds of goroutines, mirroring the
// three schedulers of the design:
//   - one coordinator owning all open-batch state (arrivals, the max-wait
//     timer, cutting batches) so batch membership needs no locks;
//   - Options.BatchMaxConcurrency executor workers draining the FIFO batch
//     queue and invoking the Provider;
//   - one emitter delivering results to waiters, with each waiter's
//     diagnostic-context snapshot reinstated around the delivery.
//
// All time flows through the clock in the Context given to New, so tests
// can drive batching deterministically with a test clock.
package collapser

import (
	"context"
	"sync"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"

	"github.com/tributary-io/coalesce/collapser/buffer"
	"github.com/tributary-io/coalesce/mdc"
)

// MaxWaitTimerTag tags the coordinator's max-wait timer so tests can
// distinguish it from timers armed elsewhere.
const MaxWaitTimerTag = "collapser-max-wait"

// Result is the single signal a collapsed request resolves to: a value, an
// empty completion (OK false, Err nil), or an error.
type Result[V any] struct {
	Value V
	OK    bool
	Err   error
}

// pendingItem is one awaiting caller.
type pendingItem[K, V any] struct {
	key         K
	sink        chan Result[V]
	submittedAt time.Time
	snap        mdc.Snapshot

	// matched is owned by the executor worker demultiplexing the item's
	// batch.
	matched bool
}

// Collapser folds single-key requests into bulk Provider calls.
type Collapser[K, V any] struct {
	opts Options[K, V]
	ctx  context.Context
	mx   *instruments

	itemCh     chan *pendingItem[K, V]
	dispatchCh chan *buffer.Batch[*pendingItem[K, V]]
	emitCh     chan emission[K, V]

	cancelCh   chan struct{}
	cancelOnce sync.Once
}

type emission[K, V any] struct {
	itm *pendingItem[K, V]
	res Result[V]
}

// New validates opts and starts a Collapser.
//
// The Context supplies the clock, logging and base diagnostic context for
// the collapser's internal goroutines; it is not a lifetime handle — stop
// the collapser with Cancel.
func New[K, V any](ctx context.Context, opts Options[K, V]) (*Collapser[K, V], error) {
	if err := opts.normalize(); err != nil {
		return nil, errors.Fmt("collapser: %w", err)
	}
	c := &Collapser[K, V]{
		opts:       opts,
		ctx:        ctx,
		mx:         newInstruments(opts.Metrics, opts.MetricID),
		itemCh:     make(chan *pendingItem[K, V]),
		dispatchCh: make(chan *buffer.Batch[*pendingItem[K, V]]),
		emitCh:     make(chan emission[K, V]),
		cancelCh:   make(chan struct{}),
	}
	go c.coordinate(ctx)
	for range opts.BatchMaxConcurrency {
		go c.work(ctx)
	}
	go c.emit(ctx)
	return c, nil
}

// Request enqueues a request for key and returns the channel its Result
// will be delivered on.
//
// The channel receives exactly one Result — unless the collapser is (or
// later gets) cancelled, in which case it never receives and the request is
// abandoned. The diagnostic context of ctx is snapshotted here and
// reinstated around the eventual delivery.
func (c *Collapser[K, V]) Request(ctx context.Context, key K) <-chan Result[V] {
	itm := &pendingItem[K, V]{
		key:         key,
		sink:        make(chan Result[V], 1),
		submittedAt: clock.Now(c.ctx),
		snap:        mdc.Copy(ctx),
	}
	select {
	case c.itemCh <- itm:
	case <-c.cancelCh:
	}
	return itm.sink
}

// Get is the blocking form of Request.
//
// It reports (value, true, nil) when a value was matched, (zero, false, nil)
// when the request completed empty, and otherwise the error. Waiting is
// bounded by ctx.
func (c *Collapser[K, V]) Get(ctx context.Context, key K) (V, bool, error) {
	select {
	case res := <-c.Request(ctx, key):
		return res.Value, res.OK, res.Err
	case <-ctx.Done():
		var zero V
		return zero, false, ctx.Err()
	}
}

// Cancel stops the collapser.
//
// The open batch is discarded without a final dispatch, queued and future
// requests are abandoned (their channels never receive), and in-flight bulk
// calls run to completion with their results discarded. Cancel is
// idempotent.
func (c *Collapser[K, V]) Cancel() {
	c.cancelOnce.Do(func() { close(c.cancelCh) })
}

func (c *Collapser[K, V]) cancelled() bool {
	select {
	case <-c.cancelCh:
		return true
	default:
		return false
	}
}
