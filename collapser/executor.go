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

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/logging"

	"github.com/tributary-io/coalesce/collapser/buffer"
)

// work drains the batch queue; BatchMaxConcurrency of these run per
// Collapser, bounding overlapping Provider invocations.
func (c *Collapser[K, V]) work(ctx context.Context) {
	for {
		select {
		case <-c.cancelCh:
			return
		case b := <-c.dispatchCh:
			c.execute(ctx, b)
		}
	}
}

// execute performs one bulk call and demultiplexes its response.
func (c *Collapser[K, V]) execute(ctx context.Context, b *buffer.Batch[*pendingItem[K, V]]) {
	if lim := c.opts.QPSLimit; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			for _, itm := range b.Data {
				c.deliver(itm, Result[V]{Err: err})
			}
			return
		}
	}

	now := clock.Now(ctx)
	c.mx.batchSize.Record(float64(len(b.Data)))
	keys := make([]K, len(b.Data))
	for i, itm := range b.Data {
		keys[i] = itm.key
		c.mx.delay.Record(now.Sub(itm.submittedAt))
	}

	values, err := c.opts.Provider(ctx, keys)
	if c.cancelled() {
		return
	}
	if err != nil {
		logging.Warningf(ctx, "bulk provider failed for batch of %d (%s): %s",
			len(b.Data), b.Reason, err)
		for _, itm := range b.Data {
			c.deliver(itm, Result[V]{Err: err})
		}
		return
	}
	if len(values) == 0 {
		logging.Warningf(ctx, "bulk provider returned no values for batch of %d", len(b.Data))
	}

	// First-match-wins demultiplexing: values in response order, candidates
	// in arrival order, each pending item matched at most once.
	for _, v := range values {
		matched := false
		for _, itm := range b.Data {
			if !itm.matched && c.opts.Matcher(itm.key, v) {
				itm.matched = true
				matched = true
				c.deliver(itm, Result[V]{Value: v, OK: true})
				break
			}
		}
		if !matched {
			logging.Warningf(ctx, "no pending request matched value %v; discarding", v)
		}
	}
	for _, itm := range b.Data {
		if !itm.matched {
			c.deliver(itm, Result[V]{})
		}
	}
}

func (c *Collapser[K, V]) deliver(itm *pendingItem[K, V], res Result[V]) {
	select {
	case c.emitCh <- emission[K, V]{itm: itm, res: res}:
	case <-c.cancelCh:
	}
}

// emit hands results to their waiters; one emitter runs per Collapser so
// deliveries keep the order the executor produced them in. The waiter's
// diagnostic-context snapshot is reinstated for the duration of each
// delivery.
func (c *Collapser[K, V]) emit(ctx context.Context) {
	for {
		select {
		case <-c.cancelCh:
			return
		case e := <-c.emitCh:
			ectx := e.itm.snap.Onto(ctx)
			c.mx.completion.Record(clock.Now(ctx).Sub(e.itm.submittedAt))
			switch {
			case e.res.Err != nil:
				logging.Debugf(ectx, "collapsed request failed: %s", e.res.Err)
			case e.res.OK:
				logging.Debugf(ectx, "collapsed request resolved")
			default:
				logging.Debugf(ectx, "collapsed request completed empty")
			}
			e.itm.sink <- e.res
		}
	}
}
