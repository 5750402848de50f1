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

// coordinate is the collapser's single-writer loop: exactly one runs per
// Collapser, and it is the only goroutine that touches the open batch, the
// max-wait timer and the outbound batch queue.
func (c *Collapser[K, V]) coordinate(ctx context.Context) {
	buf := buffer.New[*pendingItem[K, V]](c.opts.BatchSize)
	var queue []*buffer.Batch[*pendingItem[K, V]]

	timer := clock.NewTimer(clock.Tag(ctx, MaxWaitTimerTag))
	defer timer.Stop()
	var timerC <-chan clock.TimerResult

	for {
		// Only offer the queue head to the workers while there is one;
		// a nil channel keeps the case disabled otherwise.
		var dispatchCh chan *buffer.Batch[*pendingItem[K, V]]
		var head *buffer.Batch[*pendingItem[K, V]]
		if len(queue) > 0 {
			dispatchCh = c.dispatchCh
			head = queue[0]
		}

		select {
		case <-c.cancelCh:
			if b := buf.Cut(buffer.Cancelled); b != nil {
				logging.Infof(ctx, "collapser cancelled; discarding open batch of %d", len(b.Data))
			}
			return

		case itm := <-c.itemCh:
			if full := buf.Add(clock.Now(ctx), itm); full {
				c.mx.pending.Record(float64(buf.Len()))
				queue = append(queue, buf.Cut(buffer.SizeReached))
				c.mx.pending.Record(float64(buf.Len()))
				timer.Stop()
				timerC = nil
			} else {
				c.mx.pending.Record(float64(buf.Len()))
				if buf.Len() == 1 {
					// Drain a stale expiry before rearming, or the fresh
					// batch would inherit the old batch's deadline.
					if !timer.Stop() {
						select {
						case <-timer.GetC():
						default:
						}
					}
					timer.Reset(c.opts.MaxWait)
					timerC = timer.GetC()
				}
			}

		case tr := <-timerC:
			timerC = nil
			if tr.Incomplete() {
				continue
			}
			// The timer and a size trigger may race; Cut suppresses the
			// empty case so whichever observed items first wins.
			if b := buf.Cut(buffer.TimeExpired); b != nil {
				queue = append(queue, b)
				c.mx.pending.Record(float64(buf.Len()))
			}

		case dispatchCh <- head:
			queue = queue[1:]
		}
	}
}
