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
	"sync"
	"testing"
	"time"

	"github.com/cactus/go-statsd-client/v5/statsd"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/clock/testclock"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	"github.com/tributary-io/coalesce/metrics"
)

// recordingStatter captures hierarchical emissions.
type recordingStatter struct {
	statsd.NoopClient

	mu      sync.Mutex
	timings map[string][]int64
}

func (r *recordingStatter) Timing(stat string, delta int64, _ float32, _ ...statsd.Tag) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timings == nil {
		r.timings = map[string][]int64{}
	}
	r.timings[stat] = append(r.timings[stat], delta)
	return nil
}

func (r *recordingStatter) TimingDuration(stat string, delta time.Duration, rate float32, tags ...statsd.Tag) error {
	return r.Timing(stat, int64(delta/time.Millisecond), rate, tags...)
}

func (r *recordingStatter) timingsFor(stat string) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.timings[stat]...)
}

func TestCollapserMetrics(t *testing.T) {
	t.Parallel()

	ftt.Run(`With an instrumented collapser`, t, func(t *ftt.Test) {
		ctx, tclock := testContext()

		// Observe timer armings without firing them, to sync on the
		// coordinator having processed an arrival.
		armed := make(chan struct{}, 4)
		tclock.SetTimerCallback(func(d time.Duration, tmr clock.Timer) {
			if testclock.HasTags(tmr, MaxWaitTimerTag) {
				armed <- struct{}{}
			}
		})

		prom := prometheus.NewRegistry()
		statter := &recordingStatter{}

		newCollapser := func(compat bool) *Collapser[int, string] {
			c, err := New(ctx, Options[int, string]{
				Provider: func(ctx context.Context, keys []int) ([]string, error) {
					return []string{"2", "1"}, nil
				},
				Matcher:   intMatcher,
				BatchSize: 2,
				MaxWait:   testWait,
				Metrics: metrics.NewRegistry(metrics.Options{
					Dimensional:        prom,
					Hierarchical:       statter,
					CompatibilityLabel: compat,
				}),
				MetricID: metrics.NewID(
					"metrics_dimensional",
					"metrics.hierarchical",
					metrics.Tag{Key: "tag-key", Value: "tag-value"},
				),
			})
			assert.Loosely(t, err, should.BeNil)
			return c
		}

		t.Run(`records pending, batch size, delay and completion`, func(t *ftt.Test) {
			c := newCollapser(false)
			defer c.Cancel()

			ch1 := c.Request(ctx, 1)
			<-armed
			ch2 := c.Request(ctx, 2)
			assert.Loosely(t, recv(t, ch1).Value, should.Equal("1"))
			assert.Loosely(t, recv(t, ch2).Value, should.Equal("2"))

			// A third request opens a fresh batch that never dispatches.
			c.Request(ctx, 3)
			<-armed

			// Open-batch occupancy after each arrival and cut: 1, 2, 0, 1.
			pending := histogramFor(t, prom, "metrics_dimensional_pending")
			assert.Loosely(t, pending.GetSampleCount(), should.Equal(uint64(4)))
			assert.Loosely(t, pending.GetSampleSum(), should.Equal(4.0))
			assert.Loosely(t, statter.timingsFor("metrics.hierarchical.item.pending"),
				should.Resemble([]int64{1, 2, 0, 1}))

			size := histogramFor(t, prom, "metrics_dimensional_batch_size")
			assert.Loosely(t, size.GetSampleCount(), should.Equal(uint64(1)))
			assert.Loosely(t, size.GetSampleSum(), should.Equal(2.0))
			assert.Loosely(t, statter.timingsFor("metrics.hierarchical.batch.size"),
				should.Resemble([]int64{2}))

			delay := histogramFor(t, prom, "metrics_dimensional_item_delay")
			assert.Loosely(t, delay.GetSampleCount(), should.Equal(uint64(2)))
			completion := histogramFor(t, prom, "metrics_dimensional_item_completion")
			assert.Loosely(t, completion.GetSampleCount(), should.Equal(uint64(2)))
		})

		t.Run(`tags carry through, with the bridge label on demand`, func(t *ftt.Test) {
			c := newCollapser(true)
			defer c.Cancel()

			ch1 := c.Request(ctx, 1)
			<-armed
			ch2 := c.Request(ctx, 2)
			recv(t, ch1)
			recv(t, ch2)

			labels := labelsFor(t, prom, "metrics_dimensional_batch_size")
			assert.Loosely(t, labels, should.Resemble(map[string]string{
				"tag-key":               "tag-value",
				metrics.GraphiteIDLabel: "metrics.hierarchical.batch.size",
			}))
		})
	})
}

func histogramFor(t *ftt.Test, reg *prometheus.Registry, name string) *dto.Histogram {
	t.Helper()
	families, err := reg.Gather()
	assert.Loosely(t, err, should.BeNil)
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()[0].GetHistogram()
		}
	}
	t.Fatalf("histogram %q not found", name)
	panic("unreachable")
}

func labelsFor(t *ftt.Test, reg *prometheus.Registry, name string) map[string]string {
	t.Helper()
	families, err := reg.Gather()
	assert.Loosely(t, err, should.BeNil)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		labels := map[string]string{}
		for _, l := range f.GetMetric()[0].GetLabel() {
			labels[l.GetName()] = l.GetValue()
		}
		return labels
	}
	t.Fatalf("metric %q not found", name)
	panic("unreachable")
}
