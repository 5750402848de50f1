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

// Package metrics parameterizes instrument names over two naming schemes and
// fans updates out to both backends at once: dimensional (tagged) metrics go
// to a Prometheus registerer, hierarchical (dotted path) metrics go to a
// statsd statter.
//
// Either backend may be absent, disabling that scheme. When the
// compatibility label is enabled, the hierarchical path is additionally
// attached to each dimensional metric under the "graphite_id" label, which
// lets dashboards bridge between the two schemes during a migration.
package metrics

import (
	"time"

	"github.com/cactus/go-statsd-client/v5/statsd"
	"github.com/prometheus/client_golang/prometheus"
)

// GraphiteIDLabel is the dimensional label carrying the hierarchical path
// when Options.CompatibilityLabel is set.
const GraphiteIDLabel = "graphite_id"

// Options configures a Registry.
type Options struct {
	// Dimensional receives tagged metrics. Nil disables the dimensional
	// scheme.
	Dimensional prometheus.Registerer

	// Hierarchical receives dotted-path metrics. Nil disables the
	// hierarchical scheme.
	Hierarchical statsd.Statter

	// CompatibilityLabel attaches each metric's hierarchical path as the
	// "graphite_id" label on its dimensional form.
	CompatibilityLabel bool
}

// Registry creates instruments bound to both backends.
//
// A nil *Registry is valid and produces no-op instruments, so instrumentation
// call sites never need to branch on whether metrics were configured.
type Registry struct {
	opts Options
}

// NewRegistry returns a Registry emitting per the given Options.
func NewRegistry(opts Options) *Registry {
	return &Registry{opts: opts}
}

// Distribution records sampled values (histogram-like).
type Distribution interface {
	Record(value float64)
}

// Timer records durations.
type Timer interface {
	Record(d time.Duration)
}

// Counter counts occurrences.
type Counter interface {
	Inc()
}

// Gauge tracks a current value.
type Gauge interface {
	Set(value float64)
}

// Distribution returns a distribution instrument for the given ID.
func (r *Registry) Distribution(id ID) Distribution {
	if r == nil {
		return noopDistribution{}
	}
	return &distribution{r.newBase(id)}
}

// Timer returns a timer instrument for the given ID.
func (r *Registry) Timer(id ID) Timer {
	if r == nil {
		return noopTimer{}
	}
	return &timer{r.newBase(id)}
}

// Counter returns a counter instrument for the given ID.
func (r *Registry) Counter(id ID) Counter {
	if r == nil {
		return noopCounter{}
	}
	b := base{statter: r.statter(), hierName: id.HierarchicalName}
	if r.opts.Dimensional != nil && id.Name != "" {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Name:        id.Name,
			Help:        helpFor(id),
			ConstLabels: r.constLabels(id),
		})
		b.prom = register(r.opts.Dimensional, c).(prometheus.Counter)
	}
	return &counter{b}
}

// Gauge returns a gauge instrument for the given ID.
func (r *Registry) Gauge(id ID) Gauge {
	if r == nil {
		return noopGauge{}
	}
	b := base{statter: r.statter(), hierName: id.HierarchicalName}
	if r.opts.Dimensional != nil && id.Name != "" {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        id.Name,
			Help:        helpFor(id),
			ConstLabels: r.constLabels(id),
		})
		b.prom = register(r.opts.Dimensional, g).(prometheus.Gauge)
	}
	return &gauge{b}
}

func (r *Registry) statter() statsd.Statter {
	return r.opts.Hierarchical
}

func (r *Registry) constLabels(id ID) prometheus.Labels {
	if len(id.Tags) == 0 && !(r.opts.CompatibilityLabel && id.HierarchicalName != "") {
		return nil
	}
	labels := make(prometheus.Labels, len(id.Tags)+1)
	for _, t := range id.Tags {
		labels[t.Key] = t.Value
	}
	if r.opts.CompatibilityLabel && id.HierarchicalName != "" {
		labels[GraphiteIDLabel] = id.HierarchicalName
	}
	return labels
}

func (r *Registry) newBase(id ID) base {
	b := base{statter: r.statter(), hierName: id.HierarchicalName}
	if r.opts.Dimensional != nil && id.Name != "" {
		h := prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        id.Name,
			Help:        helpFor(id),
			ConstLabels: r.constLabels(id),
		})
		b.prom = register(r.opts.Dimensional, h).(prometheus.Histogram)
	}
	return b
}

// helpFor must be identical for every instrument sharing one dimensional
// name (differing only by tags), or gathering fails on inconsistent help.
func helpFor(id ID) string {
	return id.Name
}

// register tolerates re-registration of an identical collector so two
// components may share one instrument identity on the same registerer.
func register(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}

type base struct {
	prom     prometheus.Collector
	statter  statsd.Statter
	hierName string
}

type distribution struct{ base }

func (d *distribution) Record(value float64) {
	if d.prom != nil {
		d.prom.(prometheus.Histogram).Observe(value)
	}
	if d.statter != nil && d.hierName != "" {
		d.statter.Timing(d.hierName, int64(value), 1.0)
	}
}

type timer struct{ base }

func (t *timer) Record(d time.Duration) {
	if t.prom != nil {
		t.prom.(prometheus.Histogram).Observe(d.Seconds())
	}
	if t.statter != nil && t.hierName != "" {
		t.statter.TimingDuration(t.hierName, d, 1.0)
	}
}

type counter struct{ base }

func (c *counter) Inc() {
	if c.prom != nil {
		c.prom.(prometheus.Counter).Inc()
	}
	if c.statter != nil && c.hierName != "" {
		c.statter.Inc(c.hierName, 1, 1.0)
	}
}

type gauge struct{ base }

func (g *gauge) Set(value float64) {
	if g.prom != nil {
		g.prom.(prometheus.Gauge).Set(value)
	}
	if g.statter != nil && g.hierName != "" {
		g.statter.Gauge(g.hierName, int64(value), 1.0)
	}
}

type noopDistribution struct{}

func (noopDistribution) Record(float64) {}

type noopTimer struct{}

func (noopTimer) Record(time.Duration) {}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}
