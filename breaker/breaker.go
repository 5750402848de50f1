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

// Package breaker implements a failure-rate circuit breaker meant to be
// shared across all operations against one downstream resource.
//
// A Breaker moves between three states. While Closed, calls pass through and
// their outcomes are recorded into a sliding window; once the window holds at
// least Config.MinimumCalls outcomes and the failure rate reaches
// Config.FailureRateThreshold, the breaker opens. While Open, every call is
// rejected with ErrCallNotPermitted without touching the delegate; after
// Config.OpenDuration the breaker admits Config.HalfOpenCalls trial calls
// (rejecting the rest) and re-evaluates the failure rate over the trials to
// decide between reopening and closing.
//
// Time is read through the clock in the Context, so tests can drive the
// open-state wait with a test clock.
package breaker

import (
	"context"
	"sync"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"github.com/tributary-io/coalesce/metrics"
)

// ErrCallNotPermitted is returned for calls rejected by an open breaker.
var ErrCallNotPermitted = errors.New("breaker: call not permitted")

// State is the breaker state.
type State int

const (
	// Closed passes calls through and tracks their outcomes.
	Closed State = iota
	// Open rejects all calls.
	Open
	// HalfOpen admits a bounded number of trial calls.
	HalfOpen
)

// String renders the state for logs.
func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// WindowType selects how the sliding window measures recency.
type WindowType int

const (
	// CountBased windows cover the last WindowSize calls.
	CountBased WindowType = iota
	// TimeBased windows cover the last WindowSize seconds.
	TimeBased
)

// Default configuration values.
const (
	DefaultFailureRateThreshold = 0.5
	DefaultWindowSize           = 100
	DefaultHalfOpenCalls        = 1
	DefaultOpenDuration         = 5 * time.Second
	defaultTimeBasedMinimum     = 10
)

// Config parameterizes a Breaker. The zero value is usable; all fields
// default as documented.
type Config struct {
	// FailureRateThreshold is the failure ratio (0, 1] at or above which the
	// breaker opens. Default 0.5.
	FailureRateThreshold float64

	// Window selects count- or time-based outcome tracking. Default
	// CountBased.
	Window WindowType

	// WindowSize is the window extent: number of calls for CountBased,
	// number of seconds for TimeBased. Default 100.
	WindowSize int

	// MinimumCalls is how many recorded outcomes the window must hold before
	// the failure rate is evaluated at all. Defaults to WindowSize for
	// count-based windows and 10 for time-based ones.
	MinimumCalls int

	// HalfOpenCalls is the number of trial calls admitted in HalfOpen.
	// Default 1.
	HalfOpenCalls int

	// OpenDuration is how long the breaker stays Open before admitting
	// trials. Default 5s.
	OpenDuration time.Duration
}

func (c *Config) normalize() error {
	if c.FailureRateThreshold == 0 {
		c.FailureRateThreshold = DefaultFailureRateThreshold
	}
	if c.FailureRateThreshold < 0 || c.FailureRateThreshold > 1 {
		return errors.Fmt("FailureRateThreshold must be in (0, 1], got %v", c.FailureRateThreshold)
	}
	if c.WindowSize == 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.WindowSize < 1 {
		return errors.Fmt("WindowSize must be >= 1, got %d", c.WindowSize)
	}
	if c.MinimumCalls == 0 {
		if c.Window == CountBased {
			c.MinimumCalls = c.WindowSize
		} else {
			c.MinimumCalls = defaultTimeBasedMinimum
		}
	}
	if c.MinimumCalls < 1 {
		return errors.Fmt("MinimumCalls must be >= 1, got %d", c.MinimumCalls)
	}
	if c.HalfOpenCalls == 0 {
		c.HalfOpenCalls = DefaultHalfOpenCalls
	}
	if c.HalfOpenCalls < 1 {
		return errors.Fmt("HalfOpenCalls must be >= 1, got %d", c.HalfOpenCalls)
	}
	if c.OpenDuration == 0 {
		c.OpenDuration = DefaultOpenDuration
	}
	if c.OpenDuration < 0 {
		return errors.Fmt("OpenDuration must be > 0, got %s", c.OpenDuration)
	}
	return nil
}

// Breaker is a shared failure-rate gate. Safe for concurrent use.
type Breaker struct {
	name string
	cfg  Config

	mu             sync.Mutex
	state          State
	window         window
	openedAt       time.Time
	trialsAdmitted int
	trialCalls     int
	trialFailures  int

	successful float64
	failed     float64
	rejected   float64

	gSuccessful metrics.Gauge
	gFailed     metrics.Gauge
	gRejected   metrics.Gauge
}

// New builds a Breaker named for its protected resource.
//
// The qualifier ID is extended with "successful", "failed" and "rejected" to
// publish the outcome gauges; pass a nil Registry to skip instrumentation.
func New(name string, cfg Config, m *metrics.Registry, qualifier metrics.ID) (*Breaker, error) {
	if err := cfg.normalize(); err != nil {
		return nil, errors.Fmt("breaker %q: %w", name, err)
	}
	var w window
	if cfg.Window == TimeBased {
		w = newTimeWindow(cfg.WindowSize)
	} else {
		w = newCountWindow(cfg.WindowSize)
	}
	return &Breaker{
		name:        name,
		cfg:         cfg,
		window:      w,
		gSuccessful: m.Gauge(qualifier.Extend("successful", "successful")),
		gFailed:     m.Gauge(qualifier.Extend("failed", "failed")),
		gRejected:   m.Gauge(qualifier.Extend("rejected", "rejected")),
	}, nil
}

// Execute runs op through the breaker.
//
// Rejections return ErrCallNotPermitted without invoking op. Otherwise op's
// error (or nil) is recorded as the call outcome and returned unchanged.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := b.allow(ctx); err != nil {
		return err
	}
	err := op(ctx)
	b.record(ctx, err)
	return err
}

// State returns the current state, applying any due open-to-half-open
// transition first.
func (b *Breaker) State(ctx context.Context) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked(clock.Now(ctx))
	return b.state
}

// Counts returns the cumulative successful, failed and rejected call counts.
func (b *Breaker) Counts() (successful, failed, rejected float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.successful, b.failed, b.rejected
}

func (b *Breaker) allow(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := clock.Now(ctx)
	b.maybeHalfOpenLocked(now)

	switch b.state {
	case Closed:
		return nil
	case HalfOpen:
		if b.trialsAdmitted < b.cfg.HalfOpenCalls {
			b.trialsAdmitted++
			return nil
		}
	case Open:
	}
	b.rejected++
	b.publishLocked()
	return ErrCallNotPermitted
}

func (b *Breaker) record(ctx context.Context, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := clock.Now(ctx)
	failure := err != nil
	if failure {
		b.failed++
	} else {
		b.successful++
	}

	switch b.state {
	case Closed:
		b.window.record(now, failure)
		calls, failures := b.window.counts(now)
		if calls >= b.cfg.MinimumCalls && rate(failures, calls) >= b.cfg.FailureRateThreshold {
			b.openLocked(ctx, now)
		}
	case HalfOpen:
		b.trialCalls++
		if failure {
			b.trialFailures++
		}
		if b.trialCalls >= b.cfg.HalfOpenCalls {
			if rate(b.trialFailures, b.trialCalls) >= b.cfg.FailureRateThreshold {
				b.openLocked(ctx, now)
			} else {
				b.closeLocked(ctx)
			}
		}
	case Open:
		// Outcome of a call admitted before the breaker opened; the window
		// no longer matters until the next half-open evaluation.
	}
	b.publishLocked()
}

func (b *Breaker) maybeHalfOpenLocked(now time.Time) {
	if b.state == Open && now.Sub(b.openedAt) >= b.cfg.OpenDuration {
		b.state = HalfOpen
		b.trialsAdmitted = 0
		b.trialCalls = 0
		b.trialFailures = 0
	}
}

func (b *Breaker) openLocked(ctx context.Context, now time.Time) {
	b.state = Open
	b.openedAt = now
	b.window.reset()
	logging.Warningf(ctx, "circuit %q opened", b.name)
}

func (b *Breaker) closeLocked(ctx context.Context) {
	b.state = Closed
	b.window.reset()
	logging.Infof(ctx, "circuit %q closed", b.name)
}

func (b *Breaker) publishLocked() {
	b.gSuccessful.Set(b.successful)
	b.gFailed.Set(b.failed)
	b.gRejected.Set(b.rejected)
}

func rate(failures, calls int) float64 {
	if calls == 0 {
		return 0
	}
	return float64(failures) / float64(calls)
}
