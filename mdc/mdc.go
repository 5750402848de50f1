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

// Package mdc carries a caller-scoped diagnostic context (a small string
// key/value map, typically used for log correlation) on a context.Context,
// and provides the snapshot/reinstate primitives needed to keep that map
// attached to a logical request as it crosses goroutine boundaries.
//
// The map is immutable once attached; With returns a derived Context. Values
// installed here are also mirrored into the logging fields of the Context, so
// any log line emitted under a reinstated snapshot carries the originating
// caller's diagnostic values.
//
// There are two propagation modes:
//   - Bind wraps a task function at submission time (the "per-operator" mode):
//     the diagnostic map active at Bind time is reinstated around every run of
//     the returned function, regardless of which goroutine runs it.
//   - Copy/Onto are the explicit propagation points (the mode used by the
//     collapser): a Snapshot is taken where the caller subscribes and
//     reinstated around each downstream emission.
package mdc

import (
	"context"

	"go.chromium.org/luci/common/logging"
)

// Snapshot is an immutable copy of the diagnostic map at a point in time.
//
// A nil Snapshot is valid and means "no diagnostic context"; reinstating it
// clears any map present on the target Context.
type Snapshot map[string]string

var contextKey = "coalesce.mdc"

// With returns a Context carrying the given diagnostic key/value in addition
// to any values already present.
func With(ctx context.Context, key, value string) context.Context {
	cur, _ := ctx.Value(&contextKey).(Snapshot)
	next := make(Snapshot, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[key] = value
	return next.Onto(ctx)
}

// Value returns the diagnostic value for key, if any.
func Value(ctx context.Context, key string) (string, bool) {
	cur, _ := ctx.Value(&contextKey).(Snapshot)
	v, ok := cur[key]
	return v, ok
}

// Copy snapshots the diagnostic map of ctx.
//
// The returned Snapshot is detached from ctx; later With calls on the caller
// side do not affect it.
func Copy(ctx context.Context) Snapshot {
	cur, _ := ctx.Value(&contextKey).(Snapshot)
	if len(cur) == 0 {
		return nil
	}
	// Maps attached via Onto are never mutated, so sharing the backing map
	// with the Context is safe.
	return cur
}

// Onto reinstates the Snapshot on the given Context, replacing whatever
// diagnostic map it carried, and mirrors the values into its logging fields.
func (s Snapshot) Onto(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, &contextKey, s)
	if len(s) > 0 {
		fields := make(logging.Fields, len(s))
		for k, v := range s {
			fields[k] = v
		}
		ctx = logging.SetFields(ctx, fields)
	}
	return ctx
}

// Bind captures the diagnostic map of ctx and returns a task function that
// reinstates it on whatever Context the task is eventually run with.
//
// Intended as a submission hook for executors: wrap the task when it is
// handed off, run the wrapped form on the worker.
func Bind(ctx context.Context, task func(context.Context)) func(context.Context) {
	snap := Copy(ctx)
	return func(runCtx context.Context) {
		task(snap.Onto(runCtx))
	}
}
