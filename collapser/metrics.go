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

import "github.com/tributary-io/coalesce/metrics"

// instruments bundles the collapser's observables:
//
//	pending    — open-batch occupancy, recorded on every arrival and after
//	             every cut;
//	batchSize  — items per dispatched batch;
//	delay      — submission to bulk-call start, per item;
//	completion — submission to emission, per item.
type instruments struct {
	pending    metrics.Distribution
	batchSize  metrics.Distribution
	delay      metrics.Timer
	completion metrics.Timer
}

func newInstruments(m *metrics.Registry, qualifier metrics.ID) *instruments {
	return &instruments{
		pending:    m.Distribution(qualifier.Extend("item.pending", "pending")),
		batchSize:  m.Distribution(qualifier.Extend("batch.size", "batch_size")),
		delay:      m.Timer(qualifier.Extend("item.delay", "item_delay")),
		completion: m.Timer(qualifier.Extend("item.completion", "item_completion")),
	}
}
