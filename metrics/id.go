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

package metrics

// Tag is a dimensional metric label.
type Tag struct {
	Key   string
	Value string
}

// ID names one metric under both naming schemes.
//
// Name is the dimensional (tagged) name, joined with "_". HierarchicalName is
// the dotted graphite-style path. Either may be empty, in which case the
// metric is simply not emitted under that scheme.
type ID struct {
	Name             string
	HierarchicalName string
	Tags             []Tag
}

// NewID builds an ID with the given names and tags.
func NewID(name, hierarchicalName string, tags ...Tag) ID {
	return ID{Name: name, HierarchicalName: hierarchicalName, Tags: tags}
}

// With returns a copy of the ID with extra tags appended.
func (id ID) With(tags ...Tag) ID {
	next := id
	next.Tags = make([]Tag, 0, len(id.Tags)+len(tags))
	next.Tags = append(next.Tags, id.Tags...)
	next.Tags = append(next.Tags, tags...)
	return next
}

// Extend derives the ID of one concrete instrument from a qualifier ID.
//
// The hierarchical suffix is appended with ".", the dimensional suffix with
// "_". Empty base names stay empty so the scheme remains disabled for the
// derived ID as well.
func (id ID) Extend(hierarchical, dimensional string) ID {
	next := id
	if next.HierarchicalName != "" && hierarchical != "" {
		next.HierarchicalName += "." + hierarchical
	}
	if next.Name != "" && dimensional != "" {
		next.Name += "_" + dimensional
	}
	return next
}
