// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package region implements the fixed table of guest address regions. The
// table is built once and never modified, so lookups need no locking.
package region

import (
	"fmt"
	"sort"

	"cellmem.dev/cellmem/pkg/guestarch"
	"cellmem.dev/cellmem/pkg/vm/layout"
)

// Region is a named range of guest addresses backed by memory.
type Region struct {
	// Name identifies the region.
	Name string

	// Base is the first address of the region.
	Base guestarch.Addr

	// Size is the length of the region in bytes.
	Size uint32

	// Perms are the accesses the region grants. Allocations within the
	// region may narrow, but never widen, these.
	Perms guestarch.AccessType
}

// Range returns the addresses covered by r.
func (r Region) Range() guestarch.AddrRange {
	return guestarch.AddrRange{Start: r.Base, End: r.Base + guestarch.Addr(r.Size)}
}

// Contains returns true if addr lies within r.
func (r Region) Contains(addr guestarch.Addr) bool {
	return r.Range().Contains(addr)
}

// String implements fmt.Stringer.String.
func (r Region) String() string {
	return fmt.Sprintf("%s %v %v", r.Name, r.Range(), r.Perms)
}

// Table is an immutable set of non-overlapping regions sorted by base.
type Table struct {
	regions []Region
}

// NewTable builds a table from a validated layout.
func NewTable(l *layout.Layout) (*Table, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	t := &Table{regions: make([]Region, 0, len(l.Regions))}
	for _, s := range l.Regions {
		t.regions = append(t.regions, Region{
			Name:  s.Name,
			Base:  guestarch.Addr(s.Base),
			Size:  s.Size,
			Perms: s.Perms,
		})
	}
	return t, nil
}

// Lookup returns the index of the region containing addr.
func (t *Table) Lookup(addr guestarch.Addr) (int, bool) {
	// Find the first region that ends after addr.
	i := sort.Search(len(t.regions), func(i int) bool {
		return t.regions[i].Range().End > addr
	})
	if i < len(t.regions) && t.regions[i].Contains(addr) {
		return i, true
	}
	return -1, false
}

// Find returns the region containing addr.
func (t *Table) Find(addr guestarch.Addr) (Region, bool) {
	i, ok := t.Lookup(addr)
	if !ok {
		return Region{}, false
	}
	return t.regions[i], true
}

// ByName returns the index of the region called name.
func (t *Table) ByName(name string) (int, bool) {
	for i, r := range t.regions {
		if r.Name == name {
			return i, true
		}
	}
	return -1, false
}

// At returns the region at index i.
func (t *Table) At(i int) Region {
	return t.regions[i]
}

// Len returns the number of regions.
func (t *Table) Len() int {
	return len(t.regions)
}

// All returns a copy of the regions in base order.
func (t *Table) All() []Region {
	return append([]Region(nil), t.regions...)
}

// Span returns the index of the single region that contains all of ar. ok is
// false if ar is empty, unmapped anywhere, or straddles two regions.
func (t *Table) Span(ar guestarch.AddrRange) (int, bool) {
	if ar.Length() == 0 {
		return -1, false
	}
	i, ok := t.Lookup(ar.Start)
	if !ok || !t.regions[i].Range().IsSupersetOf(ar) {
		return -1, false
	}
	return i, true
}
