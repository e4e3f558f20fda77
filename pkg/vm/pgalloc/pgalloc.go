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

// Package pgalloc tracks page-granular allocations within the guest address
// space and finds free spans for new ones.
package pgalloc

import (
	"fmt"

	"cellmem.dev/cellmem/pkg/errors/memerr"
	"cellmem.dev/cellmem/pkg/guestarch"
	"github.com/google/btree"
)

// Direction describes how to allocate addresses from an Allocator.
type Direction int

// Possible values for Direction.
const (
	// BottomUp allocates the lowest suitable span.
	BottomUp Direction = iota

	// TopDown allocates the highest suitable span. Stacks grow down, so the
	// stack region is allocated from the top.
	TopDown
)

// String implements fmt.Stringer.
func (d Direction) String() string {
	switch d {
	case BottomUp:
		return "up"
	case TopDown:
		return "down"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// Allocation is a live span of guest memory.
type Allocation struct {
	// Addr is the page-aligned start of the allocation.
	Addr guestarch.Addr

	// Size is a non-zero multiple of the page size.
	Size uint32

	// Flags are the accesses the allocation grants.
	Flags guestarch.AccessType
}

// Range returns the addresses covered by a.
func (a Allocation) Range() guestarch.AddrRange {
	return guestarch.AddrRange{Start: a.Addr, End: a.Addr + guestarch.Addr(a.Size)}
}

// end returns the end of a without wrapping.
func (a Allocation) end() uint64 {
	return uint64(a.Addr) + uint64(a.Size)
}

// String implements fmt.Stringer.String.
func (a Allocation) String() string {
	return fmt.Sprintf("%v %v", a.Range(), a.Flags)
}

// btreeDegree is the degree of the allocation tree. Guests typically hold at
// most a few thousand allocations.
const btreeDegree = 16

// Allocator tracks live allocations.
//
// Allocator is not synchronized; the memory manager serializes mutations
// and allows concurrent readers.
type Allocator struct {
	pageSize uint32
	tree     *btree.BTreeG[Allocation]

	// usage is the sum of the sizes of all live allocations.
	usage uint64
}

func lessAllocation(a, b Allocation) bool {
	return a.Addr < b.Addr
}

// New returns an empty Allocator for the given page size.
//
// Preconditions: pageSize is a power of two.
func New(pageSize uint32) *Allocator {
	if !guestarch.IsPowerOfTwo(uint64(pageSize)) {
		panic(fmt.Sprintf("page size %#x is not a power of two", pageSize))
	}
	return &Allocator{
		pageSize: pageSize,
		tree:     btree.NewG[Allocation](btreeDegree, lessAllocation),
	}
}

// PageSize returns the allocation granularity.
func (s *Allocator) PageSize() uint32 {
	return s.pageSize
}

// RoundSize rounds length up to a multiple of the page size. Zero rounds to
// one page. ok is false if the result does not fit in 32 bits.
func (s *Allocator) RoundSize(length uint32) (uint32, bool) {
	if length == 0 {
		return s.pageSize, true
	}
	r := (uint64(length) + uint64(s.pageSize) - 1) &^ (uint64(s.pageSize) - 1)
	if r > uint64(guestarch.MaxAddr) {
		return 0, false
	}
	return uint32(r), true
}

func roundUp64(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

func roundDown64(v, align uint64) uint64 {
	return v &^ (align - 1)
}

// findAvailable returns the start of a free span of length bytes, aligned to
// alignment, that lies within bounds.
//
// Preconditions: length > 0; alignment is a power of two.
func (s *Allocator) findAvailable(bounds guestarch.AddrRange, length, alignment uint64, dir Direction) (guestarch.Addr, bool) {
	lo, hi := uint64(bounds.Start), uint64(bounds.End)
	if hi <= lo || hi-lo < length {
		return 0, false
	}
	if dir == TopDown {
		return s.findAvailableTopDown(lo, hi, length, alignment)
	}
	return s.findAvailableBottomUp(lo, hi, length, alignment)
}

func (s *Allocator) findAvailableBottomUp(lo, hi, length, alignment uint64) (guestarch.Addr, bool) {
	start := roundUp64(lo, alignment)
	// An allocation beginning below lo may extend into bounds.
	s.tree.DescendLessOrEqual(Allocation{Addr: guestarch.Addr(lo)}, func(a Allocation) bool {
		if a.end() > start {
			start = roundUp64(a.end(), alignment)
		}
		return false
	})
	found := false
	s.tree.AscendGreaterOrEqual(Allocation{Addr: guestarch.Addr(lo)}, func(a Allocation) bool {
		if start+length > hi {
			return false
		}
		if a.end() <= start {
			return true
		}
		if uint64(a.Addr) >= start+length {
			found = true
			return false
		}
		start = roundUp64(a.end(), alignment)
		return true
	})
	if found || start+length <= hi {
		return guestarch.Addr(start), true
	}
	return 0, false
}

func (s *Allocator) findAvailableTopDown(lo, hi, length, alignment uint64) (guestarch.Addr, bool) {
	end := hi
	var (
		addr  uint64
		found bool
	)
	s.tree.DescendLessOrEqual(Allocation{Addr: guestarch.Addr(hi - 1)}, func(a Allocation) bool {
		if a.end() <= lo {
			return false
		}
		if end >= lo+length {
			cand := roundDown64(end-length, alignment)
			if cand >= lo && cand >= a.end() {
				addr, found = cand, true
				return false
			}
		}
		if uint64(a.Addr) < end {
			end = uint64(a.Addr)
		}
		return true
	})
	if found {
		return guestarch.Addr(addr), true
	}
	if end >= lo+length {
		if cand := roundDown64(end-length, alignment); cand >= lo {
			return guestarch.Addr(cand), true
		}
	}
	return 0, false
}

// Allocate reserves length bytes (rounded up to the page size) within
// bounds, aligned to max(alignment, page size), and returns the new
// allocation. It returns memerr.ErrOutOfMemory if no free span fits and
// memerr.ErrAlignment if alignment is not a power of two.
func (s *Allocator) Allocate(bounds guestarch.AddrRange, length, alignment uint32, dir Direction, flags guestarch.AccessType) (Allocation, error) {
	size, ok := s.RoundSize(length)
	if !ok {
		return Allocation{}, memerr.ErrOutOfMemory
	}
	if alignment == 0 {
		alignment = s.pageSize
	}
	if !guestarch.IsPowerOfTwo(uint64(alignment)) {
		return Allocation{}, memerr.ErrAlignment
	}
	if alignment < s.pageSize {
		alignment = s.pageSize
	}
	addr, ok := s.findAvailable(bounds, uint64(size), uint64(alignment), dir)
	if !ok {
		return Allocation{}, memerr.ErrOutOfMemory
	}
	a := Allocation{Addr: addr, Size: size, Flags: flags}
	s.insert(a)
	return a, nil
}

// Insert tracks a at a fixed address. It returns memerr.ErrInvalidAddress if
// a is not page-aligned or overlaps a live allocation.
func (s *Allocator) Insert(a Allocation) error {
	if !a.Addr.IsAligned(s.pageSize) || a.Size == 0 || a.Size%s.pageSize != 0 {
		return memerr.At(memerr.ErrInvalidAddress, a.Addr)
	}
	if a.end() > uint64(guestarch.MaxAddr) {
		return memerr.At(memerr.ErrInvalidAddress, a.Addr)
	}
	if s.overlaps(a) {
		return memerr.At(memerr.ErrInvalidAddress, a.Addr)
	}
	s.insert(a)
	return nil
}

func (s *Allocator) insert(a Allocation) {
	if _, replaced := s.tree.ReplaceOrInsert(a); replaced {
		panic(fmt.Sprintf("allocation tree corrupted: %v already tracked", a))
	}
	s.usage += uint64(a.Size)
}

func (s *Allocator) overlaps(a Allocation) bool {
	overlap := false
	s.tree.DescendLessOrEqual(a, func(prev Allocation) bool {
		overlap = prev.end() > uint64(a.Addr)
		return false
	})
	if overlap {
		return true
	}
	s.tree.AscendGreaterOrEqual(a, func(next Allocation) bool {
		overlap = uint64(next.Addr) < a.end()
		return false
	})
	return overlap
}

// Remove stops tracking the allocation starting at addr and returns it. It
// returns memerr.ErrInvalidAddress if addr is not the start of a live
// allocation.
func (s *Allocator) Remove(addr guestarch.Addr) (Allocation, error) {
	a, ok := s.tree.Delete(Allocation{Addr: addr})
	if !ok {
		return Allocation{}, memerr.At(memerr.ErrInvalidAddress, addr)
	}
	if s.usage < uint64(a.Size) {
		panic(fmt.Sprintf("allocation usage underflow: %d < %v", s.usage, a))
	}
	s.usage -= uint64(a.Size)
	return a, nil
}

// Get returns the allocation starting exactly at addr.
func (s *Allocator) Get(addr guestarch.Addr) (Allocation, bool) {
	return s.tree.Get(Allocation{Addr: addr})
}

// Find returns the allocation containing addr.
func (s *Allocator) Find(addr guestarch.Addr) (Allocation, bool) {
	var (
		found Allocation
		ok    bool
	)
	s.tree.DescendLessOrEqual(Allocation{Addr: addr}, func(a Allocation) bool {
		if a.Range().Contains(addr) {
			found, ok = a, true
		}
		return false
	})
	return found, ok
}

// Covers checks that every byte of ar belongs to a live allocation granting
// access. It returns memerr.ErrInvalidAddress (annotated with the first
// untracked address) or a *memerr.AccessViolation.
//
// Preconditions: ar.WellFormed().
func (s *Allocator) Covers(ar guestarch.AddrRange, access guestarch.AccessType) error {
	cur, end := uint64(ar.Start), uint64(ar.End)
	for cur < end {
		a, ok := s.Find(guestarch.Addr(cur))
		if !ok {
			return memerr.At(memerr.ErrInvalidAddress, guestarch.Addr(cur))
		}
		if !a.Flags.SupersetOf(access) {
			return &memerr.AccessViolation{Addr: guestarch.Addr(cur), Access: access}
		}
		cur = a.end()
	}
	return nil
}

// SetFlags replaces the flags of the allocation starting at addr.
func (s *Allocator) SetFlags(addr guestarch.Addr, flags guestarch.AccessType) (Allocation, error) {
	a, ok := s.Get(addr)
	if !ok {
		return Allocation{}, memerr.At(memerr.ErrInvalidAddress, addr)
	}
	a.Flags = flags
	s.tree.ReplaceOrInsert(a)
	return a, nil
}

// Usage returns the number of bytes in live allocations.
func (s *Allocator) Usage() uint64 {
	return s.usage
}

// Len returns the number of live allocations.
func (s *Allocator) Len() int {
	return s.tree.Len()
}

// ForEach calls fn for each live allocation intersecting ar, in address
// order, until fn returns false.
func (s *Allocator) ForEach(ar guestarch.AddrRange, fn func(Allocation) bool) {
	if a, ok := s.Find(ar.Start); ok && a.Addr < ar.Start {
		if !fn(a) {
			return
		}
	}
	s.tree.AscendRange(Allocation{Addr: ar.Start}, Allocation{Addr: ar.End}, fn)
}
