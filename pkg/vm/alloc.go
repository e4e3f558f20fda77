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

package vm

import (
	"errors"

	"cellmem.dev/cellmem/pkg/errors/memerr"
	"cellmem.dev/cellmem/pkg/guestarch"
	"cellmem.dev/cellmem/pkg/vm/layout"
	"cellmem.dev/cellmem/pkg/vm/pgalloc"
)

// directionFor returns the allocation direction used within a region.
func directionFor(name string) pgalloc.Direction {
	if name == layout.Stack {
		return pgalloc.TopDown
	}
	return pgalloc.BottomUp
}

// Allocate reserves size bytes, rounded up to the page size, in the first
// region (in base order) whose permissions include flags and that has a free
// span aligned to max(alignment, page size). Zero alignment means page
// alignment. A size of zero allocates one page.
//
// It returns memerr.ErrOutOfMemory if no region can satisfy the request and
// memerr.ErrAlignment if alignment is not a power of two.
func (mm *MemoryManager) Allocate(size, alignment uint32, flags guestarch.AccessType) (guestarch.Addr, error) {
	if alignment != 0 && !guestarch.IsPowerOfTwo(uint64(alignment)) {
		return 0, memerr.ErrAlignment
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	for i := 0; i < mm.regions.Len(); i++ {
		r := mm.regions.At(i)
		if !r.Perms.SupersetOf(flags) {
			continue
		}
		addr, err := mm.allocateInLocked(i, size, alignment, flags)
		if errors.Is(err, memerr.ErrOutOfMemory) {
			continue
		}
		return addr, err
	}
	mm.log.Debugf("Allocate(%#x, %#x, %v): no region has space", size, alignment, flags)
	return 0, memerr.ErrOutOfMemory
}

// AllocateIn is like Allocate, but only considers the region called name.
// Allocations in the stack region are placed at the highest free span.
//
// It returns memerr.ErrInvalidAddress if there is no such region and a
// *memerr.AccessViolation if flags exceed the region's permissions.
func (mm *MemoryManager) AllocateIn(name string, size, alignment uint32, flags guestarch.AccessType) (guestarch.Addr, error) {
	i, ok := mm.regions.ByName(name)
	if !ok {
		return 0, memerr.ErrInvalidAddress
	}
	if r := mm.regions.At(i); !r.Perms.SupersetOf(flags) {
		return 0, &memerr.AccessViolation{Addr: r.Base, Access: flags}
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	addr, err := mm.allocateInLocked(i, size, alignment, flags)
	if err != nil {
		mm.log.Debugf("AllocateIn(%q, %#x, %#x, %v): %v", name, size, alignment, flags, err)
	}
	return addr, err
}

// +checklocks:mm.mu
func (mm *MemoryManager) allocateInLocked(i int, size, alignment uint32, flags guestarch.AccessType) (guestarch.Addr, error) {
	r := mm.regions.At(i)
	a, err := mm.allocs.Allocate(r.Range(), size, alignment, directionFor(r.Name), flags)
	if err != nil {
		return 0, err
	}
	return a.Addr, nil
}

// AllocateAt reserves size bytes, rounded up to the page size, at addr.
// Loaders use it to place segments at their link addresses.
//
// It returns memerr.ErrInvalidAddress if addr is not page-aligned, if the
// span does not lie within a single region, or if it overlaps a live
// allocation, and a *memerr.AccessViolation if flags exceed the region's
// permissions.
func (mm *MemoryManager) AllocateAt(addr guestarch.Addr, size uint32, flags guestarch.AccessType) error {
	if !addr.IsAligned(mm.pageSize) {
		return memerr.At(memerr.ErrInvalidAddress, addr)
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	rsize, ok := mm.allocs.RoundSize(size)
	if !ok {
		return memerr.ErrOutOfMemory
	}
	ar, ok := addr.ToRange(uint64(rsize))
	if !ok {
		return memerr.At(memerr.ErrInvalidAddress, addr)
	}
	i, ok := mm.regions.Span(ar)
	if !ok {
		return memerr.At(memerr.ErrInvalidAddress, addr)
	}
	if r := mm.regions.At(i); !r.Perms.SupersetOf(flags) {
		return &memerr.AccessViolation{Addr: addr, Access: flags}
	}
	return mm.allocs.Insert(pgalloc.Allocation{Addr: addr, Size: rsize, Flags: flags})
}

// Free releases the allocation starting at addr. size must be zero or equal
// to the allocation's size after rounding to the page size. The freed pages
// read as zero if they are allocated again, and every reservation on them is
// invalidated.
//
// It returns memerr.ErrInvalidAddress if addr is not the start of a live
// allocation or size does not match; it never panics on misuse.
func (mm *MemoryManager) Free(addr guestarch.Addr, size uint32) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	a, ok := mm.allocs.Get(addr)
	if !ok {
		mm.log.Debugf("Free(%v, %#x): not a live allocation", addr, size)
		return memerr.At(memerr.ErrInvalidAddress, addr)
	}
	if size != 0 {
		if rsize, ok := mm.allocs.RoundSize(size); !ok || rsize != a.Size {
			mm.log.Debugf("Free(%v, %#x): allocation size is %#x", addr, size, a.Size)
			return memerr.At(memerr.ErrInvalidAddress, addr)
		}
	}
	if _, err := mm.allocs.Remove(addr); err != nil {
		panic("allocation vanished under lock: " + err.Error())
	}
	i, ok := mm.regions.Lookup(addr)
	if !ok {
		panic("allocation " + a.String() + " outside every region")
	}
	if err := mm.arenas[i].Decommit(addr, a.Size); err != nil {
		// The allocation is already gone; the pages are merely not reclaimed.
		mm.log.Warningf("Free(%v): %v", addr, err)
	}
	mm.invalidateRange(a.Range())
	return nil
}

// Protect replaces the flags of the allocation starting at addr. The new
// flags must be within the permissions of the containing region.
func (mm *MemoryManager) Protect(addr guestarch.Addr, flags guestarch.AccessType) error {
	r, ok := mm.regions.Find(addr)
	if !ok {
		return memerr.At(memerr.ErrInvalidAddress, addr)
	}
	if !r.Perms.SupersetOf(flags) {
		return &memerr.AccessViolation{Addr: addr, Access: flags}
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	_, err := mm.allocs.SetFlags(addr, flags)
	return err
}

// Allocation returns the live allocation containing addr.
func (mm *MemoryManager) Allocation(addr guestarch.Addr) (pgalloc.Allocation, bool) {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return mm.allocs.Find(addr)
}
