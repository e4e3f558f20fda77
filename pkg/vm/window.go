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
	"encoding/binary"

	"cellmem.dev/cellmem/pkg/errors/memerr"
	"cellmem.dev/cellmem/pkg/guestarch"
)

// Window is direct access to a span of guest memory that has already been
// validated. It is the fast path for instruction interpreters: its methods
// perform no permission or allocation checks and do not allocate.
//
// A Window is obtained only from Validate. It remains usable until the
// allocation it covers is freed or its flags are narrowed; using it after
// that is a caller bug. Addresses outside the window panic rather than touch
// other memory.
type Window struct {
	start guestarch.Addr
	mem   []byte
}

// Validate checks that every byte of [addr, addr+n) is allocated, lies
// within a single region, and grants access, and returns a Window over it.
func (mm *MemoryManager) Validate(addr guestarch.Addr, n uint32, access guestarch.AccessType) (Window, error) {
	ar, ok := addr.ToRange(uint64(n))
	if !ok || n == 0 {
		return Window{}, memerr.At(memerr.ErrInvalidAddress, addr)
	}
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	if err := mm.checkLocked(ar, access, false); err != nil {
		mm.logFault("Validate", addr, uint64(n), err)
		return Window{}, err
	}
	i, ok := mm.regions.Span(ar)
	if !ok {
		// Allocated on both sides of a region boundary.
		r := mm.regions.At(mustLookup(mm, addr))
		return Window{}, memerr.At(memerr.ErrInvalidAddress, r.Range().End)
	}
	return Window{start: addr, mem: mm.arenas[i].Slice(addr, n)}, nil
}

func mustLookup(mm *MemoryManager, addr guestarch.Addr) int {
	i, ok := mm.regions.Lookup(addr)
	if !ok {
		panic("validated address " + addr.String() + " outside every region")
	}
	return i
}

// Range returns the addresses covered by w.
func (w Window) Range() guestarch.AddrRange {
	return guestarch.AddrRange{Start: w.start, End: w.start + guestarch.Addr(len(w.mem))}
}

// Contains returns true if [addr, addr+n) lies within w.
func (w Window) Contains(addr guestarch.Addr, n uint32) bool {
	ar, ok := addr.ToRange(uint64(n))
	return ok && w.Range().IsSupersetOf(ar)
}

// Bytes returns the host bytes backing w. Writes through the slice are
// guest writes.
func (w Window) Bytes() []byte {
	return w.mem
}

// ReadU8 reads the byte at addr.
func (w Window) ReadU8(addr guestarch.Addr) uint8 {
	return w.mem[addr-w.start]
}

// ReadU16 reads the guest 16-bit value at addr.
func (w Window) ReadU16(addr guestarch.Addr) uint16 {
	return binary.BigEndian.Uint16(w.mem[addr-w.start:])
}

// ReadU32 reads the guest 32-bit value at addr.
func (w Window) ReadU32(addr guestarch.Addr) uint32 {
	return binary.BigEndian.Uint32(w.mem[addr-w.start:])
}

// ReadU64 reads the guest 64-bit value at addr.
func (w Window) ReadU64(addr guestarch.Addr) uint64 {
	return binary.BigEndian.Uint64(w.mem[addr-w.start:])
}

// WriteU8 writes the byte at addr.
func (w Window) WriteU8(addr guestarch.Addr, v uint8) {
	w.mem[addr-w.start] = v
}

// WriteU16 writes the guest 16-bit value at addr.
func (w Window) WriteU16(addr guestarch.Addr, v uint16) {
	binary.BigEndian.PutUint16(w.mem[addr-w.start:], v)
}

// WriteU32 writes the guest 32-bit value at addr.
func (w Window) WriteU32(addr guestarch.Addr, v uint32) {
	binary.BigEndian.PutUint32(w.mem[addr-w.start:], v)
}

// WriteU64 writes the guest 64-bit value at addr.
func (w Window) WriteU64(addr guestarch.Addr, v uint64) {
	binary.BigEndian.PutUint64(w.mem[addr-w.start:], v)
}
