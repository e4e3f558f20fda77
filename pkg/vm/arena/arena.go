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

// Package arena provides the host memory backing one guest region.
//
// Guest code may race on memory exactly as it would on hardware, so arena
// bytes are shared by every core without synchronization. Callers are
// responsible for keeping accesses within bounds they have validated.
package arena

import (
	"fmt"

	"cellmem.dev/cellmem/pkg/guestarch"
	"golang.org/x/sys/unix"
)

// Arena is an anonymous private host mapping backing the guest addresses
// [Base, Base+len(Bytes())).
//
// The mapping is created with MAP_NORESERVE, so untouched pages cost
// nothing; a large region is only as expensive as the memory the guest
// actually writes.
type Arena struct {
	base guestarch.Addr
	mem  []byte
}

// New maps size bytes backing guest addresses starting at base.
func New(base guestarch.Addr, size uint32) (*Arena, error) {
	if size == 0 {
		return nil, fmt.Errorf("arena at %v has zero size", base)
	}
	if _, ok := base.AddLength(uint64(size)); !ok {
		return nil, fmt.Errorf("arena [%v, +%#x) wraps the address space", base, size)
	}
	mem, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("failed to map arena [%v, +%#x): %w", base, size, err)
	}
	return &Arena{base: base, mem: mem}, nil
}

// Base returns the first guest address backed by a.
func (a *Arena) Base() guestarch.Addr {
	return a.base
}

// Len returns the number of bytes backed by a.
func (a *Arena) Len() uint32 {
	return uint32(len(a.mem))
}

// Range returns the guest addresses backed by a.
func (a *Arena) Range() guestarch.AddrRange {
	return guestarch.AddrRange{Start: a.base, End: a.base + guestarch.Addr(len(a.mem))}
}

// Slice returns the host bytes backing [addr, addr+n).
//
// Preconditions: the range lies within a.Range().
func (a *Arena) Slice(addr guestarch.Addr, n uint32) []byte {
	off := uint32(addr - a.base)
	return a.mem[off : off+n : off+n]
}

// Decommit discards the contents of [addr, addr+n). Subsequent reads return
// zero. Host pages lying entirely within the range are returned to the host;
// the partial host pages at either end are zeroed in place, since guest
// pages may be smaller than host pages.
//
// Preconditions: the range lies within a.Range().
func (a *Arena) Decommit(addr guestarch.Addr, n uint32) error {
	if n == 0 {
		return nil
	}
	hostPage := uint64(unix.Getpagesize())
	start := uint64(addr - a.base)
	end := start + uint64(n)
	lo := (start + hostPage - 1) &^ (hostPage - 1)
	hi := end &^ (hostPage - 1)
	if lo >= hi {
		clear(a.mem[start:end])
		return nil
	}
	clear(a.mem[start:lo])
	clear(a.mem[hi:end])
	if err := unix.Madvise(a.mem[lo:hi], unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("failed to decommit [%v, +%#x): %w", addr, n, err)
	}
	return nil
}

// Release unmaps a. It must not be used afterwards.
func (a *Arena) Release() error {
	if a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	return err
}
