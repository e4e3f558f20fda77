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

package reservation

import (
	"sync/atomic"

	"cellmem.dev/cellmem/pkg/guestarch"
)

const (
	// numLines is the number of lines in the guest address space.
	numLines = 1 << (32 - guestarch.LineShift)

	// chunkShift is the binary log of the number of lines per chunk. One
	// chunk covers 64 KiB of guest memory.
	chunkShift = 9
	chunkLen   = 1 << chunkShift
	chunkMask  = chunkLen - 1
	numChunks  = numLines >> chunkShift
)

type chunk [chunkLen]atomic.Pointer[Reservation]

// Table maps line addresses to their Reservation.
//
// Lines are created on first Lookup and live as long as the Table. Lookups
// never block: a two-level directory is indexed by line number and each slot
// is published with compare-and-swap, so concurrent first touches of a line
// agree on a single Reservation. The zero value is an empty table.
type Table struct {
	dir [numChunks]atomic.Pointer[chunk]

	// lines counts created lines.
	lines atomic.Int64
}

// Lookup returns the Reservation of the line containing addr, creating it if
// needed. Every address in the same line yields the identical pointer.
func (t *Table) Lookup(addr guestarch.Addr) *Reservation {
	line := addr.Line()
	c := t.dir[line>>chunkShift].Load()
	if c == nil {
		c = t.newChunk(line >> chunkShift)
	}
	slot := &c[line&chunkMask]
	if r := slot.Load(); r != nil {
		return r
	}
	r := new(Reservation)
	if slot.CompareAndSwap(nil, r) {
		t.lines.Add(1)
		return r
	}
	return slot.Load()
}

func (t *Table) newChunk(i uint32) *chunk {
	c := new(chunk)
	if t.dir[i].CompareAndSwap(nil, c) {
		return c
	}
	return t.dir[i].Load()
}

// Peek returns the Reservation of the line containing addr, or nil if the
// line has never been looked up.
func (t *Table) Peek(addr guestarch.Addr) *Reservation {
	line := addr.Line()
	c := t.dir[line>>chunkShift].Load()
	if c == nil {
		return nil
	}
	return c[line&chunkMask].Load()
}

// Len returns the number of lines created so far.
func (t *Table) Len() int {
	return int(t.lines.Load())
}

// InvalidateRange invalidates every created line overlapping [addr, addr+n).
// Addresses past the top of the address space are ignored.
func (t *Table) InvalidateRange(addr guestarch.Addr, n uint64) {
	if n == 0 {
		return
	}
	first := uint64(addr) >> guestarch.LineShift
	last := (uint64(addr) + n - 1) >> guestarch.LineShift
	if last >= numLines {
		last = numLines - 1
	}
	for line := first; line <= last; {
		ci := line >> chunkShift
		c := t.dir[ci].Load()
		if c == nil {
			// Skip the whole chunk; none of its lines exist.
			line = (ci + 1) << chunkShift
			continue
		}
		if r := c[line&chunkMask].Load(); r != nil {
			r.Invalidate()
		}
		line++
	}
}
