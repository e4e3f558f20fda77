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
	"cellmem.dev/cellmem/pkg/guestarch"
	"cellmem.dev/cellmem/pkg/sync"
	"cellmem.dev/cellmem/pkg/vm/reservation"
)

// Line is the contents of one reservation line.
type Line [guestarch.LineSize]byte

// Reservation returns the reservation of the line containing addr, creating
// it on first use. Every caller addressing the same line gets the same
// pointer. The address need not be allocated.
func (mm *MemoryManager) Reservation(addr guestarch.Addr) *reservation.Reservation {
	return mm.lines.Lookup(addr)
}

// InvalidateRange invalidates every line overlapping [addr, addr+n) that has
// been created. Lines nobody has looked up carry no reservations, so they
// are skipped.
func (mm *MemoryManager) InvalidateRange(addr guestarch.Addr, n uint32) {
	mm.lines.InvalidateRange(addr, uint64(n))
}

func (mm *MemoryManager) invalidateRange(ar guestarch.AddrRange) {
	mm.InvalidateRange(ar.Start, ar.Length())
}

// LoadReserved copies the line containing addr into dst and returns the
// reservation token to pass to StoreConditional. The copy is consistent with
// the token: no conditional store to the line was in progress while it was
// taken. A plain write racing with the copy may still tear it, but then the
// write also invalidates the token.
func (mm *MemoryManager) LoadReserved(addr guestarch.Addr, dst *Line) (uint64, error) {
	line := addr.LineRoundDown()
	r := mm.lines.Lookup(line)
	var spin sync.Spinner
	for {
		token, locked := r.State()
		if locked {
			spin.Spin()
			continue
		}
		if _, err := mm.CopyIn(line, dst[:], IOOpts{}); err != nil {
			return 0, err
		}
		if now, locked := r.State(); now == token && !locked {
			return token, nil
		}
		spin.Spin()
	}
}

// StoreConditional writes src to the line containing addr iff the line's
// reservation still matches token, and reports whether it did. The line is
// locked for the duration of the write, and a successful store commits a
// new generation, so other holders of token fail.
//
// A failed store returns (false, nil); what that means to the guest is up to
// the caller.
func (mm *MemoryManager) StoreConditional(addr guestarch.Addr, token uint64, src *Line) (bool, error) {
	line := addr.LineRoundDown()
	w, err := mm.Validate(line, guestarch.LineSize, guestarch.Write)
	if err != nil {
		return false, err
	}
	r := mm.lines.Lookup(line)
	if !r.TryLock(token) {
		return false, nil
	}
	copy(w.Bytes(), src[:])
	r.UnlockAndIncrement()
	return true, nil
}

// StoreCoherent writes b to addr and invalidates every reservation on the
// lines it touches. DMA puts and other non-conditional writers that must be
// observed by reserving cores use it.
func (mm *MemoryManager) StoreCoherent(addr guestarch.Addr, b []byte) error {
	if err := mm.WriteBytes(addr, b); err != nil {
		return err
	}
	mm.InvalidateRange(addr, uint32(len(b)))
	return nil
}
