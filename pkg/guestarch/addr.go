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

package guestarch

import "fmt"

// Addr represents a guest physical address.
type Addr uint32

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not overflow the 32-bit space.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	if length > uint64(MaxAddr) {
		return 0, false
	}
	end = v + Addr(length)
	ok = end >= v
	return
}

// RoundDown returns the address rounded down to the nearest multiple of
// align.
//
// Preconditions: align is a power of two.
func (v Addr) RoundDown(align uint32) Addr {
	return v &^ Addr(align-1)
}

// RoundUp returns the address rounded up to the nearest multiple of align.
// ok is true iff rounding up did not wrap around.
//
// Preconditions: align is a power of two.
func (v Addr) RoundUp(align uint32) (addr Addr, ok bool) {
	addr = (v + Addr(align-1)).RoundDown(align)
	ok = addr >= v
	return
}

// IsAligned returns true if v is a multiple of align.
//
// Preconditions: align is a power of two.
func (v Addr) IsAligned(align uint32) bool {
	return v&Addr(align-1) == 0
}

// PageRoundDown returns the address rounded down to the nearest page
// boundary.
func (v Addr) PageRoundDown() Addr {
	return v.RoundDown(PageSize)
}

// PageRoundUp returns the address rounded up to the nearest page boundary.
// ok is true iff rounding up did not wrap around.
func (v Addr) PageRoundUp() (Addr, bool) {
	return v.RoundUp(PageSize)
}

// LineRoundDown returns the base address of the reservation line containing
// v.
func (v Addr) LineRoundDown() Addr {
	return v &^ LineMask
}

// Line returns the index of the reservation line containing v.
func (v Addr) Line() uint32 {
	return uint32(v) >> LineShift
}

// ToRange returns [v, v+length). ok is true iff the range does not wrap.
func (v Addr) ToRange(length uint64) (AddrRange, bool) {
	end, ok := v.AddLength(length)
	return AddrRange{v, end}, ok
}

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#08x", uint32(v))
}
