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

// Package guestarch describes the address space of the emulated machine: a
// flat, big-endian, 32-bit physical space shared by every emulated core.
package guestarch

const (
	// PageShift is the binary log of the default allocation page size.
	PageShift = 12

	// PageSize is the default allocation page size.
	PageSize = 1 << PageShift

	// LineShift is the binary log of LineSize.
	LineShift = 7

	// LineSize is the size of a reservation granule, equal to the emulated
	// hardware's cache line.
	LineSize = 1 << LineShift

	// LineMask masks the offset of an address within its line.
	LineMask = LineSize - 1

	// MaxAddr is the highest addressable byte.
	MaxAddr = Addr(^uint32(0))
)

// IsPowerOfTwo returns true if v is a non-zero power of two.
func IsPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}
