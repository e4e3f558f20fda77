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
	"math"

	"cellmem.dev/cellmem/pkg/errors/memerr"
	"cellmem.dev/cellmem/pkg/guestarch"
)

// IOOpts controls the checks applied by CopyIn and CopyOut.
type IOOpts struct {
	// IgnorePermissions skips region and allocation permission checks.
	// Addresses must still be allocated. Loaders use this to populate
	// read-only and execute-only segments.
	IgnorePermissions bool

	// Align, if non-zero, requires the address to be a multiple of Align.
	Align uint32
}

// CheckAlignment returns memerr.ErrAlignment if addr is not a multiple of n.
// n of zero or one always passes.
func CheckAlignment(addr guestarch.Addr, n uint32) error {
	if n > 1 && uint32(addr)%n != 0 {
		return memerr.At(memerr.ErrAlignment, addr)
	}
	return nil
}

// checkLocked returns nil if every byte of ar lies within a region and a
// live allocation that both grant access. Otherwise it returns
// memerr.ErrInvalidAddress or a *memerr.AccessViolation naming the first
// offending address.
//
// +checklocksread:mm.mu
func (mm *MemoryManager) checkLocked(ar guestarch.AddrRange, access guestarch.AccessType, ignorePermissions bool) error {
	for cur := ar.Start; cur < ar.End; {
		i, ok := mm.regions.Lookup(cur)
		if !ok {
			return memerr.At(memerr.ErrInvalidAddress, cur)
		}
		r := mm.regions.At(i)
		if !ignorePermissions && !r.Perms.SupersetOf(access) {
			return &memerr.AccessViolation{Addr: cur, Access: access}
		}
		cur = r.Range().End
	}
	if ignorePermissions {
		access = guestarch.NoAccess
	}
	return mm.allocs.Covers(ar, access)
}

// forEachSegmentLocked calls fn with the host bytes backing ar, one call
// per region crossed, in address order. off is the offset of b within ar.
//
// Preconditions: checkLocked(ar, ...) succeeded.
//
// +checklocksread:mm.mu
func (mm *MemoryManager) forEachSegmentLocked(ar guestarch.AddrRange, fn func(off uint32, b []byte)) {
	for cur := ar.Start; cur < ar.End; {
		i, _ := mm.regions.Lookup(cur)
		a := mm.arenas[i]
		seg := a.Range().Intersect(guestarch.AddrRange{Start: cur, End: ar.End})
		fn(uint32(cur-ar.Start), a.Slice(seg.Start, seg.Length()))
		cur = seg.End
	}
}

// access validates [addr, addr+n) for at and, on success, calls fn on its
// backing bytes with mm.mu held for reading.
func (mm *MemoryManager) access(op string, addr guestarch.Addr, n int, at guestarch.AccessType, opts IOOpts, fn func(off uint32, b []byte)) error {
	if err := CheckAlignment(addr, opts.Align); err != nil {
		mm.logFault(op, addr, uint64(n), err)
		return err
	}
	ar, ok := addr.ToRange(uint64(n))
	if !ok {
		err := memerr.At(memerr.ErrInvalidAddress, addr)
		mm.logFault(op, addr, uint64(n), err)
		return err
	}
	if n == 0 {
		return nil
	}
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	if err := mm.checkLocked(ar, at, opts.IgnorePermissions); err != nil {
		mm.logFault(op, addr, uint64(n), err)
		return err
	}
	mm.forEachSegmentLocked(ar, fn)
	return nil
}

// CopyIn copies len(dst) bytes of guest memory starting at addr into dst.
// Either all bytes are copied or none are and an error is returned.
func (mm *MemoryManager) CopyIn(addr guestarch.Addr, dst []byte, opts IOOpts) (int, error) {
	err := mm.access("CopyIn", addr, len(dst), guestarch.Read, opts, func(off uint32, b []byte) {
		copy(dst[off:], b)
	})
	if err != nil {
		return 0, err
	}
	return len(dst), nil
}

// CopyOut copies src into guest memory starting at addr. Either all bytes
// are copied or none are and an error is returned.
//
// CopyOut does not invalidate reservations; see StoreCoherent.
func (mm *MemoryManager) CopyOut(addr guestarch.Addr, src []byte, opts IOOpts) (int, error) {
	err := mm.access("CopyOut", addr, len(src), guestarch.Write, opts, func(off uint32, b []byte) {
		copy(b, src[off:])
	})
	if err != nil {
		return 0, err
	}
	return len(src), nil
}

// ReadBytes returns a copy of the n bytes at addr.
func (mm *MemoryManager) ReadBytes(addr guestarch.Addr, n uint32) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := mm.CopyIn(addr, buf, IOOpts{}); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteBytes copies b to addr.
func (mm *MemoryManager) WriteBytes(addr guestarch.Addr, b []byte) error {
	_, err := mm.CopyOut(addr, b, IOOpts{})
	return err
}

// Scalar is the set of fixed-size values that can be read and written as a
// unit. Values are stored in guest (big-endian) byte order.
type Scalar interface {
	uint8 | uint16 | uint32 | uint64 | int8 | int16 | int32 | int64 | float32 | float64
}

// SizeOf returns the size in bytes of T.
func SizeOf[T Scalar]() int {
	var v T
	switch any(v).(type) {
	case uint8, int8:
		return 1
	case uint16, int16:
		return 2
	case uint32, int32, float32:
		return 4
	default:
		return 8
	}
}

func decode[T Scalar](b []byte) T {
	var v T
	switch p := any(&v).(type) {
	case *uint8:
		*p = b[0]
	case *int8:
		*p = int8(b[0])
	case *uint16:
		*p = binary.BigEndian.Uint16(b)
	case *int16:
		*p = int16(binary.BigEndian.Uint16(b))
	case *uint32:
		*p = binary.BigEndian.Uint32(b)
	case *int32:
		*p = int32(binary.BigEndian.Uint32(b))
	case *float32:
		*p = math.Float32frombits(binary.BigEndian.Uint32(b))
	case *uint64:
		*p = binary.BigEndian.Uint64(b)
	case *int64:
		*p = int64(binary.BigEndian.Uint64(b))
	case *float64:
		*p = math.Float64frombits(binary.BigEndian.Uint64(b))
	}
	return v
}

func encode[T Scalar](b []byte, v T) {
	switch x := any(v).(type) {
	case uint8:
		b[0] = x
	case int8:
		b[0] = uint8(x)
	case uint16:
		binary.BigEndian.PutUint16(b, x)
	case int16:
		binary.BigEndian.PutUint16(b, uint16(x))
	case uint32:
		binary.BigEndian.PutUint32(b, x)
	case int32:
		binary.BigEndian.PutUint32(b, uint32(x))
	case float32:
		binary.BigEndian.PutUint32(b, math.Float32bits(x))
	case uint64:
		binary.BigEndian.PutUint64(b, x)
	case int64:
		binary.BigEndian.PutUint64(b, uint64(x))
	case float64:
		binary.BigEndian.PutUint64(b, math.Float64bits(x))
	}
}

// Read returns the T at addr, checking that the bytes are allocated and
// readable. No alignment is required.
func Read[T Scalar](mm *MemoryManager, addr guestarch.Addr) (T, error) {
	var buf [8]byte
	b := buf[:SizeOf[T]()]
	if _, err := mm.CopyIn(addr, b, IOOpts{}); err != nil {
		var zero T
		return zero, err
	}
	return decode[T](b), nil
}

// Write stores v at addr, checking that the bytes are allocated and
// writable. No alignment is required.
func Write[T Scalar](mm *MemoryManager, addr guestarch.Addr, v T) error {
	var buf [8]byte
	b := buf[:SizeOf[T]()]
	encode(b, v)
	_, err := mm.CopyOut(addr, b, IOOpts{})
	return err
}

// ReadU8 reads a byte.
func (mm *MemoryManager) ReadU8(addr guestarch.Addr) (uint8, error) { return Read[uint8](mm, addr) }

// ReadU16 reads a guest 16-bit value.
func (mm *MemoryManager) ReadU16(addr guestarch.Addr) (uint16, error) { return Read[uint16](mm, addr) }

// ReadU32 reads a guest 32-bit value.
func (mm *MemoryManager) ReadU32(addr guestarch.Addr) (uint32, error) { return Read[uint32](mm, addr) }

// ReadU64 reads a guest 64-bit value.
func (mm *MemoryManager) ReadU64(addr guestarch.Addr) (uint64, error) { return Read[uint64](mm, addr) }

// WriteU8 writes a byte.
func (mm *MemoryManager) WriteU8(addr guestarch.Addr, v uint8) error { return Write(mm, addr, v) }

// WriteU16 writes a guest 16-bit value.
func (mm *MemoryManager) WriteU16(addr guestarch.Addr, v uint16) error { return Write(mm, addr, v) }

// WriteU32 writes a guest 32-bit value.
func (mm *MemoryManager) WriteU32(addr guestarch.Addr, v uint32) error { return Write(mm, addr, v) }

// WriteU64 writes a guest 64-bit value.
func (mm *MemoryManager) WriteU64(addr guestarch.Addr, v uint64) error { return Write(mm, addr, v) }

// ReadBE16 decodes the big-endian 16-bit value at addr, independent of host
// byte order.
func (mm *MemoryManager) ReadBE16(addr guestarch.Addr) (uint16, error) {
	var b [2]byte
	if _, err := mm.CopyIn(addr, b[:], IOOpts{}); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

// ReadBE32 decodes the big-endian 32-bit value at addr, independent of host
// byte order.
func (mm *MemoryManager) ReadBE32(addr guestarch.Addr) (uint32, error) {
	var b [4]byte
	if _, err := mm.CopyIn(addr, b[:], IOOpts{}); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// ReadBE64 decodes the big-endian 64-bit value at addr, independent of host
// byte order.
func (mm *MemoryManager) ReadBE64(addr guestarch.Addr) (uint64, error) {
	var b [8]byte
	if _, err := mm.CopyIn(addr, b[:], IOOpts{}); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// WriteBE16 encodes v big-endian at addr.
func (mm *MemoryManager) WriteBE16(addr guestarch.Addr, v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	_, err := mm.CopyOut(addr, b[:], IOOpts{})
	return err
}

// WriteBE32 encodes v big-endian at addr.
func (mm *MemoryManager) WriteBE32(addr guestarch.Addr, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := mm.CopyOut(addr, b[:], IOOpts{})
	return err
}

// WriteBE64 encodes v big-endian at addr.
func (mm *MemoryManager) WriteBE64(addr guestarch.Addr, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := mm.CopyOut(addr, b[:], IOOpts{})
	return err
}
