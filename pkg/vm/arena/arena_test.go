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

package arena

import (
	"bytes"
	"testing"

	"cellmem.dev/cellmem/pkg/guestarch"
)

func newArena(t *testing.T, base guestarch.Addr, size uint32) *Arena {
	t.Helper()
	a, err := New(base, size)
	if err != nil {
		t.Fatalf("New(%v, %#x): %v", base, size, err)
	}
	t.Cleanup(func() {
		if err := a.Release(); err != nil {
			t.Errorf("Release: %v", err)
		}
	})
	return a
}

func TestNewRejectsBadRanges(t *testing.T) {
	for _, test := range []struct {
		base guestarch.Addr
		size uint32
	}{
		{base: 0x1000, size: 0},
		{base: 0xfffff000, size: 0x2000},
	} {
		if a, err := New(test.base, test.size); err == nil {
			a.Release()
			t.Errorf("New(%v, %#x): got nil error", test.base, test.size)
		}
	}
}

func TestSliceAliasesMemory(t *testing.T) {
	a := newArena(t, 0x10000, 0x10000)
	if got, want := a.Range(), (guestarch.AddrRange{Start: 0x10000, End: 0x20000}); got != want {
		t.Errorf("Range(): got %v, want %v", got, want)
	}
	copy(a.Slice(0x10100, 4), []byte{1, 2, 3, 4})
	if got, want := a.Slice(0x10102, 2), []byte{3, 4}; !bytes.Equal(got, want) {
		t.Errorf("Slice(0x10102, 2): got %v, want %v", got, want)
	}
	if s := a.Slice(0x10100, 4); cap(s) != 4 {
		t.Errorf("Slice capacity: got %d, want 4", cap(s))
	}
}

func TestFreshArenaIsZero(t *testing.T) {
	a := newArena(t, 0, 0x100000)
	if s := a.Slice(0x80000, 0x1000); !bytes.Equal(s, make([]byte, 0x1000)) {
		t.Errorf("fresh arena is not zero-filled")
	}
}

func TestDecommit(t *testing.T) {
	const size = 0x40000
	a := newArena(t, 0x100000, size)
	all := a.Slice(0x100000, size)
	for i := range all {
		all[i] = 0xa5
	}
	for _, test := range []struct {
		name string
		addr guestarch.Addr
		n    uint32
	}{
		{"guest page", 0x101000, 0x1000},
		{"unaligned to host pages", 0x110080, 0x10000},
		{"sub-page", 0x130010, 0x20},
		{"empty", 0x138000, 0},
	} {
		t.Run(test.name, func(t *testing.T) {
			if err := a.Decommit(test.addr, test.n); err != nil {
				t.Fatalf("Decommit(%v, %#x): %v", test.addr, test.n, err)
			}
			if s := a.Slice(test.addr, test.n); !bytes.Equal(s, make([]byte, test.n)) {
				t.Errorf("decommitted range is not zero")
			}
			if test.addr > a.Base() {
				if b := a.Slice(test.addr-1, 1)[0]; b != 0xa5 {
					t.Errorf("byte before the range: got %#x, want 0xa5", b)
				}
			}
			if end := test.addr + guestarch.Addr(test.n); end < a.Range().End {
				if b := a.Slice(end, 1)[0]; b != 0xa5 {
					t.Errorf("byte after the range: got %#x, want 0xa5", b)
				}
			}
		})
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	a, err := New(0, 0x1000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := a.Release(); err != nil {
		t.Errorf("second Release: %v", err)
	}
}
