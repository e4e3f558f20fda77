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
	"testing"

	"cellmem.dev/cellmem/pkg/errors/memerr"
	"cellmem.dev/cellmem/pkg/guestarch"
	"cellmem.dev/cellmem/pkg/log"
	"cellmem.dev/cellmem/pkg/vm/layout"
	"cellmem.dev/cellmem/pkg/vm/pgalloc"
	"cellmem.dev/cellmem/pkg/vm/region"
	"github.com/google/go-cmp/cmp"
)

const page = guestarch.PageSize

// testLayout is a small address space: executable main memory, a read-only
// data region, and a heap immediately followed by a stack.
func testLayout() *layout.Layout {
	return &layout.Layout{
		PageSize: page,
		Regions: []layout.Spec{
			{Name: layout.MainMemory, Base: 0x10000, Size: 0x100000, Perms: guestarch.AnyAccess},
			{Name: "rodata", Base: 0x200000, Size: 0x10000, Perms: guestarch.ReadExec},
			{Name: layout.UserHeap, Base: 0x300000, Size: 0x100000, Perms: guestarch.ReadWrite},
			{Name: layout.Stack, Base: 0x400000, Size: 0x10000, Perms: guestarch.ReadWrite},
		},
	}
}

func newTestMM(t *testing.T) *MemoryManager {
	t.Helper()
	mm, err := New(Options{
		Layout: testLayout(),
		Logger: &log.BasicLogger{Level: log.Debug, Emitter: &log.TestEmitter{TestLogger: t}},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if err := mm.Release(); err != nil {
			t.Errorf("Release: %v", err)
		}
	})
	return mm
}

func mustAllocateAt(t *testing.T, mm *MemoryManager, addr guestarch.Addr, size uint32, flags guestarch.AccessType) {
	t.Helper()
	if err := mm.AllocateAt(addr, size, flags); err != nil {
		t.Fatalf("AllocateAt(%v, %#x, %v): %v", addr, size, flags, err)
	}
}

func TestScenarioA(t *testing.T) {
	mm := newTestMM(t)
	addr, err := mm.Allocate(0x10000, 0, guestarch.ReadWrite)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	const v = uint64(0x123456789ABCDEF0)
	if err := Write(mm, addr, v); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := Read[uint64](mm, addr)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != v {
		t.Errorf("Read: got %#x, want %#x", got, v)
	}
	if err := mm.Free(addr, 0x10000); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if _, err := Read[uint64](mm, addr); !errors.Is(err, memerr.ErrInvalidAddress) {
		t.Errorf("Read after Free: got %v, want %v", err, memerr.ErrInvalidAddress)
	}
}

func TestNewDefaultLayout(t *testing.T) {
	mm, err := New(Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer mm.Release()

	var got []string
	for _, r := range mm.Regions() {
		got = append(got, r.Name)
	}
	want := []string{layout.MainMemory, layout.UserHeap, layout.VideoMemory, layout.Stack}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Regions mismatch (-want +got):\n%s", diff)
	}
	addr, err := mm.AllocateIn(layout.VideoMemory, 0x400000, 0, guestarch.ReadWrite)
	if err != nil {
		t.Fatalf("AllocateIn(video): %v", err)
	}
	if err := mm.WriteBE32(addr+0x3ffffc, 0xff00ff00); err != nil {
		t.Errorf("WriteBE32 at the end of a video buffer: %v", err)
	}
}

func TestNewRejectsBadLayout(t *testing.T) {
	l := testLayout()
	l.Regions[1].Base = l.Regions[0].Base + 0x1000
	if mm, err := New(Options{Layout: l}); err == nil {
		mm.Release()
		t.Fatalf("New with overlapping regions succeeded")
	}
}

func TestNewCopiesLayout(t *testing.T) {
	l := testLayout()
	mm, err := New(Options{Layout: l})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer mm.Release()
	l.Regions[0].Perms = guestarch.NoAccess
	if r, _ := mm.RegionOf(0x10000); r.Perms != guestarch.AnyAccess {
		t.Errorf("changing the caller's layout changed the manager: %v", r)
	}
}

func TestAllocateProperties(t *testing.T) {
	mm := newTestMM(t)
	var live []pgalloc.Allocation
	for _, size := range []uint32{1, page, page + 1, 3 * page, 0, 0x10000} {
		addr, err := mm.Allocate(size, 0, guestarch.ReadWrite)
		if err != nil {
			t.Fatalf("Allocate(%#x): %v", size, err)
		}
		if !addr.IsAligned(page) {
			t.Errorf("Allocate(%#x) = %v is not page-aligned", size, addr)
		}
		a, ok := mm.Allocation(addr)
		if !ok || a.Addr != addr {
			t.Fatalf("Allocation(%v): got (%v, %t)", addr, a, ok)
		}
		if want := max(page, (size+page-1)&^(page-1)); a.Size != want {
			t.Errorf("Allocate(%#x): size %#x, want %#x", size, a.Size, want)
		}
		for _, prev := range live {
			if prev.Range().Overlaps(a.Range()) {
				t.Errorf("%v overlaps %v", a, prev)
			}
		}
		live = append(live, a)
	}
}

func TestAllocateAlignment(t *testing.T) {
	mm := newTestMM(t)
	if _, err := mm.Allocate(page, 0, guestarch.ReadWrite); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	addr, err := mm.Allocate(page, 0x10000, guestarch.ReadWrite)
	if err != nil {
		t.Fatalf("Allocate(aligned): %v", err)
	}
	if !addr.IsAligned(0x10000) {
		t.Errorf("Allocate(alignment 0x10000) = %v", addr)
	}
	if _, err := mm.Allocate(page, 0x3000, guestarch.ReadWrite); !errors.Is(err, memerr.ErrAlignment) {
		t.Errorf("Allocate(alignment 0x3000): got %v, want %v", err, memerr.ErrAlignment)
	}
}

func TestAllocateRegionSelection(t *testing.T) {
	mm := newTestMM(t)

	// Only main memory grants execute.
	addr, err := mm.Allocate(page, 0, guestarch.ReadExec)
	if err != nil {
		t.Fatalf("Allocate(r-x): %v", err)
	}
	if r, _ := mm.RegionOf(addr); r.Name != layout.MainMemory {
		t.Errorf("executable allocation landed in %v", r)
	}

	// Main memory is full after this; the next allocation spills into the
	// next region granting rw.
	if _, err := mm.Allocate(0x100000-page, 0, guestarch.ReadWrite); err != nil {
		t.Fatalf("filling main memory: %v", err)
	}
	addr, err = mm.Allocate(page, 0, guestarch.ReadWrite)
	if err != nil {
		t.Fatalf("Allocate after main is full: %v", err)
	}
	if r, _ := mm.RegionOf(addr); r.Name != layout.UserHeap {
		t.Errorf("spilled allocation landed in %v, want %s", r, layout.UserHeap)
	}
	if _, err := mm.Allocate(page, 0, guestarch.AnyAccess); !errors.Is(err, memerr.ErrOutOfMemory) {
		t.Errorf("Allocate(rwx) with main full: got %v, want %v", err, memerr.ErrOutOfMemory)
	}
	if _, err := mm.Allocate(0x200000, 0, guestarch.Read); !errors.Is(err, memerr.ErrOutOfMemory) {
		t.Errorf("Allocate larger than every region: got %v, want %v", err, memerr.ErrOutOfMemory)
	}
}

func TestAllocateIn(t *testing.T) {
	mm := newTestMM(t)
	addr, err := mm.AllocateIn(layout.Stack, page, 0, guestarch.ReadWrite)
	if err != nil {
		t.Fatalf("AllocateIn(stack): %v", err)
	}
	if want := guestarch.Addr(0x410000 - page); addr != want {
		t.Errorf("stack allocation: got %v, want %v (top of region)", addr, want)
	}
	addr, err = mm.AllocateIn(layout.UserHeap, page, 0, guestarch.ReadWrite)
	if err != nil {
		t.Fatalf("AllocateIn(user): %v", err)
	}
	if addr != 0x300000 {
		t.Errorf("heap allocation: got %v, want 0x300000", addr)
	}
	if _, err := mm.AllocateIn("nonexistent", page, 0, guestarch.Read); !errors.Is(err, memerr.ErrInvalidAddress) {
		t.Errorf("AllocateIn(nonexistent): got %v, want %v", err, memerr.ErrInvalidAddress)
	}
	if _, err := mm.AllocateIn(layout.UserHeap, page, 0, guestarch.AnyAccess); !errors.Is(err, memerr.ErrAccessViolation) {
		t.Errorf("AllocateIn(user, rwx): got %v, want %v", err, memerr.ErrAccessViolation)
	}
}

func TestAllocateAt(t *testing.T) {
	mm := newTestMM(t)
	mustAllocateAt(t, mm, 0x20000, 2*page, guestarch.ReadWrite)
	for _, test := range []struct {
		name    string
		addr    guestarch.Addr
		size    uint32
		flags   guestarch.AccessType
		wantErr error
	}{
		{"unaligned", 0x30010, page, guestarch.Read, memerr.ErrInvalidAddress},
		{"overlapping", 0x21000, page, guestarch.Read, memerr.ErrInvalidAddress},
		{"outside every region", 0x100, page, guestarch.Read, memerr.ErrInvalidAddress},
		{"straddling regions", 0x3ff000, 2 * page, guestarch.Read, memerr.ErrInvalidAddress},
		{"beyond region perms", 0x200000, page, guestarch.ReadWrite, memerr.ErrAccessViolation},
		{"adjacent", 0x22000, page, guestarch.Read, nil},
		{"read-only data", 0x200000, page, guestarch.Read, nil},
	} {
		t.Run(test.name, func(t *testing.T) {
			err := mm.AllocateAt(test.addr, test.size, test.flags)
			if test.wantErr == nil {
				if err != nil {
					t.Errorf("AllocateAt(%v, %#x, %v): %v", test.addr, test.size, test.flags, err)
				}
				return
			}
			if !errors.Is(err, test.wantErr) {
				t.Errorf("AllocateAt(%v, %#x, %v): got %v, want %v", test.addr, test.size, test.flags, err, test.wantErr)
			}
		})
	}
}

func TestFreeMisuse(t *testing.T) {
	mm := newTestMM(t)
	addr, err := mm.Allocate(2*page, 0, guestarch.ReadWrite)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	for _, test := range []struct {
		name string
		addr guestarch.Addr
		size uint32
	}{
		{"never allocated", 0x300000, 0},
		{"outside every region", 0x1000, 0},
		{"interior address", addr + page, 0},
		{"wrong size", addr, page},
	} {
		if err := mm.Free(test.addr, test.size); !errors.Is(err, memerr.ErrInvalidAddress) {
			t.Errorf("Free(%s): got %v, want %v", test.name, err, memerr.ErrInvalidAddress)
		}
	}
	if err := mm.Free(addr, 2*page-7); err != nil {
		t.Fatalf("Free with unrounded size: %v", err)
	}
	if err := mm.Free(addr, 2*page); !errors.Is(err, memerr.ErrInvalidAddress) {
		t.Errorf("double Free: got %v, want %v", err, memerr.ErrInvalidAddress)
	}
}

func TestFreeZeroesAndReuses(t *testing.T) {
	mm := newTestMM(t)
	addr, err := mm.Allocate(2*page, 0, guestarch.ReadWrite)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	junk := make([]byte, 2*page)
	for i := range junk {
		junk[i] = 0x5a
	}
	if err := mm.WriteBytes(addr, junk); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	r := mm.Reservation(addr + 0x100)
	token := r.Acquire()
	if err := mm.Free(addr, 0); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if r.TryLock(token) {
		t.Errorf("reservation on freed memory survived Free")
	}

	again, err := mm.Allocate(2*page, 0, guestarch.ReadWrite)
	if err != nil {
		t.Fatalf("Allocate after Free: %v", err)
	}
	if again != addr {
		t.Errorf("freed span not reused: got %v, want %v", again, addr)
	}
	got, err := mm.ReadBytes(again, 2*page)
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	for i, b := range got {
		if b != 0 {
			t.Fatalf("byte %#x of reallocated memory is %#x, want 0", i, b)
		}
	}
}

func TestProtect(t *testing.T) {
	mm := newTestMM(t)
	mustAllocateAt(t, mm, 0x20000, page, guestarch.ReadWrite)
	if err := mm.Protect(0x20000, guestarch.Read); err != nil {
		t.Fatalf("Protect(r--): %v", err)
	}
	err := mm.WriteU8(0x20010, 1)
	var av *memerr.AccessViolation
	if !errors.As(err, &av) {
		t.Fatalf("write to protected page: got %v, want *AccessViolation", err)
	}
	if want := (memerr.AccessViolation{Addr: 0x20010, Access: guestarch.Write}); *av != want {
		t.Errorf("AccessViolation: got %+v, want %+v", *av, want)
	}
	if _, err := mm.ReadU8(0x20010); err != nil {
		t.Errorf("read of protected page: %v", err)
	}
	if a, _ := mm.Allocation(0x20000); a.Flags != guestarch.Read {
		t.Errorf("Allocation flags: got %v, want %v", a.Flags, guestarch.Read)
	}

	mustAllocateAt(t, mm, 0x300000, page, guestarch.ReadWrite)
	if err := mm.Protect(0x300000, guestarch.ReadExec); !errors.Is(err, memerr.ErrAccessViolation) {
		t.Errorf("Protect beyond region perms: got %v, want %v", err, memerr.ErrAccessViolation)
	}
	if err := mm.Protect(0x20008, guestarch.Read); !errors.Is(err, memerr.ErrInvalidAddress) {
		t.Errorf("Protect of a non-start address: got %v, want %v", err, memerr.ErrInvalidAddress)
	}
}

func TestAllocationLookup(t *testing.T) {
	mm := newTestMM(t)
	mustAllocateAt(t, mm, 0x40000, 3*page, guestarch.ReadExec)
	want := pgalloc.Allocation{Addr: 0x40000, Size: 3 * page, Flags: guestarch.ReadExec}
	for _, addr := range []guestarch.Addr{0x40000, 0x41234, 0x42fff} {
		got, ok := mm.Allocation(addr)
		if !ok {
			t.Errorf("Allocation(%v): not found", addr)
			continue
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Allocation(%v) mismatch (-want +got):\n%s", addr, diff)
		}
	}
	if _, ok := mm.Allocation(0x43000); ok {
		t.Errorf("Allocation(0x43000): found, want none")
	}
}

func TestRegionOf(t *testing.T) {
	mm := newTestMM(t)
	for _, test := range []struct {
		addr guestarch.Addr
		want string
	}{
		{0x10000, layout.MainMemory},
		{0x3fffff, layout.UserHeap},
		{0x400000, layout.Stack},
		{0x500000, ""},
	} {
		r, ok := mm.RegionOf(test.addr)
		if test.want == "" {
			if ok {
				t.Errorf("RegionOf(%v): got %v, want none", test.addr, r)
			}
			continue
		}
		if !ok || r.Name != test.want {
			t.Errorf("RegionOf(%v): got (%v, %t), want %s", test.addr, r, ok, test.want)
		}
	}
	if diff := cmp.Diff(mm.Regions()[3], region.Region{Name: layout.Stack, Base: 0x400000, Size: 0x10000, Perms: guestarch.ReadWrite}); diff != "" {
		t.Errorf("stack region mismatch (-got +want):\n%s", diff)
	}
}

func TestStats(t *testing.T) {
	mm := newTestMM(t)
	if _, err := mm.Allocate(3*page, 0, guestarch.ReadWrite); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if _, err := mm.Allocate(1, 0, guestarch.ReadWrite); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	mm.Reservation(0)
	mm.Reservation(0x40)
	mm.Reservation(0x80)
	want := Stats{Allocations: 2, BytesInUse: 4 * page, Lines: 2}
	if diff := cmp.Diff(want, mm.Stats()); diff != "" {
		t.Errorf("Stats mismatch (-want +got):\n%s", diff)
	}
}

func TestErrno(t *testing.T) {
	mm := newTestMM(t)
	_, err := mm.ReadU32(0x500000)
	if got, want := memerr.ToErrno(err), memerr.ErrInvalidAddress.Errno(); got != want {
		t.Errorf("ToErrno(%v): got %v, want %v", err, got, want)
	}
}
