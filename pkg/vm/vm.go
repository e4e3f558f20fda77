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

// Package vm implements the guest memory manager: the shared 32-bit
// big-endian address space used by every emulated core, the DMA engine, GPU
// buffer code, loaders and kernel emulation.
//
// A MemoryManager is built explicitly and shared by pointer; there is no
// process-wide instance.
//
// Lock order:
//
//	MemoryManager.mu
//	  reservation lines (lock-free, never held across calls)
package vm

import (
	"fmt"
	"time"

	"cellmem.dev/cellmem/pkg/guestarch"
	"cellmem.dev/cellmem/pkg/log"
	"cellmem.dev/cellmem/pkg/sync"
	"cellmem.dev/cellmem/pkg/vm/arena"
	"cellmem.dev/cellmem/pkg/vm/layout"
	"cellmem.dev/cellmem/pkg/vm/pgalloc"
	"cellmem.dev/cellmem/pkg/vm/region"
	"cellmem.dev/cellmem/pkg/vm/reservation"
)

// defaultFaultLogInterval bounds how often access faults are logged.
const defaultFaultLogInterval = time.Second

// Options configures New.
type Options struct {
	// Layout is the address space layout. If nil, layout.Default() is used.
	// New does not retain Layout.
	Layout *layout.Layout

	// Logger receives construction and allocation messages. If nil, the
	// global logger is used.
	Logger log.Logger

	// FaultLogInterval is the minimum interval between logged access faults.
	// Zero means one second.
	FaultLogInterval time.Duration
}

// MemoryManager owns the guest address space.
//
// Allocation state is protected by mu. Guest bytes are deliberately not
// synchronized: concurrent accesses to the same bytes race exactly as they
// would on the emulated hardware, and atomicity is provided only through the
// reservation lines.
type MemoryManager struct {
	pageSize uint32

	// regions and arenas are immutable after New. arenas[i] backs
	// regions.At(i).
	regions *region.Table
	arenas  []*arena.Arena

	// lines holds the reservation of every touched cache line.
	lines reservation.Table

	log    log.Logger
	faults log.Logger

	// mu protects allocs and the flags of every allocation. Checked accesses
	// hold it for reading while they copy, so that a concurrent Free cannot
	// decommit pages under them.
	mu sync.RWMutex

	// +checklocks:mu
	allocs *pgalloc.Allocator
}

// New returns a MemoryManager with one zero-filled arena per region and no
// live allocations.
func New(opts Options) (*MemoryManager, error) {
	l := opts.Layout
	if l == nil {
		l = layout.Default()
	} else {
		l = l.Clone()
	}
	regions, err := region.NewTable(l)
	if err != nil {
		return nil, fmt.Errorf("invalid layout: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Log()
	}
	every := opts.FaultLogInterval
	if every == 0 {
		every = defaultFaultLogInterval
	}
	mm := &MemoryManager{
		pageSize: l.EffectivePageSize(),
		regions:  regions,
		arenas:   make([]*arena.Arena, 0, regions.Len()),
		log:      logger,
		faults:   log.RateLimitedLogger(logger, every),
		allocs:   pgalloc.New(l.EffectivePageSize()),
	}
	for _, r := range regions.All() {
		a, err := arena.New(r.Base, r.Size)
		if err != nil {
			mm.Release()
			return nil, fmt.Errorf("region %q: %w", r.Name, err)
		}
		mm.arenas = append(mm.arenas, a)
	}
	if logger.IsLogging(log.Info) {
		logger.Infof("Memory manager ready: page size %#x, %d regions", l.EffectivePageSize(), regions.Len())
		for _, r := range regions.All() {
			logger.Debugf("  region %v", r)
		}
	}
	return mm, nil
}

// Release unmaps all guest memory. The MemoryManager must not be used
// afterwards, and windows obtained from it become invalid.
func (mm *MemoryManager) Release() error {
	var firstErr error
	for _, a := range mm.arenas {
		if err := a.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	mm.arenas = nil
	return firstErr
}

// PageSize returns the allocation granularity.
func (mm *MemoryManager) PageSize() uint32 {
	return mm.pageSize
}

// Regions returns the regions in base order.
func (mm *MemoryManager) Regions() []region.Region {
	return mm.regions.All()
}

// RegionOf returns the region containing addr.
func (mm *MemoryManager) RegionOf(addr guestarch.Addr) (region.Region, bool) {
	return mm.regions.Find(addr)
}

// Stats is a snapshot of memory manager usage.
type Stats struct {
	// Allocations is the number of live allocations.
	Allocations int

	// BytesInUse is the total size of live allocations.
	BytesInUse uint64

	// Lines is the number of reservation lines created so far.
	Lines int
}

// Stats returns current usage.
func (mm *MemoryManager) Stats() Stats {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return Stats{
		Allocations: mm.allocs.Len(),
		BytesInUse:  mm.allocs.Usage(),
		Lines:       mm.lines.Len(),
	}
}

// logFault records a failed access at a bounded rate.
func (mm *MemoryManager) logFault(op string, addr guestarch.Addr, n uint64, err error) {
	if mm.faults.IsLogging(log.Debug) {
		mm.faults.Debugf("%s [%v, +%#x): %v", op, addr, n, err)
	}
}
