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

// Package layout holds the startup configuration of the guest address space:
// the allocation page size and the fixed set of regions.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cellmem.dev/cellmem/pkg/guestarch"
	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"gopkg.in/yaml.v3"
)

// Region names used by Default.
const (
	MainMemory  = "main"
	UserHeap    = "user"
	VideoMemory = "video"
	Stack       = "stack"
)

// Spec describes one region.
type Spec struct {
	// Name identifies the region, e.g. for AllocateIn.
	Name string `toml:"name" yaml:"name"`

	// Base is the first address of the region. It must be page-aligned.
	Base uint32 `toml:"base" yaml:"base"`

	// Size is the length of the region in bytes. It must be a non-zero
	// multiple of the page size.
	Size uint32 `toml:"size" yaml:"size"`

	// Perms are the accesses the region grants.
	Perms guestarch.AccessType `toml:"perms" yaml:"perms"`
}

// Range returns the addresses covered by s.
func (s Spec) Range() guestarch.AddrRange {
	return guestarch.AddrRange{Start: guestarch.Addr(s.Base), End: guestarch.Addr(s.Base) + guestarch.Addr(s.Size)}
}

// Layout is the configuration of a memory manager.
type Layout struct {
	// PageSize is the allocation granularity. It must be a power of two no
	// smaller than guestarch.LineSize. Zero means guestarch.PageSize.
	PageSize uint32 `toml:"page_size" yaml:"page_size"`

	// Regions are the address ranges backed by memory. They may be given in
	// any order; Validate sorts them by base.
	Regions []Spec `toml:"region" yaml:"regions"`
}

// Default returns the layout of the emulated machine: main memory holding
// loaded executables, the user heap, video memory shared with the GPU, and
// the thread stack area.
func Default() *Layout {
	return &Layout{
		PageSize: guestarch.PageSize,
		Regions: []Spec{
			{Name: MainMemory, Base: 0x00010000, Size: 0x1fff0000, Perms: guestarch.AnyAccess},
			{Name: UserHeap, Base: 0x20000000, Size: 0x10000000, Perms: guestarch.ReadWrite},
			{Name: VideoMemory, Base: 0xc0000000, Size: 0x10000000, Perms: guestarch.ReadWrite},
			{Name: Stack, Base: 0xd0000000, Size: 0x10000000, Perms: guestarch.ReadWrite},
		},
	}
}

// Clone returns a deep copy of l.
func (l *Layout) Clone() *Layout {
	return deepcopy.Copy(l).(*Layout)
}

// EffectivePageSize returns the page size, applying the default.
func (l *Layout) EffectivePageSize() uint32 {
	if l.PageSize == 0 {
		return guestarch.PageSize
	}
	return l.PageSize
}

// Validate checks l and sorts its regions by base address.
func (l *Layout) Validate() error {
	ps := l.EffectivePageSize()
	if !guestarch.IsPowerOfTwo(uint64(ps)) || ps < guestarch.LineSize {
		return fmt.Errorf("page size %#x must be a power of two no smaller than %d", ps, guestarch.LineSize)
	}
	if len(l.Regions) == 0 {
		return fmt.Errorf("layout has no regions")
	}
	names := make(map[string]struct{}, len(l.Regions))
	for _, r := range l.Regions {
		if r.Name == "" {
			return fmt.Errorf("region at %#x has no name", r.Base)
		}
		if _, ok := names[r.Name]; ok {
			return fmt.Errorf("duplicate region name %q", r.Name)
		}
		names[r.Name] = struct{}{}
		if r.Size == 0 || r.Size%ps != 0 {
			return fmt.Errorf("region %q: size %#x is not a non-zero multiple of the page size %#x", r.Name, r.Size, ps)
		}
		if r.Base%ps != 0 {
			return fmt.Errorf("region %q: base %#x is not page-aligned", r.Name, r.Base)
		}
		if end, ok := guestarch.Addr(r.Base).AddLength(uint64(r.Size)); !ok || end == 0 {
			return fmt.Errorf("region %q: [%#x, +%#x) wraps the address space", r.Name, r.Base, r.Size)
		}
	}
	sort.Slice(l.Regions, func(i, j int) bool { return l.Regions[i].Base < l.Regions[j].Base })
	for i := 1; i < len(l.Regions); i++ {
		prev, cur := l.Regions[i-1], l.Regions[i]
		if prev.Range().Overlaps(cur.Range()) {
			return fmt.Errorf("regions %q %v and %q %v overlap", prev.Name, prev.Range(), cur.Name, cur.Range())
		}
	}
	return nil
}

// LoadFile reads a layout from path. The format is chosen by extension:
// ".toml" or ".yaml"/".yml". The result is validated.
func LoadFile(path string) (*Layout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var l Layout
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.Decode(string(data), &l); err != nil {
			return nil, fmt.Errorf("decoding %q: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &l); err != nil {
			return nil, fmt.Errorf("decoding %q: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unknown layout file extension %q", ext)
	}
	if err := l.Validate(); err != nil {
		return nil, fmt.Errorf("layout %q: %w", path, err)
	}
	return &l, nil
}

// EncodeTOML returns l in the TOML form accepted by LoadFile.
func (l *Layout) EncodeTOML() (string, error) {
	var sb strings.Builder
	if err := toml.NewEncoder(&sb).Encode(l); err != nil {
		return "", err
	}
	return sb.String(), nil
}
