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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"cellmem.dev/cellmem/memctl/config"
	"cellmem.dev/cellmem/pkg/errors/memerr"
	"cellmem.dev/cellmem/pkg/guestarch"
	"github.com/google/subcommands"
)

// Probe implements subcommands.Command for the "probe" command.
type Probe struct {
	allocs allocFlags
	length uint
	access string
}

// Name implements subcommands.Command.Name.
func (*Probe) Name() string {
	return "probe"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Probe) Synopsis() string {
	return "report how the memory manager resolves guest addresses"
}

// Usage implements subcommands.Command.Usage.
func (*Probe) Usage() string {
	return `probe [-alloc addr:size:perms]... [-n length] [-access perms] <addr>... - resolve addresses.

For each address, probe prints the region and allocation containing it and
the result of validating an access of the given length and kind, after
creating the requested fixed allocations.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (p *Probe) SetFlags(f *flag.FlagSet) {
	f.Var(&p.allocs, "alloc", "fixed allocation to create before probing, as addr:size:perms. May be repeated.")
	f.UintVar(&p.length, "n", 4, "length of the probed access in bytes.")
	f.StringVar(&p.access, "access", "r", "kind of the probed access, e.g. r, rw, or x.")
}

// Execute implements subcommands.Command.Execute.
func (p *Probe) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if err := p.run(conf, os.Stdout, f.Args()); err != nil {
		Fatalf("probe: %v", err)
	}
	return subcommands.ExitSuccess
}

func (p *Probe) run(conf *config.Config, w io.Writer, addrs []string) error {
	access, err := guestarch.ParseAccessType(p.access)
	if err != nil {
		return err
	}
	if p.length > uint(guestarch.MaxAddr) {
		return fmt.Errorf("length %#x exceeds the address space", p.length)
	}
	mm, err := conf.NewMemoryManager()
	if err != nil {
		return err
	}
	defer mm.Release()

	for _, a := range p.allocs {
		if err := mm.AllocateAt(a.addr, a.size, a.flags); err != nil {
			return fmt.Errorf("allocating %#x bytes at %v: %w", a.size, a.addr, err)
		}
	}

	for _, s := range addrs {
		addr, err := parseAddr(s)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%v:\n", addr)
		if r, ok := mm.RegionOf(addr); ok {
			fmt.Fprintf(w, "  region:     %v\n", r)
		} else {
			fmt.Fprintf(w, "  region:     none\n")
		}
		if a, ok := mm.Allocation(addr); ok {
			fmt.Fprintf(w, "  allocation: %v\n", a)
		} else {
			fmt.Fprintf(w, "  allocation: none\n")
		}
		if _, err := mm.Validate(addr, uint32(p.length), access); err != nil {
			fmt.Fprintf(w, "  %v x %d:    %s: %v (errno %d)\n", access, p.length, memerr.ClassOf(err).Name(), err, memerr.ToErrno(err))
		} else {
			fmt.Fprintf(w, "  %v x %d:    ok\n", access, p.length)
		}
	}
	return nil
}
