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
	"text/tabwriter"

	"cellmem.dev/cellmem/memctl/config"
	"cellmem.dev/cellmem/pkg/vm"
	"github.com/google/subcommands"
	"gopkg.in/yaml.v3"
)

// Layout implements subcommands.Command for the "layout" command.
type Layout struct {
	format string
}

// Name implements subcommands.Command.Name.
func (*Layout) Name() string {
	return "layout"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Layout) Synopsis() string {
	return "print the effective guest address space layout"
}

// Usage implements subcommands.Command.Usage.
func (*Layout) Usage() string {
	return `layout [-format text|toml|yaml] - print the layout in use.

The toml and yaml forms can be edited and passed back with --layout.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Layout) SetFlags(f *flag.FlagSet) {
	f.StringVar(&l.format, "format", "text", "output format: text, toml, or yaml.")
}

// Execute implements subcommands.Command.Execute.
func (l *Layout) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if err := l.run(conf, os.Stdout); err != nil {
		Fatalf("layout: %v", err)
	}
	return subcommands.ExitSuccess
}

func (l *Layout) run(conf *config.Config, w io.Writer) error {
	lay, err := conf.Layout()
	if err != nil {
		return err
	}
	switch l.format {
	case "toml":
		s, err := lay.EncodeTOML()
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, s)
		return err
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(lay); err != nil {
			return err
		}
		return enc.Close()
	case "text":
	default:
		return fmt.Errorf("invalid format %q, must be 'text', 'toml', or 'yaml'", l.format)
	}

	// Build a manager to report what it actually maps, including the
	// effective page size.
	mm, err := vm.New(vm.Options{Layout: lay})
	if err != nil {
		return err
	}
	defer mm.Release()

	fmt.Fprintf(w, "page size: %#x\n", mm.PageSize())
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "NAME\tSTART\tEND\tSIZE\tPERMS\n")
	for _, r := range mm.Regions() {
		fmt.Fprintf(tw, "%s\t%#08x\t%#08x\t%#x\t%v\n", r.Name, uint32(r.Base), uint64(r.Range().End), r.Size, r.Perms)
	}
	return tw.Flush()
}
