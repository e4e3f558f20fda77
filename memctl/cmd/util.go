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

// Package cmd holds implementations of the memctl commands.
package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"cellmem.dev/cellmem/pkg/guestarch"
	"cellmem.dev/cellmem/pkg/log"
)

// Fatalf logs to stderr and the log file and exits with a failure status.
func Fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	log.Warningf("FATAL ERROR: "+format, args...)
	os.Exit(128)
}

// parseAddr parses a guest address in any base strconv accepts, e.g. 0x10000.
func parseAddr(s string) (guestarch.Addr, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return guestarch.Addr(v), nil
}

// allocSpec is a fixed allocation requested on the command line.
type allocSpec struct {
	addr  guestarch.Addr
	size  uint32
	flags guestarch.AccessType
}

// allocFlags can be used with --alloc flags that appear multiple times. Each
// value has the form addr:size:perms, e.g. 0x20000000:0x1000:rw.
type allocFlags []allocSpec

// String implements flag.Value.
func (a *allocFlags) String() string {
	parts := make([]string, 0, len(*a))
	for _, s := range *a {
		parts = append(parts, fmt.Sprintf("%#x:%#x:%v", uint32(s.addr), s.size, s.flags))
	}
	return strings.Join(parts, ",")
}

// Get implements flag.Getter.
func (a *allocFlags) Get() any {
	return a
}

// Set implements flag.Value.
func (a *allocFlags) Set(v string) error {
	fields := strings.Split(v, ":")
	if len(fields) != 3 {
		return fmt.Errorf("invalid allocation %q, want addr:size:perms", v)
	}
	addr, err := parseAddr(fields[0])
	if err != nil {
		return err
	}
	size, err := strconv.ParseUint(fields[1], 0, 32)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", fields[1], err)
	}
	flags, err := guestarch.ParseAccessType(fields[2])
	if err != nil {
		return err
	}
	*a = append(*a, allocSpec{addr: addr, size: uint32(size), flags: flags})
	return nil
}
