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

package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cellmem.dev/cellmem/pkg/vm/layout"
	"github.com/google/go-cmp/cmp"
)

func newTestFlags() *flag.FlagSet {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	return testFlags
}

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile(%q): %v", path, err)
	}
	return path
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(newTestFlags())
	if err != nil {
		t.Fatal(err)
	}
	want := &Config{
		LogFormat:        "text",
		FaultLogInterval: time.Second,
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("default config mismatch (-want +got):\n%s", diff)
	}
	// Default configs must be valid.
	if err := c.validate(); err != nil {
		t.Errorf("validate on default config: %v", err)
	}
	if flags := c.ToFlags(); len(flags) != 0 {
		t.Errorf("ToFlags on default config: got %v, want none", flags)
	}
}

func TestFromFlags(t *testing.T) {
	testFlags := newTestFlags()
	for name, val := range map[string]string{
		"layout":             "/some/layout.toml",
		"page-size":          "0x2000",
		"debug":              "true",
		"log":                "/some/log",
		"log-format":         "json",
		"fault-log-interval": "5s",
	} {
		if err := testFlags.Lookup(name).Value.Set(val); err != nil {
			t.Fatalf("Set(%q, %q): %v", name, val, err)
		}
	}

	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	want := &Config{
		LayoutFile:       "/some/layout.toml",
		PageSize:         0x2000,
		Debug:            true,
		LogFilename:      "/some/log",
		LogFormat:        "json",
		FaultLogInterval: 5 * time.Second,
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestToFlags(t *testing.T) {
	c := &Config{
		LayoutFile:       "/some/layout.yaml",
		Debug:            true,
		LogFormat:        "logrus",
		FaultLogInterval: time.Second,
	}
	want := []string{
		"--layout=/some/layout.yaml",
		"--debug=true",
		"--log-format=logrus",
	}
	if diff := cmp.Diff(want, c.ToFlags()); diff != "" {
		t.Errorf("ToFlags mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigFile(t *testing.T) {
	path := writeFile(t, "memctl.toml", `
layout = "/from/file.yaml"
debug = true
log_format = "json"
fault_log_interval = "250ms"
`)
	testFlags := newTestFlags()
	if err := testFlags.Parse([]string{"--config", path, "--log-format", "logrus"}); err != nil {
		t.Fatal(err)
	}
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	want := &Config{
		ConfigFile:       path,
		LayoutFile:       "/from/file.yaml",
		Debug:            true,
		LogFormat:        "logrus", // The flag wins.
		FaultLogInterval: 250 * time.Millisecond,
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigFileErrors(t *testing.T) {
	for _, tc := range []struct {
		name     string
		contents string
	}{
		{name: "syntax", contents: "layout = "},
		{name: "bad format", contents: `log_format = "xml"`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, "memctl.toml", tc.contents)
			testFlags := newTestFlags()
			if err := testFlags.Set("config", path); err != nil {
				t.Fatal(err)
			}
			if _, err := NewFromFlags(testFlags); err == nil {
				t.Errorf("NewFromFlags succeeded, want error")
			}
		})
	}
	testFlags := newTestFlags()
	if err := testFlags.Set("config", filepath.Join(t.TempDir(), "missing.toml")); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFromFlags(testFlags); err == nil {
		t.Errorf("NewFromFlags with a missing config file succeeded, want error")
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name  string
		flag  string
		value string
		err   string
	}{
		{name: "page size not power of two", flag: "page-size", value: "3000", err: "--page-size"},
		{name: "page size too small", flag: "page-size", value: "64", err: "--page-size"},
		{name: "log format", flag: "log-format", value: "xml", err: "invalid log format"},
		{name: "negative interval", flag: "fault-log-interval", value: "-1s", err: "--fault-log-interval"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			testFlags := newTestFlags()
			if err := testFlags.Lookup(tc.flag).Value.Set(tc.value); err != nil {
				t.Fatalf("Set(%q, %q): %v", tc.flag, tc.value, err)
			}
			_, err := NewFromFlags(testFlags)
			if err == nil || !strings.Contains(err.Error(), tc.err) {
				t.Errorf("NewFromFlags: got error %v, want one containing %q", err, tc.err)
			}
		})
	}
}

func TestLayout(t *testing.T) {
	c := &Config{}
	l, err := c.Layout()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(layout.Default(), l); diff != "" {
		t.Errorf("default layout mismatch (-want +got):\n%s", diff)
	}

	path := writeFile(t, "layout.yaml", `
page_size: 0x1000
regions:
  - name: heap
    base: 0x10000
    size: 0x10000
    perms: rw-
`)
	c = &Config{LayoutFile: path, PageSize: 0x2000}
	l, err = c.Layout()
	if err != nil {
		t.Fatal(err)
	}
	if l.PageSize != 0x2000 || len(l.Regions) != 1 || l.Regions[0].Name != "heap" {
		t.Errorf("Layout(): got %+v, want one heap region with page size 0x2000", l)
	}

	// 0x10000 is not a multiple of 0x20000.
	c.PageSize = 0x20000
	if _, err := c.Layout(); err == nil {
		t.Errorf("Layout() with a page size larger than the region succeeded, want error")
	}

	c = &Config{LayoutFile: filepath.Join(t.TempDir(), "missing.toml")}
	if _, err := c.Layout(); err == nil {
		t.Errorf("Layout() with a missing file succeeded, want error")
	}
}

func TestNewMemoryManager(t *testing.T) {
	path := writeFile(t, "layout.toml", `
page_size = 4096

[[region]]
name = "heap"
base = 0x10000
size = 0x10000
perms = "rw"
`)
	c := &Config{LayoutFile: path}
	mm, err := c.NewMemoryManager()
	if err != nil {
		t.Fatal(err)
	}
	defer mm.Release()
	regions := mm.Regions()
	if len(regions) != 1 || regions[0].Name != "heap" {
		t.Errorf("Regions(): got %v, want only heap", regions)
	}
}
