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

// Package config provides basic infrastructure to set configuration settings
// for memctl. Settings come from flags and, optionally, a TOML file named by
// --config; flags given on the command line take precedence over the file.
package config

import (
	"flag"
	"fmt"
	"reflect"
	"time"

	"cellmem.dev/cellmem/pkg/guestarch"
	"cellmem.dev/cellmem/pkg/log"
	"cellmem.dev/cellmem/pkg/vm"
	"cellmem.dev/cellmem/pkg/vm/layout"
	"github.com/BurntSushi/toml"
)

// Config holds configuration that is not part of a layout file.
//
// Fields tagged with `flag` are populated from the flag of that name.
type Config struct {
	// ConfigFile is a TOML file holding defaults for the fields below.
	ConfigFile string `flag:"config" toml:"-"`

	// LayoutFile is the TOML or YAML layout of the guest address space. If
	// empty, the default layout is used.
	LayoutFile string `flag:"layout" toml:"layout"`

	// PageSize, if non-zero, overrides the page size of the layout.
	PageSize uint `flag:"page-size" toml:"page_size"`

	// Debug enables debug logging.
	Debug bool `flag:"debug" toml:"debug"`

	// LogFilename is the file to log to. Empty means stderr.
	LogFilename string `flag:"log" toml:"log"`

	// LogFormat is the log format: text, json or logrus.
	LogFormat string `flag:"log-format" toml:"log_format"`

	// FaultLogInterval is the minimum interval between logged access faults.
	FaultLogInterval time.Duration `flag:"fault-log-interval" toml:"fault_log_interval"`
}

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "TOML file with default settings. Flags override it.")
	flagSet.String("layout", "", "TOML or YAML file describing the guest address space. Empty means the built-in layout.")
	flagSet.Uint("page-size", 0, "override the layout's page size; must be a power of two no smaller than 128.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log", "", "file path where logs are written, default is stderr.")
	flagSet.String("log-format", "text", "log format: text (default), json, or logrus.")
	flagSet.Duration("fault-log-interval", time.Second, "minimum interval between logged access faults.")
}

// NewFromFlags creates a new Config with values coming from the given flag
// set and the config file it names.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	setFromFlags(conf, flagSet, func(string) bool { return true })

	if conf.ConfigFile != "" {
		if _, err := toml.DecodeFile(conf.ConfigFile, conf); err != nil {
			return nil, fmt.Errorf("reading config file %q: %w", conf.ConfigFile, err)
		}
		// Flags given explicitly win over the file.
		explicit := make(map[string]bool)
		flagSet.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
		setFromFlags(conf, flagSet, func(name string) bool { return explicit[name] })
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// setFromFlags copies the value of every tagged flag for which want returns
// true into conf.
func setFromFlags(conf *Config, flagSet *flag.FlagSet, want func(name string) bool) {
	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok || !want(name) {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x)
	}
}

func (c *Config) validate() error {
	if c.PageSize != 0 && (!guestarch.IsPowerOfTwo(uint64(c.PageSize)) || c.PageSize < guestarch.LineSize || c.PageSize > 1<<30) {
		return fmt.Errorf("--page-size=%d must be a power of two between %d and 1GiB", c.PageSize, guestarch.LineSize)
	}
	switch c.LogFormat {
	case "text", "json", "logrus":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json', or 'logrus'", c.LogFormat)
	}
	if c.FaultLogInterval < 0 {
		return fmt.Errorf("--fault-log-interval=%v must not be negative", c.FaultLogInterval)
	}
	return nil
}

// ToFlags returns a slice of flags that correspond to the given Config. Flags
// at their default values are omitted.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		val := fmt.Sprint(obj.Field(i).Interface())
		if val == fl.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
	}
	return rv
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	log.Infof("Layout: %q", c.LayoutFile)
	log.Infof("PageSize: %#x", c.PageSize)
	log.Infof("Debug: %t", c.Debug)
	log.Infof("LogFilename: %q", c.LogFilename)
	log.Infof("LogFormat: %s", c.LogFormat)
	log.Infof("FaultLogInterval: %v", c.FaultLogInterval)
}

// Layout returns the guest address space layout: the layout file if one is
// configured, the built-in layout otherwise, with the page size override
// applied.
func (c *Config) Layout() (*layout.Layout, error) {
	var l *layout.Layout
	if c.LayoutFile != "" {
		var err error
		if l, err = layout.LoadFile(c.LayoutFile); err != nil {
			return nil, err
		}
	} else {
		l = layout.Default()
	}
	if c.PageSize != 0 {
		l.PageSize = uint32(c.PageSize)
		if err := l.Validate(); err != nil {
			return nil, fmt.Errorf("with --page-size=%#x: %w", c.PageSize, err)
		}
	}
	return l, nil
}

// NewMemoryManager builds a memory manager from the configured layout.
func (c *Config) NewMemoryManager() (*vm.MemoryManager, error) {
	l, err := c.Layout()
	if err != nil {
		return nil, err
	}
	return vm.New(vm.Options{
		Layout:           l,
		FaultLogInterval: c.FaultLogInterval,
	})
}
