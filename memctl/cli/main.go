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

// Package cli is the main entrypoint for memctl.
package cli

import (
	"context"
	"flag"
	"io"
	"os"

	"cellmem.dev/cellmem/memctl/cmd"
	"cellmem.dev/cellmem/memctl/config"
	"cellmem.dev/cellmem/pkg/log"
	"github.com/google/subcommands"
)

// forEachCmd invokes the passed callback for each command supported by
// memctl.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")

	const inspectGroup = "inspect"
	cb(new(cmd.Layout), inspectGroup)
	cb(new(cmd.Probe), inspectGroup)

	const exerciseGroup = "exercise"
	cb(new(cmd.Stress), exerciseGroup)
}

// Main is the main entrypoint.
func Main() {
	forEachCmd(subcommands.Register)

	config.RegisterFlags(flag.CommandLine)
	flag.Parse()

	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		cmd.Fatalf("%v", err)
	}

	var logFile io.Writer = os.Stderr
	if conf.LogFilename != "" {
		f, err := log.OpenFile(conf.LogFilename)
		if err != nil {
			cmd.Fatalf("error opening log file %q: %v", conf.LogFilename, err)
		}
		logFile = f
	}
	e, err := log.EmitterFor(conf.LogFormat, logFile)
	if err != nil {
		cmd.Fatalf("%v", err)
	}
	log.SetTarget(e)
	if conf.Debug {
		log.SetLevel(log.Debug)
	}

	log.Debugf("***************************")
	log.Debugf("Args: %s", os.Args)
	log.Debugf("PID: %d", os.Getpid())
	conf.Log()
	log.Debugf("***************************")

	// Call the subcommand and pass in the configuration.
	var ws int
	if status := subcommands.Execute(context.Background(), conf); status != subcommands.ExitSuccess {
		ws = int(status)
	}
	if ws != 0 {
		log.Debugf("Exiting with status: %d", ws)
	}
	os.Exit(ws)
}

