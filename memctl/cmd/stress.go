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
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"cellmem.dev/cellmem/memctl/config"
	"cellmem.dev/cellmem/pkg/guestarch"
	"cellmem.dev/cellmem/pkg/log"
	"cellmem.dev/cellmem/pkg/vm"
	"cellmem.dev/cellmem/pkg/vm/layout"
	"cellmem.dev/cellmem/pkg/vm/reservation"
	"github.com/cenkalti/backoff"
	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// errConflict is returned by one increment attempt whose conditional store
// lost the line to another worker.
var errConflict = errors.New("reservation lost")

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	workers    int
	iterations int
	region     string
	timeout    time.Duration
	json       bool
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "increment a shared counter from many workers using reserved loads and conditional stores"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - run a reservation contention test.

Each worker increments a big-endian counter at the start of one line
-iterations times. A lost conditional store is retried with exponential
backoff. The run fails unless the final counter, the line's timestamp and its
lock state agree with the number of increments.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.workers, "workers", 8, "number of concurrent workers.")
	f.IntVar(&s.iterations, "iterations", 1000, "increments per worker.")
	f.StringVar(&s.region, "region", layout.UserHeap, "region holding the counter line.")
	f.DurationVar(&s.timeout, "timeout", time.Minute, "abort the run after this long; 0 means no limit.")
	f.BoolVar(&s.json, "json", false, "report the result as JSON.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	res, err := s.run(ctx, conf)
	if err != nil {
		Fatalf("stress: %v", err)
	}
	s.report(os.Stdout, res)
	if err := res.check(); err != nil {
		Fatalf("stress: %v", err)
	}
	return subcommands.ExitSuccess
}

// stressResult is the outcome of a run.
type stressResult struct {
	addr      guestarch.Addr
	want      uint64
	counter   uint64
	timestamp uint64
	locked    bool
	conflicts uint64
	elapsed   time.Duration
}

// check returns an error if increments were lost or the line was left in an
// inconsistent state.
func (r *stressResult) check() error {
	if r.counter != r.want {
		return fmt.Errorf("counter is %d, want %d", r.counter, r.want)
	}
	if r.timestamp != r.want*reservation.Increment {
		return fmt.Errorf("line timestamp is %d, want %d", r.timestamp, r.want*reservation.Increment)
	}
	if r.locked {
		return fmt.Errorf("line at %v left locked", r.addr)
	}
	return nil
}

func (s *Stress) report(w io.Writer, r *stressResult) {
	l := logrus.New()
	l.Out = w
	if s.json {
		l.Formatter = &logrus.JSONFormatter{}
	} else {
		l.Formatter = &logrus.TextFormatter{DisableTimestamp: true}
	}
	entry := l.WithFields(logrus.Fields{
		"addr":      r.addr.String(),
		"workers":   s.workers,
		"counter":   r.counter,
		"timestamp": r.timestamp,
		"locked":    r.locked,
		"conflicts": r.conflicts,
		"elapsed":   r.elapsed.String(),
	})
	if err := r.check(); err != nil {
		entry.WithError(err).Error("stress run failed")
		return
	}
	entry.Info("stress run passed")
}

func (s *Stress) run(ctx context.Context, conf *config.Config) (*stressResult, error) {
	if s.workers <= 0 || s.iterations < 0 {
		return nil, fmt.Errorf("-workers must be positive and -iterations non-negative")
	}
	mm, err := conf.NewMemoryManager()
	if err != nil {
		return nil, err
	}
	defer mm.Release()

	addr, err := mm.AllocateIn(s.region, guestarch.LineSize, 0, guestarch.ReadWrite)
	if err != nil {
		return nil, fmt.Errorf("allocating the counter line in %q: %w", s.region, err)
	}
	log.Debugf("Stress counter at %v, %d workers x %d iterations", addr, s.workers, s.iterations)

	var conflicts atomic.Uint64
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.workers; i++ {
		g.Go(func() error {
			for n := 0; n < s.iterations; n++ {
				if err := increment(gctx, mm, addr, &conflicts); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	counter, err := mm.ReadU64(addr)
	if err != nil {
		return nil, err
	}
	ts, locked := mm.Reservation(addr).State()
	return &stressResult{
		addr:      addr,
		want:      uint64(s.workers) * uint64(s.iterations),
		counter:   counter,
		timestamp: ts,
		locked:    locked,
		conflicts: conflicts.Load(),
		elapsed:   time.Since(start),
	}, nil
}

// increment adds one to the counter at addr, retrying lost conditional
// stores until one commits or ctx is done.
func increment(ctx context.Context, mm *vm.MemoryManager, addr guestarch.Addr, conflicts *atomic.Uint64) error {
	var line vm.Line
	op := func() error {
		token, err := mm.LoadReserved(addr, &line)
		if err != nil {
			return backoff.Permanent(err)
		}
		off := addr - addr.LineRoundDown()
		v := binary.BigEndian.Uint64(line[off:])
		binary.BigEndian.PutUint64(line[off:], v+1)
		ok, err := mm.StoreConditional(addr, token, &line)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			conflicts.Add(1)
			return errConflict
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Microsecond
	b.MaxInterval = time.Millisecond
	b.MaxElapsedTime = 0
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}
