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

package sync

import (
	"runtime"
)

// spinIters is the number of immediate retries a Spinner allows before it
// starts yielding the processor.
const spinIters = 16

// Goyield yields the processor to other goroutines without blocking.
func Goyield() {
	runtime.Gosched()
}

// Spinner paces a retry loop on a contended word: the first few retries
// happen immediately, later ones yield the processor first. The zero value
// is ready to use.
type Spinner struct {
	n int
}

// Spin waits before the next retry.
func (s *Spinner) Spin() {
	if s.n < spinIters {
		s.n++
		return
	}
	Goyield()
}

// Reset restarts the immediate-retry phase.
func (s *Spinner) Reset() {
	s.n = 0
}
