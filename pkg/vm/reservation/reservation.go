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

// Package reservation emulates load-and-reserve / store-conditional
// synchronization on 128-byte guest cache lines.
//
// Each line carries a generation timestamp and a lock flag. A core performing
// a load-and-reserve records the timestamp with Acquire; the matching
// conditional store succeeds only if TryLock observes the same timestamp with
// the line unlocked. Every other write to the line must call Invalidate so
// that outstanding reservations go stale.
package reservation

import (
	"fmt"
	"sync/atomic"

	"cellmem.dev/cellmem/pkg/guestarch"
)

const (
	// lockBit is set in the reservation word while the line is locked.
	// Timestamps are multiples of guestarch.LineSize, so bit 0 is otherwise
	// always clear.
	lockBit = 1

	// Increment is the amount a timestamp advances per committed generation.
	Increment = guestarch.LineSize
)

// Reservation is the state of one line.
//
// The timestamp and lock flag live in a single word so that no observer can
// see one updated without the other. The zero value is an unlocked line with
// timestamp 0.
type Reservation struct {
	word atomic.Uint64
}

// Acquire returns the current timestamp. It does not change the line.
func (r *Reservation) Acquire() uint64 {
	return r.word.Load() &^ lockBit
}

// TryLock locks the line iff it is unlocked and its timestamp equals token.
// It returns false without changing the line otherwise.
func (r *Reservation) TryLock(token uint64) bool {
	if token%Increment != 0 {
		return false
	}
	return r.word.CompareAndSwap(token, token|lockBit)
}

// UnlockAndIncrement releases the lock and advances the timestamp by
// Increment, committing a new generation.
//
// Preconditions: the caller holds the lock from a successful TryLock.
func (r *Reservation) UnlockAndIncrement() {
	// The locked word is t|1, so adding Increment-1 yields t+Increment with
	// the lock bit clear. Concurrent Invalidate calls commute with the add.
	if v := r.word.Add(Increment - lockBit); v&lockBit != 0 {
		panic(fmt.Sprintf("UnlockAndIncrement of unlocked reservation: word %#x", v))
	}
}

// Invalidate advances the timestamp by Increment regardless of the lock
// state, so that every reservation taken before the call goes stale.
func (r *Reservation) Invalidate() {
	r.word.Add(Increment)
}

// IsLocked returns true if the line is locked.
func (r *Reservation) IsLocked() bool {
	return r.word.Load()&lockBit != 0
}

// State returns the timestamp and lock flag from a single load.
func (r *Reservation) State() (timestamp uint64, locked bool) {
	v := r.word.Load()
	return v &^ lockBit, v&lockBit != 0
}

// String implements fmt.Stringer.String.
func (r *Reservation) String() string {
	ts, locked := r.State()
	return fmt.Sprintf("{timestamp: %d, locked: %t}", ts, locked)
}
