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

// Package memerr contains the memory fault taxonomy exported as error
// interface pointers, so that callers can compare them with errors.Is as
// cheaply as errno constants.
package memerr

import (
	goerrors "errors"
	"fmt"

	"cellmem.dev/cellmem/pkg/errors"
	"cellmem.dev/cellmem/pkg/guestarch"
	"golang.org/x/sys/unix"
)

// The fault classes. Every fallible memory operation returns one of these,
// possibly wrapped with the faulting address.
var (
	ErrOutOfMemory     = errors.New("OutOfMemory", unix.ENOMEM, "out of memory")
	ErrInvalidAddress  = errors.New("InvalidAddress", unix.EFAULT, "invalid address")
	ErrAlignment       = errors.New("AlignmentError", unix.EINVAL, "misaligned address")
	ErrAccessViolation = errors.New("AccessViolation", unix.EACCES, "access violation")
)

// AddrError annotates a fault class with the address that caused it.
type AddrError struct {
	Err  *errors.Error
	Addr guestarch.Addr
}

// At returns an error of class e at addr.
func At(e *errors.Error, addr guestarch.Addr) error {
	return &AddrError{Err: e, Addr: addr}
}

// Error implements error.Error.
func (e *AddrError) Error() string {
	return fmt.Sprintf("%s at %v", e.Err.Error(), e.Addr)
}

// Unwrap returns the fault class.
func (e *AddrError) Unwrap() error { return e.Err }

// Class implements errors.Classer.
func (e *AddrError) Class() *errors.Error { return e.Err }

// AccessViolation is returned when an access is not permitted by the
// region or allocation covering Addr. Access is the attempted access.
type AccessViolation struct {
	Addr   guestarch.Addr
	Access guestarch.AccessType
}

// Error implements error.Error.
func (e *AccessViolation) Error() string {
	return fmt.Sprintf("access violation: %v access at %v", e.Access, e.Addr)
}

// Is matches ErrAccessViolation.
func (e *AccessViolation) Is(target error) bool {
	return target == ErrAccessViolation
}

// Class implements errors.Classer.
func (e *AccessViolation) Class() *errors.Error { return ErrAccessViolation }

// ClassOf returns the fault class of err, or nil if err is nil or outside
// the taxonomy.
func ClassOf(err error) *errors.Error {
	var c errors.Classer
	if goerrors.As(err, &c) {
		return c.Class()
	}
	return nil
}

// ToErrno returns the errno that kernel emulation should report for err, or
// 0 if err is nil. Errors outside the taxonomy map to EFAULT.
func ToErrno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	if c := ClassOf(err); c != nil {
		return c.Errno()
	}
	return unix.EFAULT
}
