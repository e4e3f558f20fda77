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

// Package errors holds the standardized error definition for the memory
// substrate.
package errors

import (
	"golang.org/x/sys/unix"
)

// Error is a memory fault class. Name is the class as kernel emulation and
// tooling refer to it, e.g. "InvalidAddress"; errno is what the guest sees.
type Error struct {
	name    string
	errno   unix.Errno
	message string
}

// New creates a new fault class.
func New(name string, errno unix.Errno, message string) *Error {
	return &Error{
		name:    name,
		errno:   errno,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Name returns the class name.
func (e *Error) Name() string { return e.name }

// Errno returns the errno reported to the guest.
func (e *Error) Errno() unix.Errno { return e.errno }

// Classer is implemented by errors that belong to a fault class.
type Classer interface {
	Class() *Error
}

// Class implements Classer.
func (e *Error) Class() *Error { return e }
