// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package syscalls

import (
	"errors"
	"fmt"
)

// Error attaches the [Errno] reported to the guest to the error that caused
// a syscall to fail.
type Error struct {
	Errno Errno
	Err   error
}

// Errorf creates a new [*Error] with the given errno and a formatted cause.
func Errorf(errno Errno, format string, args ...any) *Error {
	return &Error{
		Errno: errno,
		Err:   fmt.Errorf(format, args...),
	}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Errno.Error()
	}

	return fmt.Sprintf("%v (%s)", e.Err, e.Errno.Error())
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches other [*Error]s with the same [Errno] and the bare [Errno].
func (e *Error) Is(other error) bool {
	switch other := other.(type) {
	case *Error:
		return other.Errno == e.Errno
	case Errno:
		return other == e.Errno
	default:
		return false
	}
}

// ErrnoOf returns the [Errno] carried by the given error. It returns [EIO]
// for errors that do not carry any.
func ErrnoOf(err error) Errno {
	var sysErr *Error
	if errors.As(err, &sysErr) {
		return sysErr.Errno
	}

	var errno Errno
	if errors.As(err, &errno) {
		return errno
	}

	return EIO
}
