// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"errors"
	"fmt"

	"github.com/aibor/sceld/internal/syscalls"
)

var (
	ErrEmptyFilePath   = errors.New("file path must not be empty")
	ErrNotRegularFile  = errors.New("not a regular file")
	ErrNotDirectory    = errors.New("not a directory")
	ErrValueOutOfRange = errors.New("value is outside of range")
	ErrInvalidMount    = errors.New("invalid mount")
)

// SyscallError is returned if a syscall issued on behalf of the guest fails.
type SyscallError struct {
	Name  string
	Errno syscalls.Errno
}

func (e *SyscallError) Error() string {
	return fmt.Sprintf("syscall %s: %v", e.Name, e.Errno)
}

func (e *SyscallError) Unwrap() error {
	return e.Errno
}
