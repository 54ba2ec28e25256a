// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vm

import "errors"

var (
	// ErrNoSpace is returned if the address space has no free range left
	// that is large enough for the requested mapping.
	ErrNoSpace = errors.New("no space left in address space")

	// ErrNotMapped is returned if an address range is not fully mapped.
	ErrNotMapped = errors.New("address range not mapped")

	// ErrOverlap is returned if a fixed mapping overlaps an existing one.
	ErrOverlap = errors.New("address range already mapped")

	// ErrInvalidArgument is returned if an address or length is invalid,
	// for example not aligned to the page size.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrFault is returned if a guest pointer is not accessible with the
	// requested access type.
	ErrFault = errors.New("bad address")

	// ErrStringTooLong is returned if a guest string is not terminated
	// within the allowed length.
	ErrStringTooLong = errors.New("string too long")

	// ErrNotSupported is returned if the address space implementation is not
	// available on the host.
	ErrNotSupported = errors.New("not supported on this host")
)
