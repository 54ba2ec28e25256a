// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package image

import "errors"

var (
	// ErrInvalidFormat is returned if the file is not a valid image. More
	// specific errors wrap it.
	ErrInvalidFormat = errors.New("invalid image format")

	// ErrEncrypted is returned for SELF files with encrypted segments.
	ErrEncrypted = errors.New("encrypted segments not supported")

	// ErrMachineNotSupported is returned for images for other machines than
	// x86-64.
	ErrMachineNotSupported = errors.New("machine not supported")
)

// TableError is returned if a table referenced by the dynamic section is
// malformed.
type TableError struct {
	Table  string
	Reason string
}

func (e *TableError) Error() string {
	return "invalid " + e.Table + ": " + e.Reason
}

// Is returns true if target is [ErrInvalidFormat].
func (*TableError) Is(target error) bool {
	return target == ErrInvalidFormat
}
