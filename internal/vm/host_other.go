// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build !linux

package vm

// Host is not available on this platform.
type Host struct {
	Simulated
}

// NewHost returns [ErrNotSupported] on platforms other than linux.
func NewHost() (*Host, error) {
	return nil, ErrNotSupported
}
