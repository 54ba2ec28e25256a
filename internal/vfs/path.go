// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vfs

import (
	"path"
	"strings"
)

// Clean returns the shortest absolute guest path equivalent to name.
func Clean(name string) string {
	return path.Clean("/" + name)
}

// IsAbs reports whether the guest path is absolute.
func IsAbs(name string) bool {
	return strings.HasPrefix(name, "/")
}

// Base returns the last element of the guest path.
func Base(name string) string {
	return path.Base(name)
}

// Stem returns the last element of the guest path without its extension.
//
//	Stem("/system/common/lib/libkernel.sprx") == "libkernel"
func Stem(name string) string {
	base := path.Base(name)
	return strings.TrimSuffix(base, path.Ext(base))
}

// Rel returns the unrooted form of the guest path name as used by
// [io/fs.FS].
func Rel(name string) string {
	cleaned := strings.TrimPrefix(Clean(name), "/")
	if cleaned == "" {
		return "."
	}

	return cleaned
}
