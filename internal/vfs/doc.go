// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package vfs provides the guest file system the loader reads images from.
//
// The [FS] is an in-memory tree of directories, regular files and symbolic
// links that implements [io/fs.FS] and [io/fs.ReadFileFS]. Host directories
// or any other [io/fs.FS] can be mounted into the tree with [FS.Mount]. A
// complete system root can be read from a cpio archive with [LoadCPIO] and
// written with [WriteCPIO].
//
// Guest paths are slash separated and absolute, like
// "/system/common/lib/libkernel.sprx". The leading slash is optional for all
// methods of [FS].
package vfs
