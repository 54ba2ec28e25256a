// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package vm provides guest address spaces. An [AddressSpace] maps
// guest-visible pages with given [Protections] and gives the kernel raw
// access to their contents.
//
// Two implementations exist: [Simulated] keeps guest memory in Go byte slices
// and is used wherever guest code is not executed natively, [Host] maps guest
// pages directly into the host process (linux only).
//
// Guest pointers passed to syscalls are accessed with [CopyIn], [CopyOut]
// and friends, which honor the CPU protections of the pages. The kernel
// rewrites protected memory through [Unprotect], which returns a scoped view
// that restores the original protections when closed.
package vm
