// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package rtld is the runtime linker of the emulated kernel.
//
// It maps console images into the address space of a [Process], keeps the
// per-process module registry, resolves symbols by their hashed names,
// applies relocations and lays out the static thread local storage of all
// modules. The [Linker] implements the dynlib syscalls on top of it, see
// [Linker.RegisterSyscalls].
//
// A [Process] owns its modules. All structural changes, like loading a
// module or relocating, hold the process lock exclusively. Queries take it
// shared.
package rtld
