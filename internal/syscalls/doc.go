// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package syscalls provides the syscall registration table of the emulated
// kernel and the errno values syscalls report to the guest.
//
// A syscall handler either succeeds, in which case the guest sees 0, or it
// fails with an error that is translated into a negative errno. Handlers
// signal the errno with an [*Error] or by returning an [Errno] directly.
package syscalls
