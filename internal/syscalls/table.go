// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package syscalls

import (
	"fmt"
	"log/slog"
	"sync"
)

// Args are the raw register arguments of a syscall.
type Args [6]uint64

// Handler implements a syscall. The context value identifies the caller, for
// example the calling process.
type Handler[T any] func(ctx T, args Args) error

type entry[T any] struct {
	name    string
	handler Handler[T]
}

// Table dispatches syscalls by number. It is safe for concurrent use.
type Table[T any] struct {
	mu      sync.RWMutex
	entries map[uint32]entry[T]
}

// NewTable creates an empty [Table].
func NewTable[T any]() *Table[T] {
	return &Table[T]{
		entries: make(map[uint32]entry[T]),
	}
}

// Register adds the handler for the given syscall number. Registering the
// same number twice panics, as it is a programming error.
func (t *Table[T]) Register(num uint32, name string, handler Handler[T]) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, exists := t.entries[num]; exists {
		panic(fmt.Sprintf("syscall %d already registered as %s", num, existing.name))
	}

	t.entries[num] = entry[T]{name: name, handler: handler}
}

// Name returns the name of the syscall registered with the given number.
func (t *Table[T]) Name(num uint32) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, exists := t.entries[num]

	return e.name, exists
}

// Invoke runs the syscall with the given number. It returns 0 on success and
// the negative errno on failure. Unknown syscalls fail with [ENOSYS].
func (t *Table[T]) Invoke(ctx T, num uint32, args Args) int64 {
	t.mu.RLock()
	e, exists := t.entries[num]
	t.mu.RUnlock()

	if !exists {
		slog.Warn("Unknown syscall", slog.Uint64("num", uint64(num)))
		return -int64(ENOSYS)
	}

	slog.Debug("Syscall",
		slog.String("name", e.name),
		slog.Uint64("num", uint64(num)))

	err := e.handler(ctx, args)
	if err != nil {
		errno := ErrnoOf(err)

		slog.Debug("Syscall failed",
			slog.String("name", e.name),
			slog.Int("errno", int(errno)),
			slog.Any("error", err))

		return -int64(errno)
	}

	return 0
}
