// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package syscalls_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/aibor/sceld/internal/syscalls"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_Invoke(t *testing.T) {
	table := syscalls.NewTable[*int]()

	table.Register(1, "succeed", func(ctx *int, args syscalls.Args) error {
		*ctx = int(args[0])
		return nil
	})
	table.Register(2, "errno", func(_ *int, _ syscalls.Args) error {
		return syscalls.ESRCH
	})
	table.Register(3, "wrapped", func(_ *int, _ syscalls.Args) error {
		return fmt.Errorf("wrapped: %w", syscalls.Errorf(syscalls.EINVAL, "bad size"))
	})
	table.Register(4, "plain", func(_ *int, _ syscalls.Args) error {
		return assert.AnError
	})

	tests := []struct {
		name     string
		num      uint32
		expected int64
	}{
		{name: "success", num: 1, expected: 0},
		{name: "bare errno", num: 2, expected: -3},
		{name: "wrapped errno", num: 3, expected: -22},
		{name: "plain error", num: 4, expected: -5},
		{name: "unknown", num: 99, expected: -78},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var value int

			actual := table.Invoke(&value, tt.num, syscalls.Args{42})
			assert.Equal(t, tt.expected, actual)
		})
	}
}

func TestTable_RegisterTwice(t *testing.T) {
	table := syscalls.NewTable[any]()
	handler := func(any, syscalls.Args) error { return nil }

	table.Register(591, "dynlib_dlsym", handler)

	name, exists := table.Name(591)
	require.True(t, exists)
	assert.Equal(t, "dynlib_dlsym", name)

	assert.Panics(t, func() {
		table.Register(591, "other", handler)
	})
}

func TestError_Is(t *testing.T) {
	err := fmt.Errorf("outer: %w", syscalls.Errorf(syscalls.ENOMEM, "too small"))

	assert.ErrorIs(t, err, syscalls.ENOMEM)
	assert.ErrorIs(t, err, &syscalls.Error{Errno: syscalls.ENOMEM})
	assert.NotErrorIs(t, err, syscalls.EINVAL)
	assert.Equal(t, syscalls.ENOMEM, syscalls.ErrnoOf(err))
	assert.Equal(t, syscalls.EIO, syscalls.ErrnoOf(errors.New("other")))
	assert.Equal(t, "too small (cannot allocate memory)", syscalls.Errorf(syscalls.ENOMEM, "too small").Error())
}
