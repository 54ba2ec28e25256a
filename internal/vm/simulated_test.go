// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aibor/sceld/internal/vm"
)

func TestSimulatedMap(t *testing.T) {
	t.Run("automatic", func(t *testing.T) {
		as := vm.NewSimulated()

		first, err := as.Map(0, 0x8000, vm.CPURead)
		require.NoError(t, err)
		assert.Equal(t, uint64(vm.DefaultBase), first)

		second, err := as.Map(0, 0x4000, vm.CPURead)
		require.NoError(t, err)
		assert.Equal(t, first+0x8000, second)
	})

	t.Run("reuses gaps", func(t *testing.T) {
		as := vm.NewSimulated()

		first, err := as.Map(0, 0x4000, vm.CPURead)
		require.NoError(t, err)
		_, err = as.Map(0, 0x4000, vm.CPURead)
		require.NoError(t, err)
		require.NoError(t, as.Unmap(first, 0x4000))

		again, err := as.Map(0, 0x4000, vm.CPURead)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	})

	t.Run("fixed", func(t *testing.T) {
		as := vm.NewSimulated()

		addr, err := as.Map(0x400000, 0x4000, vm.CPURead)
		require.NoError(t, err)
		assert.Equal(t, uint64(0x400000), addr)

		_, err = as.Map(0x400000, 0x4000, vm.CPURead)
		assert.ErrorIs(t, err, vm.ErrOverlap)
	})

	t.Run("zero filled", func(t *testing.T) {
		as := vm.NewSimulated()

		addr, err := as.Map(0, 0x4000, vm.CPURead|vm.CPUWrite)
		require.NoError(t, err)

		b, err := as.Bytes(addr, 0x4000)
		require.NoError(t, err)
		assert.Equal(t, make([]byte, 0x4000), b)
	})

	t.Run("unaligned", func(t *testing.T) {
		as := vm.NewSimulated()

		_, err := as.Map(0, 0x1000, vm.CPURead)
		require.ErrorIs(t, err, vm.ErrInvalidArgument)

		_, err = as.Map(0x401000, 0x4000, vm.CPURead)
		assert.ErrorIs(t, err, vm.ErrInvalidArgument)
	})

	t.Run("exhausted", func(t *testing.T) {
		as := vm.NewSimulated(vm.WithCapacity(0x8000))

		_, err := as.Map(0, 0x8000, vm.CPURead)
		require.NoError(t, err)

		_, err = as.Map(0, 0x4000, vm.CPURead)
		assert.ErrorIs(t, err, vm.ErrNoSpace)
	})

	t.Run("smaller pages", func(t *testing.T) {
		as := vm.NewSimulated(vm.WithPageSize(0x1000), vm.WithBase(0x10000))

		addr, err := as.Map(0, 0x1000, vm.CPURead)
		require.NoError(t, err)
		assert.Equal(t, uint64(0x10000), addr)
		assert.Equal(t, uint64(0x1000), as.PageSize())
	})
}

func TestSimulatedUnmap(t *testing.T) {
	as := vm.NewSimulated()

	addr, err := as.Map(0, 0x8000, vm.CPURead)
	require.NoError(t, err)

	err = as.Unmap(addr, 0x4000)
	require.ErrorIs(t, err, vm.ErrInvalidArgument, "partial")

	require.NoError(t, as.Unmap(addr, 0x8000))

	err = as.Unmap(addr, 0x8000)
	require.ErrorIs(t, err, vm.ErrNotMapped)

	_, err = as.Bytes(addr, 1)
	assert.ErrorIs(t, err, vm.ErrNotMapped)
}

func TestSimulatedProtect(t *testing.T) {
	as := vm.NewSimulated()

	addr, err := as.Map(0, 0xc000, vm.CPURead|vm.CPUWrite)
	require.NoError(t, err)

	require.NoError(t, as.Protect(addr+0x4000, 0x4000, vm.CPURead|vm.CPUExec))

	for _, tt := range []struct {
		addr     uint64
		expected vm.Protections
	}{
		{addr, vm.CPURead | vm.CPUWrite},
		{addr + 0x4000, vm.CPURead | vm.CPUExec},
		{addr + 0x7fff, vm.CPURead | vm.CPUExec},
		{addr + 0x8000, vm.CPURead | vm.CPUWrite},
	} {
		prot, err := as.Protection(tt.addr)
		require.NoError(t, err)
		assert.Equal(t, tt.expected, prot, "%#x", tt.addr)
	}

	err = as.Protect(addr+0x8000, 0x8000, vm.CPURead)
	require.ErrorIs(t, err, vm.ErrNotMapped, "beyond mapping")

	_, err = as.Protection(addr + 0xc000)
	assert.ErrorIs(t, err, vm.ErrNotMapped)
}

func TestSimulatedBytes(t *testing.T) {
	as := vm.NewSimulated()

	first, err := as.Map(0, 0x4000, vm.CPURead)
	require.NoError(t, err)
	_, err = as.Map(0, 0x4000, vm.CPURead)
	require.NoError(t, err)

	b, err := as.Bytes(first+0x3ff0, 0x10)
	require.NoError(t, err)
	assert.Len(t, b, 0x10)

	_, err = as.Bytes(first+0x3ff0, 0x20)
	assert.ErrorIs(t, err, vm.ErrNotMapped, "across mappings")
}

func TestProtectionsString(t *testing.T) {
	assert.Equal(t, "r-x", (vm.CPURead | vm.CPUExec).String())
	assert.Equal(t, "rw-+gpu", (vm.CPURead | vm.CPUWrite | vm.GPURead).String())
	assert.Equal(t, "---", vm.Protections(0).String())
}

func TestAlign(t *testing.T) {
	assert.Equal(t, uint64(0x4000), vm.AlignUp(0x1, 0x4000))
	assert.Equal(t, uint64(0x4000), vm.AlignUp(0x4000, 0x4000))
	assert.Equal(t, uint64(0x4000), vm.AlignDown(0x7fff, 0x4000))
	assert.True(t, vm.IsPowerOfTwo(0x4000))
	assert.False(t, vm.IsPowerOfTwo(0))
	assert.False(t, vm.IsPowerOfTwo(0x3000))
}
