// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package rtld_test

import (
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aibor/sceld/internal/image"
	"github.com/aibor/sceld/internal/image/imagetest"
	"github.com/aibor/sceld/internal/rtld"
	"github.com/aibor/sceld/internal/syscalls"
)

func TestLinker_Dlsym(t *testing.T) {
	files := defaultFiles()
	files[kernelPath].Symbols = append(files[kernelPath].Symbols, imagetest.Symbol{
		Name:    image.SymbolName("BaOKcng8g88", 0, 0),
		Bind:    elf.STB_GLOBAL,
		Type:    elf.STT_FUNC,
		Value:   0x18,
		Defined: true,
	})

	f := newFixture(t, rtld.ProcessConfig{}, files)
	_, kernel := f.start(t)

	tests := []struct {
		name          string
		handle        uint32
		symbol        string
		expected      uint64
		expectedErr   error
		expectedErrno syscalls.Errno
	}{
		{
			name:     "hashed",
			handle:   1,
			symbol:   "sceKernelGetProcParam",
			expected: kernel.Memory().Address(kernelFuncValue),
		},
		{
			name:     "unhashed",
			handle:   1,
			symbol:   "BaOKcng8g88",
			expected: kernel.Memory().Address(0x18),
		},
		{
			name:          "main program",
			handle:        0,
			symbol:        "sceKernelGetProcParam",
			expectedErr:   rtld.ErrMainProgLookup,
			expectedErrno: syscalls.ENOSYS,
		},
		{
			name:          "unknown symbol",
			handle:        1,
			symbol:        "sceKernelUnknown",
			expectedErr:   rtld.ErrSymbolNotFound,
			expectedErrno: syscalls.ESRCH,
		},
		{
			name:          "unknown handle",
			handle:        42,
			symbol:        "sceKernelGetProcParam",
			expectedErr:   rtld.ErrModuleNotFound,
			expectedErrno: syscalls.ESRCH,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := f.linker.Dlsym(f.process, tt.handle, tt.symbol)
			require.ErrorIs(t, err, tt.expectedErr)
			assert.Equal(t, tt.expectedErrno, rtld.Errno(err))
			assert.Equal(t, tt.expected, addr)
		})
	}
}

func TestLinker_DlsymNoExecutable(t *testing.T) {
	f := newFixture(t, rtld.ProcessConfig{}, nil)

	_, err := f.linker.Dlsym(f.process, 0, "printf")
	require.ErrorIs(t, err, rtld.ErrNoDynamicLinker)
	assert.Equal(t, syscalls.EPERM, rtld.Errno(err))
}

func TestLinker_ModuleList(t *testing.T) {
	f := newFixture(t, rtld.ProcessConfig{}, defaultFiles())

	_, err := f.linker.ModuleList(f.process)
	require.ErrorIs(t, err, rtld.ErrNoDynamicLinker)

	f.start(t)

	handles, err := f.linker.ModuleList(f.process)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 1}, handles)
}

func TestLinker_ProcParam(t *testing.T) {
	t.Run("present", func(t *testing.T) {
		f := newFixture(t, rtld.ProcessConfig{}, defaultFiles())
		app, _ := f.start(t)

		addr, size, err := f.linker.ProcParam(f.process)
		require.NoError(t, err)
		assert.Equal(t, app.Memory().Address(appBuilder().Layout().ProcParamAddr), addr)
		assert.Equal(t, uint64(imagetest.ProcParamSize), size)
	})

	t.Run("missing", func(t *testing.T) {
		files := defaultFiles()
		files[appPath].ProcParam = false

		f := newFixture(t, rtld.ProcessConfig{}, files)
		f.start(t)

		_, _, err := f.linker.ProcParam(f.process)
		require.ErrorIs(t, err, rtld.ErrNoProcParam)
		assert.Equal(t, syscalls.ENOSYS, rtld.Errno(err))
	})
}

func TestLinker_ObjMember(t *testing.T) {
	f := newFixture(t, rtld.ProcessConfig{}, defaultFiles())
	_, kernel := f.start(t)

	tests := []struct {
		name          string
		handle        uint32
		member        uint8
		expected      uint64
		expectedErr   error
		expectedErrno syscalls.Errno
	}{
		{
			name:     "module param",
			handle:   1,
			member:   rtld.MemberModuleParam,
			expected: kernel.Memory().Address(kernelBuilder().Layout().ModuleParamAddr),
		},
		{
			name:          "module param missing",
			handle:        0,
			member:        rtld.MemberModuleParam,
			expectedErr:   rtld.ErrNoModuleParam,
			expectedErrno: syscalls.EINVAL,
		},
		{
			name:          "unimplemented member",
			handle:        1,
			member:        2,
			expectedErr:   rtld.ErrObjMember,
			expectedErrno: syscalls.ENOSYS,
		},
		{
			name:          "invalid member",
			handle:        1,
			member:        5,
			expectedErr:   rtld.ErrInvalidMember,
			expectedErrno: syscalls.EINVAL,
		},
		{
			name:          "unknown handle",
			handle:        7,
			member:        rtld.MemberModuleParam,
			expectedErr:   rtld.ErrModuleNotFound,
			expectedErrno: syscalls.ESRCH,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value, err := f.linker.ObjMember(f.process, tt.handle, tt.member)
			require.ErrorIs(t, err, tt.expectedErr)
			assert.Equal(t, tt.expectedErrno, rtld.Errno(err))
			assert.Equal(t, tt.expected, value)
		})
	}
}

func TestLinker_DoCopyRelocations(t *testing.T) {
	t.Run("none", func(t *testing.T) {
		f := newFixture(t, rtld.ProcessConfig{}, defaultFiles())
		f.start(t)

		require.NoError(t, f.linker.DoCopyRelocations(f.process))
	})

	t.Run("copy relocation", func(t *testing.T) {
		files := defaultFiles()
		app := files[appPath]
		app.Relocations = append(app.Relocations, image.Relocation{
			Offset: app.Layout().DataAddr,
			Type:   elf.R_X86_64_COPY,
			Symbol: 2,
		})

		f := newFixture(t, rtld.ProcessConfig{}, files)
		f.start(t)

		err := f.linker.DoCopyRelocations(f.process)
		require.ErrorIs(t, err, rtld.ErrCopyRelocation)
		assert.Equal(t, syscalls.EINVAL, rtld.Errno(err))
	})
}
