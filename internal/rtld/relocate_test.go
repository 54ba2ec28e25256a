// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package rtld_test

import (
	"bytes"
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aibor/sceld/internal/image"
	"github.com/aibor/sceld/internal/image/imagetest"
	"github.com/aibor/sceld/internal/rtld"
	"github.com/aibor/sceld/internal/syscalls"
	"github.com/aibor/sceld/internal/vm"
)

func TestLinker_ProcessNeededAndRelocate(t *testing.T) {
	f := newFixture(t, rtld.ProcessConfig{}, defaultFiles())
	app, kernel := f.start(t)

	appData := dataAddr(app)
	kernelFunc := kernel.Memory().Address(kernelFuncValue)
	kernelData := dataAddr(kernel)

	require.NoError(t, f.linker.ProcessNeededAndRelocate(f.process))

	for _, tt := range []struct {
		name     string
		target   uint64
		expected uint64
		index    int
		kind     rtld.RelocatedKind
		owner    *rtld.Module
	}{
		{"64", targetAbs, kernelFunc + 0x10, 0, rtld.RelocatedExecutable, kernel},
		{"glob dat", targetGlobDat, kernelData, 1, rtld.RelocatedData, kernel},
		{"relative data", targetRelData, appData + 0x38, 2, rtld.RelocatedData, app},
		{"relative text", targetRelText, rtld.DynExecBase + 0x4, 3, rtld.RelocatedExecutable, app},
		{"dtpmod", targetDTPMod, uint64(kernel.TLSIndex()), 4, rtld.RelocatedTLS, kernel},
		{"dtpoff", targetDTPOff, kernelTLSValue + 0x2, 5, rtld.RelocatedData, kernel},
		{"jump slot", targetJumpSlot, kernelFunc, 6, rtld.RelocatedExecutable, kernel},
	} {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, f.read(t, appData+tt.target), "value")

			relocated, ok := app.Relocated(tt.index)
			require.True(t, ok, "relocated")
			assert.Equal(t, tt.kind, relocated.Kind, "kind")
			assert.Same(t, tt.owner, relocated.Module, "owner")
		})
	}

	assert.Equal(t, rtld.PLTApplied, app.PLTState())

	prot, err := f.as.Protection(appData)
	require.NoError(t, err)
	assert.Equal(t, vm.CPURead|vm.CPUWrite, prot, "protections restored")

	prot, err = f.as.Protection(app.Memory().Addr())
	require.NoError(t, err)
	assert.Equal(t, vm.CPURead|vm.CPUExec, prot, "protections restored")
}

func TestLinker_ProcessNeededAndRelocateIdempotent(t *testing.T) {
	f := newFixture(t, rtld.ProcessConfig{}, defaultFiles())
	app, _ := f.start(t)

	require.NoError(t, f.linker.ProcessNeededAndRelocate(f.process))

	mem, err := f.as.Bytes(app.Memory().Addr(), app.Memory().Size())
	require.NoError(t, err)

	first := bytes.Clone(mem)

	require.NoError(t, f.linker.ProcessNeededAndRelocate(f.process))
	assert.Equal(t, first, mem, "second pass changes nothing")

	// Applied entries are never written again.
	f.write(t, dataAddr(app)+targetDTPMod, 0xdead)
	require.NoError(t, f.linker.ProcessNeededAndRelocate(f.process))
	assert.Equal(t, uint64(0xdead), f.read(t, dataAddr(app)+targetDTPMod))
}

func TestLinker_ProcessNeededAndRelocateUnresolved(t *testing.T) {
	files := defaultFiles()
	files[kernelPath].Symbols = nil

	f := newFixture(t, rtld.ProcessConfig{}, files)
	app, _ := f.start(t)

	require.NoError(t, f.linker.ProcessNeededAndRelocate(f.process))

	_, ok := app.Relocated(0)
	assert.False(t, ok, "unresolved symbol")
	assert.Zero(t, f.read(t, dataAddr(app)+targetAbs))

	_, ok = app.Relocated(2)
	assert.True(t, ok, "relative does not need a symbol")

	assert.Equal(t, rtld.PLTPending, app.PLTState())
}

func TestLinker_ProcessNeededAndRelocateUnsupported(t *testing.T) {
	for _, tt := range []struct {
		name     string
		modify   func(b *imagetest.Builder)
		typ      elf.R_X86_64
		errno    syscalls.Errno
		expected error
	}{
		{
			name: "rela",
			modify: func(b *imagetest.Builder) {
				b.Relocations = append(b.Relocations[:1:1], image.Relocation{
					Offset: b.Layout().DataAddr + targetDTPMod,
					Type:   0x7f,
				})
			},
			typ:      0x7f,
			errno:    syscalls.ENOEXEC,
			expected: rtld.ErrUnsupportedRela,
		},
		{
			name: "tpoff64",
			modify: func(b *imagetest.Builder) {
				b.Relocations = append(b.Relocations[:1:1], image.Relocation{
					Offset: b.Layout().DataAddr + targetDTPMod,
					Type:   elf.R_X86_64_TPOFF64,
					Symbol: 3,
				})
			},
			typ:      elf.R_X86_64_TPOFF64,
			errno:    syscalls.ENOEXEC,
			expected: rtld.ErrUnsupportedRela,
		},
		{
			name: "plt",
			modify: func(b *imagetest.Builder) {
				b.Relocations = b.Relocations[:1]
				b.PLTRelocations[0].Type = elf.R_X86_64_GLOB_DAT
			},
			typ:      elf.R_X86_64_GLOB_DAT,
			errno:    syscalls.EINVAL,
			expected: rtld.ErrUnsupportedPlt,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			files := defaultFiles()
			tt.modify(files[appPath])

			f := newFixture(t, rtld.ProcessConfig{}, files)
			app, kernel := f.start(t)

			err := f.linker.ProcessNeededAndRelocate(f.process)
			require.ErrorIs(t, err, tt.expected)
			require.ErrorIs(t, err, rtld.ErrLinkFailure)
			assert.Equal(t, tt.errno, rtld.Errno(err))

			var relocErr *rtld.RelocateError

			require.ErrorAs(t, err, &relocErr)
			assert.Equal(t, appPath, relocErr.Path)
			assert.Equal(t, tt.typ, relocErr.Type)
			assert.Contains(t, err.Error(), appPath)

			// The entry in front of the failing one stays applied.
			relocated, ok := app.Relocated(0)
			require.True(t, ok)
			assert.Equal(t, rtld.RelocatedExecutable, relocated.Kind)
			assert.Equal(t, kernel.Memory().Address(kernelFuncValue)+0x10,
				f.read(t, dataAddr(app)+targetAbs))

			prot, err := f.as.Protection(dataAddr(app))
			require.NoError(t, err)
			assert.Equal(t, vm.CPURead|vm.CPUWrite, prot, "protections restored")
		})
	}
}

func TestLinker_ProcessNeededAndRelocateTLS(t *testing.T) {
	for _, tt := range []struct {
		name           string
		staticSpace    uint64
		expectedState  rtld.TLSState
		expectedOffset uint64
	}{
		{
			name:           "unlimited",
			expectedState:  rtld.TLSAssigned,
			expectedOffset: 40,
		},
		{
			name:          "exceeds static space",
			staticSpace:   32,
			expectedState: rtld.TLSPending,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			files := defaultFiles()
			files[kernelPath].Symbols = nil

			f := newFixture(t, rtld.ProcessConfig{TLSStaticSpace: tt.staticSpace}, files)
			app, kernel := f.start(t)

			require.NoError(t, f.linker.ProcessNeededAndRelocate(f.process))

			assert.Equal(t, rtld.TLSAssigned, app.TLSState())
			assert.Equal(t, uint64(16), app.TLSOffset())

			assert.Equal(t, tt.expectedState, kernel.TLSState())
			assert.Equal(t, tt.expectedOffset, kernel.TLSOffset())

			layout := f.process.TLSLayout()
			assert.Equal(t, max(tt.expectedOffset, 16), layout.LastOffset)
		})
	}
}

func TestLinker_ProcessNeededAndRelocateDAG(t *testing.T) {
	f := newFixture(t, rtld.ProcessConfig{}, defaultFiles())
	app, kernel := f.start(t)

	assert.Equal(t, rtld.DAGPending, app.DAGState())
	assert.Empty(t, app.DAGStatic())

	require.NoError(t, f.linker.ProcessNeededAndRelocate(f.process))

	assert.Equal(t, rtld.DAGInitialized, app.DAGState())
	assert.Equal(t, []*rtld.Module{app, kernel}, app.DAGStatic())
	assert.Equal(t, []*rtld.Module{app, kernel}, app.DAGDynamic())
	assert.Equal(t, []*rtld.Module{kernel}, kernel.DAGStatic())
	assert.Equal(t, []*rtld.Module{kernel}, kernel.DAGDynamic())
}

func TestLinker_ProcessNeededAndRelocateNotDynamic(t *testing.T) {
	f := newFixture(t, rtld.ProcessConfig{}, nil)

	err := f.linker.ProcessNeededAndRelocate(f.process)
	require.ErrorIs(t, err, rtld.ErrNotDynamic)
	assert.Equal(t, syscalls.EINVAL, rtld.Errno(err))
}
