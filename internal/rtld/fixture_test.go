// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package rtld_test

import (
	"debug/elf"
	"encoding/binary"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"

	"github.com/aibor/sceld/internal/image"
	"github.com/aibor/sceld/internal/image/imagetest"
	"github.com/aibor/sceld/internal/rtld"
	"github.com/aibor/sceld/internal/vfs"
	"github.com/aibor/sceld/internal/vm"
)

const (
	appPath    = "/app0/eboot.bin"
	kernelPath = "/system/common/lib/libkernel.sprx"
	libcPath   = "/app0/sce_module/libc.sprx"
)

// Offsets of the relocation targets in the data segment of the app.
const (
	targetAbs      = 0x00
	targetGlobDat  = 0x08
	targetRelData  = 0x10
	targetRelText  = 0x18
	targetJumpSlot = 0x20
	targetDTPMod   = 0x28
	targetDTPOff   = 0x30
)

const (
	kernelFuncValue = 0x10
	kernelTLSValue  = 0x4
)

func importSymbol(name string, typ elf.SymType) imagetest.Symbol {
	return imagetest.Symbol{
		Name: image.SymbolName(rtld.NID(name), 1, 1),
		Bind: elf.STB_GLOBAL,
		Type: typ,
	}
}

func exportSymbol(name string, typ elf.SymType, value uint64) imagetest.Symbol {
	return imagetest.Symbol{
		Name:    image.SymbolName(rtld.NID(name), 0, 0),
		Bind:    elf.STB_GLOBAL,
		Type:    typ,
		Value:   value,
		Size:    8,
		Defined: true,
	}
}

// appBuilder is a dynamic executable depending on libkernel.
func appBuilder() *imagetest.Builder {
	b := &imagetest.Builder{
		Type:          image.TypeSCEDynExec,
		Text:          make([]byte, 0x20),
		Data:          make([]byte, 0x40),
		ProcParam:     true,
		SDKVersion:    0x4508101,
		Needed:        []string{"libkernel.prx"},
		NeededModules: []image.ModuleInfo{{ID: 1, Name: "libkernel", Major: 1}},
		Imports:       []image.LibraryInfo{{ID: 1, Name: "libkernel", Version: 1}},
		Symbols: []imagetest.Symbol{
			importSymbol("sceKernelGetProcParam", elf.STT_FUNC),
			importSymbol("errno", elf.STT_OBJECT),
			importSymbol("tls_var", elf.STT_TLS),
		},
		TLS: &imagetest.TLS{Size: 16, Align: 16},
	}

	data := b.Layout().DataAddr

	b.Relocations = []image.Relocation{
		{Offset: data + targetAbs, Type: elf.R_X86_64_64, Symbol: 1, Addend: 0x10},
		{Offset: data + targetGlobDat, Type: elf.R_X86_64_GLOB_DAT, Symbol: 2},
		{Offset: data + targetRelData, Type: elf.R_X86_64_RELATIVE, Addend: int64(data) + 0x38},
		{Offset: data + targetRelText, Type: elf.R_X86_64_RELATIVE, Addend: 0x4},
		{Offset: data + targetDTPMod, Type: elf.R_X86_64_DTPMOD64, Symbol: 3},
		{Offset: data + targetDTPOff, Type: elf.R_X86_64_DTPOFF64, Symbol: 3, Addend: 0x2},
	}
	b.PLTRelocations = []image.Relocation{
		{Offset: data + targetJumpSlot, Type: elf.R_X86_64_JMP_SLOT, Symbol: 1},
	}

	return b
}

// kernelBuilder is a system library exporting the symbols the app needs.
func kernelBuilder() *imagetest.Builder {
	b := &imagetest.Builder{
		Text:        make([]byte, 0x20),
		Data:        make([]byte, 0x10),
		ModuleParam: true,
		Module:      image.ModuleInfo{ID: 0, Name: "libkernel", Major: 1},
		Exports:     []image.LibraryInfo{{ID: 0, Name: "libkernel", Version: 1}},
		TLS:         &imagetest.TLS{Init: []byte{1, 2, 3, 4}, Size: 24, Align: 8},
	}

	b.Symbols = []imagetest.Symbol{
		exportSymbol("sceKernelGetProcParam", elf.STT_FUNC, kernelFuncValue),
		exportSymbol("errno", elf.STT_OBJECT, b.Layout().DataAddr),
		exportSymbol("tls_var", elf.STT_TLS, kernelTLSValue),
	}

	return b
}

// libcBuilder is a user library without any dependencies.
func libcBuilder() *imagetest.Builder {
	return &imagetest.Builder{
		Module:  image.ModuleInfo{ID: 0, Name: "libc", Major: 1},
		Exports: []image.LibraryInfo{{ID: 0, Name: "libc", Version: 1}},
		Symbols: []imagetest.Symbol{
			exportSymbol("printf", elf.STT_FUNC, 0x8),
		},
	}
}

type fixture struct {
	fsys    fstest.MapFS
	as      *vm.Simulated
	linker  *rtld.Linker
	process *rtld.Process
}

func newFixture(t *testing.T, config rtld.ProcessConfig, files map[string]*imagetest.Builder) *fixture {
	t.Helper()

	fsys := fstest.MapFS{}
	for path, b := range files {
		fsys[vfs.Rel(path)] = &fstest.MapFile{Data: b.Bytes()}
	}

	as := vm.NewSimulated()

	return &fixture{
		fsys:    fsys,
		as:      as,
		linker:  rtld.NewLinker(fsys),
		process: rtld.NewProcess(as, config),
	}
}

func defaultFiles() map[string]*imagetest.Builder {
	return map[string]*imagetest.Builder{
		appPath:    appBuilder(),
		kernelPath: kernelBuilder(),
		libcPath:   libcBuilder(),
	}
}

// start execs the app and loads libkernel as main module.
func (f *fixture) start(t *testing.T) (*rtld.Module, *rtld.Module) {
	t.Helper()

	app, err := f.linker.Exec(f.process, appPath)
	require.NoError(t, err)

	kernel, err := f.linker.Load(f.process, kernelPath, 0, false, true)
	require.NoError(t, err)

	return app, kernel
}

func (f *fixture) read(t *testing.T, addr uint64) uint64 {
	t.Helper()

	b, err := f.as.Bytes(addr, 8)
	require.NoError(t, err)

	return binary.LittleEndian.Uint64(b)
}

func (f *fixture) write(t *testing.T, addr, value uint64) {
	t.Helper()

	b, err := f.as.Bytes(addr, 8)
	require.NoError(t, err)

	binary.LittleEndian.PutUint64(b, value)
}

// guestBuffer maps a page of guest memory for syscall arguments.
func (f *fixture) guestBuffer(t *testing.T) uint64 {
	t.Helper()

	addr, err := f.as.Map(0, f.as.PageSize(), vm.CPURead|vm.CPUWrite)
	require.NoError(t, err)

	return addr
}

func dataAddr(md *rtld.Module) uint64 {
	seg, _ := md.Memory().Segment(rtld.SegmentData)
	return seg.Addr
}
