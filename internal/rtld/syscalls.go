// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package rtld

import (
	"encoding"

	"github.com/aibor/sceld/internal/syscalls"
	"github.com/aibor/sceld/internal/vm"
)

// Syscall numbers of the dynlib syscalls.
const (
	SysDlsym                    uint32 = 591
	SysGetList                  uint32 = 592
	SysGetInfo                  uint32 = 593
	SysLoadPRX                  uint32 = 594
	SysUnloadPRX                uint32 = 595
	SysDoCopyRelocations        uint32 = 596
	SysGetProcParam             uint32 = 598
	SysProcessNeededAndRelocate uint32 = 599
	SysGetInfoEx                uint32 = 608
	SysGetObjMember             uint32 = 649
)

// Maximum lengths of names passed in by the guest, including their
// terminator.
const (
	maxSymbolNameLen = 2560
	maxPathLen       = 1024
)

// RegisterSyscalls adds the dynlib syscalls to table.
func (l *Linker) RegisterSyscalls(table *syscalls.Table[*Process]) {
	for _, sc := range []struct {
		num     uint32
		name    string
		handler syscalls.Handler[*Process]
	}{
		{SysDlsym, "dynlib_dlsym", l.sysDlsym},
		{SysGetList, "dynlib_get_list", l.sysGetList},
		{SysGetInfo, "dynlib_get_info", l.sysGetInfo},
		{SysLoadPRX, "dynlib_load_prx", l.sysLoadPRX},
		{SysUnloadPRX, "dynlib_unload_prx", l.sysUnloadPRX},
		{SysDoCopyRelocations, "dynlib_do_copy_relocations", l.sysDoCopyRelocations},
		{SysGetProcParam, "dynlib_get_proc_param", l.sysGetProcParam},
		{SysProcessNeededAndRelocate, "dynlib_process_needed_and_relocate", l.sysProcessNeededAndRelocate},
		{SysGetInfoEx, "dynlib_get_info_ex", l.sysGetInfoEx},
		{SysGetObjMember, "dynlib_get_obj_member", l.sysGetObjMember},
	} {
		table.Register(sc.num, sc.name, func(p *Process, args syscalls.Args) error {
			return sysError(sc.handler(p, args))
		})
	}
}

func (l *Linker) sysDlsym(p *Process, args syscalls.Args) error {
	if !p.isDynamic() {
		return ErrNoDynamicLinker
	}

	name, err := vm.ReadCString(p.as, args[1], maxSymbolNameLen)
	if err != nil {
		return err //nolint:wrapcheck
	}

	addr, err := l.Dlsym(p, uint32(args[0]), name) //nolint:gosec
	if err != nil {
		return err
	}

	return vm.PutUint64(p.as, args[2], addr) //nolint:wrapcheck
}

func (l *Linker) sysGetList(p *Process, args syscalls.Args) error {
	handles, err := l.ModuleList(p)
	if err != nil {
		return err
	}

	if uint64(len(handles)) > args[1] {
		return ErrBufferTooSmall
	}

	for idx, handle := range handles {
		err := vm.PutUint32(p.as, args[0]+uint64(idx)*4, handle)
		if err != nil {
			return err //nolint:wrapcheck
		}
	}

	return vm.PutUint64(p.as, args[2], uint64(len(handles))) //nolint:wrapcheck
}

// writeInfo checks the size the guest declared in the first field of the
// structure at addr and writes info there.
func writeInfo(as vm.AddressSpace, addr, size uint64, info func() (encoding.BinaryMarshaler, error)) error {
	declared, err := vm.Uint64(as, addr)
	if err != nil {
		return err //nolint:wrapcheck
	}

	if declared != size {
		return ErrInfoSize
	}

	m, err := info()
	if err != nil {
		return err
	}

	b, err := m.MarshalBinary()
	if err != nil {
		return err //nolint:wrapcheck
	}

	return vm.CopyOut(as, addr, b) //nolint:wrapcheck
}

func (l *Linker) sysGetInfo(p *Process, args syscalls.Args) error {
	if !p.isDynamic() {
		return ErrNoDynamicLinker
	}

	return writeInfo(p.as, args[1], DynlibInfoSize, func() (encoding.BinaryMarshaler, error) {
		return l.Info(p, uint32(args[0])) //nolint:gosec
	})
}

func (l *Linker) sysGetInfoEx(p *Process, args syscalls.Args) error {
	if !p.isDynamic() {
		return ErrNoDynamicLinker
	}

	return writeInfo(p.as, args[2], DynlibInfoExSize, func() (encoding.BinaryMarshaler, error) {
		return l.InfoEx(p, uint32(args[0]), uint32(args[1])) //nolint:gosec
	})
}

func (l *Linker) sysLoadPRX(p *Process, args syscalls.Args) error {
	flags := uint32(args[1]) //nolint:gosec
	if flags&0xfff8ffff != 0 {
		return ErrInvalidFlags
	}

	path, err := vm.ReadCString(p.as, args[0], maxPathLen)
	if err != nil {
		return err //nolint:wrapcheck
	}

	md, err := l.LoadPRX(p, path, flags)
	if err != nil {
		return err
	}

	return vm.PutUint32(p.as, args[2], md.ID()) //nolint:wrapcheck
}

func (l *Linker) sysUnloadPRX(p *Process, args syscalls.Args) error {
	return l.Unload(p, uint32(args[0])) //nolint:gosec
}

func (l *Linker) sysDoCopyRelocations(p *Process, _ syscalls.Args) error {
	return l.DoCopyRelocations(p)
}

func (l *Linker) sysGetProcParam(p *Process, args syscalls.Args) error {
	addr, size, err := l.ProcParam(p)
	if err != nil {
		return err
	}

	err = vm.PutUint64(p.as, args[0], addr)
	if err != nil {
		return err //nolint:wrapcheck
	}

	return vm.PutUint64(p.as, args[1], size) //nolint:wrapcheck
}

func (l *Linker) sysProcessNeededAndRelocate(p *Process, _ syscalls.Args) error {
	return l.ProcessNeededAndRelocate(p)
}

func (l *Linker) sysGetObjMember(p *Process, args syscalls.Args) error {
	value, err := l.ObjMember(p, uint32(args[0]), uint8(args[1])) //nolint:gosec
	if err != nil {
		return err
	}

	return vm.PutUint64(p.as, args[2], value) //nolint:wrapcheck
}
