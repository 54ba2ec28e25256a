// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/aibor/sceld/internal/rtld"
	"github.com/aibor/sceld/internal/syscalls"
	"github.com/aibor/sceld/internal/vm"
)

// guestCaller issues dynlib syscalls the way guest code does, with
// arguments passed in a scratch page of guest memory.
type guestCaller struct {
	process *rtld.Process
	table   *syscalls.Table[*rtld.Process]
}

func (g *guestCaller) invoke(num uint32, args syscalls.Args) error {
	ret := g.table.Invoke(g.process, num, args)
	if ret == 0 {
		return nil
	}

	name, _ := g.table.Name(num)

	return &SyscallError{Name: name, Errno: syscalls.Errno(-ret)}
}

// scratch maps a page of guest memory and passes its address to fn.
func (g *guestCaller) scratch(fn func(addr, size uint64) error) (err error) {
	as := g.process.AddressSpace()
	size := as.PageSize()

	addr, err := as.Map(0, size, vm.CPURead|vm.CPUWrite)
	if err != nil {
		return fmt.Errorf("map scratch page: %w", err)
	}

	defer func() {
		unmapErr := as.Unmap(addr, size)
		if unmapErr != nil {
			err = errors.Join(err, fmt.Errorf("unmap scratch page: %w", unmapErr))
		}
	}()

	return fn(addr, size)
}

// moduleList returns the handles of all modules of the process.
func (g *guestCaller) moduleList() ([]uint32, error) {
	var handles []uint32

	err := g.scratch(func(addr, size uint64) error {
		countAddr := addr + size - 8
		maxCount := (size - 8) / 4

		err := g.invoke(rtld.SysGetList, syscalls.Args{addr, maxCount, countAddr})
		if err != nil {
			return err
		}

		count, err := vm.Uint64(g.process.AddressSpace(), countAddr)
		if err != nil {
			return err //nolint:wrapcheck
		}

		raw := make([]byte, count*4)

		err = vm.CopyIn(g.process.AddressSpace(), addr, raw)
		if err != nil {
			return err //nolint:wrapcheck
		}

		for idx := range count {
			handles = append(handles, binary.LittleEndian.Uint32(raw[idx*4:]))
		}

		return nil
	})

	return handles, err
}

// moduleInfo returns the extended info of the module with the given handle.
func (g *guestCaller) moduleInfo(handle uint32) (*rtld.DynlibInfoEx, error) {
	info := &rtld.DynlibInfoEx{}

	err := g.scratch(func(addr, _ uint64) error {
		as := g.process.AddressSpace()

		err := vm.PutUint64(as, addr, rtld.DynlibInfoExSize)
		if err != nil {
			return err //nolint:wrapcheck
		}

		args := syscalls.Args{uint64(handle), uint64(rtld.InfoExTLSIndexFlags), addr}

		err = g.invoke(rtld.SysGetInfoEx, args)
		if err != nil {
			return err
		}

		raw := make([]byte, rtld.DynlibInfoExSize)

		err = vm.CopyIn(as, addr, raw)
		if err != nil {
			return err //nolint:wrapcheck
		}

		return info.UnmarshalBinary(raw)
	})
	if err != nil {
		return nil, err
	}

	return info, nil
}

func (g *guestCaller) moduleInfos() ([]*rtld.DynlibInfoEx, error) {
	handles, err := g.moduleList()
	if err != nil {
		return nil, err
	}

	infos := make([]*rtld.DynlibInfoEx, 0, len(handles))

	for _, handle := range handles {
		info, err := g.moduleInfo(handle)
		if err != nil {
			return nil, fmt.Errorf("module %d: %w", handle, err)
		}

		infos = append(infos, info)
	}

	return infos, nil
}
