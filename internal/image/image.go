// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package image

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io/fs"
)

// Offset of the SDK version in the process parameter block.
const (
	procParamSDKVersionOff = 0x10
	procParamMinSize       = 0x14
)

// Program is a program header along with its file contents.
type Program struct {
	Index    int
	Type     elf.ProgType
	Flags    elf.ProgFlag
	Offset   uint64
	Vaddr    uint64
	FileSize uint64
	MemSize  uint64
	Align    uint64

	// Data is the content of the program in the file. It is FileSize bytes
	// long.
	Data []byte
}

// End returns the first virtual address behind the program.
func (p *Program) End() uint64 {
	return p.Vaddr + p.MemSize
}

// Image is a parsed executable or shared object.
type Image struct {
	Type     elf.Type
	Entry    uint64
	Programs []Program

	// Dynamic is nil for images without dynamic linking information.
	Dynamic *DynamicInfo

	// SELF is true if the image was wrapped in a SELF container.
	SELF bool
}

// Open reads and parses the image with the given name from fsys.
func Open(fsys fs.FS, name string) (*Image, error) {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}

	img, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}

	return img, nil
}

// Parse parses the given file content.
func Parse(data []byte) (*Image, error) {
	img := &Image{}

	if IsSELF(data) {
		var err error

		data, err = unwrapSELF(data)
		if err != nil {
			return nil, err
		}

		img.SELF = true
	}

	file, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFormat, err)
	}

	err = validateHeader(file.FileHeader)
	if err != nil {
		return nil, err
	}

	img.Type = file.Type
	img.Entry = file.Entry
	img.Programs = make([]Program, 0, len(file.Progs))

	for idx, prog := range file.Progs {
		if prog.Off > uint64(len(data)) || prog.Filesz > uint64(len(data))-prog.Off {
			return nil, fmt.Errorf("%w: program %d out of file bounds", ErrInvalidFormat, idx)
		}

		img.Programs = append(img.Programs, Program{
			Index:    idx,
			Type:     prog.Type,
			Flags:    prog.Flags,
			Offset:   prog.Off,
			Vaddr:    prog.Vaddr,
			FileSize: prog.Filesz,
			MemSize:  prog.Memsz,
			Align:    prog.Align,
			Data:     data[prog.Off : prog.Off+prog.Filesz : prog.Off+prog.Filesz],
		})
	}

	dynamic, hasDynamic := img.Program(elf.PT_DYNAMIC)
	dynlib, hasDynlib := img.Program(ProgSCEDynlibData)

	if hasDynamic && hasDynlib {
		img.Dynamic, err = parseDynamic(dynamic.Data, dynlib.Data)
		if err != nil {
			return nil, err
		}
	}

	return img, nil
}

func validateHeader(hdr elf.FileHeader) error {
	if hdr.Class != elf.ELFCLASS64 || hdr.Data != elf.ELFDATA2LSB {
		return fmt.Errorf("%w: not a 64 bit little endian ELF", ErrInvalidFormat)
	}

	if hdr.Machine != elf.EM_X86_64 {
		return fmt.Errorf("%w: %w: %s", ErrInvalidFormat, ErrMachineNotSupported, hdr.Machine)
	}

	return nil
}

// Program returns the first program of the given type.
func (img *Image) Program(typ elf.ProgType) (*Program, bool) {
	for idx := range img.Programs {
		if img.Programs[idx].Type == typ {
			return &img.Programs[idx], true
		}
	}

	return nil, false
}

// TLS returns the PT_TLS program.
func (img *Image) TLS() (*Program, bool) {
	return img.Program(elf.PT_TLS)
}

// ProcParam returns the PT_SCE_PROCPARAM program.
func (img *Image) ProcParam() (*Program, bool) {
	return img.Program(ProgSCEProcParam)
}

// ModuleParam returns the PT_SCE_MODULE_PARAM program.
func (img *Image) ModuleParam() (*Program, bool) {
	return img.Program(ProgSCEModuleParam)
}

// SDKVersion returns the SDK version from the process parameter. It is 0 if
// the image has no process parameter.
func (img *Image) SDKVersion() uint32 {
	param, exists := img.ProcParam()
	if !exists || len(param.Data) < procParamMinSize {
		return 0
	}

	return binary.LittleEndian.Uint32(param.Data[procParamSDKVersionOff:])
}
