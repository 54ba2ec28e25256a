// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package image

import (
	"debug/elf"
	"encoding/binary"
)

// Pointer encodings of the eh_frame_ptr field.
const (
	ehPEudata4       = 0x03
	ehPEpcrelSdata4  = 0x1b
	ehPEdatarelSdata = 0x3b

	ehFrameHdrMinSize = 8
)

// EHFrame locates the exception unwinding information of an image. All
// addresses are virtual addresses of the image.
type EHFrame struct {
	HdrAddr uint64
	HdrSize uint64
	Addr    uint64
	Size    uint64
}

// EHFrame returns the location of the eh_frame_hdr and the eh_frame it
// points to. The size of the eh_frame is not recorded, it is reported as
// the remainder of the segment it is in.
func (img *Image) EHFrame() (EHFrame, bool) {
	hdr, exists := img.Program(elf.PT_GNU_EH_FRAME)
	if !exists || len(hdr.Data) < ehFrameHdrMinSize || hdr.Data[0] != 1 {
		return EHFrame{}, false
	}

	raw := binary.LittleEndian.Uint32(hdr.Data[4:])
	ptrAddr := hdr.Vaddr + 4

	var addr uint64

	switch hdr.Data[1] {
	case ehPEudata4:
		addr = uint64(raw)
	case ehPEpcrelSdata4:
		addr = ptrAddr + uint64(int64(int32(raw)))
	case ehPEdatarelSdata:
		addr = hdr.Vaddr + uint64(int64(int32(raw)))
	default:
		return EHFrame{}, false
	}

	frame := EHFrame{
		HdrAddr: hdr.Vaddr,
		HdrSize: hdr.MemSize,
		Addr:    addr,
	}

	for _, prog := range img.Programs {
		if prog.Type == elf.PT_LOAD && addr >= prog.Vaddr && addr < prog.End() {
			frame.Size = prog.End() - addr
			break
		}
	}

	return frame, true
}
