// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package rtld

import (
	"debug/elf"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aibor/sceld/internal/image"
	"github.com/aibor/sceld/internal/vm"
)

// SegmentKind is the role of a mapped segment.
type SegmentKind uint8

const (
	SegmentText SegmentKind = iota + 1
	SegmentData
	SegmentRelro
)

func (k SegmentKind) String() string {
	switch k {
	case SegmentText:
		return "text"
	case SegmentData:
		return "data"
	case SegmentRelro:
		return "relro"
	default:
		return "unknown"
	}
}

// Segment is a mapped program. Addresses are absolute guest addresses.
type Segment struct {
	Kind    SegmentKind
	Program int
	Addr    uint64
	Size    uint64
	Prot    vm.Protections
}

// End returns the first address behind the segment.
func (s Segment) End() uint64 {
	return s.Addr + s.Size
}

// Contains reports whether addr is inside the segment.
func (s Segment) Contains(addr uint64) bool {
	return addr >= s.Addr && addr < s.End()
}

// Memory is the mapped range of a module.
type Memory struct {
	as       vm.AddressSpace
	addr     uint64
	size     uint64
	vbase    uint64
	segments []Segment
}

func progProtections(prog *image.Program) vm.Protections {
	var prot vm.Protections

	if prog.Flags&elf.PF_R != 0 {
		prot |= vm.CPURead
	}

	if prog.Flags&elf.PF_W != 0 {
		prot |= vm.CPUWrite
	}

	if prog.Flags&elf.PF_X != 0 {
		prot |= vm.CPUExec
	}

	return prot
}

// loadablePrograms returns the programs to map classified by their kind.
func loadablePrograms(img *image.Image, pageSize uint64) (map[SegmentKind]*image.Program, error) {
	programs := make(map[SegmentKind]*image.Program)

	for idx := range img.Programs {
		prog := &img.Programs[idx]

		var kind SegmentKind

		switch {
		case prog.Type == elf.PT_LOAD && prog.Flags&elf.PF_X != 0:
			kind = SegmentText
		case prog.Type == elf.PT_LOAD:
			kind = SegmentData
		case prog.Type == image.ProgSCERelro:
			kind = SegmentRelro
		case prog.Type == elf.PT_TLS:
			// Not mapped, but its alignment places the block in the
			// static TLS space.
			if prog.Align > 1 && !vm.IsPowerOfTwo(prog.Align) {
				return nil, fmt.Errorf("%w: TLS program %d align %#x",
					ErrInvalidProgramAlignment, idx, prog.Align)
			}

			continue
		default:
			continue
		}

		if _, exists := programs[kind]; exists {
			switch kind {
			case SegmentText:
				return nil, ErrMultipleExecProgram
			case SegmentData:
				return nil, ErrMultipleDataProgram
			default:
				return nil, ErrMultipleRelroProgram
			}
		}

		if prog.Align > 1 &&
			(!vm.IsPowerOfTwo(prog.Align) || prog.Vaddr%min(prog.Align, pageSize) != 0) {
			return nil, fmt.Errorf("%w: program %d align %#x vaddr %#x",
				ErrInvalidProgramAlignment, idx, prog.Align, prog.Vaddr)
		}

		programs[kind] = prog
	}

	if len(programs) == 0 {
		return nil, ErrNoLoadableProgram
	}

	return programs, nil
}

// mapImage maps all loadable programs of img as a single contiguous range.
// If base is not 0, the image is mapped with its lowest page at base.
// Segment protections are applied after the content has been copied.
func mapImage(as vm.AddressSpace, img *image.Image, base uint64) (*Memory, error) {
	pageSize := as.PageSize()

	programs, err := loadablePrograms(img, pageSize)
	if err != nil {
		return nil, err
	}

	lowest, highest := ^uint64(0), uint64(0)
	for _, prog := range programs {
		lowest = min(lowest, prog.Vaddr)
		highest = max(highest, prog.End())
	}

	vbase := vm.AlignDown(lowest, pageSize)
	size := vm.AlignUp(highest, pageSize) - vbase

	if base != 0 {
		base = vm.AlignDown(base, pageSize)
	}

	addr, err := as.Map(base, size, vm.CPURead|vm.CPUWrite)
	if err != nil {
		return nil, fmt.Errorf("%w: %#x bytes: %w", ErrMapFailure, size, err)
	}

	mem := &Memory{
		as:    as,
		addr:  addr,
		size:  size,
		vbase: vbase,
	}

	err = mem.populate(programs)
	if err != nil {
		return nil, errors.Join(err, mem.unmap())
	}

	return mem, nil
}

func (m *Memory) populate(programs map[SegmentKind]*image.Program) error {
	pageSize := m.as.PageSize()

	for _, kind := range []SegmentKind{SegmentText, SegmentRelro, SegmentData} {
		prog, exists := programs[kind]
		if !exists {
			continue
		}

		seg := Segment{
			Kind:    kind,
			Program: prog.Index,
			Addr:    m.Address(prog.Vaddr),
			Size:    prog.MemSize,
			Prot:    progProtections(prog),
		}

		m.segments = append(m.segments, seg)

		if prog.FileSize == 0 {
			continue
		}

		dst, err := m.as.Bytes(seg.Addr, prog.FileSize)
		if err != nil {
			return fmt.Errorf("%w: copy program %d: %w", ErrMapFailure, prog.Index, err)
		}

		copy(dst, prog.Data)
	}

	// Pages not covered by any segment are inaccessible.
	err := m.as.Protect(m.addr, m.size, 0)
	if err != nil {
		return fmt.Errorf("%w: protect: %w", ErrMapFailure, err)
	}

	for _, seg := range m.segments {
		start := vm.AlignDown(seg.Addr, pageSize)
		end := vm.AlignUp(seg.End(), pageSize)

		if end == start {
			continue
		}

		err := m.as.Protect(start, end-start, seg.Prot)
		if err != nil {
			return fmt.Errorf("%w: protect %s: %w", ErrMapFailure, seg.Kind, err)
		}
	}

	return nil
}

// Addr returns the start address of the mapped range.
func (m *Memory) Addr() uint64 {
	return m.addr
}

// Size returns the size of the mapped range.
func (m *Memory) Size() uint64 {
	return m.size
}

// Base returns the value that is added to virtual addresses of the image to
// get the guest address.
func (m *Memory) Base() uint64 {
	return m.addr - m.vbase
}

// Address returns the guest address of the given virtual address of the
// image.
func (m *Memory) Address(vaddr uint64) uint64 {
	return m.Base() + vaddr
}

// Segments returns the mapped segments.
func (m *Memory) Segments() []Segment {
	return m.segments
}

// Segment returns the segment of the given kind.
func (m *Memory) Segment(kind SegmentKind) (Segment, bool) {
	for _, seg := range m.segments {
		if seg.Kind == kind {
			return seg, true
		}
	}

	return Segment{}, false
}

// SegmentAt returns the segment containing addr.
func (m *Memory) SegmentAt(addr uint64) (Segment, bool) {
	for _, seg := range m.segments {
		if seg.Contains(addr) {
			return seg, true
		}
	}

	return Segment{}, false
}

// unprotect makes the complete range writable. The returned view must be
// closed to restore the protections.
func (m *Memory) unprotect() (*vm.Unprotected, error) {
	return vm.Unprotect(m.as, m.addr, m.size, vm.CPURead|vm.CPUWrite)
}

func (m *Memory) unmap() error {
	err := m.as.Unmap(m.addr, m.size)
	if err != nil {
		return fmt.Errorf("%w: unmap: %w", ErrMapFailure, err)
	}

	return nil
}

// LogValue implements [slog.LogValuer].
func (m *Memory) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("addr", fmt.Sprintf("%#x", m.addr)),
		slog.String("size", fmt.Sprintf("%#x", m.size)),
		slog.String("base", fmt.Sprintf("%#x", m.Base())),
	)
}
