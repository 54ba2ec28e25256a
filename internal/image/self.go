// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package image

import (
	"bytes"
	"compress/zlib"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
)

// SELFMagic are the first four bytes of a SELF file.
var SELFMagic = []byte{0x4f, 0x15, 0x3d, 0x1d}

// Layout of the SELF container.
const (
	SELFHeaderSize  = 32
	SELFSegmentSize = 32

	selfSegmentCountOff = 0x18
	elfHeaderSize       = 64
	progHeaderSize      = 56

	maxELFSize = 1 << 32
)

// Segment property bits of SELF segments.
const (
	SegmentEncrypted  uint64 = 0x2
	SegmentCompressed uint64 = 0x8
	SegmentBlocked    uint64 = 0x800
)

// SegmentProgram returns the properties of a blocked SELF segment that holds
// the content of the program header with index id.
func SegmentProgram(id int) uint64 {
	return SegmentBlocked | uint64(id&0xfff)<<20
}

// IsSELF reports whether data starts with the SELF magic.
func IsSELF(data []byte) bool {
	return bytes.HasPrefix(data, SELFMagic)
}

type selfSegment struct {
	Props            uint64
	Offset           uint64
	CompressedSize   uint64
	DecompressedSize uint64
}

func (s selfSegment) program() int {
	return int(s.Props >> 20 & 0xfff)
}

// unwrapSELF reconstructs the plain ELF file contained in a SELF file.
func unwrapSELF(data []byte) ([]byte, error) {
	if len(data) < SELFHeaderSize {
		return nil, fmt.Errorf("%w: SELF header truncated", ErrInvalidFormat)
	}

	count := int(binary.LittleEndian.Uint16(data[selfSegmentCountOff:]))
	segments := make([]selfSegment, count)

	elfOff := SELFHeaderSize + count*SELFSegmentSize
	if len(data) < elfOff+elfHeaderSize {
		return nil, fmt.Errorf("%w: SELF segment table truncated", ErrInvalidFormat)
	}

	_, err := binary.Decode(data[SELFHeaderSize:elfOff], binary.LittleEndian, segments)
	if err != nil {
		return nil, fmt.Errorf("%w: SELF segment table: %w", ErrInvalidFormat, err)
	}

	var hdr elf.Header64

	_, err = binary.Decode(data[elfOff:], binary.LittleEndian, &hdr)
	if err != nil {
		return nil, fmt.Errorf("%w: ELF header: %w", ErrInvalidFormat, err)
	}

	headersEnd := hdr.Phoff + uint64(hdr.Phnum)*progHeaderSize
	if hdr.Phoff < elfHeaderSize || hdr.Phoff > uint64(len(data)) ||
		uint64(len(data)-elfOff) < headersEnd {
		return nil, fmt.Errorf("%w: program headers out of SELF bounds", ErrInvalidFormat)
	}

	progs := make([]elf.Prog64, hdr.Phnum)

	_, err = binary.Decode(data[elfOff+int(hdr.Phoff):], binary.LittleEndian, progs)
	if err != nil {
		return nil, fmt.Errorf("%w: program headers: %w", ErrInvalidFormat, err)
	}

	size := headersEnd

	for idx, prog := range progs {
		end := prog.Off + prog.Filesz
		if end < prog.Off || end > maxELFSize {
			return nil, fmt.Errorf("%w: program %d too large", ErrInvalidFormat, idx)
		}

		size = max(size, end)
	}

	out := make([]byte, size)
	copy(out, data[elfOff:elfOff+int(headersEnd)])

	for idx, seg := range segments {
		if seg.Props&SegmentBlocked == 0 {
			continue
		}

		err := copySegment(out, data, seg, progs)
		if err != nil {
			return nil, fmt.Errorf("SELF segment %d: %w", idx, err)
		}
	}

	return out, nil
}

func copySegment(out, data []byte, seg selfSegment, progs []elf.Prog64) error {
	id := seg.program()
	if id >= len(progs) {
		return fmt.Errorf("%w: program %d does not exist", ErrInvalidFormat, id)
	}

	if seg.Props&SegmentEncrypted != 0 {
		return fmt.Errorf("%w: %w", ErrInvalidFormat, ErrEncrypted)
	}

	if seg.Offset > uint64(len(data)) || seg.CompressedSize > uint64(len(data))-seg.Offset {
		return fmt.Errorf("%w: out of file bounds", ErrInvalidFormat)
	}

	prog := progs[id]
	dst := out[prog.Off : prog.Off+prog.Filesz]
	src := data[seg.Offset : seg.Offset+seg.CompressedSize]

	if seg.Props&SegmentCompressed == 0 {
		copy(dst, src)
		return nil
	}

	reader, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return fmt.Errorf("%w: decompress: %w", ErrInvalidFormat, err)
	}
	defer reader.Close()

	limit := min(seg.DecompressedSize, uint64(len(dst)))

	_, err = io.ReadFull(reader, dst[:limit])
	if err != nil {
		return fmt.Errorf("%w: decompress: %w", ErrInvalidFormat, err)
	}

	return nil
}
