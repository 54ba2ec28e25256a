// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package imagetest

import (
	"bytes"
	"compress/zlib"
	"debug/elf"
	"encoding/binary"

	"github.com/aibor/sceld/internal/image"
)

// PageSize is the alignment of the loadable programs.
const PageSize = 0x4000

// Sizes of the parameter blocks.
const (
	ProcParamSize   = 0x40
	ModuleParamSize = 0x20
	EHFrameHdrSize  = 8
)

// Symbol is a symbol table entry. Symbol index 0 is the null symbol, so
// Builder.Symbols[i] has index i+1.
type Symbol struct {
	Name    string
	Bind    elf.SymBind
	Type    elf.SymType
	Value   uint64
	Size    uint64
	Defined bool
}

// TLS describes the thread local storage of the image.
type TLS struct {
	Init  []byte
	Size  uint64
	Align uint64
}

// Layout are the virtual addresses the [Builder] places things at.
type Layout struct {
	TextAddr        uint64
	TextSize        uint64
	EHFrameHdrAddr  uint64
	RelroAddr       uint64
	RelroSize       uint64
	DataAddr        uint64
	DataSize        uint64
	ProcParamAddr   uint64
	ModuleParamAddr uint64
	TLSInitAddr     uint64
}

// Builder builds an image. The zero value builds a minimal shared object
// without any symbols.
type Builder struct {
	Type  elf.Type
	Entry uint64

	// Text is placed at virtual address 0.
	Text    []byte
	EHFrame bool

	RelroSize uint64

	// Data is placed behind text and relro, page aligned. DataBSS zeroed
	// bytes are added to the memory size.
	Data    []byte
	DataBSS uint64

	TLS         *TLS
	ProcParam   bool
	SDKVersion  uint32
	ModuleParam bool

	// Static omits the dynamic linking information.
	Static bool

	Needed           []string
	SOName           string
	OriginalFilename string
	Module           image.ModuleInfo
	NeededModules    []image.ModuleInfo
	Exports          []image.LibraryInfo
	Imports          []image.LibraryInfo
	Fingerprint      [image.FingerprintSize]byte
	Init             uint64
	Fini             uint64
	TextRel          bool

	Symbols        []Symbol
	Relocations    []image.Relocation
	PLTRelocations []image.Relocation

	// Extra programs are appended to the program headers. Their content is
	// all zero.
	Extra []image.Program

	// SELF wraps the image in a SELF container. Compress compresses its
	// segments.
	SELF     bool
	Compress bool
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// Layout returns the virtual addresses of the image.
func (b *Builder) Layout() Layout {
	var l Layout

	l.TextSize = max(uint64(len(b.Text)), 0x10)
	if b.EHFrame {
		l.EHFrameHdrAddr = alignUp(l.TextSize, 4)
		l.TextSize = l.EHFrameHdrAddr + EHFrameHdrSize + 0x40
	}

	next := alignUp(l.TextSize, PageSize)

	if b.RelroSize > 0 {
		l.RelroAddr = next
		l.RelroSize = b.RelroSize
		next = alignUp(next+b.RelroSize, PageSize)
	}

	l.DataAddr = next
	off := alignUp(uint64(len(b.Data)), 8)

	if b.ProcParam {
		l.ProcParamAddr = l.DataAddr + off
		off += ProcParamSize
	}

	if b.ModuleParam {
		l.ModuleParamAddr = l.DataAddr + off
		off += ModuleParamSize
	}

	if b.TLS != nil {
		off = alignUp(off, 16)
		l.TLSInitAddr = l.DataAddr + off
		off += uint64(len(b.TLS.Init))
	}

	l.DataSize = max(off, 8) + b.DataBSS

	return l
}

// Bytes returns the image file content.
func (b *Builder) Bytes() []byte {
	elfData, progs := b.build()
	if !b.SELF {
		return elfData
	}

	return wrapSELF(elfData, progs, b.Compress)
}

type section struct {
	prog    elf.Prog64
	content []byte
}

func (b *Builder) build() ([]byte, []elf.Prog64) {
	l := b.Layout()

	text := make([]byte, l.TextSize)
	copy(text, b.Text)

	if b.EHFrame {
		hdr := text[l.EHFrameHdrAddr:]
		hdr[0] = 1
		hdr[1] = 0x1b
		hdr[2] = 0xff
		hdr[3] = 0xff
		binary.LittleEndian.PutUint32(hdr[4:], 4)
	}

	dataFileSize := l.DataSize - b.DataBSS
	data := make([]byte, dataFileSize)
	copy(data, b.Data)

	if b.ProcParam {
		param := data[l.ProcParamAddr-l.DataAddr:]
		binary.LittleEndian.PutUint64(param, ProcParamSize)
		copy(param[8:], "ORBI")
		binary.LittleEndian.PutUint32(param[0x10:], b.SDKVersion)
	}

	if b.ModuleParam {
		binary.LittleEndian.PutUint64(data[l.ModuleParamAddr-l.DataAddr:], ModuleParamSize)
	}

	if b.TLS != nil {
		copy(data[l.TLSInitAddr-l.DataAddr:], b.TLS.Init)
	}

	sections := []section{{
		prog: elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(elf.PF_R | elf.PF_X),
			Vaddr:  l.TextAddr,
			Filesz: l.TextSize,
			Memsz:  l.TextSize,
			Align:  PageSize,
		},
		content: text,
	}}

	if l.RelroSize > 0 {
		sections = append(sections, section{
			prog: elf.Prog64{
				Type:   uint32(image.ProgSCERelro),
				Flags:  uint32(elf.PF_R),
				Vaddr:  l.RelroAddr,
				Filesz: l.RelroSize,
				Memsz:  l.RelroSize,
				Align:  PageSize,
			},
			content: make([]byte, l.RelroSize),
		})
	}

	sections = append(sections, section{
		prog: elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(elf.PF_R | elf.PF_W),
			Vaddr:  l.DataAddr,
			Filesz: dataFileSize,
			Memsz:  l.DataSize,
			Align:  PageSize,
		},
		content: data,
	})

	if !b.Static {
		dynamic, dynlib := b.dynamic()
		sections = append(sections,
			section{prog: elf.Prog64{Type: uint32(elf.PT_DYNAMIC), Align: 8}, content: dynamic},
			section{prog: elf.Prog64{Type: uint32(image.ProgSCEDynlibData), Align: 0x10}, content: dynlib},
		)
	}

	// Programs inside of the text and data segments.
	var inner []elf.Prog64

	dataIdx := 1
	if l.RelroSize > 0 {
		dataIdx = 2
	}

	if b.TLS != nil {
		inner = append(inner, elf.Prog64{
			Type:   uint32(elf.PT_TLS),
			Flags:  uint32(elf.PF_R),
			Vaddr:  l.TLSInitAddr,
			Off:    l.TLSInitAddr - l.DataAddr,
			Filesz: uint64(len(b.TLS.Init)),
			Memsz:  b.TLS.Size,
			Align:  b.TLS.Align,
		})
	}

	if b.ProcParam {
		inner = append(inner, elf.Prog64{
			Type:   uint32(image.ProgSCEProcParam),
			Flags:  uint32(elf.PF_R),
			Vaddr:  l.ProcParamAddr,
			Off:    l.ProcParamAddr - l.DataAddr,
			Filesz: ProcParamSize,
			Memsz:  ProcParamSize,
			Align:  8,
		})
	}

	if b.ModuleParam {
		inner = append(inner, elf.Prog64{
			Type:   uint32(image.ProgSCEModuleParam),
			Flags:  uint32(elf.PF_R),
			Vaddr:  l.ModuleParamAddr,
			Off:    l.ModuleParamAddr - l.DataAddr,
			Filesz: ModuleParamSize,
			Memsz:  ModuleParamSize,
			Align:  8,
		})
	}

	if b.EHFrame {
		inner = append(inner, elf.Prog64{
			Type:   uint32(elf.PT_GNU_EH_FRAME),
			Flags:  uint32(elf.PF_R),
			Vaddr:  l.EHFrameHdrAddr,
			Off:    l.EHFrameHdrAddr,
			Filesz: EHFrameHdrSize,
			Memsz:  EHFrameHdrSize,
			Align:  4,
		})
	}

	for _, extra := range b.Extra {
		sections = append(sections, section{
			prog: elf.Prog64{
				Type:   uint32(extra.Type),
				Flags:  uint32(extra.Flags),
				Vaddr:  extra.Vaddr,
				Filesz: extra.FileSize,
				Memsz:  extra.MemSize,
				Align:  extra.Align,
			},
			content: make([]byte, extra.FileSize),
		})
	}

	phnum := len(sections) + len(inner)
	off := alignUp(uint64(64+56*phnum), PageSize)

	progs := make([]elf.Prog64, 0, phnum)
	body := make([]byte, off)

	for _, s := range sections {
		if s.prog.Align >= PageSize {
			off = alignUp(off, PageSize)
		} else {
			off = alignUp(off, 16)
		}

		body = append(body, make([]byte, off-uint64(len(body)))...)
		body = append(body, s.content...)

		s.prog.Off = off
		s.prog.Filesz = uint64(len(s.content))
		if s.prog.Type != uint32(elf.PT_LOAD) && s.prog.Type != uint32(image.ProgSCERelro) &&
			s.prog.Memsz == 0 {
			s.prog.Memsz = s.prog.Filesz
		}

		progs = append(progs, s.prog)
		off += uint64(len(s.content))
	}

	for _, p := range inner {
		if elf.ProgType(p.Type) == elf.PT_GNU_EH_FRAME {
			p.Off += progs[0].Off
		} else {
			p.Off += progs[dataIdx].Off
		}

		progs = append(progs, p)
	}

	hdr := elf.Header64{
		Type:      uint16(b.imageType()),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     b.Entry,
		Phoff:     64,
		Ehsize:    64,
		Phentsize: 56,
		Phnum:     uint16(phnum),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	hdr.Ident[elf.EI_OSABI] = byte(elf.ELFOSABI_FREEBSD)

	var headers bytes.Buffer

	_ = binary.Write(&headers, binary.LittleEndian, hdr)
	_ = binary.Write(&headers, binary.LittleEndian, progs)

	copy(body, headers.Bytes())

	return body, progs
}

func (b *Builder) imageType() elf.Type {
	if b.Type == 0 {
		return image.TypeSCEDynamic
	}

	return b.Type
}

type stringTable struct {
	bytes.Buffer
}

func (t *stringTable) add(s string) uint32 {
	if t.Len() == 0 {
		t.WriteByte(0)
	}

	off := uint32(t.Len())
	t.WriteString(s)
	t.WriteByte(0)

	return off
}

type dynamicWriter struct {
	bytes.Buffer
}

func (w *dynamicWriter) entry(tag elf.DynTag, value uint64) {
	_ = binary.Write(w, binary.LittleEndian, elf.Dyn64{Tag: int64(tag), Val: value})
}

func (b *Builder) dynamic() ([]byte, []byte) {
	var (
		strs stringTable
		dyn  dynamicWriter
	)

	for _, needed := range b.Needed {
		dyn.entry(elf.DT_NEEDED, uint64(strs.add(needed)))
	}

	if b.SOName != "" {
		dyn.entry(elf.DT_SONAME, uint64(strs.add(b.SOName)))
	}

	if b.OriginalFilename != "" {
		dyn.entry(image.TagSCEOriginalFilename, uint64(strs.add(b.OriginalFilename)))
	}

	if b.Module.Name != "" {
		dyn.entry(image.TagSCEModuleInfo, image.ModuleValue(strs.add(b.Module.Name), b.Module))
	}

	for _, m := range b.NeededModules {
		dyn.entry(image.TagSCENeededModule, image.ModuleValue(strs.add(m.Name), m))
	}

	for _, l := range b.Exports {
		dyn.entry(image.TagSCEExportLib, image.LibraryValue(strs.add(l.Name), l))
	}

	for _, l := range b.Imports {
		dyn.entry(image.TagSCEImportLib, image.LibraryValue(strs.add(l.Name), l))
	}

	if b.Init != 0 {
		dyn.entry(elf.DT_INIT, b.Init)
	}

	if b.Fini != 0 {
		dyn.entry(elf.DT_FINI, b.Fini)
	}

	if b.TextRel {
		dyn.entry(elf.DT_TEXTREL, 0)
	}

	var symtab bytes.Buffer

	_ = binary.Write(&symtab, binary.LittleEndian, elf.Sym64{})

	for _, sym := range b.Symbols {
		var shndx uint16
		if sym.Defined {
			shndx = 1
		}

		_ = binary.Write(&symtab, binary.LittleEndian, elf.Sym64{
			Name:  strs.add(sym.Name),
			Info:  elf.ST_INFO(sym.Bind, sym.Type),
			Shndx: shndx,
			Value: sym.Value,
			Size:  sym.Size,
		})
	}

	relaTable := func(relocations []image.Relocation) []byte {
		var buf bytes.Buffer

		for _, r := range relocations {
			_ = binary.Write(&buf, binary.LittleEndian, elf.Rela64{
				Off:    r.Offset,
				Info:   elf.R_INFO(r.Symbol, uint32(r.Type)),
				Addend: r.Addend,
			})
		}

		return buf.Bytes()
	}

	rela := relaTable(b.Relocations)
	jmprel := relaTable(b.PLTRelocations)

	var dynlib bytes.Buffer

	appendTable := func(content []byte) uint64 {
		for dynlib.Len()%8 != 0 {
			dynlib.WriteByte(0)
		}

		off := uint64(dynlib.Len())
		dynlib.Write(content)

		return off
	}

	fingerprintOff := appendTable(b.Fingerprint[:])
	symtabOff := appendTable(symtab.Bytes())
	relaOff := appendTable(rela)
	jmprelOff := appendTable(jmprel)
	strtabOff := appendTable(strs.Bytes())

	dyn.entry(image.TagSCEFingerprint, fingerprintOff)
	dyn.entry(image.TagSCEStrTab, strtabOff)
	dyn.entry(image.TagSCEStrSz, uint64(strs.Len()))
	dyn.entry(image.TagSCESymTab, symtabOff)
	dyn.entry(image.TagSCESymTabSz, uint64(symtab.Len()))
	dyn.entry(image.TagSCESymEnt, image.SymEntSize)

	if len(rela) > 0 {
		dyn.entry(image.TagSCERela, relaOff)
		dyn.entry(image.TagSCERelaSz, uint64(len(rela)))
		dyn.entry(image.TagSCERelaEnt, image.RelaEntSize)
	}

	if len(jmprel) > 0 {
		dyn.entry(image.TagSCEJmpRel, jmprelOff)
		dyn.entry(image.TagSCEPLTRelSz, uint64(len(jmprel)))
		dyn.entry(image.TagSCEPLTRel, uint64(elf.DT_RELA))
	}

	dyn.entry(elf.DT_NULL, 0)

	return dyn.Bytes(), dynlib.Bytes()
}

// wrapSELF puts the ELF file into a SELF container with one segment per
// program that has file content.
func wrapSELF(elfData []byte, progs []elf.Prog64, compress bool) []byte {
	type segment struct {
		Props            uint64
		Offset           uint64
		CompressedSize   uint64
		DecompressedSize uint64
	}

	var (
		segments []segment
		contents [][]byte
	)

	for idx, prog := range progs {
		if prog.Filesz == 0 {
			continue
		}

		content := elfData[prog.Off : prog.Off+prog.Filesz]
		props := image.SegmentProgram(idx)

		if compress {
			var buf bytes.Buffer

			zw := zlib.NewWriter(&buf)
			_, _ = zw.Write(content)
			_ = zw.Close()

			content = buf.Bytes()
			props |= image.SegmentCompressed
		}

		segments = append(segments, segment{
			Props:            props,
			CompressedSize:   uint64(len(content)),
			DecompressedSize: prog.Filesz,
		})
		contents = append(contents, content)
	}

	headers := elfData[:64+56*len(progs)]
	off := alignUp(uint64(image.SELFHeaderSize+image.SELFSegmentSize*len(segments)+len(headers)), 16)

	for i := range segments {
		segments[i].Offset = off
		off = alignUp(off+segments[i].CompressedSize, 16)
	}

	var out bytes.Buffer

	out.Write(image.SELFMagic)
	out.Write([]byte{0x00, 0x01, 0x01, 0x12})
	_ = binary.Write(&out, binary.LittleEndian, uint32(0x101))
	_ = binary.Write(&out, binary.LittleEndian, uint16(0))
	_ = binary.Write(&out, binary.LittleEndian, uint16(0))
	_ = binary.Write(&out, binary.LittleEndian, off)
	_ = binary.Write(&out, binary.LittleEndian, uint16(len(segments)))
	_ = binary.Write(&out, binary.LittleEndian, uint16(0x22))
	_ = binary.Write(&out, binary.LittleEndian, uint32(0))
	_ = binary.Write(&out, binary.LittleEndian, segments)
	out.Write(headers)

	for i, content := range contents {
		out.Write(make([]byte, segments[i].Offset-uint64(out.Len())))
		out.Write(content)
	}

	return out.Bytes()
}
