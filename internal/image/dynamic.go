// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package image

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"strings"
)

// FingerprintSize is the size of the module fingerprint.
const FingerprintSize = 20

// ModuleInfo identifies a module that is either the image itself or one it
// depends on.
type ModuleInfo struct {
	ID    uint16
	Name  string
	Major uint8
	Minor uint8
}

// LibraryInfo identifies a library exported or imported by the image.
type LibraryInfo struct {
	ID      uint16
	Name    string
	Version uint16
}

// Symbol is an entry of the symbol table.
type Symbol struct {
	Name    string
	Info    byte
	Other   byte
	Section elf.SectionIndex
	Value   uint64
	Size    uint64

	// NID is the hashed name. Names of the form "NID#L#M" are split into
	// the hash and the library and module id. Other names are used as
	// they are.
	NID       string
	LibraryID uint16
	ModuleID  uint16
	Versioned bool
}

// Binding returns the symbol binding.
func (s *Symbol) Binding() elf.SymBind {
	return elf.ST_BIND(s.Info)
}

// Type returns the symbol type.
func (s *Symbol) Type() elf.SymType {
	return elf.ST_TYPE(s.Info)
}

// Defined reports whether the symbol is defined in the image.
func (s *Symbol) Defined() bool {
	return s.Section != elf.SHN_UNDEF
}

// Relocation is an entry of a relocation table.
type Relocation struct {
	Offset uint64
	Type   elf.R_X86_64
	Symbol uint32
	Addend int64
}

// DynamicInfo is the dynamic linking information of an image.
type DynamicInfo struct {
	Needed           []string
	SOName           string
	Init             uint64
	HasInit          bool
	Fini             uint64
	HasFini          bool
	TextRel          bool
	PLTGOT           uint64
	Fingerprint      [FingerprintSize]byte
	OriginalFilename string

	// Module is the module info of the image itself.
	Module        ModuleInfo
	NeededModules []ModuleInfo
	Exports       []LibraryInfo
	Imports       []LibraryInfo

	Symbols        []Symbol
	Relocations    []Relocation
	PLTRelocations []Relocation
}

// ModuleByID returns the module with the given id.
func (d *DynamicInfo) ModuleByID(id uint16) (ModuleInfo, bool) {
	if d.Module.ID == id {
		return d.Module, true
	}

	for _, m := range d.NeededModules {
		if m.ID == id {
			return m, true
		}
	}

	return ModuleInfo{}, false
}

// LibraryByID returns the exported or imported library with the given id.
func (d *DynamicInfo) LibraryByID(id uint16) (LibraryInfo, bool) {
	for _, libs := range [][]LibraryInfo{d.Exports, d.Imports} {
		for _, lib := range libs {
			if lib.ID == id {
				return lib, true
			}
		}
	}

	return LibraryInfo{}, false
}

// Symbol returns the symbol with the given index.
func (d *DynamicInfo) Symbol(idx uint32) (*Symbol, bool) {
	if int(idx) >= len(d.Symbols) {
		return nil, false
	}

	return &d.Symbols[idx], true
}

// dynamicEntries collects the entries of the dynamic section. Tags that may
// occur multiple times are kept in order.
type dynamicEntries struct {
	values map[elf.DynTag]uint64
	lists  map[elf.DynTag][]uint64
}

func (e dynamicEntries) get(tag elf.DynTag) (uint64, bool) {
	v, ok := e.values[tag]
	return v, ok
}

func readDynamicEntries(dynamic []byte) dynamicEntries {
	entries := dynamicEntries{
		values: make(map[elf.DynTag]uint64),
		lists:  make(map[elf.DynTag][]uint64),
	}

	for off := 0; off+DynEntSize <= len(dynamic); off += DynEntSize {
		tag := elf.DynTag(int64(binary.LittleEndian.Uint64(dynamic[off:])))
		value := binary.LittleEndian.Uint64(dynamic[off+8:])

		switch tag {
		case elf.DT_NULL:
			return entries
		case elf.DT_NEEDED, TagSCENeededModule, TagSCEExportLib, TagSCEImportLib:
			entries.lists[tag] = append(entries.lists[tag], value)
		default:
			entries.values[tag] = value
		}
	}

	return entries
}

// table returns the range of dynlib data described by an offset and a size
// tag.
func (e dynamicEntries) table(dynlib []byte, name string, offTag, sizeTag elf.DynTag, entSize uint64) ([]byte, error) {
	off, hasOff := e.get(offTag)
	size, hasSize := e.get(sizeTag)

	switch {
	case !hasOff && !hasSize:
		return nil, nil
	case !hasOff || !hasSize:
		return nil, &TableError{name, "offset or size missing"}
	case off > uint64(len(dynlib)) || size > uint64(len(dynlib))-off:
		return nil, &TableError{name, fmt.Sprintf("%#x+%#x out of dynlib data", off, size)}
	case entSize != 0 && size%entSize != 0:
		return nil, &TableError{name, fmt.Sprintf("size %#x is not a multiple of %d", size, entSize)}
	}

	return dynlib[off : off+size], nil
}

type stringTable []byte

func (t stringTable) get(off uint64) (string, error) {
	if off >= uint64(len(t)) {
		return "", &TableError{"string table", fmt.Sprintf("offset %#x out of bounds", off)}
	}

	str := t[off:]
	if end := bytes.IndexByte(str, 0); end >= 0 {
		str = str[:end]
	}

	return string(str), nil
}

func parseDynamic(dynamic, dynlib []byte) (*DynamicInfo, error) {
	entries := readDynamicEntries(dynamic)
	info := &DynamicInfo{}

	strtab, err := entries.table(dynlib, "string table", TagSCEStrTab, TagSCEStrSz, 0)
	if err != nil {
		return nil, err
	}

	strs := stringTable(strtab)

	err = info.parseNames(entries, strs)
	if err != nil {
		return nil, err
	}

	err = info.parseFlags(entries, dynlib)
	if err != nil {
		return nil, err
	}

	err = info.parseModules(entries, strs)
	if err != nil {
		return nil, err
	}

	err = info.parseTables(entries, dynlib, strs)
	if err != nil {
		return nil, err
	}

	return info, nil
}

func (d *DynamicInfo) parseNames(entries dynamicEntries, strs stringTable) error {
	for _, off := range entries.lists[elf.DT_NEEDED] {
		name, err := strs.get(off)
		if err != nil {
			return err
		}

		d.Needed = append(d.Needed, name)
	}

	for tag, dst := range map[elf.DynTag]*string{
		elf.DT_SONAME:          &d.SOName,
		TagSCEOriginalFilename: &d.OriginalFilename,
	} {
		off, exists := entries.get(tag)
		if !exists {
			continue
		}

		name, err := strs.get(off)
		if err != nil {
			return err
		}

		*dst = name
	}

	return nil
}

func (d *DynamicInfo) parseFlags(entries dynamicEntries, dynlib []byte) error {
	d.Init, d.HasInit = entries.get(elf.DT_INIT)
	d.Fini, d.HasFini = entries.get(elf.DT_FINI)
	d.PLTGOT, _ = entries.get(TagSCEPLTGOT)

	_, d.TextRel = entries.get(elf.DT_TEXTREL)
	if flags, exists := entries.get(elf.DT_FLAGS); exists &&
		elf.DynFlag(flags)&elf.DF_TEXTREL != 0 {
		d.TextRel = true
	}

	if off, exists := entries.get(TagSCEFingerprint); exists {
		if off > uint64(len(dynlib)) || uint64(len(dynlib))-off < FingerprintSize {
			return &TableError{"fingerprint", "out of dynlib data"}
		}

		copy(d.Fingerprint[:], dynlib[off:])
	}

	if rel, exists := entries.get(TagSCEPLTRel); exists && elf.DynTag(rel) != elf.DT_RELA {
		return &TableError{"PLT relocation table", fmt.Sprintf("unsupported type %d", rel)}
	}

	if ent, exists := entries.get(TagSCERelaEnt); exists && ent != RelaEntSize {
		return &TableError{"relocation table", fmt.Sprintf("entry size %d", ent)}
	}

	if ent, exists := entries.get(TagSCESymEnt); exists && ent != SymEntSize {
		return &TableError{"symbol table", fmt.Sprintf("entry size %d", ent)}
	}

	return nil
}

// ModuleValue packs a module info into the value of a DT_SCE_MODULE_INFO or
// DT_SCE_NEEDED_MODULE entry.
func ModuleValue(nameOff uint32, m ModuleInfo) uint64 {
	return uint64(nameOff) | uint64(m.Minor)<<32 | uint64(m.Major)<<40 | uint64(m.ID)<<48
}

// LibraryValue packs a library info into the value of a DT_SCE_EXPORT_LIB
// or DT_SCE_IMPORT_LIB entry.
func LibraryValue(nameOff uint32, l LibraryInfo) uint64 {
	return uint64(nameOff) | uint64(l.Version)<<32 | uint64(l.ID)<<48
}

func (d *DynamicInfo) parseModules(entries dynamicEntries, strs stringTable) error {
	module := func(value uint64) (ModuleInfo, error) {
		name, err := strs.get(value & 0xffffffff)

		return ModuleInfo{
			ID:    uint16(value >> 48),
			Name:  name,
			Major: uint8(value >> 40),
			Minor: uint8(value >> 32),
		}, err
	}

	library := func(value uint64) (LibraryInfo, error) {
		name, err := strs.get(value & 0xffffffff)

		return LibraryInfo{
			ID:      uint16(value >> 48),
			Name:    name,
			Version: uint16(value >> 32),
		}, err
	}

	if value, exists := entries.get(TagSCEModuleInfo); exists {
		m, err := module(value)
		if err != nil {
			return err
		}

		d.Module = m
	}

	for _, value := range entries.lists[TagSCENeededModule] {
		m, err := module(value)
		if err != nil {
			return err
		}

		d.NeededModules = append(d.NeededModules, m)
	}

	for tag, dst := range map[elf.DynTag]*[]LibraryInfo{
		TagSCEExportLib: &d.Exports,
		TagSCEImportLib: &d.Imports,
	} {
		for _, value := range entries.lists[tag] {
			l, err := library(value)
			if err != nil {
				return err
			}

			*dst = append(*dst, l)
		}
	}

	return nil
}

func (d *DynamicInfo) parseTables(entries dynamicEntries, dynlib []byte, strs stringTable) error {
	symtab, err := entries.table(dynlib, "symbol table", TagSCESymTab, TagSCESymTabSz, SymEntSize)
	if err != nil {
		return err
	}

	d.Symbols, err = parseSymbols(symtab, strs)
	if err != nil {
		return err
	}

	rela, err := entries.table(dynlib, "relocation table", TagSCERela, TagSCERelaSz, RelaEntSize)
	if err != nil {
		return err
	}

	d.Relocations, err = parseRelocations(rela, len(d.Symbols))
	if err != nil {
		return err
	}

	jmprel, err := entries.table(dynlib, "PLT relocation table", TagSCEJmpRel, TagSCEPLTRelSz, RelaEntSize)
	if err != nil {
		return err
	}

	d.PLTRelocations, err = parseRelocations(jmprel, len(d.Symbols))
	if err != nil {
		return err
	}

	return nil
}

func parseSymbols(symtab []byte, strs stringTable) ([]Symbol, error) {
	raw := make([]elf.Sym64, len(symtab)/SymEntSize)

	_, err := binary.Decode(symtab, binary.LittleEndian, raw)
	if err != nil {
		return nil, &TableError{"symbol table", err.Error()}
	}

	symbols := make([]Symbol, 0, len(raw))

	for _, sym := range raw {
		var name string

		if sym.Name != 0 || len(strs) > 0 {
			name, err = strs.get(uint64(sym.Name))
			if err != nil {
				return nil, err
			}
		}

		symbol := Symbol{
			Name:    name,
			Info:    sym.Info,
			Other:   sym.Other,
			Section: elf.SectionIndex(sym.Shndx),
			Value:   sym.Value,
			Size:    sym.Size,
			NID:     name,
		}

		if nid, lib, mod, ok := splitSymbolName(name); ok {
			symbol.NID = nid
			symbol.LibraryID = lib
			symbol.ModuleID = mod
			symbol.Versioned = true
		}

		symbols = append(symbols, symbol)
	}

	return symbols, nil
}

func splitSymbolName(name string) (string, uint16, uint16, bool) {
	nid, rest, found := strings.Cut(name, "#")
	if !found {
		return "", 0, 0, false
	}

	libPart, modPart, found := strings.Cut(rest, "#")
	if !found {
		return "", 0, 0, false
	}

	lib, err := DecodeID(libPart)
	if err != nil {
		return "", 0, 0, false
	}

	mod, err := DecodeID(modPart)
	if err != nil {
		return "", 0, 0, false
	}

	return nid, lib, mod, true
}

func parseRelocations(table []byte, symbolCount int) ([]Relocation, error) {
	raw := make([]elf.Rela64, len(table)/RelaEntSize)

	_, err := binary.Decode(table, binary.LittleEndian, raw)
	if err != nil {
		return nil, &TableError{"relocation table", err.Error()}
	}

	relocations := make([]Relocation, 0, len(raw))

	for idx, rela := range raw {
		sym := elf.R_SYM64(rela.Info)
		if int(sym) >= max(symbolCount, 1) {
			return nil, &TableError{
				"relocation table",
				fmt.Sprintf("entry %d references symbol %d of %d", idx, sym, symbolCount),
			}
		}

		relocations = append(relocations, Relocation{
			Offset: rela.Off,
			Type:   elf.R_X86_64(elf.R_TYPE64(rela.Info)),
			Symbol: sym,
			Addend: rela.Addend,
		})
	}

	return relocations, nil
}
