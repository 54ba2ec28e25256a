// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package image

import "debug/elf"

// Image types specific to the console.
const (
	TypeSCEExec       elf.Type = 0xfe00
	TypeSCEReplayExec elf.Type = 0xfe01
	TypeSCEDynExec    elf.Type = 0xfe10
	TypeSCEDynamic    elf.Type = 0xfe18
)

// Program header types specific to the console.
const (
	ProgSCEDynlibData  elf.ProgType = 0x61000000
	ProgSCEProcParam   elf.ProgType = 0x61000001
	ProgSCEModuleParam elf.ProgType = 0x61000002
	ProgSCERelro       elf.ProgType = 0x61000010
)

// Dynamic tags specific to the console. Offsets in their values are
// relative to the dynlib data.
const (
	TagSCEFingerprint      elf.DynTag = 0x61000007
	TagSCEOriginalFilename elf.DynTag = 0x61000009
	TagSCEModuleInfo       elf.DynTag = 0x6100000d
	TagSCENeededModule     elf.DynTag = 0x6100000f
	TagSCEExportLib        elf.DynTag = 0x61000013
	TagSCEImportLib        elf.DynTag = 0x61000015
	TagSCEPLTGOT           elf.DynTag = 0x61000027
	TagSCEJmpRel           elf.DynTag = 0x61000029
	TagSCEPLTRel           elf.DynTag = 0x6100002b
	TagSCEPLTRelSz         elf.DynTag = 0x6100002d
	TagSCERela             elf.DynTag = 0x6100002f
	TagSCERelaSz           elf.DynTag = 0x61000031
	TagSCERelaEnt          elf.DynTag = 0x61000033
	TagSCEStrTab           elf.DynTag = 0x61000035
	TagSCEStrSz            elf.DynTag = 0x61000037
	TagSCESymTab           elf.DynTag = 0x61000039
	TagSCESymEnt           elf.DynTag = 0x6100003b
	TagSCESymTabSz         elf.DynTag = 0x6100003f
)

// Sizes of the table entries.
const (
	DynEntSize  = 16
	SymEntSize  = 24
	RelaEntSize = 24
)

// IsExec reports whether t is an executable type.
func IsExec(t elf.Type) bool {
	switch t {
	case elf.ET_EXEC, TypeSCEExec, TypeSCEReplayExec, TypeSCEDynExec:
		return true
	default:
		return false
	}
}

// TypeString returns the name of the image type.
func TypeString(t elf.Type) string {
	switch t {
	case TypeSCEExec:
		return "ET_SCE_EXEC"
	case TypeSCEReplayExec:
		return "ET_SCE_REPLAY_EXEC"
	case TypeSCEDynExec:
		return "ET_SCE_DYNEXEC"
	case TypeSCEDynamic:
		return "ET_SCE_DYNAMIC"
	default:
		return t.String()
	}
}

// ProgTypeString returns the name of the program header type.
func ProgTypeString(t elf.ProgType) string {
	switch t {
	case ProgSCEDynlibData:
		return "PT_SCE_DYNLIBDATA"
	case ProgSCEProcParam:
		return "PT_SCE_PROCPARAM"
	case ProgSCEModuleParam:
		return "PT_SCE_MODULE_PARAM"
	case ProgSCERelro:
		return "PT_SCE_RELRO"
	default:
		return t.String()
	}
}
