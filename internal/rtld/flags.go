// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package rtld

import "strings"

// ModuleFlags are the static properties of a [Module]. One-time operations
// are tracked by [DAGState], [RelocState], [TLSState] and [PLTState]
// instead.
type ModuleFlags uint32

const (
	MainProg   ModuleFlags = 0x1
	TextRel    ModuleFlags = 0x4
	IsSystem   ModuleFlags = 0x20
	NotGetProc ModuleFlags = 0x40
	Unk800     ModuleFlags = 0x800
	Unk1000    ModuleFlags = 0x1000
)

func (f ModuleFlags) String() string {
	var names []string

	for _, flag := range []struct {
		bit  ModuleFlags
		name string
	}{
		{MainProg, "main"},
		{TextRel, "textrel"},
		{IsSystem, "system"},
		{NotGetProc, "notgetproc"},
		{Unk800, "0x800"},
		{Unk1000, "0x1000"},
	} {
		if f&flag.bit != 0 {
			names = append(names, flag.name)
		}
	}

	return strings.Join(names, "|")
}

// DAGState tracks the initialization of the dependency lists of a module.
type DAGState uint8

const (
	DAGPending DAGState = iota
	DAGInitialized
)

// RelocState tracks whether a relocation pass over a module completed. A
// failed pass leaves it pending, so the next pass resumes with the entries
// not resolved yet.
type RelocState uint8

const (
	RelocPending RelocState = iota
	RelocDone
)

// TLSState tracks the placement of the TLS block of a module in the static
// TLS space.
type TLSState uint8

const (
	TLSPending TLSState = iota
	TLSAssigned
)

// PLTState tracks the application of PLT relocations.
type PLTState uint8

const (
	PLTPending PLTState = iota
	PLTApplied
)

// LinkerFlags are process wide capabilities detected on exec.
type LinkerFlags uint32

const (
	HasUBSan LinkerFlags = 0x1
	HasASan  LinkerFlags = 0x2
)

// LoadFlags are passed to [Linker.Load].
type LoadFlags uint32

const (
	LoadUnk2   LoadFlags = 0x1
	LoadBigApp LoadFlags = 0x20
	LoadUnk1   LoadFlags = 0x40
)

// ResolveFlags control symbol resolution.
type ResolveFlags uint32

const (
	// ResolveUnhashed treats the name as hashed already and drops the
	// library and module constraints.
	ResolveUnhashed ResolveFlags = 0x1

	// ResolveAnyLibrary and ResolveAnyModule allow a fallback lookup over
	// the global modules that ignores the library or module constraint.
	ResolveAnyLibrary ResolveFlags = 0x2
	ResolveAnyModule  ResolveFlags = 0x4
)

func (f ResolveFlags) permissive() bool {
	return f&(ResolveAnyLibrary|ResolveAnyModule) != 0
}
