// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package rtld

import (
	"debug/elf"
	"log/slog"
	"slices"
)

// Applications built with this SDK version or later are linked without
// checking the module name of symbols.
const newAlgoSDKVersion = 0x5000000

// symTypeEntry is the symbol type of entry points of console images.
const symTypeEntry elf.SymType = 11

// symbolQuery is a symbol to look up by its hashed name. Empty library and
// module names match any.
type symbolQuery struct {
	nid     string
	library string
	module  string
}

func (q symbolQuery) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("nid", q.nid),
		slog.String("library", q.library),
		slog.String("module", q.module),
	)
}

// resolver looks up symbols for a consistent state of a process. Its lists
// must not change while it is in use.
type resolver struct {
	mains   []*Module
	globals []*Module
	newAlgo bool
}

// find returns the index of the symbol of md matching q. Global symbols are
// preferred over weak ones.
func (r *resolver) find(md *Module, q symbolQuery) (uint32, bool) {
	dyn := md.Dynamic()
	if dyn == nil {
		return 0, false
	}

	weak := -1

	for idx := range dyn.Symbols {
		sym := &dyn.Symbols[idx]

		if !sym.Defined() || sym.NID != q.nid {
			continue
		}

		bind := sym.Binding()
		if bind != elf.STB_GLOBAL && bind != elf.STB_WEAK {
			continue
		}

		if q.library != "" {
			lib, exists := dyn.LibraryByID(sym.LibraryID)
			if !sym.Versioned || !exists || lib.Name != q.library {
				continue
			}
		}

		if q.module != "" && !r.newAlgo {
			mod, exists := dyn.ModuleByID(sym.ModuleID)
			if !sym.Versioned || !exists || mod.Name != q.module {
				continue
			}
		}

		if bind == elf.STB_GLOBAL {
			return uint32(idx), true //nolint:gosec
		}

		if weak < 0 {
			weak = idx
		}
	}

	if weak < 0 {
		return 0, false
	}

	return uint32(weak), true //nolint:gosec
}

// lookup searches the modules of list in order. With permissive flags, a
// miss is retried over the main and global modules with the library or
// module constraint dropped.
func (r *resolver) lookup(list []*Module, q symbolQuery, flags ResolveFlags) (*Module, uint32, bool) {
	for _, md := range list {
		if idx, found := r.find(md, q); found {
			return md, idx, true
		}
	}

	if !flags.permissive() {
		return nil, 0, false
	}

	if flags&ResolveAnyLibrary != 0 {
		q.library = ""
	}

	if flags&ResolveAnyModule != 0 {
		q.module = ""
	}

	for _, md := range slices.Concat(r.mains, r.globals) {
		if idx, found := r.find(md, q); found {
			return md, idx, true
		}
	}

	return nil, 0, false
}

// resolveSymbol resolves symbol idx of the symbol table of md. Local and
// section symbols resolve to themselves.
func (r *resolver) resolveSymbol(md *Module, dag []*Module, idx uint32, flags ResolveFlags) (*Module, uint32, bool) {
	dyn := md.Dynamic()
	if dyn == nil {
		return nil, 0, false
	}

	sym, exists := dyn.Symbol(idx)
	if !exists {
		return nil, 0, false
	}

	if sym.Binding() == elf.STB_LOCAL || sym.Type() == elf.STT_SECTION {
		return md, idx, true
	}

	q := symbolQuery{nid: sym.NID}

	if flags&ResolveUnhashed == 0 && sym.Versioned {
		if lib, exists := dyn.LibraryByID(sym.LibraryID); exists {
			q.library = lib.Name
		}

		if mod, exists := dyn.ModuleByID(sym.ModuleID); exists {
			q.module = mod.Name
		}
	}

	owner, found, ok := r.lookup(dag, q, flags)
	if !ok {
		slog.Debug("Symbol not resolved",
			slog.String("path", md.path),
			slog.Any("symbol", q),
		)
	}

	return owner, found, ok
}

// resolveName resolves a symbol by its plain name in the scope of md. With
// [ResolveUnhashed] the name is taken as hashed name already and no
// library or module constraint applies. Otherwise both default to the name
// of the module itself.
func (r *resolver) resolveName(md *Module, name string, flags ResolveFlags) (*Module, uint32, bool) {
	q := symbolQuery{nid: name}

	if flags&ResolveUnhashed == 0 {
		q.nid = NID(name)

		if dyn := md.Dynamic(); dyn != nil {
			if mod, exists := dyn.ModuleByID(0); exists {
				q.library = mod.Name
				q.module = mod.Name
			}
		}
	}

	return r.lookup(md.DAGStatic(), q, flags|ResolveAnyLibrary|ResolveAnyModule)
}

// symbolValue returns the guest address of symbol idx of md and whether it
// refers to code.
func symbolValue(md *Module, idx uint32) (Relocated, bool) {
	sym, exists := md.Dynamic().Symbol(idx)
	if !exists {
		return Relocated{}, false
	}

	kind := RelocatedData
	if typ := sym.Type(); typ == elf.STT_FUNC || typ == symTypeEntry {
		kind = RelocatedExecutable
	}

	return Relocated{
		Kind:   kind,
		Module: md,
		Value:  md.mem.Address(sym.Value),
	}, true
}
