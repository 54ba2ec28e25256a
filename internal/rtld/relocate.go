// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package rtld

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aibor/sceld/internal/image"
	"github.com/aibor/sceld/internal/vm"
)

// target is the location a relocation entry writes to.
type target []byte

func (t target) get() uint64 {
	return binary.LittleEndian.Uint64(t)
}

func (t target) put(value uint64) {
	binary.LittleEndian.PutUint64(t, value)
}

// relocation applies the relocations of a single module through a
// writable view of its memory.
type relocation struct {
	md       *Module
	dag      []*Module
	view     *vm.Unprotected
	resolver *resolver
}

func (r *relocation) target(rela image.Relocation) (target, error) {
	mem := r.view.Bytes()
	addr := r.md.mem.Address(rela.Offset)

	if addr < r.view.Addr() || addr-r.view.Addr() > uint64(len(mem))-8 {
		return nil, fmt.Errorf("%w: %#x", ErrTargetOutOfRange, rela.Offset)
	}

	off := addr - r.view.Addr()

	return target(mem[off : off+8 : off+8]), nil
}

func (r *relocation) resolve(idx uint32, flags ResolveFlags) (*Module, uint32, bool) {
	return r.resolver.resolveSymbol(r.md, r.dag, idx, flags)
}

// applyRela applies general relocation entry rela. It returns false if the
// entry cannot be resolved yet.
func (r *relocation) applyRela(rela image.Relocation) (Relocated, bool, error) {
	var (
		how   Relocated
		value uint64
	)

	switch rela.Type {
	case elf.R_X86_64_64, elf.R_X86_64_GLOB_DAT:
		owner, sym, found := r.resolve(rela.Symbol, 0)
		if !found {
			return Relocated{}, false, nil
		}

		how, _ = symbolValue(owner, sym)
		value = how.Value

		if rela.Type == elf.R_X86_64_64 {
			value += uint64(rela.Addend)
		}
	case elf.R_X86_64_RELATIVE:
		value = r.md.mem.Base() + uint64(rela.Addend)

		seg, exists := r.md.mem.SegmentAt(value)
		if exists && seg.Prot.Has(vm.CPUExec) {
			how = Relocated{Kind: RelocatedExecutable, Module: r.md, Value: value}
		} else {
			how = Relocated{Kind: RelocatedData, Module: r.md, Value: value}
		}
	case elf.R_X86_64_DTPMOD64:
		owner, _, found := r.resolve(rela.Symbol, 0)
		if !found {
			return Relocated{}, false, nil
		}

		dst, err := r.target(rela)
		if err != nil {
			return Relocated{}, false, err
		}

		how = Relocated{Kind: RelocatedTLS, Module: owner, Value: uint64(owner.tlsIndex)}
		value = dst.get() + uint64(owner.tlsIndex)
	case elf.R_X86_64_DTPOFF64:
		owner, sym, found := r.resolve(rela.Symbol, 0)
		if !found {
			return Relocated{}, false, nil
		}

		dst, err := r.target(rela)
		if err != nil {
			return Relocated{}, false, err
		}

		symbol, _ := owner.Dynamic().Symbol(sym)
		value = dst.get() + symbol.Value + uint64(rela.Addend)
		how = Relocated{Kind: RelocatedData, Module: owner, Value: value}
	default:
		return Relocated{}, false, &RelocateError{Path: r.md.path, Type: rela.Type, Err: ErrUnsupportedRela}
	}

	dst, err := r.target(rela)
	if err != nil {
		return Relocated{}, false, err
	}

	dst.put(value)

	return how, true, nil
}

// applyPLT applies PLT relocation entry rela.
func (r *relocation) applyPLT(rela image.Relocation) (Relocated, bool, error) {
	if rela.Type != elf.R_X86_64_JMP_SLOT {
		return Relocated{}, false, &RelocateError{Path: r.md.path, Type: rela.Type, Err: ErrUnsupportedPlt}
	}

	owner, sym, found := r.resolve(rela.Symbol, ResolveAnyModule)
	if !found {
		return Relocated{}, false, nil
	}

	dst, err := r.target(rela)
	if err != nil {
		return Relocated{}, false, err
	}

	how, _ := symbolValue(owner, sym)
	dst.put(how.Value + uint64(rela.Addend))

	return how, true, nil
}

// run applies all relocation entries that have not been applied yet. The
// general table ends at the first R_X86_64_NONE entry. The module lock
// must be held.
func (r *relocation) run() error {
	dyn := r.md.Dynamic()
	relocated := r.md.relocated

	for idx, rela := range dyn.Relocations {
		if relocated[idx].Kind != RelocatedNone {
			continue
		}

		if rela.Type == elf.R_X86_64_NONE {
			break
		}

		how, applied, err := r.applyRela(rela)
		if err != nil {
			return err
		}

		if applied {
			relocated[idx] = how
		}
	}

	if r.md.pltState == PLTApplied {
		return nil
	}

	complete := true
	base := len(dyn.Relocations)

	for idx, rela := range dyn.PLTRelocations {
		if relocated[base+idx].Kind != RelocatedNone {
			continue
		}

		how, applied, err := r.applyPLT(rela)
		if err != nil {
			return err
		}

		if applied {
			relocated[base+idx] = how
		} else {
			complete = false
		}
	}

	if complete {
		r.md.pltState = PLTApplied
	}

	return nil
}

// relocateModule applies the relocations of md. All writes happen while
// the memory of md is unprotected. The previous protections are restored
// on every path.
func (p *Process) relocateModule(md *Module, res *resolver) (err error) {
	if md.Dynamic() == nil {
		md.mu.Lock()
		md.relocState = RelocDone
		md.mu.Unlock()

		return nil
	}

	slog.Debug("Relocating module", slog.Any("module", md))

	dag := md.DAGStatic()

	view, err := md.mem.unprotect()
	if err != nil {
		return &RelocateError{
			Path: md.path,
			Err:  fmt.Errorf("%w: %w", ErrUnprotectFailed, err),
		}
	}

	defer func() {
		closeErr := view.Close()
		if closeErr != nil {
			md.mu.Lock()
			md.relocState = RelocPending
			md.mu.Unlock()

			err = errors.Join(err, &RelocateError{
				Path: md.path,
				Err:  fmt.Errorf("%w: restore: %w", ErrUnprotectFailed, closeErr),
			})
		}
	}()

	md.mu.Lock()
	defer md.mu.Unlock()

	rel := &relocation{
		md:       md,
		dag:      dag,
		view:     view,
		resolver: res,
	}

	err = rel.run()
	if err != nil {
		var relocErr *RelocateError
		if !errors.As(err, &relocErr) {
			err = &RelocateError{Path: md.path, Err: err}
		}

		return err
	}

	md.relocState = RelocDone

	return nil
}

// relocate relocates root first and then every other module of list. p.mu
// must be held exclusively.
func (p *Process) relocate(root *Module, list []*Module, res *resolver) error {
	err := p.relocateModule(root, res)
	if err != nil {
		return err
	}

	for _, md := range list {
		if md == root {
			continue
		}

		err := p.relocateModule(md, res)
		if err != nil {
			return err
		}
	}

	return nil
}
