// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package rtld

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/aibor/sceld/internal/image"
	"github.com/aibor/sceld/internal/vfs"
)

// RelocatedKind is how a relocation table entry was resolved.
type RelocatedKind uint8

const (
	RelocatedNone RelocatedKind = iota
	RelocatedExecutable
	RelocatedData
	RelocatedTLS
)

func (k RelocatedKind) String() string {
	switch k {
	case RelocatedNone:
		return "none"
	case RelocatedExecutable:
		return "executable"
	case RelocatedData:
		return "data"
	case RelocatedTLS:
		return "tls"
	default:
		return "unknown"
	}
}

// Relocated records the resolution of a single relocation table entry.
// Module is the module the value was resolved from. Value is the address
// for executable and data references and the TLS index for TLS
// references.
type Relocated struct {
	Kind   RelocatedKind
	Module *Module
	Value  uint64
}

// Module is a mapped image together with its runtime state.
type Module struct {
	id       uint32
	path     string
	names    []string
	image    *image.Image
	mem      *Memory
	tlsIndex uint32

	mu         sync.RWMutex
	flags      ModuleFlags
	dagState   DAGState
	relocState RelocState
	tlsState   TLSState
	pltState   PLTState
	dagStatic  []*Module
	dagDynamic []*Module
	refCount   uint32
	tlsOffset  uint64
	relocated  []Relocated
}

func newModule(
	img *image.Image,
	mem *Memory,
	path string,
	id uint32,
	names []string,
	tlsIndex uint32,
) *Module {
	md := &Module{
		id:       id,
		path:     path,
		names:    names,
		image:    img,
		mem:      mem,
		tlsIndex: tlsIndex,
		refCount: 1,
	}

	if dyn := img.Dynamic; dyn != nil {
		md.relocated = make([]Relocated, len(dyn.Relocations)+len(dyn.PLTRelocations))

		if dyn.TextRel {
			md.flags |= TextRel
		}
	}

	return md
}

// ID returns the handle of the module.
func (m *Module) ID() uint32 {
	return m.id
}

// Path returns the guest path the module has been loaded from.
func (m *Module) Path() string {
	return m.path
}

// Name returns the file name of the module.
func (m *Module) Name() string {
	return vfs.Base(m.path)
}

// Names returns the names the module is known by for deduplication.
func (m *Module) Names() []string {
	return slices.Clone(m.names)
}

// Image returns the parsed image.
func (m *Module) Image() *image.Image {
	return m.image
}

// Dynamic returns the dynamic linking information. It is nil for
// statically linked images.
func (m *Module) Dynamic() *image.DynamicInfo {
	return m.image.Dynamic
}

// Memory returns the mapped memory.
func (m *Module) Memory() *Memory {
	return m.mem
}

// TLSIndex returns the TLS slot of the module. It is 0 if the module has no
// TLS block.
func (m *Module) TLSIndex() uint32 {
	return m.tlsIndex
}

// Flags returns the module flags.
func (m *Module) Flags() ModuleFlags {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.flags
}

func (m *Module) setFlags(set, unset ModuleFlags) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flags = (m.flags | set) &^ unset
}

// RefCount returns the number of loads of the module.
func (m *Module) RefCount() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.refCount
}

func (m *Module) ref() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.refCount++
}

func (m *Module) unref() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.refCount > 0 {
		m.refCount--
	}

	return m.refCount
}

// DAGState returns if the dependency lists have been initialized.
func (m *Module) DAGState() DAGState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.dagState
}

// RelocState returns if a relocation pass over the module completed.
func (m *Module) RelocState() RelocState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.relocState
}

// DAGStatic returns a copy of the static dependency list in search order.
func (m *Module) DAGStatic() []*Module {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return slices.Clone(m.dagStatic)
}

// DAGDynamic returns a copy of the dynamic dependency list.
func (m *Module) DAGDynamic() []*Module {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return slices.Clone(m.dagDynamic)
}

// TLSState returns if the module has been placed in the static TLS space.
func (m *Module) TLSState() TLSState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.tlsState
}

// TLSOffset returns the offset of the TLS block in the static TLS space.
func (m *Module) TLSOffset() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.tlsOffset
}

// PLTState returns if all PLT relocations have been applied.
func (m *Module) PLTState() PLTState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.pltState
}

// Relocated returns the recorded resolution of relocation entry idx. PLT
// entries follow the general entries.
func (m *Module) Relocated(idx int) (Relocated, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if idx < 0 || idx >= len(m.relocated) {
		return Relocated{}, false
	}

	return m.relocated[idx], m.relocated[idx].Kind != RelocatedNone
}

// TLS returns the TLS program of the module.
func (m *Module) TLS() (*image.Program, bool) {
	prog, exists := m.image.TLS()
	if !exists || prog.MemSize == 0 {
		return nil, false
	}

	return prog, true
}

// SymbolAddress returns the guest address of symbol idx of the module.
func (m *Module) SymbolAddress(idx uint32) (uint64, bool) {
	if m.image.Dynamic == nil {
		return 0, false
	}

	sym, exists := m.image.Dynamic.Symbol(idx)
	if !exists {
		return 0, false
	}

	return m.mem.Address(sym.Value), true
}

// hasName reports whether name is one of the deduplication names.
func (m *Module) hasName(name string) bool {
	return slices.Contains(m.names, name)
}

// LogValue implements [slog.LogValuer].
func (m *Module) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Uint64("id", uint64(m.id)),
		slog.String("path", m.path),
		slog.String("base", fmt.Sprintf("%#x", m.mem.Base())),
	}

	if m.tlsIndex != 0 {
		attrs = append(attrs,
			slog.Uint64("tls_index", uint64(m.tlsIndex)),
			slog.String("tls_offset", fmt.Sprintf("%#x", m.TLSOffset())),
		)
	}

	if flags := m.Flags(); flags != 0 {
		attrs = append(attrs, slog.String("flags", flags.String()))
	}

	return slog.GroupValue(attrs...)
}
