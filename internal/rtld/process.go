// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package rtld

import (
	"slices"
	"sync"

	"github.com/aibor/sceld/internal/vm"
)

// ProcessConfig are the linker relevant properties of a process.
type ProcessConfig struct {
	// BigApp marks the process as a big application. Modules loaded by
	// dynlib_load_prx get load flag 0x1 in this case.
	BigApp bool

	// TLSStaticSpace is the ceiling of the static TLS space. Modules whose
	// TLS block would end behind it are not placed. 0 means unlimited.
	TLSStaticSpace uint64
}

// Process is the linker state of a single guest process.
type Process struct {
	as     vm.AddressSpace
	config ProcessConfig

	// mu guards the module lists. Structural changes hold it exclusively.
	mu      sync.RWMutex
	app     *Module
	list    []*Module
	mains   []*Module
	globals []*Module

	tlsMu sync.Mutex
	tls   TLSLayout

	flagsMu sync.RWMutex
	flags   LinkerFlags
}

// NewProcess creates a new process without any binary in the given address
// space.
func NewProcess(as vm.AddressSpace, config ProcessConfig) *Process {
	return &Process{
		as:     as,
		config: config,
		tls: TLSLayout{
			StaticSpace: config.TLSStaticSpace,
		},
	}
}

// AddressSpace returns the guest address space of the process.
func (p *Process) AddressSpace() vm.AddressSpace {
	return p.as
}

// Config returns the configuration the process has been created with.
func (p *Process) Config() ProcessConfig {
	return p.config
}

// Flags returns the linker flags detected on exec.
func (p *Process) Flags() LinkerFlags {
	p.flagsMu.RLock()
	defer p.flagsMu.RUnlock()

	return p.flags
}

func (p *Process) setFlags(flags LinkerFlags) {
	p.flagsMu.Lock()
	defer p.flagsMu.Unlock()

	p.flags = flags
}

// App returns the primary binary. It is nil before exec.
func (p *Process) App() *Module {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.app
}

// Modules returns all modules of the process in load order. The primary
// binary is first.
func (p *Process) Modules() []*Module {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return slices.Clone(p.list)
}

// Mains returns the modules loaded as part of the initial process image.
func (p *Process) Mains() []*Module {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return slices.Clone(p.mains)
}

// Globals returns the modules eligible for cross module symbol export.
func (p *Process) Globals() []*Module {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return slices.Clone(p.globals)
}

// Module returns the module with the given handle.
func (p *Process) Module(handle uint32) (*Module, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.find(handle)
}

func (p *Process) isDynamic() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.dynamic()
}

// The following helpers expect p.mu to be held.

func (p *Process) dynamic() bool {
	return p.app != nil && p.app.Dynamic() != nil
}

func (p *Process) find(handle uint32) (*Module, bool) {
	for _, md := range p.list {
		if md.id == handle {
			return md, true
		}
	}

	return nil, false
}

func (p *Process) findPath(path string) (*Module, bool) {
	for _, md := range p.list[1:] {
		if md.path == path {
			return md, true
		}
	}

	return nil, false
}

func (p *Process) findName(name string) (*Module, bool) {
	for _, md := range p.list[1:] {
		if md.hasName(name) {
			return md, true
		}
	}

	return nil, false
}

func (p *Process) nextID() uint32 {
	var highest uint32
	for _, md := range p.list {
		highest = max(highest, md.id)
	}

	return highest + 1
}

func (p *Process) push(md *Module, main bool) {
	p.list = append(p.list, md)
	if main {
		p.mains = append(p.mains, md)
	}
}

func (p *Process) pushGlobal(md *Module) bool {
	if slices.Contains(p.globals, md) {
		return false
	}

	p.globals = append(p.globals, md)

	return true
}

func (p *Process) dropGlobal(md *Module) {
	p.globals = slices.DeleteFunc(p.globals, func(m *Module) bool { return m == md })
}

func (p *Process) remove(md *Module) {
	del := func(s []*Module) []*Module {
		return slices.DeleteFunc(s, func(m *Module) bool { return m == md })
	}

	p.list = del(p.list)
	p.mains = del(p.mains)
	p.globals = del(p.globals)
}

// newResolver returns a resolver for the current state of the process.
func (p *Process) newResolver() *resolver {
	return &resolver{
		mains:   p.mains,
		globals: p.globals,
		newAlgo: p.app.image.SDKVersion() >= newAlgoSDKVersion || p.Flags()&HasASan != 0,
	}
}
