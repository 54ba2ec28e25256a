// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package rtld

import (
	"context"
	"debug/elf"
	"fmt"
	"io/fs"
	"log/slog"
	"runtime"
	"slices"

	"github.com/aibor/sceld/internal/image"
	"github.com/aibor/sceld/internal/vfs"
	"golang.org/x/sync/errgroup"
)

// DynExecBase is the fixed load address of ET_SCE_DYNEXEC executables.
const DynExecBase = 0x400000

// Names of the sanitizer modules an executable may depend on.
const (
	ubsanModule = "libSceDbgUndefinedBehaviorSanitizer"
	asanModule  = "libSceDbgAddressSanitizer"
)

// Names of the libraries that are not system modules.
var userLibraries = []string{"libc.sprx", "libSceFios2.sprx"}

// Linker loads and links images of the given file system into processes.
type Linker struct {
	fsys fs.FS

	// ParseLimit is the number of images [Linker.LoadAll] parses
	// concurrently. Values below 1 use the number of CPUs.
	ParseLimit int
}

// NewLinker creates a new linker that reads images from fsys. Guest paths
// are absolute, fsys is addressed with the leading slash removed.
func NewLinker(fsys fs.FS) *Linker {
	return &Linker{fsys: fsys}
}

func (l *Linker) open(path string) (*image.Image, error) {
	img, err := image.Open(l.fsys, vfs.Rel(path))
	if err != nil {
		return nil, err //nolint:wrapcheck
	}

	return img, nil
}

// Exec installs the executable at path as primary binary of p.
func (l *Linker) Exec(p *Process, path string) (*Module, error) {
	path = vfs.Clean(path)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.app != nil {
		return nil, ErrSecondExec
	}

	img, err := l.open(path)
	if err != nil {
		return nil, err
	}

	switch {
	case image.IsExec(img.Type) && img.Type != image.TypeSCEDynExec:
		if img.Dynamic == nil {
			return nil, ErrStaticImage
		}
	case img.Type == image.TypeSCEDynExec && img.Dynamic != nil:
	default:
		return nil, fmt.Errorf("%w: %s", ErrWrongImageType, image.TypeString(img.Type))
	}

	var base uint64
	if img.Type == image.TypeSCEDynExec {
		base = DynExecBase
	}

	mem, err := mapImage(p.as, img, base)
	if err != nil {
		return nil, &MapError{Path: path, Err: err}
	}

	app := newModule(img, mem, path, 0, nil, 1)
	app.flags |= MainProg

	var flags LinkerFlags

	for _, mod := range img.Dynamic.NeededModules {
		switch mod.Name {
		case ubsanModule:
			flags |= HasUBSan
		case asanModule:
			flags |= HasASan
		}
	}

	p.app = app
	p.list = []*Module{app}
	p.mains = []*Module{app}
	p.setFlags(flags)

	p.tlsMu.Lock()
	p.tls.MaxIndex = 1
	p.tlsMu.Unlock()

	slog.Info("Executable mapped", slog.Any("module", app))

	return app, nil
}

// Load loads the shared object at path into p. If a module with the same
// path is loaded already, its reference count is incremented and it is
// returned. Unless force is set, a module with the same file name is
// returned as well. Main modules are part of the initial process image.
func (l *Linker) Load(p *Process, path string, flags LoadFlags, force, main bool) (*Module, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return l.load(p, vfs.Clean(path), flags, force, main, nil)
}

// LoadAll loads all given shared objects. The images are read and parsed
// concurrently and registered in the given order.
func (l *Linker) LoadAll(ctx context.Context, p *Process, paths []string, main bool) ([]*Module, error) {
	images := make([]*image.Image, len(paths))

	limit := l.ParseLimit
	if limit < 1 {
		limit = runtime.NumCPU()
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(limit)

	for idx, path := range paths {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err //nolint:wrapcheck
			}

			img, err := l.open(path)
			if err != nil {
				return err
			}

			images[idx] = img

			return nil
		})
	}

	err := eg.Wait()
	if err != nil {
		return nil, err //nolint:wrapcheck
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	modules := make([]*Module, 0, len(paths))

	for idx, path := range paths {
		md, err := l.load(p, vfs.Clean(path), 0, false, main, images[idx])
		if err != nil {
			return modules, err
		}

		modules = append(modules, md)
	}

	return modules, nil
}

// load registers the image at path. If img is nil, it is read from the file
// system. p.mu must be held exclusively.
func (l *Linker) load(
	p *Process,
	path string,
	_ LoadFlags,
	force, main bool,
	img *image.Image,
) (*Module, error) {
	if p.app == nil {
		return nil, ErrNoExecutable
	}

	if md, exists := p.findPath(path); exists {
		md.ref()
		slog.Debug("Module loaded already", slog.Any("module", md))

		return md, nil
	}

	name := vfs.Base(path)

	if !force {
		if md, exists := p.findName(name); exists {
			slog.Debug("Module with same name loaded already",
				slog.String("path", path),
				slog.Any("module", md),
			)

			return md, nil
		}
	}

	if p.Flags()&HasASan != 0 {
		return nil, ErrSanitizer
	}

	if img == nil {
		var err error

		img, err = l.open(path)
		if err != nil {
			return nil, err
		}
	}

	if img.Type != image.TypeSCEDynamic {
		return nil, fmt.Errorf("%w: %s", ErrWrongImageType, image.TypeString(img.Type))
	}

	if img.Dynamic != nil && img.Dynamic.TextRel {
		return nil, fmt.Errorf("%s: %w", path, ErrImpureText)
	}

	mem, err := mapImage(p.as, img, 0)
	if err != nil {
		return nil, &MapError{Path: path, Err: err}
	}

	// The index is searched last, so failed loads do not raise the maximum.
	var tlsIndex uint32
	if tls, exists := img.TLS(); exists && tls.MemSize != 0 {
		tlsIndex = p.findFreeTLSIndex()
	}

	md := newModule(img, mem, path, p.nextID(), []string{name}, tlsIndex)

	if !slices.Contains(userLibraries, name) {
		md.flags |= IsSystem
	}

	p.push(md, main)

	slog.Info("Module loaded", slog.Any("module", md))

	return md, nil
}

// LoadPRX loads the shared object at path on request of the guest. Until
// a relocation pass over the module completed, each call links it against
// the loaded modules. It is added to the global modules.
//
// If linking fails, the reference and the global entry taken by the call
// are dropped again. The module stays mapped along with the entries
// resolved so far, so a later call resumes and reports the same failure.
func (l *Linker) LoadPRX(p *Process, path string, flags uint32) (*Module, error) {
	if flags&0xfff8ffff != 0 {
		return nil, fmt.Errorf("%w: %#x", ErrInvalidFlags, flags)
	}

	if !vfs.IsAbs(path) {
		return nil, fmt.Errorf("%w: %s", ErrRelativePath, path)
	}

	if p.config.BigApp {
		flags |= 0x1
	}

	loadFlags := LoadFlags(((flags & 0x1) << 5) + ((flags >> 10) & 0x40) + 2)

	p.mu.Lock()
	defer p.mu.Unlock()

	md, err := l.load(p, vfs.Clean(path), loadFlags, true, false, nil)
	if err != nil {
		return nil, err
	}

	addedGlobal := p.pushGlobal(md)

	if md.RelocState() == RelocDone {
		return md, nil
	}

	if md.DAGState() != DAGInitialized {
		md.setFlags(loadPRXFlags(flags))
		p.initDAG(md)
	}

	err = p.relocate(md, p.list, p.newResolver())
	if err != nil {
		md.unref()

		if addedGlobal {
			p.dropGlobal(md)
		}

		return nil, err
	}

	return md, nil
}

// loadPRXFlags returns the module flags to set and to clear for the option
// bits of a first load.
func loadPRXFlags(flags uint32) (ModuleFlags, ModuleFlags) {
	var set, unset ModuleFlags

	if flags&0x20000 != 0 {
		set |= Unk800
	} else {
		unset |= Unk800
	}

	if flags&0x40000 != 0 {
		set |= Unk1000
	} else {
		unset |= Unk1000
	}

	return set, unset
}

// Unload drops a reference of the module with the given handle. The last
// reference removes the module from p and unmaps it, unless another module
// depends on it.
func (l *Linker) Unload(p *Process, handle uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.dynamic() {
		return ErrNoDynamicLinker
	}

	if handle == 0 {
		return ErrUnloadMain
	}

	md, exists := p.find(handle)
	if !exists {
		return fmt.Errorf("%w: %d", ErrModuleNotFound, handle)
	}

	if md.RefCount() > 1 {
		md.unref()
		return nil
	}

	if other, referenced := p.referencedBy(md); referenced {
		return fmt.Errorf("%w: %s by %s", ErrModuleBusy, md.path, other.path)
	}

	md.unref()
	md.dropDAG()
	p.remove(md)

	slog.Info("Module unloaded", slog.Any("module", md))

	return md.mem.unmap()
}

// ProcessNeededAndRelocate links the initial process image. It initializes
// the dependency lists of all modules, places the TLS blocks of all main
// modules and relocates all modules starting with the primary binary.
func (l *Linker) ProcessNeededAndRelocate(p *Process) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.dynamic() {
		return ErrNotDynamic
	}

	for _, md := range p.list {
		p.initDAG(md)
	}

	for _, md := range p.mains {
		p.assignTLS(md)
	}

	slog.Info("Relocating initial modules", slog.Int("count", len(p.list)))

	return p.relocate(p.app, p.list, p.newResolver())
}

// Dlsym returns the address of the symbol with the given name in the scope
// of the module with the given handle.
func (l *Linker) Dlsym(p *Process, handle uint32, name string) (uint64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.dynamic() {
		return 0, ErrNoDynamicLinker
	}

	md, exists := p.find(handle)
	if !exists {
		return 0, fmt.Errorf("%w: %d", ErrModuleNotFound, handle)
	}

	slog.Debug("Resolving symbol",
		slog.String("name", name),
		slog.String("path", md.path),
	)

	var flags ResolveFlags
	if name == "BaOKcng8g88" || name == "KpDMrPHvt3Q" {
		flags = ResolveUnhashed
	}

	if md.Flags()&MainProg != 0 {
		return 0, ErrMainProgLookup
	}

	owner, idx, found := p.newResolver().resolveName(md, name, flags)
	if !found {
		return 0, fmt.Errorf("%w: %s", ErrSymbolNotFound, name)
	}

	addr, _ := owner.SymbolAddress(idx)

	return addr, nil
}

// ModuleList returns the handles of all modules of p.
func (l *Linker) ModuleList(p *Process) ([]uint32, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.dynamic() {
		return nil, ErrNoDynamicLinker
	}

	handles := make([]uint32, 0, len(p.list))
	for _, md := range p.list {
		handles = append(handles, md.id)
	}

	return handles, nil
}

// DoCopyRelocations checks that the primary binary has no copy
// relocations. They are not supported.
func (l *Linker) DoCopyRelocations(p *Process) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.dynamic() {
		return ErrNoDynamicLinker
	}

	for _, rela := range p.app.Dynamic().Relocations {
		if rela.Type == elf.R_X86_64_COPY {
			return ErrCopyRelocation
		}
	}

	return nil
}

// ProcParam returns the address and size of the process parameter of the
// primary binary.
func (l *Linker) ProcParam(p *Process) (uint64, uint64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.dynamic() {
		return 0, 0, ErrNoDynamicLinker
	}

	param, exists := p.app.image.ProcParam()
	if !exists {
		return 0, 0, ErrNoProcParam
	}

	return p.app.mem.Address(param.Vaddr), param.MemSize, nil
}

// Object members of [Linker.ObjMember].
const (
	MemberModuleParam uint8 = 8
)

// ObjMember returns the value of the member of the module with the given
// handle.
func (l *Linker) ObjMember(p *Process, handle uint32, member uint8) (uint64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.dynamic() {
		return 0, ErrNotDynamic
	}

	md, exists := p.find(handle)
	if !exists {
		return 0, fmt.Errorf("%w: %d", ErrModuleNotFound, handle)
	}

	switch member {
	case 1, 2, 3, 4, 7:
		return 0, fmt.Errorf("%w: %d", ErrObjMember, member)
	case MemberModuleParam:
		param, exists := md.image.ModuleParam()
		if !exists {
			return 0, fmt.Errorf("%w: %s", ErrNoModuleParam, md.path)
		}

		return md.mem.Address(param.Vaddr), nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrInvalidMember, member)
	}
}
