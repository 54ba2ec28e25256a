// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package rtld

import (
	"debug/elf"
	"errors"
	"fmt"
	"io/fs"

	"github.com/aibor/sceld/internal/image"
	"github.com/aibor/sceld/internal/syscalls"
	"github.com/aibor/sceld/internal/vm"
)

// Error kinds. Every error returned by this package wraps exactly one of
// them. Errors of the vm, vfs and image packages may be wrapped alongside.
var (
	ErrNotPermitted    = errors.New("operation not permitted")
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrOutOfMemory     = errors.New("out of memory")
	ErrImageFormat     = errors.New("invalid image")
	ErrMapFailure      = errors.New("mapping failed")
	ErrLinkFailure     = errors.New("linking failed")
	ErrUnimplemented   = errors.New("not implemented")
	ErrBusy            = errors.New("module busy")
)

var (
	ErrMultipleExecProgram     = fmt.Errorf("%w: multiple executable programs", ErrImageFormat)
	ErrMultipleDataProgram     = fmt.Errorf("%w: multiple data programs", ErrImageFormat)
	ErrMultipleRelroProgram    = fmt.Errorf("%w: multiple relro programs", ErrImageFormat)
	ErrInvalidProgramAlignment = fmt.Errorf("%w: invalid program alignment", ErrImageFormat)
	ErrNoLoadableProgram       = fmt.Errorf("%w: no loadable program", ErrImageFormat)
	ErrWrongImageType          = fmt.Errorf("%w: wrong image type", ErrImageFormat)

	ErrImpureText       = fmt.Errorf("%w: text relocations not allowed", ErrLinkFailure)
	ErrUnsupportedRela  = fmt.Errorf("%w: unsupported relocation", ErrLinkFailure)
	ErrUnsupportedPlt   = fmt.Errorf("%w: unsupported PLT relocation", ErrLinkFailure)
	ErrUnprotectFailed  = fmt.Errorf("%w: cannot unprotect memory", ErrLinkFailure)
	ErrTargetOutOfRange = fmt.Errorf("%w: relocation target out of range", ErrLinkFailure)

	ErrStaticImage     = fmt.Errorf("%w: statically linked executable", ErrUnimplemented)
	ErrSecondExec      = fmt.Errorf("%w: process has an executable already", ErrUnimplemented)
	ErrSanitizer       = fmt.Errorf("%w: loading with address sanitizer", ErrUnimplemented)
	ErrRelativePath    = fmt.Errorf("%w: relative path", ErrUnimplemented)
	ErrMainProgLookup  = fmt.Errorf("%w: symbol lookup on main program", ErrUnimplemented)
	ErrNoProcParam     = fmt.Errorf("%w: dynamic executable without process parameter", ErrUnimplemented)
	ErrObjMember       = fmt.Errorf("%w: object member", ErrUnimplemented)
	ErrNoDynamicLinker = fmt.Errorf("%w: no dynamically linked executable", ErrNotPermitted)
)

var (
	ErrNoExecutable   = fmt.Errorf("%w: process has no executable", ErrNotPermitted)
	ErrUnloadMain     = fmt.Errorf("%w: main program cannot be unloaded", ErrNotPermitted)
	ErrSystemModule   = fmt.Errorf("%w: system module", ErrNotPermitted)
	ErrNotDynamic     = fmt.Errorf("%w: no dynamically linked executable", ErrInvalidArgument)
	ErrInvalidFlags   = fmt.Errorf("%w: invalid flags", ErrInvalidArgument)
	ErrInfoSize       = fmt.Errorf("%w: info structure size mismatch", ErrInvalidArgument)
	ErrCopyRelocation = fmt.Errorf("%w: copy relocation", ErrInvalidArgument)
	ErrNoModuleParam  = fmt.Errorf("%w: no module parameter", ErrInvalidArgument)
	ErrInvalidMember  = fmt.Errorf("%w: invalid object member", ErrInvalidArgument)
	ErrModuleNotFound = fmt.Errorf("%w: module", ErrNotFound)
	ErrSymbolNotFound = fmt.Errorf("%w: symbol", ErrNotFound)
	ErrBufferTooSmall = fmt.Errorf("%w: buffer too small", ErrOutOfMemory)
	ErrModuleBusy     = fmt.Errorf("%w: referenced by another module", ErrBusy)
)

// MapError is returned if an image cannot be mapped.
type MapError struct {
	Path string
	Err  error
}

func (e *MapError) Error() string {
	return fmt.Sprintf("map %s: %v", e.Path, e.Err)
}

func (e *MapError) Unwrap() error {
	return e.Err
}

// RelocateError is returned if a module cannot be relocated.
type RelocateError struct {
	Path string
	Type elf.R_X86_64
	Err  error
}

func (e *RelocateError) Error() string {
	if e.Type == elf.R_X86_64_NONE {
		return fmt.Sprintf("relocate %s: %v", e.Path, e.Err)
	}

	return fmt.Sprintf("relocate %s: %v type %d", e.Path, e.Err, uint32(e.Type))
}

func (e *RelocateError) Unwrap() error {
	return e.Err
}

// Errno returns the errno a syscall reports for the given error.
func Errno(err error) syscalls.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, vm.ErrFault):
		return syscalls.EFAULT
	case errors.Is(err, vm.ErrStringTooLong):
		return syscalls.ENAMETOOLONG
	case errors.Is(err, fs.ErrNotExist):
		return syscalls.ENOENT
	case errors.Is(err, ErrImpureText), errors.Is(err, ErrUnsupportedPlt):
		return syscalls.EINVAL
	case errors.Is(err, ErrNotPermitted):
		return syscalls.EPERM
	case errors.Is(err, ErrNotFound):
		return syscalls.ESRCH
	case errors.Is(err, ErrInvalidArgument):
		return syscalls.EINVAL
	case errors.Is(err, ErrOutOfMemory):
		return syscalls.ENOMEM
	case errors.Is(err, ErrBusy):
		return syscalls.EBUSY
	case errors.Is(err, ErrImageFormat),
		errors.Is(err, image.ErrInvalidFormat),
		errors.Is(err, ErrMapFailure),
		errors.Is(err, ErrLinkFailure):
		return syscalls.ENOEXEC
	case errors.Is(err, ErrUnimplemented):
		return syscalls.ENOSYS
	default:
		return syscalls.EIO
	}
}

// sysError converts err into a [syscalls.Error] with the matching errno.
func sysError(err error) error {
	if err == nil {
		return nil
	}

	var sysErr *syscalls.Error
	if errors.As(err, &sysErr) {
		return err
	}

	return &syscalls.Error{Errno: Errno(err), Err: err}
}
