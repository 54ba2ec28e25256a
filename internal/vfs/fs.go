// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vfs

import (
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
	"sync"
)

const (
	defaultFileMode = 0o755
	symlinkDepth    = 10
)

// ReadLinkFS is a [fs.FS] that supports symbolic links.
type ReadLinkFS interface {
	fs.FS

	// ReadLink returns the target of the symbolic link with the given name.
	ReadLink(name string) (string, error)

	// Lstat returns information about the file with the given name without
	// following symbolic links.
	Lstat(name string) (fs.FileInfo, error)
}

var (
	_ fs.FS         = (*FS)(nil)
	_ fs.ReadFileFS = (*FS)(nil)
	_ ReadLinkFS    = (*FS)(nil)
)

// FS is the guest file system. It is safe for concurrent use.
type FS struct {
	mu   sync.RWMutex
	root directory
}

// New creates a new empty [FS].
func New() *FS {
	return &FS{
		root: make(directory),
	}
}

// Open opens the named file. Symbolic links are followed.
//
// It returns a [PathError] in case of errors.
func (fsys *FS) Open(name string) (fs.File, error) {
	fsys.mu.RLock()
	defer fsys.mu.RUnlock()

	file, err := fsys.open(name, true)
	if err != nil {
		return nil, &PathError{Op: "open", Path: name, Err: err}
	}

	return file, nil
}

// ReadFile reads the named file and returns its content.
//
// It returns a [PathError] in case of errors.
func (fsys *FS) ReadFile(name string) ([]byte, error) {
	file, err := fsys.Open(name)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, &PathError{Op: "read", Path: name, Err: err}
	}

	if !info.Mode().IsRegular() {
		return nil, &PathError{Op: "read", Path: name, Err: ErrFileNotRegular}
	}

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, &PathError{Op: "read", Path: name, Err: err}
	}

	return data, nil
}

// ReadLink returns the target of the symbolic link with the given name.
//
// It returns [ErrFileInvalid] in case the file is not a symbolic link.
func (fsys *FS) ReadLink(name string) (string, error) {
	fsys.mu.RLock()
	defer fsys.mu.RUnlock()

	entry, rest, err := fsys.findNoFollow(Rel(name), symlinkDepth)
	if err != nil {
		return "", &PathError{Op: "readlink", Path: name, Err: err}
	}

	if mount, isMount := entry.file.(*mountPoint); isMount && rest != "." {
		rlfs, ok := mount.fsys.(ReadLinkFS)
		if !ok {
			return "", &PathError{Op: "readlink", Path: name, Err: ErrFileInvalid}
		}

		return rlfs.ReadLink(rest) //nolint:wrapcheck
	}

	symlink, isSymlink := entry.file.(symbolicLink)
	if !isSymlink {
		return "", &PathError{Op: "readlink", Path: name, Err: ErrFileInvalid}
	}

	return string(symlink), nil
}

// Lstat returns information about the file with the given name. It does not
// follow symbolic links.
func (fsys *FS) Lstat(name string) (fs.FileInfo, error) {
	fsys.mu.RLock()
	file, err := fsys.open(name, false)
	fsys.mu.RUnlock()

	if err != nil {
		return nil, &PathError{Op: "lstat", Path: name, Err: err}
	}
	defer file.Close()

	return file.Stat() //nolint:wrapcheck
}

// Mkdir creates a new directory with the given name. The parent must exist.
func (fsys *FS) Mkdir(name string) error {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	err := fsys.add(name, &directory{})
	if err != nil {
		return &PathError{Op: "mkdir", Path: name, Err: err}
	}

	return nil
}

// MkdirAll creates a directory with the given name along with all necessary
// parents. If the directory exists already, it does nothing.
func (fsys *FS) MkdirAll(name string) error {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	err := fsys.mkdirAll(Rel(name))
	if err != nil {
		return &PathError{Op: "mkdir", Path: name, Err: err}
	}

	return nil
}

// AddFile creates a new regular file with the given content. Missing parent
// directories are created.
func (fsys *FS) AddFile(name string, data []byte) error {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	err := fsys.mkdirAll(path.Dir(Rel(name)))
	if err == nil {
		err = fsys.add(name, regularFile(data))
	}

	if err != nil {
		return &PathError{Op: "add", Path: name, Err: err}
	}

	return nil
}

// Symlink adds a new symbolic link at newname that links to oldname.
// Relative targets are resolved from the directory of the link.
func (fsys *FS) Symlink(oldname, newname string) error {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	err := fsys.add(newname, symbolicLink(oldname))
	if err != nil {
		return &PathError{Op: "symlink", Path: newname, Err: err}
	}

	return nil
}

// Mount makes the content of the given [fs.FS] available at dir. Missing
// parent directories are created. Use [os.DirFS] to mount host directories.
func (fsys *FS) Mount(dir string, mounted fs.FS) error {
	if mounted == nil {
		return &PathError{
			Op:   "mount",
			Path: dir,
			Err:  fmt.Errorf("%w: fs is nil", ErrInvalidArgument),
		}
	}

	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	if Rel(dir) == "." {
		return &PathError{
			Op:   "mount",
			Path: dir,
			Err:  fmt.Errorf("%w: cannot mount over root", ErrInvalidArgument),
		}
	}

	err := fsys.mkdirAll(path.Dir(Rel(dir)))
	if err == nil {
		err = fsys.add(dir, &mountPoint{mounted})
	}

	if err != nil {
		return &PathError{Op: "mount", Path: dir, Err: err}
	}

	return nil
}

func (fsys *FS) mkdirAll(name string) error {
	if name == "." {
		return nil
	}

	entry, rest, err := fsys.find(name, symlinkDepth)
	if err == nil {
		if entry.IsDir() && rest == "." {
			return nil
		}

		return ErrFileNotDir
	}

	err = fsys.mkdirAll(path.Dir(name))
	if err != nil {
		return err
	}

	return fsys.add(name, &directory{})
}

func (fsys *FS) subDir(name string) (*directory, error) {
	entry, rest, err := fsys.find(name, symlinkDepth)
	if err != nil {
		return nil, err
	}

	dir, isDir := entry.file.(*directory)
	if !isDir || rest != "." {
		return nil, ErrFileNotDir
	}

	return dir, nil
}

func (fsys *FS) add(name string, file file) error {
	dirName, fileName := path.Split(Rel(name))

	parent, err := fsys.subDir(Rel(dirName))
	if err != nil {
		return err
	}

	return parent.add(fileName, file)
}

func (fsys *FS) open(name string, follow bool) (fs.File, error) {
	findFn := fsys.findNoFollow
	if follow {
		findFn = fsys.find
	}

	entry, rest, err := findFn(Rel(name), symlinkDepth)
	if err != nil {
		return nil, err
	}

	if mount, isMount := entry.file.(*mountPoint); isMount {
		return mount.fsys.Open(rest) //nolint:wrapcheck
	}

	return openEntry(entry)
}

func (fsys *FS) find(name string, depth uint) (dirEntry, string, error) {
	entry, rest, err := fsys.findNoFollow(name, depth)
	if err != nil || rest != "." {
		return entry, rest, err
	}

	entry, err = fsys.follow(entry, depth)

	return entry, ".", err
}

// findNoFollow walks the tree along name. If the walk reaches a mount point,
// the mount point is returned along with the path remaining inside it.
func (fsys *FS) findNoFollow(name string, depth uint) (dirEntry, string, error) {
	entry := dirEntry{".", &fsys.root}

	if name == "" || name == "." {
		return entry, ".", nil
	}

	if !fs.ValidPath(name) {
		return dirEntry{}, "", ErrFileInvalid
	}

	for elems := strings.Split(name, "/"); len(elems) > 0; elems = elems[1:] {
		var err error

		entry, err = fsys.follow(entry, depth)
		if err != nil {
			return dirEntry{}, "", err
		}

		if _, isMount := entry.file.(*mountPoint); isMount {
			return entry, path.Join(elems...), nil
		}

		parent, isDir := entry.file.(*directory)
		if !isDir {
			return dirEntry{}, "", ErrFileNotExist
		}

		next, exists := (*parent)[elems[0]]
		if !exists {
			return dirEntry{}, "", ErrFileNotExist
		}

		entry = dirEntry{path.Join(entry.name, elems[0]), next}
	}

	return entry, ".", nil
}

func (fsys *FS) follow(entry dirEntry, depth uint) (dirEntry, error) {
	symlink, isSymlink := entry.file.(symbolicLink)
	if !isSymlink {
		return entry, nil
	}

	if depth == 0 {
		return dirEntry{}, ErrSymlinkTooDeep
	}

	target := string(symlink)
	if !IsAbs(target) {
		target = path.Join(path.Dir(entry.name), target)
	}

	found, rest, err := fsys.find(Rel(target), depth-1)
	if err != nil {
		return dirEntry{}, err
	}

	if rest != "." {
		return dirEntry{}, fmt.Errorf("%w: link into mount", ErrFileInvalid)
	}

	return found, nil
}
