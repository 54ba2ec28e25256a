// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vfs

import (
	"io/fs"
	"os"
	"path/filepath"
)

type dirFS struct {
	fs.FS

	dir string
}

// DirFS returns a [ReadLinkFS] for the host directory dir. Other than
// [os.DirFS] it reports symbolic links instead of only following them.
func DirFS(dir string) ReadLinkFS {
	return &dirFS{
		FS:  os.DirFS(dir),
		dir: dir,
	}
}

func (fsys *dirFS) hostPath(op, name string) (string, error) {
	if !fs.ValidPath(name) {
		return "", &PathError{Op: op, Path: name, Err: ErrFileInvalid}
	}

	return filepath.Join(fsys.dir, filepath.FromSlash(name)), nil
}

// ReadLink implements [ReadLinkFS].
func (fsys *dirFS) ReadLink(name string) (string, error) {
	hostPath, err := fsys.hostPath("readlink", name)
	if err != nil {
		return "", err
	}

	return os.Readlink(hostPath) //nolint:wrapcheck
}

// Lstat implements [ReadLinkFS].
func (fsys *dirFS) Lstat(name string) (fs.FileInfo, error) {
	hostPath, err := fsys.hostPath("lstat", name)
	if err != nil {
		return nil, err
	}

	return os.Lstat(hostPath) //nolint:wrapcheck
}
