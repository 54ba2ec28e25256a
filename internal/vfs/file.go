// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vfs

import (
	"bytes"
	"io"
	"io/fs"
	"maps"
	"path"
	"slices"
	"time"
)

// file is a node in the tree. It is one of [regularFile], [symbolicLink],
// [*directory] or [*mountPoint].
type file interface {
	mode() fs.FileMode
}

// regularFile keeps its content in memory. Images are read as a whole by the
// loader anyway.
type regularFile []byte

func (regularFile) mode() fs.FileMode { return defaultFileMode }

type symbolicLink string

func (symbolicLink) mode() fs.FileMode { return defaultFileMode | fs.ModeSymlink }

type directory map[string]file

func (*directory) mode() fs.FileMode { return defaultFileMode | fs.ModeDir }

func (d *directory) add(name string, file file) error {
	if name == "." || name == "" {
		return ErrFileExist
	}

	if _, exists := (*d)[name]; exists {
		return ErrFileExist
	}

	(*d)[name] = file

	return nil
}

// mountPoint is a directory whose content is served by another [fs.FS].
type mountPoint struct {
	fsys fs.FS
}

func (*mountPoint) mode() fs.FileMode { return defaultFileMode | fs.ModeDir }

var (
	_ fs.FileInfo = dirEntry{}
	_ fs.DirEntry = dirEntry{}
)

// dirEntry is a file along with its path in the tree. Files never change
// once added, so an entry is its own [fs.FileInfo].
type dirEntry struct {
	name string
	file file
}

func (e dirEntry) Name() string               { return path.Base(e.name) }
func (e dirEntry) Mode() fs.FileMode          { return e.file.mode() }
func (e dirEntry) Type() fs.FileMode          { return e.file.mode().Type() }
func (e dirEntry) IsDir() bool                { return e.file.mode().IsDir() }
func (e dirEntry) Info() (fs.FileInfo, error) { return e, nil }
func (dirEntry) ModTime() time.Time           { return time.Time{} }
func (dirEntry) Sys() any                     { return nil }
func (e dirEntry) String() string             { return fs.FormatFileInfo(e) }

func (e dirEntry) Size() int64 {
	switch f := e.file.(type) {
	case regularFile:
		return int64(len(f))
	case symbolicLink:
		return int64(len(f))
	default:
		return 0
	}
}

// openEntry opens the file of the entry. Mount points are opened by the
// caller since their content lives in the mounted [fs.FS].
func openEntry(entry dirEntry) (fs.File, error) {
	handle := &openFile{info: entry}

	switch f := entry.file.(type) {
	case regularFile:
		handle.content = bytes.NewReader(f)
	case symbolicLink:
		handle.content = bytes.NewReader([]byte(f))
	case *directory:
		for _, name := range slices.Sorted(maps.Keys(*f)) {
			handle.entries = append(handle.entries, dirEntry{
				name: path.Join(entry.name, name),
				file: (*f)[name],
			})
		}
	case *mountPoint:
		return f.fsys.Open(".") //nolint:wrapcheck
	default:
		return nil, ErrFileInvalid
	}

	return handle, nil
}

var _ fs.ReadDirFile = (*openFile)(nil)

type openFile struct {
	info    dirEntry
	content *bytes.Reader
	entries []fs.DirEntry
}

// Stat implements [fs.File].
func (f *openFile) Stat() (fs.FileInfo, error) {
	return f.info, nil
}

// Read implements [fs.File].
func (f *openFile) Read(b []byte) (int, error) {
	if f.content == nil {
		return 0, ErrFileInvalid
	}

	return f.content.Read(b) //nolint:wrapcheck
}

// Close implements [fs.File].
func (*openFile) Close() error {
	return nil
}

// ReadDir implements [fs.ReadDirFile]. Each call consumes the returned
// entries.
func (f *openFile) ReadDir(count int) ([]fs.DirEntry, error) {
	if !f.info.IsDir() {
		return nil, ErrFileNotDir
	}

	if count <= 0 {
		entries := f.entries
		f.entries = nil

		return entries, nil
	}

	if len(f.entries) == 0 {
		return nil, io.EOF
	}

	entries := f.entries[:min(count, len(f.entries))]
	f.entries = f.entries[len(entries):]

	return entries, nil
}
