// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vfs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"

	"github.com/cavaliergopher/cpio"
)

const numLinks = 2

// LoadCPIO reads a cpio archive into a new [FS]. Device files, fifos and
// sockets are skipped.
func LoadCPIO(r io.Reader) (*FS, error) {
	fsys := New()
	reader := cpio.NewReader(r)

	for {
		hdr, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil, fmt.Errorf("read archive: %w", err)
		}

		name := Rel(hdr.Name)
		if name == "." {
			continue
		}

		switch hdr.FileInfo().Mode().Type() {
		case fs.ModeDir:
			err = fsys.MkdirAll(name)
		case fs.ModeSymlink:
			target := hdr.Linkname
			if target == "" {
				body, readErr := io.ReadAll(reader)
				if readErr != nil {
					return nil, fmt.Errorf("read link %s: %w", hdr.Name, readErr)
				}

				target = string(body)
			}

			err = fsys.MkdirAll(path.Dir(name))
			if err == nil {
				err = fsys.Symlink(target, name)
			}
		case 0:
			body, readErr := io.ReadAll(reader)
			if readErr != nil {
				return nil, fmt.Errorf("read file %s: %w", hdr.Name, readErr)
			}

			err = fsys.AddFile(name, body)
		}

		if err != nil {
			return nil, err
		}
	}

	return fsys, nil
}

// WriteCPIO writes the complete content of fsys as cpio archive into w.
// Symbolic links can only be archived if fsys implements [ReadLinkFS].
func WriteCPIO(w io.Writer, fsys fs.FS) error {
	writer := cpioWriter{cpio.NewWriter(w)}

	rlfs, _ := fsys.(ReadLinkFS)

	err := fs.WalkDir(fsys, ".", func(name string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if name == "." {
			return nil
		}

		switch {
		case entry.IsDir():
			return writer.writeDirectory(name)
		case entry.Type()&fs.ModeSymlink != 0:
			if rlfs == nil {
				return &PathError{Op: "archive", Path: name, Err: ErrFileInvalid}
			}

			target, err := rlfs.ReadLink(name)
			if err != nil {
				return err //nolint:wrapcheck
			}

			return writer.writeLink(name, target)
		default:
			file, err := fsys.Open(name)
			if err != nil {
				return err //nolint:wrapcheck
			}
			defer file.Close()

			return writer.writeRegular(name, file)
		}
	})
	if err != nil {
		return err //nolint:wrapcheck
	}

	err = writer.Close()
	if err != nil {
		return fmt.Errorf("close archive: %w", err)
	}

	return nil
}

type cpioWriter struct {
	*cpio.Writer
}

func (w cpioWriter) writeHeader(hdr *cpio.Header) error {
	err := w.WriteHeader(hdr)
	if err != nil {
		return fmt.Errorf("write header for %s: %w", hdr.Name, err)
	}

	return nil
}

func (w cpioWriter) writeDirectory(name string) error {
	return w.writeHeader(&cpio.Header{
		Name:  name,
		Mode:  cpio.TypeDir | cpio.ModePerm,
		Links: numLinks,
	})
}

func (w cpioWriter) writeLink(name, target string) error {
	err := w.writeHeader(&cpio.Header{
		Name: name,
		Mode: cpio.TypeSymlink | cpio.ModePerm,
		Size: int64(len(target)),
	})
	if err != nil {
		return err
	}

	// Body of a link is the path of the target file.
	_, err = w.Write([]byte(target))
	if err != nil {
		return fmt.Errorf("write body for %s: %w", name, err)
	}

	return nil
}

func (w cpioWriter) writeRegular(name string, source fs.File) error {
	info, err := source.Stat()
	if err != nil {
		return fmt.Errorf("read info: %w", err)
	}

	if !info.Mode().IsRegular() {
		return &PathError{Op: "archive", Path: name, Err: ErrFileNotRegular}
	}

	err = w.writeHeader(&cpio.Header{
		Name: name,
		Mode: cpio.TypeReg | cpio.FileMode(info.Mode().Perm()),
		Size: info.Size(),
	})
	if err != nil {
		return err
	}

	_, err = io.Copy(w, source)
	if err != nil {
		return fmt.Errorf("write body for %s: %w", name, err)
	}

	return nil
}
