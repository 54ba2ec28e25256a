// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/aibor/sceld/internal/vfs"
)

// FilePath is a [pflag.Value] for host file paths. Paths are made absolute
// when set.
type FilePath string

func (f *FilePath) String() string {
	return string(*f)
}

func (f *FilePath) Set(s string) error {
	path, err := AbsoluteFilePath(s)

	*f = FilePath(path)

	return err
}

func (*FilePath) Type() string {
	return "path"
}

// Mount binds a host directory to an absolute guest path.
type Mount struct {
	Guest string
	Host  string
}

func (m Mount) String() string {
	return m.Guest + "=" + m.Host
}

// ParseMount parses a mount in the format guest=host. The host directory must
// exist.
func ParseMount(s string) (Mount, error) {
	guest, host, found := strings.Cut(s, "=")
	if !found || !vfs.IsAbs(guest) || host == "" {
		return Mount{}, fmt.Errorf("%w: %s", ErrInvalidMount, s)
	}

	host, err := AbsoluteFilePath(host)
	if err != nil {
		return Mount{}, err
	}

	err = ValidateDirPath(host)
	if err != nil {
		return Mount{}, fmt.Errorf("mount %s: %w", s, err)
	}

	return Mount{Guest: vfs.Clean(guest), Host: host}, nil
}

// Mounts is a [pflag.Value] collecting [Mount]s. Each use of the flag appends
// one.
type Mounts []Mount

func (m *Mounts) String() string {
	mounts := make([]string, len(*m))
	for idx, mount := range *m {
		mounts[idx] = mount.String()
	}

	return strings.Join(mounts, ",")
}

func (m *Mounts) Set(s string) error {
	mount, err := ParseMount(s)
	if err != nil {
		return err
	}

	*m = append(*m, mount)

	return nil
}

func (*Mounts) Type() string {
	return "mount"
}

func AbsoluteFilePath(path string) (string, error) {
	if path == "" {
		return "", ErrEmptyFilePath
	}

	path, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	return path, nil
}

func ValidateFilePath(name string) error {
	return validateHostPath(name, fs.FileMode(0), ErrNotRegularFile)
}

func ValidateDirPath(name string) error {
	return validateHostPath(name, fs.ModeDir, ErrNotDirectory)
}

// validateHostPath makes sure the file at name has the given type.
func validateHostPath(name string, fileType fs.FileMode, typeErr error) error {
	stat, err := os.Stat(name)
	if err != nil {
		return err //nolint:wrapcheck
	}

	if stat.Mode().Type() != fileType {
		return typeErr
	}

	return nil
}
