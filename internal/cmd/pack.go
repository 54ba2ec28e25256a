// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/aibor/sceld/internal/vfs"
)

func newPackCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pack dir archive",
		Short: "Pack a host directory into a cpio archive usable as guest root",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return pack(args[0], args[1])
		},
	}
}

func pack(dir, archive string) (err error) {
	err = ValidateDirPath(dir)
	if err != nil {
		return fmt.Errorf("pack %s: %w", dir, err)
	}

	file, err := os.Create(archive)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}

	defer func() {
		closeErr := file.Close()
		if closeErr != nil {
			err = errors.Join(err, fmt.Errorf("close archive: %w", closeErr))
		}
	}()

	err = vfs.WriteCPIO(file, vfs.DirFS(dir))
	if err != nil {
		return fmt.Errorf("write archive: %w", err)
	}

	slog.Info("Archive written",
		slog.String("dir", dir),
		slog.String("archive", archive),
	)

	return nil
}
