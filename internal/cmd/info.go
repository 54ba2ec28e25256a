// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aibor/sceld/internal/image"
)

func newInfoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "info file",
		Short: "Print the headers and dynamic linking information of an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := AbsoluteFilePath(args[0])
			if err != nil {
				return err
			}

			err = ValidateFilePath(path)
			if err != nil {
				return fmt.Errorf("image: %w", err)
			}

			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("image: %w", err)
			}

			img, err := image.Parse(data)
			if err != nil {
				return fmt.Errorf("image %s: %w", path, err)
			}

			return printImage(cmd.OutOrStdout(), img)
		},
	}
}

func printImage(out io.Writer, img *image.Image) error {
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)

	fmt.Fprintf(w, "Type:\t%s\n", image.TypeString(img.Type))
	fmt.Fprintf(w, "Entry:\t%#x\n", img.Entry)
	fmt.Fprintf(w, "SELF:\t%t\n", img.SELF)

	if _, exists := img.ProcParam(); exists {
		fmt.Fprintf(w, "SDK version:\t%#x\n", img.SDKVersion())
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "TYPE\tFLAGS\tVADDR\tFILESZ\tMEMSZ\tALIGN")

	for _, prog := range img.Programs {
		fmt.Fprintf(w, "%s\t%s\t%#x\t%#x\t%#x\t%#x\n",
			image.ProgTypeString(prog.Type),
			prog.Flags,
			prog.Vaddr,
			prog.FileSize,
			prog.MemSize,
			prog.Align,
		)
	}

	if dyn := img.Dynamic; dyn != nil {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Module:\t%s %d.%d\n", dyn.Module.Name, dyn.Module.Major, dyn.Module.Minor)

		for _, needed := range dyn.Needed {
			fmt.Fprintf(w, "Needed:\t%s\n", needed)
		}

		for _, mod := range dyn.NeededModules {
			fmt.Fprintf(w, "Needed module:\t%s %d.%d (id %d)\n", mod.Name, mod.Major, mod.Minor, mod.ID)
		}

		for _, lib := range dyn.Exports {
			fmt.Fprintf(w, "Export:\t%s %d (id %d)\n", lib.Name, lib.Version, lib.ID)
		}

		for _, lib := range dyn.Imports {
			fmt.Fprintf(w, "Import:\t%s %d (id %d)\n", lib.Name, lib.Version, lib.ID)
		}

		fmt.Fprintf(w, "Fingerprint:\t%x\n", dyn.Fingerprint)
		fmt.Fprintf(w, "Symbols:\t%d\n", len(dyn.Symbols))
		fmt.Fprintf(w, "Relocations:\t%d\n", len(dyn.Relocations))
		fmt.Fprintf(w, "PLT relocations:\t%d\n", len(dyn.PLTRelocations))
	}

	return w.Flush() //nolint:wrapcheck
}
