// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aibor/sceld/internal/rtld"
)

func newNIDCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "nid name...",
		Short: "Print the hashed names of symbols",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, symbol := range args {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", rtld.NID(symbol), symbol)
			}

			return nil
		},
	}
}
