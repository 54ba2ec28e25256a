// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"slices"
	"strings"

	"github.com/spf13/cobra"
)

const (
	name            = "sceld"
	localConfigFile = ".sceld-args"
)

// IO provides input and output details for the command.
type IO struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

func version() string {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}

	return buildInfo.Main.Version
}

func newRootCommand(cfg IO) *cobra.Command {
	var logging logFlags

	root := &cobra.Command{
		Use:   name,
		Short: "Load and link console executables into an emulated address space",
		Long: `sceld maps a console executable and its libraries into an emulated
guest address space and links them the way the kernel's runtime linker does.

All flags of the run command can also be provided via environment variable
SCELD_ARGS or via file ./.sceld-args, with one argument per line.`,
		Version:       version(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			setupLogging(cfg.Stderr, logging)
		},
	}

	root.SetIn(cfg.Stdin)
	root.SetOut(cfg.Stdout)
	root.SetErr(cfg.Stderr)

	root.PersistentFlags().BoolVar(
		&logging.debug,
		"debug",
		logging.debug,
		"enable debug output",
	)
	root.PersistentFlags().BoolVar(
		&logging.verbose,
		"verbose",
		logging.verbose,
		"enable informational output",
	)

	root.AddCommand(
		newRunCommand(),
		newNIDCommand(),
		newInfoCommand(),
		newPackCommand(),
	)

	return root
}

// withConfigArgs merges the arguments from the local config file and the
// environment into the arguments of the run command.
func withConfigArgs(args []string) ([]string, error) {
	idx := slices.IndexFunc(args, func(arg string) bool {
		return !strings.HasPrefix(arg, "-")
	})
	if idx < 0 || args[idx] != "run" {
		return args, nil
	}

	merged, err := MergedArgs(args[idx+1:], os.DirFS("."), localConfigFile)
	if err != nil {
		return nil, err
	}

	return slices.Concat(args[:idx+1], merged), nil
}

func handleRunError(err error, stderr io.Writer) int {
	if err == nil {
		return 0
	}

	exitCode := 1

	var sysErr *SyscallError
	if errors.As(err, &sysErr) {
		exitCode = int(sysErr.Errno)
	}

	fmt.Fprintf(stderr, "Error [%s]: %v\n", name, err)

	return exitCode
}

// Run is the main entry point for the CLI command.
func Run(ctx context.Context, args []string, cfg IO) int {
	args, err := withConfigArgs(args)
	if err != nil {
		return handleRunError(err, cfg.Stderr)
	}

	root := newRootCommand(cfg)
	root.SetArgs(args)

	err = root.ExecuteContext(ctx)

	return handleRunError(err, cfg.Stderr)
}
