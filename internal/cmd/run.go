// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aibor/sceld/internal/rtld"
	"github.com/aibor/sceld/internal/syscalls"
	"github.com/aibor/sceld/internal/vfs"
	"github.com/aibor/sceld/internal/vm"
)

const (
	defaultExecutable = "/app0/eboot.bin"

	parseLimitMax = 64
)

//nolint:gochecknoglobals
var defaultPreloads = []string{
	"/system/common/lib/libkernel.sprx",
	"/system/common/lib/libSceLibcInternal.sprx",
}

type runFlags struct {
	root           FilePath
	rootArchive    FilePath
	mounts         Mounts
	preloads       []string
	tlsStaticSpace uint64
	parseLimit     uint64
	bigApp         bool
	hostMemory     bool
}

func newRunCommand() *cobra.Command {
	flags := &runFlags{
		preloads:   defaultPreloads,
		parseLimit: uint64(runtime.NumCPU()),
	}

	command := &cobra.Command{
		Use:   "run [flags...] [executable]",
		Short: "Exec, preload and link an executable",
		Long: `Exec the executable at the given guest path (default ` + defaultExecutable + `),
load the preload libraries as main modules and link the initial process image.
The loaded modules are listed on success.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			executable := defaultExecutable
			if len(args) > 0 {
				executable = args[0]
			}

			return run(cmd.Context(), flags, executable, cmd.OutOrStdout())
		},
	}

	fs := command.Flags()

	fs.Var(
		&flags.root,
		"root",
		"host directory used as guest root file system",
	)

	fs.Var(
		&flags.rootArchive,
		"root-archive",
		"cpio archive used as guest root file system, --root is mounted on top",
	)

	fs.Var(
		&flags.mounts,
		"mount",
		"mount a host directory into the guest, format: guest=host. "+
			"Flag may be used more than once.",
	)

	fs.StringArrayVar(
		&flags.preloads,
		"preload",
		flags.preloads,
		"guest path of a library to load as main module before linking. "+
			"Flag may be used more than once.",
	)

	fs.Var(
		&LimitedUintValue{Value: &flags.tlsStaticSpace},
		"tls-static-space",
		"size of the static TLS space, 0 is unlimited",
	)

	fs.Var(
		&LimitedUintValue{Value: &flags.parseLimit, Lower: 1, Upper: parseLimitMax},
		"parse-limit",
		"number of images parsed concurrently",
	)

	fs.BoolVar(
		&flags.bigApp,
		"big-app",
		flags.bigApp,
		"run the process as big application",
	)

	fs.BoolVar(
		&flags.hostMemory,
		"host-memory",
		flags.hostMemory,
		"back guest memory with host pages at the guest addresses (linux only)",
	)

	return command
}

// newGuestFS assembles the guest file system from the archive, the root
// directory and the additional mounts.
func newGuestFS(flags *runFlags) (*vfs.FS, error) {
	fsys := vfs.New()

	if flags.rootArchive != "" {
		err := ValidateFilePath(string(flags.rootArchive))
		if err != nil {
			return nil, fmt.Errorf("root archive: %w", err)
		}

		file, err := os.Open(string(flags.rootArchive))
		if err != nil {
			return nil, fmt.Errorf("root archive: %w", err)
		}
		defer file.Close()

		fsys, err = vfs.LoadCPIO(file)
		if err != nil {
			return nil, fmt.Errorf("root archive: %w", err)
		}
	}

	if flags.root != "" {
		err := mountRoot(fsys, string(flags.root))
		if err != nil {
			return nil, fmt.Errorf("root: %w", err)
		}
	}

	for _, mount := range flags.mounts {
		err := fsys.Mount(mount.Guest, vfs.DirFS(mount.Host))
		if err != nil {
			return nil, fmt.Errorf("mount %s: %w", mount, err)
		}
	}

	return fsys, nil
}

// mountRoot mounts every directory in dir at the guest root. Regular files
// are copied.
func mountRoot(fsys *vfs.FS, dir string) error {
	err := ValidateDirPath(dir)
	if err != nil {
		return err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err //nolint:wrapcheck
	}

	for _, entry := range entries {
		hostPath := filepath.Join(dir, entry.Name())
		guestPath := "/" + entry.Name()

		switch {
		case entry.IsDir():
			err = fsys.Mount(guestPath, vfs.DirFS(hostPath))
		case entry.Type().IsRegular():
			var data []byte

			data, err = os.ReadFile(hostPath)
			if err == nil {
				err = fsys.AddFile(guestPath, data)
			}
		default:
			slog.Debug("Skipping root entry", slog.String("path", hostPath))
			continue
		}

		if err != nil {
			return err //nolint:wrapcheck
		}
	}

	return nil
}

func newAddressSpace(hostMemory bool) (vm.AddressSpace, error) {
	if !hostMemory {
		return vm.NewSimulated(), nil
	}

	as, err := vm.NewHost()
	if err != nil {
		return nil, fmt.Errorf("host memory: %w", err)
	}

	return as, nil
}

func run(ctx context.Context, flags *runFlags, executable string, out io.Writer) error {
	fsys, err := newGuestFS(flags)
	if err != nil {
		return err
	}

	as, err := newAddressSpace(flags.hostMemory)
	if err != nil {
		return err
	}

	process := rtld.NewProcess(as, rtld.ProcessConfig{
		BigApp:         flags.bigApp,
		TLSStaticSpace: flags.tlsStaticSpace,
	})

	linker := rtld.NewLinker(fsys)
	linker.ParseLimit = int(flags.parseLimit) //nolint:gosec

	table := syscalls.NewTable[*rtld.Process]()
	linker.RegisterSyscalls(table)

	_, err = linker.Exec(process, executable)
	if err != nil {
		return fmt.Errorf("exec: %w", err)
	}

	if len(flags.preloads) > 0 {
		_, err = linker.LoadAll(ctx, process, flags.preloads, true)
		if err != nil {
			return fmt.Errorf("preload: %w", err)
		}
	}

	err = linker.ProcessNeededAndRelocate(process)
	if err != nil {
		return fmt.Errorf("link: %w", err)
	}

	slog.Info("Process linked", slog.Int("modules", len(process.Modules())))

	guest := &guestCaller{process: process, table: table}

	return printModules(out, guest)
}

// printModules lists the modules the way the guest sees them through the
// dynlib syscalls.
func printModules(out io.Writer, guest *guestCaller) error {
	infos, err := guest.moduleInfos()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)

	fmt.Fprintln(w, "HANDLE\tNAME\tTEXT\tDATA\tTLS\tREFS\tKIND")

	for _, info := range infos {
		kind := "user"

		switch upper := info.TLSIndex >> 16; {
		case upper&2 != 0:
			kind = "main"
		case upper&1 != 0:
			kind = "system"
		}

		fmt.Fprintf(w, "%d\t%s\t%#x\t%#x\t%d\t%d\t%s\n",
			info.Handle,
			info.NameString(),
			info.Text.Addr,
			info.Data.Addr,
			info.TLSIndex&0xffff,
			info.RefCount,
			kind,
		)
	}

	return w.Flush() //nolint:wrapcheck
}
