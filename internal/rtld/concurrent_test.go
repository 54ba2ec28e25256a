// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package rtld_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/aibor/sceld/internal/rtld"
)

func TestLinker_Concurrent(t *testing.T) {
	f := newFixture(t, rtld.ProcessConfig{}, defaultFiles())
	app, kernel := f.start(t)

	const workers = 4

	funcAddr := kernel.Memory().Address(kernelFuncValue)

	var eg errgroup.Group

	for range workers {
		eg.Go(func() error {
			_, err := f.linker.LoadPRX(f.process, libcPath, 0)
			return err
		})

		eg.Go(func() error {
			return f.linker.ProcessNeededAndRelocate(f.process)
		})

		eg.Go(func() error {
			addr, err := f.linker.Dlsym(f.process, kernel.ID(), "sceKernelGetProcParam")
			if err != nil {
				return err
			}

			if addr != funcAddr {
				return fmt.Errorf("dlsym: got %#x, want %#x", addr, funcAddr)
			}

			return nil
		})

		eg.Go(func() error {
			_, err := f.linker.InfoEx(f.process, kernel.ID(), rtld.InfoExTLSIndexFlags)
			return err
		})

		eg.Go(func() error {
			for _, md := range f.process.Modules() {
				_ = md.LogValue().Resolve()
			}

			_, err := f.linker.ModuleList(f.process)

			return err
		})
	}

	require.NoError(t, eg.Wait())

	modules := f.process.Modules()
	require.Len(t, modules, 3)

	libc := modules[2]
	assert.Equal(t, libcPath, libc.Path())
	assert.Equal(t, uint32(workers), libc.RefCount())
	assert.Equal(t, []*rtld.Module{libc}, f.process.Globals())

	for _, md := range modules {
		assert.Equal(t, rtld.RelocDone, md.RelocState(), md.Path())
	}

	assert.Equal(t, funcAddr, f.read(t, dataAddr(app)+targetJumpSlot))
}
