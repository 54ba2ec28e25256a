// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package rtld_test

import (
	"context"
	"debug/elf"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aibor/sceld/internal/image"
	"github.com/aibor/sceld/internal/image/imagetest"
	"github.com/aibor/sceld/internal/rtld"
	"github.com/aibor/sceld/internal/syscalls"
)

func TestLinker_Exec(t *testing.T) {
	tests := []struct {
		name        string
		builder     *imagetest.Builder
		expectedErr error
		assertFn    func(t *testing.T, app *rtld.Module, p *rtld.Process)
	}{
		{
			name:    "dynamic executable",
			builder: appBuilder(),
			assertFn: func(t *testing.T, app *rtld.Module, p *rtld.Process) {
				assert.Equal(t, uint32(0), app.ID())
				assert.Equal(t, uint32(1), app.TLSIndex())
				assert.Equal(t, rtld.MainProg, app.Flags()&rtld.MainProg)
				assert.Equal(t, uint64(rtld.DynExecBase), app.Memory().Base())
				assert.Equal(t, []*rtld.Module{app}, p.Modules())
				assert.Equal(t, []*rtld.Module{app}, p.Mains())
				assert.Empty(t, p.Globals())
				assert.Zero(t, p.Flags())
			},
		},
		{
			name: "self wrapped",
			builder: func() *imagetest.Builder {
				b := appBuilder()
				b.SELF = true
				b.Compress = true

				return b
			}(),
			assertFn: func(t *testing.T, app *rtld.Module, _ *rtld.Process) {
				assert.True(t, app.Image().SELF)
			},
		},
		{
			name: "relocatable exec",
			builder: func() *imagetest.Builder {
				b := appBuilder()
				b.Type = image.TypeSCEExec

				return b
			}(),
			assertFn: func(t *testing.T, app *rtld.Module, _ *rtld.Process) {
				assert.NotEqual(t, uint64(rtld.DynExecBase), app.Memory().Base())
			},
		},
		{
			name: "sanitizers",
			builder: func() *imagetest.Builder {
				b := appBuilder()
				b.NeededModules = append(b.NeededModules,
					image.ModuleInfo{ID: 2, Name: "libSceDbgAddressSanitizer"},
					image.ModuleInfo{ID: 3, Name: "libSceDbgUndefinedBehaviorSanitizer"},
				)

				return b
			}(),
			assertFn: func(t *testing.T, _ *rtld.Module, p *rtld.Process) {
				assert.Equal(t, rtld.HasASan|rtld.HasUBSan, p.Flags())
			},
		},
		{
			name: "static exec",
			builder: &imagetest.Builder{
				Type:   image.TypeSCEExec,
				Static: true,
			},
			expectedErr: rtld.ErrStaticImage,
		},
		{
			name: "static dynexec",
			builder: &imagetest.Builder{
				Type:   image.TypeSCEDynExec,
				Static: true,
			},
			expectedErr: rtld.ErrWrongImageType,
		},
		{
			name:        "shared object",
			builder:     libcBuilder(),
			expectedErr: rtld.ErrWrongImageType,
		},
		{
			name: "multiple text programs",
			builder: func() *imagetest.Builder {
				b := appBuilder()
				b.Extra = []image.Program{{
					Type:    elf.PT_LOAD,
					Flags:   elf.PF_R | elf.PF_X,
					Vaddr:   0x100000,
					MemSize: 0x10,
					Align:   imagetest.PageSize,
				}}

				return b
			}(),
			expectedErr: rtld.ErrMultipleExecProgram,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, rtld.ProcessConfig{}, map[string]*imagetest.Builder{
				appPath: tt.builder,
			})

			app, err := f.linker.Exec(f.process, appPath)
			require.ErrorIs(t, err, tt.expectedErr)

			if tt.expectedErr != nil {
				assert.Nil(t, f.process.App())
				return
			}

			assert.Equal(t, app, f.process.App())
			tt.assertFn(t, app, f.process)
		})
	}
}

func TestLinker_ExecTwice(t *testing.T) {
	f := newFixture(t, rtld.ProcessConfig{}, defaultFiles())

	_, err := f.linker.Exec(f.process, appPath)
	require.NoError(t, err)

	_, err = f.linker.Exec(f.process, appPath)
	require.ErrorIs(t, err, rtld.ErrSecondExec)
	assert.ErrorIs(t, err, rtld.ErrUnimplemented)
}

func TestLinker_ExecMissing(t *testing.T) {
	f := newFixture(t, rtld.ProcessConfig{}, nil)

	_, err := f.linker.Exec(f.process, appPath)
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestLinker_Load(t *testing.T) {
	t.Run("without executable", func(t *testing.T) {
		f := newFixture(t, rtld.ProcessConfig{}, defaultFiles())

		_, err := f.linker.Load(f.process, kernelPath, 0, false, false)
		require.ErrorIs(t, err, rtld.ErrNoExecutable)
	})

	t.Run("fresh", func(t *testing.T) {
		f := newFixture(t, rtld.ProcessConfig{}, defaultFiles())
		app, kernel := f.start(t)

		assert.Equal(t, uint32(1), kernel.ID())
		assert.Equal(t, kernelPath, kernel.Path())
		assert.Equal(t, "libkernel.sprx", kernel.Name())
		assert.Equal(t, uint32(1), kernel.RefCount())
		assert.Equal(t, uint32(2), kernel.TLSIndex())
		assert.Equal(t, rtld.IsSystem, kernel.Flags()&rtld.IsSystem)
		assert.Equal(t, []*rtld.Module{app, kernel}, f.process.Modules())
		assert.Equal(t, []*rtld.Module{app, kernel}, f.process.Mains())
		assert.Equal(t, uint32(2), f.process.TLSLayout().MaxIndex)

		libc, err := f.linker.Load(f.process, libcPath, 0, false, false)
		require.NoError(t, err)

		assert.Equal(t, uint32(2), libc.ID())
		assert.Zero(t, libc.TLSIndex(), "no TLS block")
		assert.Zero(t, libc.Flags()&rtld.IsSystem)
		assert.Equal(t, []*rtld.Module{app, kernel}, f.process.Mains())
	})

	t.Run("same path", func(t *testing.T) {
		f := newFixture(t, rtld.ProcessConfig{}, defaultFiles())
		_, kernel := f.start(t)

		again, err := f.linker.Load(f.process, "/system/common/lib/../lib/libkernel.sprx", 0, true, false)
		require.NoError(t, err)

		assert.Same(t, kernel, again)
		assert.Equal(t, uint32(2), kernel.RefCount())
		assert.Len(t, f.process.Modules(), 2)
	})

	t.Run("same name", func(t *testing.T) {
		files := defaultFiles()
		files["/app0/sce_module/libkernel.sprx"] = kernelBuilder()

		f := newFixture(t, rtld.ProcessConfig{}, files)
		_, kernel := f.start(t)

		again, err := f.linker.Load(f.process, "/app0/sce_module/libkernel.sprx", 0, false, false)
		require.NoError(t, err)

		assert.Same(t, kernel, again)
		assert.Equal(t, uint32(1), kernel.RefCount(), "refcount unchanged")

		forced, err := f.linker.Load(f.process, "/app0/sce_module/libkernel.sprx", 0, true, false)
		require.NoError(t, err)

		assert.NotSame(t, kernel, forced)
		assert.Equal(t, uint32(2), forced.ID())
		assert.Equal(t, uint32(3), forced.TLSIndex())
	})

	t.Run("impure text", func(t *testing.T) {
		b := libcBuilder()
		b.TextRel = true

		f := newFixture(t, rtld.ProcessConfig{}, map[string]*imagetest.Builder{
			appPath:  appBuilder(),
			libcPath: b,
		})

		_, err := f.linker.Exec(f.process, appPath)
		require.NoError(t, err)

		_, err = f.linker.Load(f.process, libcPath, 0, false, false)
		require.ErrorIs(t, err, rtld.ErrImpureText)
		assert.Equal(t, syscalls.EINVAL, rtld.Errno(err))
		assert.Len(t, f.process.Modules(), 1)
	})

	t.Run("impure text with TLS", func(t *testing.T) {
		b := libcBuilder()
		b.TextRel = true
		b.TLS = &imagetest.TLS{Size: 8, Align: 8}

		f := newFixture(t, rtld.ProcessConfig{}, map[string]*imagetest.Builder{
			appPath:  appBuilder(),
			libcPath: b,
		})

		_, err := f.linker.Exec(f.process, appPath)
		require.NoError(t, err)

		_, err = f.linker.Load(f.process, libcPath, 0, false, false)
		require.ErrorIs(t, err, rtld.ErrImpureText)
		assert.Equal(t, uint32(1), f.process.TLSLayout().MaxIndex, "no index taken")
	})

	t.Run("invalid TLS alignment", func(t *testing.T) {
		b := libcBuilder()
		b.TLS = &imagetest.TLS{Size: 8, Align: 24}

		f := newFixture(t, rtld.ProcessConfig{}, map[string]*imagetest.Builder{
			appPath:  appBuilder(),
			libcPath: b,
		})

		_, err := f.linker.Exec(f.process, appPath)
		require.NoError(t, err)

		_, err = f.linker.Load(f.process, libcPath, 0, false, false)
		require.ErrorIs(t, err, rtld.ErrInvalidProgramAlignment)
		assert.Equal(t, syscalls.ENOEXEC, rtld.Errno(err))
		assert.Len(t, f.process.Modules(), 1)
		assert.Equal(t, uint32(1), f.process.TLSLayout().MaxIndex, "no index taken")
	})

	t.Run("wrong type", func(t *testing.T) {
		f := newFixture(t, rtld.ProcessConfig{}, map[string]*imagetest.Builder{
			appPath:  appBuilder(),
			libcPath: appBuilder(),
		})

		_, err := f.linker.Exec(f.process, appPath)
		require.NoError(t, err)

		_, err = f.linker.Load(f.process, libcPath, 0, false, false)
		require.ErrorIs(t, err, rtld.ErrWrongImageType)
		assert.ErrorIs(t, err, rtld.ErrImageFormat)
	})

	t.Run("sanitizer", func(t *testing.T) {
		app := appBuilder()
		app.NeededModules = append(app.NeededModules,
			image.ModuleInfo{ID: 2, Name: "libSceDbgAddressSanitizer"})

		f := newFixture(t, rtld.ProcessConfig{}, map[string]*imagetest.Builder{
			appPath:  app,
			libcPath: libcBuilder(),
		})

		_, err := f.linker.Exec(f.process, appPath)
		require.NoError(t, err)

		_, err = f.linker.Load(f.process, libcPath, 0, false, false)
		require.ErrorIs(t, err, rtld.ErrSanitizer)
	})
}

func TestLinker_LoadAll(t *testing.T) {
	f := newFixture(t, rtld.ProcessConfig{}, defaultFiles())
	f.linker.ParseLimit = 2

	app, err := f.linker.Exec(f.process, appPath)
	require.NoError(t, err)

	modules, err := f.linker.LoadAll(context.Background(), f.process,
		[]string{kernelPath, libcPath, kernelPath}, true)
	require.NoError(t, err)
	require.Len(t, modules, 3)

	assert.Equal(t, uint32(1), modules[0].ID())
	assert.Equal(t, uint32(2), modules[1].ID())
	assert.Same(t, modules[0], modules[2])
	assert.Equal(t, uint32(2), modules[0].RefCount())
	assert.Equal(t, []*rtld.Module{app, modules[0], modules[1]}, f.process.Mains())

	_, err = f.linker.LoadAll(context.Background(), f.process, []string{"/missing.sprx"}, false)
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestLinker_LoadPRX(t *testing.T) {
	t.Run("links once", func(t *testing.T) {
		f := newFixture(t, rtld.ProcessConfig{}, defaultFiles())
		f.start(t)

		libc, err := f.linker.LoadPRX(f.process, libcPath, 0x20000)
		require.NoError(t, err)

		assert.Equal(t, rtld.RelocDone, libc.RelocState())
		assert.Equal(t, rtld.DAGInitialized, libc.DAGState())
		assert.Equal(t, rtld.Unk800, libc.Flags()&(rtld.Unk800|rtld.Unk1000))
		assert.Contains(t, f.process.Globals(), libc)

		again, err := f.linker.LoadPRX(f.process, libcPath, 0x40000)
		require.NoError(t, err)

		assert.Same(t, libc, again)
		assert.Equal(t, uint32(2), libc.RefCount())
		assert.Equal(t, rtld.Unk800, libc.Flags()&(rtld.Unk800|rtld.Unk1000),
			"flags from first load kept")
		assert.Len(t, f.process.Globals(), 1)
	})

	t.Run("relocation failure", func(t *testing.T) {
		b := libcBuilder()
		b.Relocations = []image.Relocation{
			{Offset: b.Layout().DataAddr, Type: 0x7f},
		}

		files := defaultFiles()
		files[libcPath] = b

		f := newFixture(t, rtld.ProcessConfig{}, files)
		f.start(t)

		for attempt := range 2 {
			md, err := f.linker.LoadPRX(f.process, libcPath, 0)
			require.ErrorIs(t, err, rtld.ErrUnsupportedRela, "attempt %d", attempt)
			assert.Equal(t, syscalls.ENOEXEC, rtld.Errno(err), "attempt %d", attempt)
			assert.Nil(t, md, "attempt %d", attempt)
		}

		modules := f.process.Modules()
		require.Len(t, modules, 3)

		libc := modules[2]
		assert.Equal(t, libcPath, libc.Path())
		assert.Zero(t, libc.RefCount())
		assert.Equal(t, rtld.RelocPending, libc.RelocState())
		assert.NotContains(t, f.process.Globals(), libc)

		_, resolved := libc.Relocated(0)
		assert.False(t, resolved)
	})
}

func TestLinker_Unload(t *testing.T) {
	f := newFixture(t, rtld.ProcessConfig{}, defaultFiles())
	_, kernel := f.start(t)

	libc, err := f.linker.LoadPRX(f.process, libcPath, 0)
	require.NoError(t, err)

	_, err = f.linker.Load(f.process, libcPath, 0, false, false)
	require.NoError(t, err)
	require.Equal(t, uint32(2), libc.RefCount())

	require.NoError(t, f.linker.ProcessNeededAndRelocate(f.process))

	err = f.linker.Unload(f.process, 0)
	require.ErrorIs(t, err, rtld.ErrUnloadMain)

	err = f.linker.Unload(f.process, 42)
	require.ErrorIs(t, err, rtld.ErrModuleNotFound)

	err = f.linker.Unload(f.process, kernel.ID())
	require.ErrorIs(t, err, rtld.ErrModuleBusy, "app depends on it")
	assert.Equal(t, syscalls.EBUSY, rtld.Errno(err))

	require.NoError(t, f.linker.Unload(f.process, libc.ID()))
	assert.Equal(t, uint32(1), libc.RefCount())
	assert.Contains(t, f.process.Modules(), libc)

	require.NoError(t, f.linker.Unload(f.process, libc.ID()))
	assert.NotContains(t, f.process.Modules(), libc)
	assert.NotContains(t, f.process.Globals(), libc)
	assert.Empty(t, libc.DAGStatic())

	_, err = f.as.Protection(libc.Memory().Addr())
	assert.Error(t, err, "unmapped")
}
