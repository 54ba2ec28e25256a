// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package rtld

import (
	"iter"
	"log/slog"
	"slices"

	"github.com/aibor/sceld/internal/vfs"
)

// needed returns an iterator over the loaded modules md declares a DT_NEEDED
// dependency on, in declaration order. Dependencies are matched by their
// file name without extension, so "libkernel.prx" is satisfied by
// "/system/common/lib/libkernel.sprx". Dependencies that are not loaded are
// skipped. p.mu must be held.
func (p *Process) needed(md *Module) iter.Seq[*Module] {
	return func(yield func(*Module) bool) {
		dyn := md.Dynamic()
		if dyn == nil {
			return
		}

		for _, name := range dyn.Needed {
			stem := vfs.Stem(name)

			idx := slices.IndexFunc(p.list, func(m *Module) bool {
				return m != md && vfs.Stem(m.path) == stem
			})
			if idx < 0 {
				continue
			}

			if !yield(p.list[idx]) {
				return
			}
		}
	}
}

// initDAG builds the dependency lists of md. The module itself is always
// first, followed by the breadth first closure over the declared
// dependencies. Calling it again is a no-op. p.mu must be held.
func (p *Process) initDAG(md *Module) {
	md.mu.RLock()
	state := md.dagState
	md.mu.RUnlock()

	if state == DAGInitialized {
		return
	}

	dag := []*Module{md}

	for queued := 0; queued < len(dag); queued++ {
		for dep := range p.needed(dag[queued]) {
			if !slices.Contains(dag, dep) {
				dag = append(dag, dep)
			}
		}
	}

	md.mu.Lock()
	md.dagStatic = dag
	md.dagDynamic = slices.Clone(dag)
	md.dagState = DAGInitialized
	md.mu.Unlock()

	slog.Debug("DAG initialized",
		slog.String("path", md.path),
		slog.Int("members", len(dag)),
	)
}

// referencedBy returns the first module other than md whose dependency
// lists contain md. p.mu must be held.
func (p *Process) referencedBy(md *Module) (*Module, bool) {
	for _, other := range p.list {
		if other == md {
			continue
		}

		other.mu.RLock()
		found := slices.Contains(other.dagStatic, md) || slices.Contains(other.dagDynamic, md)
		other.mu.RUnlock()

		if found {
			return other, true
		}
	}

	return nil, false
}

// dropDAG releases the dependency lists.
func (m *Module) dropDAG() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dagStatic = nil
	m.dagDynamic = nil
	m.dagState = DAGPending
}
