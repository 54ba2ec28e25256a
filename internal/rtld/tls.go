// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package rtld

import (
	"fmt"
	"log/slog"

	"github.com/aibor/sceld/internal/vm"
)

// TLSLayout is the placement state of the static TLS space of a process.
type TLSLayout struct {
	// MaxIndex is the highest TLS index issued so far.
	MaxIndex uint32

	// LastOffset and LastSize describe the most recently placed block.
	LastOffset uint64
	LastSize   uint64

	// StaticSpace is the ceiling of the static TLS space. 0 is unlimited.
	StaticSpace uint64
}

// TLSLayout returns a snapshot of the TLS layout.
func (p *Process) TLSLayout() TLSLayout {
	p.tlsMu.Lock()
	defer p.tlsMu.Unlock()

	return p.tls
}

// findFreeTLSIndex returns the lowest TLS index no module of the process
// uses. The search starts at 1 and stops as soon as it passes the highest
// index issued so far. p.mu must be held.
func (p *Process) findFreeTLSIndex() uint32 {
	p.tlsMu.Lock()
	defer p.tlsMu.Unlock()

	used := func(index uint32) bool {
		for _, md := range p.list {
			if md.tlsIndex == index {
				return true
			}
		}

		return false
	}

	index := uint32(1)

	for used(index) {
		index++

		if index > p.tls.MaxIndex {
			p.tls.MaxIndex = index
			break
		}
	}

	return index
}

// assignTLS places the TLS block of md in the static TLS space. Modules
// that have been placed already are skipped. A block that would end behind
// the static space ceiling is left unassigned.
func (p *Process) assignTLS(md *Module) {
	p.tlsMu.Lock()
	defer p.tlsMu.Unlock()

	md.mu.Lock()
	defer md.mu.Unlock()

	if md.tlsState == TLSAssigned {
		return
	}

	prog, exists := md.TLS()
	if !exists {
		md.tlsState = TLSAssigned
		return
	}

	// A power of two, checked on mapping.
	align := max(prog.Align, 1)

	var offset uint64
	if md.tlsIndex == 1 {
		offset = vm.AlignUp(prog.MemSize, align)
	} else {
		offset = vm.AlignUp(p.tls.LastOffset+prog.MemSize, align)
	}

	if p.tls.StaticSpace != 0 && offset > p.tls.StaticSpace {
		slog.Warn("TLS block exceeds static TLS space",
			slog.String("path", md.path),
			slog.String("offset", fmt.Sprintf("%#x", offset)),
			slog.String("static_space", fmt.Sprintf("%#x", p.tls.StaticSpace)),
		)

		return
	}

	md.tlsOffset = offset
	md.tlsState = TLSAssigned

	p.tls.LastOffset = offset
	p.tls.LastSize = prog.MemSize

	slog.Debug("TLS block assigned",
		slog.String("path", md.path),
		slog.Uint64("index", uint64(md.tlsIndex)),
		slog.String("offset", fmt.Sprintf("%#x", offset)),
	)
}
