// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vm

import "strings"

// Protections of guest pages.
type Protections uint32

// Protection bits as used by the console kernel.
const (
	CPURead  Protections = 0x01
	CPUWrite Protections = 0x02
	CPUExec  Protections = 0x04
	GPURead  Protections = 0x10
	GPUWrite Protections = 0x20

	CPUMask = CPURead | CPUWrite | CPUExec
)

// Has returns true if all bits of other are set.
func (p Protections) Has(other Protections) bool {
	return p&other == other
}

func (p Protections) String() string {
	var b strings.Builder

	for _, f := range []struct {
		bit  Protections
		char byte
	}{
		{CPURead, 'r'},
		{CPUWrite, 'w'},
		{CPUExec, 'x'},
	} {
		if p.Has(f.bit) {
			b.WriteByte(f.char)
		} else {
			b.WriteByte('-')
		}
	}

	if p&(GPURead|GPUWrite) != 0 {
		b.WriteString("+gpu")
	}

	return b.String()
}
