// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vm

// AddressSpace is a guest address space.
//
// All addresses and lengths passed to Map, Unmap and Protect must be aligned
// to [AddressSpace.PageSize]. Implementations must be safe for concurrent
// use. Slices returned by Bytes alias guest memory and are only valid as
// long as the range stays mapped.
type AddressSpace interface {
	// PageSize returns the page granularity of the address space.
	PageSize() uint64

	// Map creates a new zero-filled mapping. If addr is 0 the address space
	// chooses the address. It returns the start address of the mapping.
	Map(addr, length uint64, prot Protections) (uint64, error)

	// Unmap removes the mapping of the given range.
	Unmap(addr, length uint64) error

	// Protect changes the protections of the given range.
	Protect(addr, length uint64, prot Protections) error

	// Protection returns the protections of the page containing addr.
	Protection(addr uint64) (Protections, error)

	// Bytes returns raw kernel access to the given range, regardless of
	// its protections. The range must be mapped entirely within a single
	// mapping.
	Bytes(addr, length uint64) ([]byte, error)
}

// AlignUp rounds v up to the next multiple of align, which must be a power
// of two.
func AlignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// AlignDown rounds v down to a multiple of align, which must be a power of
// two.
func AlignDown(v, align uint64) uint64 {
	return v &^ (align - 1)
}

// IsPowerOfTwo reports whether v is a power of two.
func IsPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}
