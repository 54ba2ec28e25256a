// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vm

import (
	"fmt"
	"slices"
)

// mapping is a single contiguous mapping with per page protections.
type mapping struct {
	addr  uint64
	data  []byte
	prots []Protections
}

func (m *mapping) end() uint64 {
	return m.addr + uint64(len(m.data))
}

func (m *mapping) contains(addr, length uint64) bool {
	return addr >= m.addr && length <= m.end()-addr && addr < m.end()
}

// regions is the bookkeeping shared by the address space implementations.
// It is not safe for concurrent use.
type regions struct {
	pageSize uint64
	list     []*mapping // Sorted by address.
}

func (r *regions) checkRange(addr, length uint64) error {
	if length == 0 || addr%r.pageSize != 0 || length%r.pageSize != 0 {
		return fmt.Errorf("%w: range %#x+%#x", ErrInvalidArgument, addr, length)
	}

	if addr+length < addr {
		return fmt.Errorf("%w: range %#x+%#x overflows", ErrInvalidArgument, addr, length)
	}

	return nil
}

// find returns the mapping that contains the given range entirely.
func (r *regions) find(addr, length uint64) (*mapping, error) {
	idx, _ := slices.BinarySearchFunc(r.list, addr, func(m *mapping, addr uint64) int {
		switch {
		case m.end() <= addr:
			return -1
		case m.addr > addr:
			return 1
		default:
			return 0
		}
	})

	if idx < len(r.list) && r.list[idx].contains(addr, max(length, 1)) {
		return r.list[idx], nil
	}

	return nil, fmt.Errorf("%w: %#x+%#x", ErrNotMapped, addr, length)
}

func (r *regions) overlaps(addr, length uint64) bool {
	for _, m := range r.list {
		if addr < m.end() && m.addr < addr+length {
			return true
		}
	}

	return false
}

// freeRange returns the lowest free address in [lower, upper) that fits the
// given length.
func (r *regions) freeRange(lower, upper, length uint64) (uint64, error) {
	candidate := lower

	for _, m := range r.list {
		if m.end() <= candidate {
			continue
		}

		if m.addr >= candidate+length {
			break
		}

		candidate = m.end()
	}

	if candidate+length < candidate || candidate+length > upper {
		return 0, fmt.Errorf("%w: %#x bytes", ErrNoSpace, length)
	}

	return candidate, nil
}

func (r *regions) insert(m *mapping) {
	idx, _ := slices.BinarySearchFunc(r.list, m.addr, func(e *mapping, addr uint64) int {
		switch {
		case e.addr < addr:
			return -1
		case e.addr > addr:
			return 1
		default:
			return 0
		}
	})

	r.list = slices.Insert(r.list, idx, m)
}

// remove deletes the mapping that starts at addr and has the given length.
// Partial unmapping is not supported.
func (r *regions) remove(addr, length uint64) (*mapping, error) {
	for idx, m := range r.list {
		if m.addr != addr {
			continue
		}

		if uint64(len(m.data)) != length {
			return nil, fmt.Errorf("%w: partial unmap of %#x+%#x", ErrInvalidArgument, addr, length)
		}

		r.list = slices.Delete(r.list, idx, idx+1)

		return m, nil
	}

	return nil, fmt.Errorf("%w: %#x+%#x", ErrNotMapped, addr, length)
}

func (r *regions) protection(addr uint64) (Protections, error) {
	m, err := r.find(addr, 1)
	if err != nil {
		return 0, err
	}

	return m.prots[(addr-m.addr)/r.pageSize], nil
}

func (r *regions) bytes(addr, length uint64) ([]byte, error) {
	m, err := r.find(addr, length)
	if err != nil {
		return nil, err
	}

	start := addr - m.addr

	return m.data[start : start+length : start+length], nil
}

func newMapping(addr uint64, data []byte, pageSize uint64, prot Protections) *mapping {
	prots := make([]Protections, uint64(len(data))/pageSize)
	for i := range prots {
		prots[i] = prot
	}

	return &mapping{
		addr:  addr,
		data:  data,
		prots: prots,
	}
}
